package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	RoundCloseSubmitted Type = "round.close_submitted"
	RoundClosed         Type = "round.closed"
	RoundCloseFailed    Type = "round.close_failed"
	RoundReconciled     Type = "round.reconciled"

	BatchGenerated     Type = "batch.generated"
	CharacterPublished Type = "character.published"
	BatchRegistered    Type = "batch.registered"

	ConfigUpdated Type = "config.updated"
)

// Event represents a single entry in the keeper's lifecycle log.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int             `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// RoundAggregate is the aggregate id shared by every event about a round.
func RoundAggregate(roundID uint64) string {
	return fmt.Sprintf("round-%d", roundID)
}

// ConfigAggregate is the aggregate id for protocol config updates.
const ConfigAggregate = "protocol-config"

// CloseSubmittedData is the payload for RoundCloseSubmitted events.
type CloseSubmittedData struct {
	IntentID     string `json:"intent_id"`
	Owner        string `json:"owner"`
	TopBidder    string `json:"top_bidder"`
	WinningIndex uint8  `json:"winning_index"`
	TxHash       string `json:"tx_hash"`
}

// RoundClosedData is the payload for RoundClosed events.
type RoundClosedData struct {
	TxHash string `json:"tx_hash,omitempty"`
	// Observed is set when the close was learned from chain state rather
	// than from a receipt of our own transaction.
	Observed bool `json:"observed,omitempty"`
}

// CloseFailedData is the payload for RoundCloseFailed events.
type CloseFailedData struct {
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason"`
	Terminal bool   `json:"terminal"`
}

// ReconciledData is the payload for RoundReconciled events.
type ReconciledData struct {
	TxHash  string `json:"tx_hash"`
	Outcome string `json:"outcome"`
}

// BatchGeneratedData is the payload for BatchGenerated events.
type BatchGeneratedData struct {
	Names []string `json:"names"`
}

// CharacterPublishedData is the payload for CharacterPublished events.
type CharacterPublishedData struct {
	Index       int    `json:"index"`
	AvatarCID   string `json:"avatar_cid"`
	MetadataCID string `json:"metadata_cid"`
}

// BatchRegisteredData is the payload for BatchRegistered events.
type BatchRegisteredData struct {
	TxHash string `json:"tx_hash,omitempty"`
}

// ConfigUpdatedData is the payload for ConfigUpdated events.
type ConfigUpdatedData struct {
	Field    string `json:"field"`
	Previous string `json:"previous"`
	Value    string `json:"value"`
	TxHash   string `json:"tx_hash,omitempty"`
}

// New builds an event with a JSON-encoded payload. Version is left at zero
// so the store assigns the next one for the aggregate.
func New(aggregateID string, typ Type, data any, at time.Time) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling %s payload: %w", typ, err)
	}
	return Event{
		AggregateID: aggregateID,
		Type:        typ,
		Data:        raw,
		CreatedAt:   at,
	}, nil
}

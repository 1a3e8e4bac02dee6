package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when a record already exists.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotOwner is returned when a ledger transition is attempted by an
	// instance that does not hold the claim.
	ErrNotOwner = errors.New("claim held by another owner")
)

// LedgerStatus is the lifecycle of a round in the idempotency ledger.
type LedgerStatus string

const (
	// LedgerClaimed means an instance owns the right to submit the close.
	LedgerClaimed LedgerStatus = "claimed"
	// LedgerSubmitted means a signed close transaction hash was persisted
	// before broadcast.
	LedgerSubmitted LedgerStatus = "submitted"
	// LedgerClosed means the close is confirmed on chain.
	LedgerClosed LedgerStatus = "closed"
	// LedgerReleased means the claim was given up and may be retaken.
	LedgerReleased LedgerStatus = "released"
	// LedgerFailed means the close was abandoned after repeated failures and
	// needs operator attention.
	LedgerFailed LedgerStatus = "failed"
)

// LedgerEntry is the durable record of the keeper's intent for one round.
type LedgerEntry struct {
	RoundID      uint64       `db:"round_id"`
	Status       LedgerStatus `db:"status"`
	Owner        string       `db:"owner"`
	IntentID     *string      `db:"intent_id"`
	TopBidder    *string      `db:"top_bidder"`
	WinningIndex *int16       `db:"winning_index"`
	TxHash       *string      `db:"tx_hash"`
	Attempts     int          `db:"attempts"`
	LastError    *string      `db:"last_error"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

// Submission is the close intent recorded right before broadcast.
type Submission struct {
	IntentID     string
	TopBidder    string
	WinningIndex uint8
	TxHash       string
}

// LedgerRepository is the idempotency ledger for round closes.
type LedgerRepository interface {
	// Get returns the entry for a round or ErrNotFound.
	Get(ctx context.Context, roundID uint64) (*LedgerEntry, error)
	// Claim takes exclusive ownership of a round. It creates the entry or
	// retakes a released one and reports whether owner now holds the claim.
	Claim(ctx context.Context, roundID uint64, owner string) (bool, error)
	// MarkSubmitted records the signed close transaction for a claimed round.
	MarkSubmitted(ctx context.Context, roundID uint64, owner string, sub Submission) error
	// MarkClosed records a confirmed close. It is valid from any status.
	MarkClosed(ctx context.Context, roundID uint64, txHash string) error
	// Release gives up a claim, recording the failure, and returns the
	// number of failed attempts so far.
	Release(ctx context.Context, roundID uint64, owner, reason string) (int, error)
	// MarkFailed abandons the round until an operator intervenes.
	MarkFailed(ctx context.Context, roundID uint64, reason string) error
	// Reset returns a failed round to released with no attempts so the
	// coordinator tries again.
	Reset(ctx context.Context, roundID uint64) error
	// ListByStatus returns entries in the given statuses ordered by round.
	ListByStatus(ctx context.Context, statuses ...LedgerStatus) ([]LedgerEntry, error)
}

// BatchStatus is the lifecycle of a generated character batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchPublished  BatchStatus = "published"
	BatchRegistered BatchStatus = "registered"
)

// Batch is the set of characters generated for one round.
type Batch struct {
	RoundID   uint64      `db:"round_id"`
	Status    BatchStatus `db:"status"`
	TxHash    *string     `db:"tx_hash"`
	CreatedAt time.Time   `db:"created_at"`
	UpdatedAt time.Time   `db:"updated_at"`
}

// BatchCharacter is one generated character and its publication state.
type BatchCharacter struct {
	RoundID     uint64  `db:"round_id"`
	Index       int     `db:"idx"`
	Name        string  `db:"name"`
	Symbol      string  `db:"symbol"`
	Description string  `db:"description"`
	Avatar      []byte  `db:"avatar"`
	AvatarCID   *string `db:"avatar_cid"`
	MetadataCID *string `db:"metadata_cid"`
}

// Published reports whether both the avatar and metadata are stored.
func (c BatchCharacter) Published() bool {
	return c.AvatarCID != nil && c.MetadataCID != nil
}

// BatchRepository persists character batches between pipeline steps.
type BatchRepository interface {
	// CreateBatch stores a pending batch with its characters, or returns
	// ErrDuplicateKey when the round already has one.
	CreateBatch(ctx context.Context, b *Batch, chars []BatchCharacter) error
	// GetBatch returns the batch and its characters ordered by index, or
	// ErrNotFound.
	GetBatch(ctx context.Context, roundID uint64) (*Batch, []BatchCharacter, error)
	MarkCharacterPublished(ctx context.Context, roundID uint64, index int, avatarCID, metadataCID string) error
	SetBatchStatus(ctx context.Context, roundID uint64, status BatchStatus, txHash string) error
	ListByStatus(ctx context.Context, statuses ...BatchStatus) ([]Batch, error)
}

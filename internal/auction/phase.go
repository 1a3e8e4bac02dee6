package auction

import (
	"time"

	"github.com/digichar/keeper/internal/chain"
	"github.com/digichar/keeper/internal/store"
)

// Phase is where a round stands from the keeper's point of view.
type Phase string

const (
	PhaseOpen         Phase = "open"
	PhaseReadyToClose Phase = "ready_to_close"
	PhaseClosing      Phase = "closing"
	PhaseClosed       Phase = "closed"
)

// State is the coordinator's position in its step.
type State string

const (
	StateIdle         State = "idle"
	StateObserving    State = "observing"
	StateClosePending State = "close_pending"
	StateClosing      State = "closing"
	StatePostClose    State = "post_close"
)

// DerivePhase combines the chain's view of a round with the ledger entry
// for it. The chain decides whether a round is closed; the ledger only says
// whether a close is in flight.
func DerivePhase(r chain.Round, entry *store.LedgerEntry, now time.Time) Phase {
	if r.Closed {
		return PhaseClosed
	}
	if entry != nil && (entry.Status == store.LedgerClaimed || entry.Status == store.LedgerSubmitted) {
		return PhaseClosing
	}
	if !now.Before(r.EndTime) {
		return PhaseReadyToClose
	}
	return PhaseOpen
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/store"
)

// LedgerRepo is an in-memory implementation of store.LedgerRepository.
type LedgerRepo struct {
	mu    sync.Mutex
	clock clock.Clock
	data  map[uint64]*store.LedgerEntry
}

// NewLedgerRepo creates an empty ledger.
func NewLedgerRepo(clk clock.Clock) *LedgerRepo {
	return &LedgerRepo{clock: clk, data: make(map[uint64]*store.LedgerEntry)}
}

// Get returns a copy of the entry for roundID.
func (r *LedgerRepo) Get(_ context.Context, roundID uint64) (*store.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.data[roundID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// Claim creates the entry or retakes a released one.
func (r *LedgerRepo) Claim(_ context.Context, roundID uint64, owner string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now().UTC()
	e, ok := r.data[roundID]
	if !ok {
		r.data[roundID] = &store.LedgerEntry{
			RoundID:   roundID,
			Status:    store.LedgerClaimed,
			Owner:     owner,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return true, nil
	}
	if e.Status != store.LedgerReleased {
		return false, nil
	}
	e.Status = store.LedgerClaimed
	e.Owner = owner
	e.IntentID, e.TopBidder, e.WinningIndex, e.TxHash = nil, nil, nil, nil
	e.UpdatedAt = now
	return true, nil
}

// MarkSubmitted records the signed close for a round claimed by owner.
func (r *LedgerRepo) MarkSubmitted(_ context.Context, roundID uint64, owner string, sub store.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.data[roundID]
	if !ok {
		return store.ErrNotFound
	}
	if e.Owner != owner || e.Status != store.LedgerClaimed {
		return fmt.Errorf("round %d is %s by %q: %w", roundID, e.Status, e.Owner, store.ErrNotOwner)
	}
	e.Status = store.LedgerSubmitted
	e.IntentID = ptr(sub.IntentID)
	e.TopBidder = ptr(sub.TopBidder)
	e.WinningIndex = ptr(int16(sub.WinningIndex))
	e.TxHash = ptr(sub.TxHash)
	e.UpdatedAt = r.clock.Now().UTC()
	return nil
}

// MarkClosed records a confirmed close, creating the entry if needed.
func (r *LedgerRepo) MarkClosed(_ context.Context, roundID uint64, txHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now().UTC()
	e, ok := r.data[roundID]
	if !ok {
		e = &store.LedgerEntry{RoundID: roundID, CreatedAt: now}
		r.data[roundID] = e
	}
	e.Status = store.LedgerClosed
	if txHash != "" {
		e.TxHash = ptr(txHash)
	}
	e.UpdatedAt = now
	return nil
}

// Release gives up owner's claim and returns the attempt count.
func (r *LedgerRepo) Release(_ context.Context, roundID uint64, owner, reason string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.data[roundID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if e.Owner != owner || (e.Status != store.LedgerClaimed && e.Status != store.LedgerSubmitted) {
		return e.Attempts, fmt.Errorf("round %d is %s by %q: %w", roundID, e.Status, e.Owner, store.ErrNotOwner)
	}
	e.Status = store.LedgerReleased
	e.Attempts++
	e.LastError = ptr(reason)
	e.UpdatedAt = r.clock.Now().UTC()
	return e.Attempts, nil
}

// MarkFailed abandons the round.
func (r *LedgerRepo) MarkFailed(_ context.Context, roundID uint64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.data[roundID]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = store.LedgerFailed
	e.LastError = ptr(reason)
	e.UpdatedAt = r.clock.Now().UTC()
	return nil
}

// Reset moves a failed round back to released.
func (r *LedgerRepo) Reset(_ context.Context, roundID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.data[roundID]
	if !ok {
		return store.ErrNotFound
	}
	if e.Status != store.LedgerFailed {
		return fmt.Errorf("round %d is %s, not failed", roundID, e.Status)
	}
	e.Status = store.LedgerReleased
	e.Attempts = 0
	e.UpdatedAt = r.clock.Now().UTC()
	return nil
}

// ListByStatus returns copies of matching entries ordered by round.
func (r *LedgerRepo) ListByStatus(_ context.Context, statuses ...store.LedgerStatus) ([]store.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []store.LedgerEntry
	for _, e := range r.data {
		if contains(statuses, e.Status) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundID < out[j].RoundID })
	return out, nil
}

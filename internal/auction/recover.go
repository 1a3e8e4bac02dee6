package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/digichar/keeper/internal/store"
)

// Recover reconciles every close this instance left in flight, and stale
// ones left by other instances, before any new close is submitted. It is
// run on start and whenever leadership is gained, and returns how many
// entries were settled.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()

	ctx, span := c.tracer.Start(ctx, "Coordinator.Recover")
	defer span.End()

	entries, err := c.ledger.ListByStatus(ctx, store.LedgerClaimed, store.LedgerSubmitted)
	if err != nil {
		return 0, recordErr(span, fmt.Errorf("listing in-flight closes: %w", err))
	}

	var (
		settled int
		errs    []error
	)
	for i := range entries {
		e := &entries[i]
		if e.Owner != c.owner && c.clock.Now().Sub(e.UpdatedAt) < c.staleAfter {
			c.logger.InfoContext(ctx, "leaving fresh claim of another instance",
				slog.Uint64("round_id", e.RoundID),
				slog.String("owner", e.Owner),
			)
			continue
		}

		err := c.reconcile(ctx, e.RoundID, e.Owner, entryHash(e), nil)
		switch {
		case err == nil, errors.Is(err, ErrAuctionCloseFailed):
			// Closed, or released for a fresh attempt.
			settled++
		case errors.Is(err, ErrCloseUnconfirmed):
			c.logger.InfoContext(ctx, "close still pending after restart",
				slog.Uint64("round_id", e.RoundID),
				slog.String("status", string(e.Status)),
			)
		default:
			errs = append(errs, fmt.Errorf("round %d: %w", e.RoundID, err))
		}
	}

	c.logger.InfoContext(ctx, "close recovery complete",
		slog.Int("in_flight", len(entries)),
		slog.Int("settled", settled),
	)
	if err := errors.Join(errs...); err != nil {
		return settled, recordErr(span, fmt.Errorf("recovering closes: %w", err))
	}
	return settled, nil
}

package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/digichar/keeper/internal/chain"
	"github.com/digichar/keeper/internal/event"
	"github.com/digichar/keeper/internal/store"
)

// close claims the round, derives the close arguments from fresh chain
// state and submits exactly one close transaction.
func (c *Coordinator) close(ctx context.Context, roundID uint64) error {
	ctx, span := c.tracer.Start(ctx, "Coordinator.close",
		trace.WithAttributes(attribute.Int64("round_id", int64(roundID))))
	defer span.End()

	c.setState(StateClosePending)

	ok, err := c.ledger.Claim(ctx, roundID, c.owner)
	if err != nil {
		return recordErr(span, fmt.Errorf("claiming round %d: %w", roundID, err))
	}
	if !ok {
		c.logger.InfoContext(ctx, "round claimed by another instance",
			slog.Uint64("round_id", roundID))
		return nil
	}

	// Another party may have closed the round since we observed it.
	closed, err := c.reader.RoundClosed(ctx, roundID)
	if err != nil {
		c.releaseQuietly(ctx, roundID, err)
		return recordErr(span, fmt.Errorf("re-reading round %d: %w", roundID, err))
	}
	if closed {
		if err := c.markClosed(ctx, roundID, "", true); err != nil {
			return recordErr(span, err)
		}
		return c.postClose(ctx, roundID)
	}

	outcome, err := c.reader.Outcome(ctx, roundID)
	if err != nil {
		c.releaseQuietly(ctx, roundID, err)
		return recordErr(span, fmt.Errorf("reading outcome of round %d: %w", roundID, err))
	}
	var bidder common.Address
	if outcome.TopBidder != nil {
		bidder = *outcome.TopBidder
	}

	c.setState(StateClosing)
	intentID := uuid.NewString()
	span.SetAttributes(
		attribute.String("intent_id", intentID),
		attribute.String("top_bidder", bidder.Hex()),
		attribute.Int("winning_index", int(outcome.WinningIndex)),
	)

	onSigned := func(ctx context.Context, h common.Hash) error {
		if err := c.ledger.MarkSubmitted(ctx, roundID, c.owner, store.Submission{
			IntentID:     intentID,
			TopBidder:    bidder.Hex(),
			WinningIndex: outcome.WinningIndex,
			TxHash:       h.Hex(),
		}); err != nil {
			return err
		}
		c.record(ctx, roundID, event.RoundCloseSubmitted, event.CloseSubmittedData{
			IntentID:     intentID,
			Owner:        c.owner,
			TopBidder:    bidder.Hex(),
			WinningIndex: outcome.WinningIndex,
			TxHash:       h.Hex(),
		})
		return nil
	}

	c.logger.InfoContext(ctx, "closing round",
		slog.Uint64("round_id", roundID),
		slog.String("intent_id", intentID),
		slog.String("top_bidder", bidder.Hex()),
		slog.Int("winning_index", int(outcome.WinningIndex)),
	)

	receipt, err := c.writer.SubmitClose(ctx, roundID, bidder, outcome.WinningIndex, onSigned)
	if err == nil {
		c.metrics.RecordClose("confirmed")
		if err := c.markClosed(ctx, roundID, receipt.TxHash.Hex(), false); err != nil {
			return recordErr(span, err)
		}
		return c.postClose(ctx, roundID)
	}

	hash, signed := chain.TxHashOf(err)
	switch {
	case errors.Is(err, chain.ErrTxReverted):
		c.metrics.RecordClose("reverted")
	case errors.Is(err, chain.ErrTxTimeout):
		c.metrics.RecordClose("timeout")
	default:
		c.metrics.RecordClose("rejected")
		if !signed {
			// Nothing reached the network.
			return recordErr(span, c.release(ctx, roundID, c.owner, err))
		}
	}

	var h *common.Hash
	if signed {
		h = &hash
	}
	return recordErr(span, c.reconcile(ctx, roundID, c.owner, h, err))
}

// reconcile settles a close whose outcome is unknown or unwanted by reading
// chain state. It never submits. When txHash is set the receipt is checked
// first; a pending transaction keeps the claim so no second close is sent
// while it can still land.
func (c *Coordinator) reconcile(ctx context.Context, roundID uint64, owner string, txHash *common.Hash, cause error) error {
	ctx, span := c.tracer.Start(ctx, "Coordinator.reconcile",
		trace.WithAttributes(attribute.Int64("round_id", int64(roundID))))
	defer span.End()

	var hashHex string
	if txHash != nil {
		hashHex = txHash.Hex()
		span.SetAttributes(attribute.String("tx_hash", hashHex))

		status, receipt, err := c.reader.Receipt(ctx, *txHash)
		if err != nil {
			return recordErr(span, fmt.Errorf("reconciling round %d: %w", roundID, err))
		}
		switch {
		case status == chain.TxPending:
			c.reconciled(ctx, roundID, hashHex, "pending")
			c.alertIfStuck(ctx, roundID, hashHex)
			return fmt.Errorf("%w: round %d tx %s", ErrCloseUnconfirmed, roundID, hashHex)
		case status == chain.TxMined && receipt.Status == types.ReceiptStatusSuccessful:
			c.reconciled(ctx, roundID, hashHex, "confirmed")
			if err := c.markClosed(ctx, roundID, hashHex, false); err != nil {
				return recordErr(span, err)
			}
			return c.postClose(ctx, roundID)
		case status == chain.TxMined && cause == nil:
			cause = fmt.Errorf("%w: tx %s", chain.ErrTxReverted, hashHex)
		}
	}

	closed, err := c.reader.RoundClosed(ctx, roundID)
	if err != nil {
		return recordErr(span, fmt.Errorf("reconciling round %d: %w", roundID, err))
	}
	if closed {
		c.reconciled(ctx, roundID, hashHex, "closed")
		if err := c.markClosed(ctx, roundID, "", true); err != nil {
			return recordErr(span, err)
		}
		return c.postClose(ctx, roundID)
	}

	c.reconciled(ctx, roundID, hashHex, "open")
	if cause == nil {
		cause = errors.New("close transaction did not land")
	}
	return recordErr(span, c.release(ctx, roundID, owner, cause))
}

// release gives the claim back so a later step can retry, and abandons the
// round once attempts are exhausted.
func (c *Coordinator) release(ctx context.Context, roundID uint64, owner string, cause error) error {
	attempts, err := c.ledger.Release(ctx, roundID, owner, cause.Error())
	if err != nil {
		return fmt.Errorf("releasing round %d after %w: %w", roundID, cause, err)
	}

	terminal := attempts >= c.maxAttempts
	c.record(ctx, roundID, event.RoundCloseFailed, event.CloseFailedData{
		Attempts: attempts,
		Reason:   cause.Error(),
		Terminal: terminal,
	})

	if terminal {
		if err := c.ledger.MarkFailed(ctx, roundID, cause.Error()); err != nil {
			return fmt.Errorf("abandoning round %d: %w", roundID, err)
		}
		c.logger.ErrorContext(ctx, "giving up on round close",
			slog.Uint64("round_id", roundID),
			slog.String("phase", string(PhaseReadyToClose)),
			slog.Int("attempts", attempts),
			slog.Any("error", cause),
		)
		c.alert(ctx, roundID, "close_failed", fmt.Sprintf(
			"Closing round %d failed %d times and was abandoned: %v. Fix the cause, then run `keeperctl ledger reset %d`.",
			roundID, attempts, cause, roundID))
	} else {
		c.logger.WarnContext(ctx, "round close failed, will retry",
			slog.Uint64("round_id", roundID),
			slog.Int("attempts", attempts),
			slog.Any("error", cause),
		)
	}
	return fmt.Errorf("%w: round %d: %w", ErrAuctionCloseFailed, roundID, cause)
}

func (c *Coordinator) releaseQuietly(ctx context.Context, roundID uint64, cause error) {
	if _, err := c.ledger.Release(ctx, roundID, c.owner, cause.Error()); err != nil {
		c.logger.WarnContext(ctx, "releasing claim",
			slog.Uint64("round_id", roundID),
			slog.Any("error", err),
		)
	}
}

// markClosed records a confirmed close. observed is set when the close was
// read from chain state rather than from our own receipt.
func (c *Coordinator) markClosed(ctx context.Context, roundID uint64, txHash string, observed bool) error {
	if err := c.ledger.MarkClosed(ctx, roundID, txHash); err != nil {
		return fmt.Errorf("recording close of round %d: %w", roundID, err)
	}
	c.record(ctx, roundID, event.RoundClosed, event.RoundClosedData{TxHash: txHash, Observed: observed})
	c.logger.InfoContext(ctx, "round closed",
		slog.Uint64("round_id", roundID),
		slog.String("tx_hash", txHash),
		slog.Bool("observed", observed),
	)
	c.mu.Lock()
	if c.status.RoundID == roundID {
		c.status.Phase = PhaseClosed
	}
	c.mu.Unlock()
	return nil
}

// postClose prepares the next round. The close is final, so failures here
// are reported and retried by later steps.
func (c *Coordinator) postClose(ctx context.Context, roundID uint64) error {
	c.setState(StatePostClose)
	next := roundID + 1

	if err := c.pipeline.Run(ctx, next); err != nil {
		c.logger.ErrorContext(ctx, "preparing next round",
			slog.Uint64("round_id", next),
			slog.String("phase", string(PhaseClosed)),
			slog.Any("error", err),
		)
		c.alert(ctx, next, "pipeline:"+err.Error(), fmt.Sprintf(
			"Round %d is closed but round %d could not be prepared: %v. Retrying every poll.", roundID, next, err))
		return fmt.Errorf("preparing round %d: %w", next, err)
	}
	return nil
}

func (c *Coordinator) reconciled(ctx context.Context, roundID uint64, txHash, outcome string) {
	c.metrics.RecordReconcile(outcome)
	c.record(ctx, roundID, event.RoundReconciled, event.ReconciledData{TxHash: txHash, Outcome: outcome})
	c.logger.InfoContext(ctx, "close reconciled",
		slog.Uint64("round_id", roundID),
		slog.String("tx_hash", txHash),
		slog.String("outcome", outcome),
	)
}

// alert notifies the operator once per round and key.
func (c *Coordinator) alert(ctx context.Context, roundID uint64, key, msg string) {
	if c.notifier == nil {
		return
	}
	c.mu.Lock()
	if c.notified[roundID] == key {
		c.mu.Unlock()
		return
	}
	c.notified[roundID] = key
	c.mu.Unlock()

	if err := c.notifier.Notify(ctx, msg); err != nil {
		c.logger.WarnContext(ctx, "sending operator alert",
			slog.Uint64("round_id", roundID),
			slog.Any("error", err),
		)
	}
}

// alertIfStuck tells the operator once when a submitted close has sat in
// the mempool for longer than the stale claim window. The claim is kept.
func (c *Coordinator) alertIfStuck(ctx context.Context, roundID uint64, hashHex string) {
	entry, err := c.ledger.Get(ctx, roundID)
	if err != nil || entry.Status != store.LedgerSubmitted {
		return
	}
	age := c.clock.Now().Sub(entry.UpdatedAt)
	if age < c.staleAfter {
		return
	}
	c.logger.WarnContext(ctx, "close transaction stuck in mempool",
		slog.Uint64("round_id", roundID),
		slog.String("phase", string(PhaseClosing)),
		slog.String("tx_hash", hashHex),
		slog.Duration("age", age),
	)
	c.alert(ctx, roundID, "close_pending", fmt.Sprintf(
		"Round %d close tx %s has been pending for %s. The claim is held until it mines or drops; consider replacing it with a higher fee.",
		roundID, hashHex, age.Truncate(time.Second)))
}

// record appends an audit event. The audit log never fails a close.
func (c *Coordinator) record(ctx context.Context, roundID uint64, typ event.Type, data any) {
	evt, err := event.New(event.RoundAggregate(roundID), typ, data, c.clock.Now())
	if err == nil {
		err = c.events.Append(ctx, evt)
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "recording event",
			slog.Uint64("round_id", roundID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}

func entryHash(e *store.LedgerEntry) *common.Hash {
	if e == nil || e.TxHash == nil {
		return nil
	}
	h := common.HexToHash(*e.TxHash)
	return &h
}

func recordErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

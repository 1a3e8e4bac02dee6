// Package auction runs the auction lifecycle: it watches the current round,
// closes it once it has ended, and drives the next round's batch to
// registration.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/digichar/keeper/internal/chain"
	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/event"
	"github.com/digichar/keeper/internal/metrics"
	"github.com/digichar/keeper/internal/store"
)

// Errors returned by the coordinator.
var (
	// ErrAuctionCloseFailed means a close did not take effect and the round
	// is still open on chain.
	ErrAuctionCloseFailed = errors.New("auction close failed")
	// ErrCloseUnconfirmed means a close transaction is still pending.
	ErrCloseUnconfirmed = errors.New("close transaction unconfirmed")
)

// Pipeline prepares and registers the batch that opens a round.
type Pipeline interface {
	Run(ctx context.Context, roundID uint64) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Options configures a Coordinator.
type Options struct {
	Reader   chain.Reader
	Writer   chain.Writer
	Ledger   store.LedgerRepository
	Events   event.Store
	Pipeline Pipeline
	// Notifier is optional.
	Notifier Notifier
	Metrics  *metrics.Metrics

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Clock          clock.Clock

	// Owner identifies this instance in ledger claims.
	Owner            string
	PollInterval     time.Duration
	MaxCloseAttempts int
	// StaleClaimAfter is how long another owner's in-flight claim is
	// honoured before this instance reconciles it.
	StaleClaimAfter time.Duration
}

// Status is a snapshot of the coordinator for operators.
type Status struct {
	State     State
	RoundID   uint64
	Phase     Phase
	EndTime   time.Time
	LastTick  time.Time
	LastError string
}

// Coordinator owns the close decision for every round.
type Coordinator struct {
	reader   chain.Reader
	writer   chain.Writer
	ledger   store.LedgerRepository
	events   event.Store
	pipeline Pipeline
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    clock.Clock

	owner       string
	interval    time.Duration
	maxAttempts int
	staleAfter  time.Duration

	trigger chan struct{}

	// stepMu serialises steps.
	stepMu sync.Mutex

	mu       sync.RWMutex
	status   Status
	notified map[uint64]string
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.MaxCloseAttempts <= 0 {
		opts.MaxCloseAttempts = 5
	}
	if opts.StaleClaimAfter <= 0 {
		opts.StaleClaimAfter = 10 * time.Minute
	}
	return &Coordinator{
		reader:      opts.Reader,
		writer:      opts.Writer,
		ledger:      opts.Ledger,
		events:      opts.Events,
		pipeline:    opts.Pipeline,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		tracer:      opts.TracerProvider.Tracer("github.com/digichar/keeper/internal/auction"),
		clock:       opts.Clock,
		owner:       opts.Owner,
		interval:    opts.PollInterval,
		maxAttempts: opts.MaxCloseAttempts,
		staleAfter:  opts.StaleClaimAfter,
		trigger:     make(chan struct{}, 1),
		status:      Status{State: StateIdle},
		notified:    make(map[uint64]string),
	}
}

// Run recovers in-flight closes and then steps every poll interval or on
// Trigger until ctx is cancelled. Step failures are logged and retried on
// the next tick.
func (c *Coordinator) Run(ctx context.Context) error {
	if _, err := c.Recover(ctx); err != nil {
		c.logger.ErrorContext(ctx, "recovery failed, continuing with polling", slog.Any("error", err))
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if err := c.Step(ctx); err != nil && ctx.Err() == nil {
			c.logger.WarnContext(ctx, "coordinator step failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "coordinator stopped")
			return nil
		case <-ticker.C:
		case <-c.trigger:
		}
	}
}

// Trigger requests an immediate step. It never blocks.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Status returns the latest snapshot.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Step observes the current round once and acts on its phase.
func (c *Coordinator) Step(ctx context.Context) (err error) {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()

	ctx, span := c.tracer.Start(ctx, "Coordinator.Step")
	defer span.End()

	var roundID uint64
	defer func() {
		now := c.clock.Now()
		c.mu.Lock()
		c.status.LastTick = now
		c.status.LastError = ""
		if err != nil {
			c.status.LastError = err.Error()
		}
		state := c.status.State
		c.status.State = StateIdle
		c.mu.Unlock()

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		c.metrics.RecordTick(string(state), roundID, now)
	}()

	c.setState(StateObserving)
	round, err := c.reader.CurrentRound(ctx)
	if err != nil {
		return fmt.Errorf("observing current round: %w", err)
	}
	roundID = round.ID
	span.SetAttributes(attribute.Int64("round_id", int64(round.ID)))

	entry, err := c.ledger.Get(ctx, round.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reading ledger for round %d: %w", round.ID, err)
	}
	if errors.Is(err, store.ErrNotFound) {
		entry = nil
	}

	phase := DerivePhase(round, entry, c.clock.Now())
	c.observe(round, phase)
	span.SetAttributes(attribute.String("phase", string(phase)))

	switch phase {
	case PhaseOpen:
		return nil

	case PhaseClosed:
		if entry == nil || entry.Status != store.LedgerClosed {
			var txHash string
			if entry != nil && entry.TxHash != nil {
				txHash = *entry.TxHash
			}
			if err := c.markClosed(ctx, round.ID, txHash, true); err != nil {
				return err
			}
		}
		return c.postClose(ctx, round.ID)

	case PhaseClosing:
		return c.resume(ctx, entry)

	default: // PhaseReadyToClose
		if entry != nil {
			switch entry.Status {
			case store.LedgerFailed:
				c.logger.WarnContext(ctx, "round needs operator attention, not closing",
					slog.Uint64("round_id", round.ID),
					slog.String("phase", string(phase)),
					slog.Int("attempts", entry.Attempts),
				)
				return nil
			case store.LedgerClosed:
				c.alert(ctx, round.ID, "ledger_inconsistent", fmt.Sprintf(
					"Round %d is recorded closed but the contract reports it open. Not resubmitting; check the close transaction.", round.ID))
				c.logger.ErrorContext(ctx, "ledger records close the chain does not show",
					slog.Uint64("round_id", round.ID),
					slog.String("phase", string(phase)),
				)
				return nil
			}
		}
		return c.close(ctx, round.ID)
	}
}

// resume handles a round whose ledger entry shows a close in flight.
func (c *Coordinator) resume(ctx context.Context, entry *store.LedgerEntry) error {
	if entry.Owner != c.owner && c.clock.Now().Sub(entry.UpdatedAt) < c.staleAfter {
		c.logger.DebugContext(ctx, "close in flight on another instance",
			slog.Uint64("round_id", entry.RoundID),
			slog.String("owner", entry.Owner),
		)
		return nil
	}
	return c.reconcile(ctx, entry.RoundID, entry.Owner, entryHash(entry), nil)
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.status.State = s
	c.mu.Unlock()
}

func (c *Coordinator) observe(r chain.Round, p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.RoundID = r.ID
	c.status.Phase = p
	c.status.EndTime = r.EndTime
}

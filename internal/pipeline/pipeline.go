// Package pipeline generates, publishes and registers the character batch
// for the next auction round. Every step is persisted, so a failed run
// resumes where it stopped.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/digichar/keeper/internal/chain"
	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/event"
	"github.com/digichar/keeper/internal/generator"
	"github.com/digichar/keeper/internal/metrics"
	"github.com/digichar/keeper/internal/publisher"
	"github.com/digichar/keeper/internal/store"
)

// ErrRegistrationPending means a startAuction transaction is still in the
// mempool. The next run checks it again.
var ErrRegistrationPending = errors.New("registration pending")

// Metadata is the token metadata document published per character.
type Metadata struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
	Image       string `json:"image"`
}

// Options configures a Pipeline.
type Options struct {
	Reader    chain.Reader
	Writer    chain.Writer
	Generator generator.Generator
	Publisher publisher.Publisher
	Batches   store.BatchRepository
	Events    event.Store
	Metrics   *metrics.Metrics

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	Clock          clock.Clock

	// Characters is the batch size. Defaults to chain.CharactersPerRound.
	Characters int
	// Concurrency bounds parallel uploads. Defaults to 1.
	Concurrency int
}

// Pipeline turns a closed round into a registered next round.
type Pipeline struct {
	reader   chain.Reader
	writer   chain.Writer
	gen      generator.Generator
	pub      publisher.Publisher
	batches  store.BatchRepository
	events   event.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    clock.Clock
	size     int
	parallel int

	// mu serialises runs so a manual trigger cannot race the coordinator.
	mu sync.Mutex
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Characters <= 0 {
		opts.Characters = chain.CharactersPerRound
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Pipeline{
		reader:   opts.Reader,
		writer:   opts.Writer,
		gen:      opts.Generator,
		pub:      opts.Publisher,
		batches:  opts.Batches,
		events:   opts.Events,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		tracer:   opts.TracerProvider.Tracer("github.com/digichar/keeper/internal/pipeline"),
		clock:    opts.Clock,
		size:     opts.Characters,
		parallel: opts.Concurrency,
	}
}

// Run drives the batch for roundID to registration. roundID is the round
// the batch will open. Run is idempotent and returns nil once the round
// exists on chain.
func (p *Pipeline) Run(ctx context.Context, roundID uint64) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "Pipeline.Run",
		trace.WithAttributes(attribute.Int64("round_id", int64(roundID))))
	defer span.End()

	start := p.clock.Now()
	defer func() {
		status := "registered"
		if err != nil {
			status = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		p.metrics.RecordPipelineRun(status, p.clock.Now().Sub(start))
	}()

	registered, err := p.registeredOnChain(ctx, roundID)
	if err != nil {
		return err
	}

	batch, chars, err := p.batches.GetBatch(ctx, roundID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if registered {
			// Opened by someone else; nothing of ours to finish.
			return nil
		}
		batch, chars, err = p.generate(ctx, roundID)
		if err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("loading batch for round %d: %w", roundID, err)
	}

	if batch.Status == store.BatchRegistered {
		return nil
	}
	if registered {
		return p.markRegistered(ctx, roundID, "")
	}

	if batch.Status == store.BatchPending {
		if err := p.publish(ctx, chars); err != nil {
			return err
		}
		if err := p.batches.SetBatchStatus(ctx, roundID, store.BatchPublished, ""); err != nil {
			return fmt.Errorf("marking batch %d published: %w", roundID, err)
		}
		batch, chars, err = p.batches.GetBatch(ctx, roundID)
		if err != nil {
			return fmt.Errorf("reloading batch for round %d: %w", roundID, err)
		}
	}

	return p.register(ctx, batch, chars)
}

func (p *Pipeline) registeredOnChain(ctx context.Context, roundID uint64) (bool, error) {
	current, err := p.reader.CurrentRoundID(ctx)
	if err != nil {
		return false, fmt.Errorf("reading current round: %w", err)
	}
	return current >= roundID, nil
}

// generate asks for a fresh batch and persists it. A concurrent run that
// persisted first wins and its drafts are used instead.
func (p *Pipeline) generate(ctx context.Context, roundID uint64) (*store.Batch, []store.BatchCharacter, error) {
	drafts, err := p.gen.Generate(ctx, p.size)
	if err != nil {
		return nil, nil, fmt.Errorf("generating batch for round %d: %w", roundID, err)
	}
	if len(drafts) != p.size {
		return nil, nil, fmt.Errorf("%w: got %d drafts, want %d", generator.ErrGeneration, len(drafts), p.size)
	}

	now := p.clock.Now()
	batch := &store.Batch{RoundID: roundID, Status: store.BatchPending, CreatedAt: now, UpdatedAt: now}
	chars := make([]store.BatchCharacter, len(drafts))
	names := make([]string, len(drafts))
	for i, d := range drafts {
		chars[i] = store.BatchCharacter{
			RoundID:     roundID,
			Index:       i,
			Name:        d.Name,
			Symbol:      d.Symbol,
			Description: d.Description,
			Avatar:      d.Avatar,
		}
		names[i] = d.Name
	}

	err = p.batches.CreateBatch(ctx, batch, chars)
	if errors.Is(err, store.ErrDuplicateKey) {
		p.logger.WarnContext(ctx, "batch already generated, discarding new drafts",
			slog.Uint64("round_id", roundID))
		b, c, err := p.batches.GetBatch(ctx, roundID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading existing batch for round %d: %w", roundID, err)
		}
		return b, c, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("storing batch for round %d: %w", roundID, err)
	}

	p.record(ctx, roundID, event.BatchGenerated, event.BatchGeneratedData{Names: names})
	p.logger.InfoContext(ctx, "character batch generated",
		slog.Uint64("round_id", roundID),
		slog.Any("names", names),
	)
	return batch, chars, nil
}

// publish uploads every unpublished character. Failures of one character
// do not stop the others.
func (p *Pipeline) publish(ctx context.Context, chars []store.BatchCharacter) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(p.parallel)

	for _, c := range chars {
		if c.Published() {
			continue
		}
		g.Go(func() error {
			if err := p.publishCharacter(ctx, c); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("publishing batch: %w", err)
	}
	return nil
}

func (p *Pipeline) publishCharacter(ctx context.Context, c store.BatchCharacter) error {
	ctx, span := p.tracer.Start(ctx, "Pipeline.publishCharacter",
		trace.WithAttributes(
			attribute.Int64("round_id", int64(c.RoundID)),
			attribute.Int("index", c.Index),
		))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("character %d (%s): %w", c.Index, c.Name, err)
	}

	var avatar publisher.ContentID
	if c.AvatarCID != nil {
		avatar = publisher.ContentID(*c.AvatarCID)
	} else {
		id, err := p.pub.Publish(ctx, c.Avatar)
		if err != nil {
			return fail(fmt.Errorf("avatar: %w", err))
		}
		avatar = id
	}

	doc, err := json.Marshal(Metadata{
		Name:        c.Name,
		Symbol:      c.Symbol,
		Description: c.Description,
		Image:       avatar.URI(),
	})
	if err != nil {
		return fail(fmt.Errorf("encoding metadata: %w", err))
	}
	meta, err := p.pub.Publish(ctx, doc)
	if err != nil {
		return fail(fmt.Errorf("metadata: %w", err))
	}

	if err := p.batches.MarkCharacterPublished(ctx, c.RoundID, c.Index, avatar.String(), meta.String()); err != nil {
		return fail(fmt.Errorf("recording publication: %w", err))
	}

	p.metrics.RecordCharacterPublished()
	p.record(ctx, c.RoundID, event.CharacterPublished, event.CharacterPublishedData{
		Index:       c.Index,
		AvatarCID:   avatar.String(),
		MetadataCID: meta.String(),
	})
	p.logger.InfoContext(ctx, "character published",
		slog.Uint64("round_id", c.RoundID),
		slog.Int("index", c.Index),
		slog.String("metadata_cid", meta.String()),
	)
	return nil
}

// register opens the round on chain. A transaction from an earlier run is
// checked first so the batch is never submitted twice while one is
// pending.
func (p *Pipeline) register(ctx context.Context, batch *store.Batch, chars []store.BatchCharacter) error {
	roundID := batch.RoundID

	if batch.TxHash != nil {
		status, receipt, err := p.reader.Receipt(ctx, common.HexToHash(*batch.TxHash))
		if err != nil {
			return fmt.Errorf("checking registration tx: %w", err)
		}
		switch {
		case status == chain.TxPending:
			return fmt.Errorf("%w: round %d tx %s", ErrRegistrationPending, roundID, *batch.TxHash)
		case status == chain.TxMined && receipt.Status == types.ReceiptStatusSuccessful:
			return p.markRegistered(ctx, roundID, *batch.TxHash)
		}
		p.logger.WarnContext(ctx, "previous registration did not land, resubmitting",
			slog.Uint64("round_id", roundID),
			slog.String("tx_hash", *batch.TxHash),
			slog.String("tx_status", status.String()),
		)
	}

	regs := make([]chain.Registration, len(chars))
	for i, c := range chars {
		if !c.Published() {
			return fmt.Errorf("character %d of round %d is not published", c.Index, roundID)
		}
		regs[i] = chain.Registration{
			URI:    publisher.ContentID(*c.MetadataCID).URI(),
			Name:   c.Name,
			Symbol: c.Symbol,
		}
	}

	onSigned := func(ctx context.Context, h common.Hash) error {
		return p.batches.SetBatchStatus(ctx, roundID, store.BatchPublished, h.Hex())
	}

	receipt, err := p.writer.RegisterCharacters(ctx, roundID, regs, onSigned)
	if err == nil {
		return p.markRegistered(ctx, roundID, receipt.TxHash.Hex())
	}

	// A revert or timeout may still mean the round is open, by us or by a
	// concurrent instance.
	if errors.Is(err, chain.ErrTxTimeout) || errors.Is(err, chain.ErrTxReverted) {
		registered, rerr := p.registeredOnChain(ctx, roundID)
		if rerr == nil && registered {
			h, _ := chain.TxHashOf(err)
			return p.markRegistered(ctx, roundID, h.Hex())
		}
	}
	return fmt.Errorf("registering round %d: %w", roundID, err)
}

func (p *Pipeline) markRegistered(ctx context.Context, roundID uint64, txHash string) error {
	if err := p.batches.SetBatchStatus(ctx, roundID, store.BatchRegistered, txHash); err != nil {
		return fmt.Errorf("marking batch %d registered: %w", roundID, err)
	}
	p.record(ctx, roundID, event.BatchRegistered, event.BatchRegisteredData{TxHash: txHash})
	p.logger.InfoContext(ctx, "round registered",
		slog.Uint64("round_id", roundID),
		slog.String("tx_hash", txHash),
	)
	return nil
}

// record appends an audit event. The audit log never fails a step.
func (p *Pipeline) record(ctx context.Context, roundID uint64, typ event.Type, data any) {
	evt, err := event.New(event.RoundAggregate(roundID), typ, data, p.clock.Now())
	if err == nil {
		err = p.events.Append(ctx, evt)
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "recording event",
			slog.Uint64("round_id", roundID),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}

// Pending returns the rounds whose batch is not registered yet.
func (p *Pipeline) Pending(ctx context.Context) ([]uint64, error) {
	batches, err := p.batches.ListByStatus(ctx, store.BatchPending, store.BatchPublished)
	if err != nil {
		return nil, fmt.Errorf("listing unregistered batches: %w", err)
	}
	ids := make([]uint64, len(batches))
	for i, b := range batches {
		ids[i] = b.RoundID
	}
	return ids, nil
}

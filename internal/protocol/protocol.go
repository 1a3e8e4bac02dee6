// Package protocol updates the protocol configuration contract one field at
// a time.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/digichar/keeper/internal/chain"
	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/event"
	"github.com/digichar/keeper/internal/metrics"
)

// ErrConfigValidation means a value was rejected before any network call.
var ErrConfigValidation = errors.New("invalid config value")

const (
	maxBps             = 10_000
	minAuctionDuration = time.Minute
	maxAuctionDuration = 30 * 24 * time.Hour
)

var bpsFields = map[chain.Field]bool{
	chain.FieldLPLockBps:            true,
	chain.FieldProtocolAdminTaxBps:  true,
	chain.FieldCharacterOwnerTaxBps: true,
}

// Result describes the outcome of one update.
type Result struct {
	Field    chain.Field
	Previous string
	Value    string
	// NoOp is set when the contract already held Value and nothing was
	// submitted.
	NoOp   bool
	TxHash string
}

// Manager validates and submits config updates.
type Manager struct {
	reader  chain.Reader
	writer  chain.Writer
	events  event.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	clock   clock.Clock

	mu sync.Mutex
}

// NewManager creates a config Manager.
func NewManager(reader chain.Reader, writer chain.Writer, events event.Store, m *metrics.Metrics, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Manager {
	return &Manager{
		reader:  reader,
		writer:  writer,
		events:  events,
		metrics: m,
		logger:  logger,
		tracer:  tp.Tracer("github.com/digichar/keeper/internal/protocol"),
		clock:   clk,
	}
}

// Validate parses raw for field and returns its canonical form.
func Validate(field chain.Field, raw string) (string, error) {
	spec, ok := chain.LookupField(field)
	if !ok {
		return "", fmt.Errorf("%w: unknown field %q", ErrConfigValidation, field)
	}
	v, err := spec.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfigValidation, err)
	}

	switch x := v.(type) {
	case common.Address:
		if x == (common.Address{}) {
			return "", fmt.Errorf("%w: %s must not be the zero address", ErrConfigValidation, field)
		}
	case *big.Int:
		switch {
		case bpsFields[field] && x.Cmp(big.NewInt(maxBps)) > 0:
			return "", fmt.Errorf("%w: %s is %s bps, above %d", ErrConfigValidation, field, x, maxBps)
		case field == chain.FieldAuctionDuration:
			lo := big.NewInt(int64(minAuctionDuration / time.Second))
			hi := big.NewInt(int64(maxAuctionDuration / time.Second))
			if x.Cmp(lo) < 0 || x.Cmp(hi) > 0 {
				return "", fmt.Errorf("%w: %s must be between %s and %s seconds", ErrConfigValidation, field, lo, hi)
			}
		}
	}
	return spec.Format(v), nil
}

// Get returns the current on-chain value of field.
func (m *Manager) Get(ctx context.Context, field chain.Field) (string, error) {
	if _, ok := chain.LookupField(field); !ok {
		return "", fmt.Errorf("%w: unknown field %q", ErrConfigValidation, field)
	}
	return m.reader.ConfigValue(ctx, field)
}

// Snapshot returns every field's on-chain value.
func (m *Manager) Snapshot(ctx context.Context) (map[chain.Field]string, error) {
	out := make(map[chain.Field]string, len(chain.Fields))
	for _, f := range chain.Fields {
		v, err := m.reader.ConfigValue(ctx, f.Name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.Name, err)
		}
		out[f.Name] = v
	}
	return out, nil
}

// Set validates raw and writes it to field unless the contract already
// holds it.
func (m *Manager) Set(ctx context.Context, field chain.Field, raw string) (res Result, err error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Set",
		trace.WithAttributes(
			attribute.String("field", string(field)),
			attribute.String("value", raw),
		))
	defer span.End()

	outcome := "submitted"
	defer func() {
		if err != nil {
			outcome = "failed"
			if errors.Is(err, ErrConfigValidation) {
				outcome = "invalid"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		m.metrics.RecordConfigUpdate(string(field), outcome)
	}()

	value, err := Validate(field, raw)
	if err != nil {
		return Result{}, err
	}
	res = Result{Field: field, Value: value}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.reader.ConfigValue(ctx, field)
	if err != nil {
		return Result{}, fmt.Errorf("reading current %s: %w", field, err)
	}
	res.Previous = current
	if current == value {
		outcome = "noop"
		res.NoOp = true
		m.logger.InfoContext(ctx, "config already up to date",
			slog.String("field", string(field)),
			slog.String("value", value),
		)
		return res, nil
	}

	receipt, err := m.writer.SubmitConfigUpdate(ctx, field, value, nil)
	if err != nil {
		if !errors.Is(err, chain.ErrTxTimeout) && !errors.Is(err, chain.ErrTxReverted) {
			return Result{}, fmt.Errorf("updating %s: %w", field, err)
		}
		// The write may have landed, or someone else set the same value.
		after, rerr := m.reader.ConfigValue(ctx, field)
		if rerr != nil || after != value {
			return Result{}, fmt.Errorf("updating %s: %w", field, err)
		}
		h, _ := chain.TxHashOf(err)
		res.TxHash = h.Hex()
	} else {
		res.TxHash = receipt.TxHash.Hex()
	}

	m.record(ctx, res)
	m.logger.InfoContext(ctx, "config updated",
		slog.String("field", string(field)),
		slog.String("previous", res.Previous),
		slog.String("value", value),
		slog.String("tx_hash", res.TxHash),
	)
	return res, nil
}

func (m *Manager) record(ctx context.Context, res Result) {
	evt, err := event.New(event.ConfigAggregate, event.ConfigUpdated, event.ConfigUpdatedData{
		Field:    string(res.Field),
		Previous: res.Previous,
		Value:    res.Value,
		TxHash:   res.TxHash,
	}, m.clock.Now())
	if err == nil {
		err = m.events.Append(ctx, evt)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "recording config event",
			slog.String("field", string(res.Field)),
			slog.Any("error", err),
		)
	}
}

func (m *Manager) setAddress(ctx context.Context, field chain.Field, a common.Address) (Result, error) {
	return m.Set(ctx, field, a.Hex())
}

func (m *Manager) setUint(ctx context.Context, field chain.Field, v uint64) (Result, error) {
	return m.Set(ctx, field, new(big.Int).SetUint64(v).String())
}

// SetWETH sets the wrapped ether token.
func (m *Manager) SetWETH(ctx context.Context, a common.Address) (Result, error) {
	return m.setAddress(ctx, chain.FieldWETH, a)
}

// SetLPLockBps sets the share of liquidity locked, in basis points.
func (m *Manager) SetLPLockBps(ctx context.Context, bps uint64) (Result, error) {
	return m.setUint(ctx, chain.FieldLPLockBps, bps)
}

func (m *Manager) SetSwapRouter(ctx context.Context, a common.Address) (Result, error) {
	return m.setAddress(ctx, chain.FieldSwapRouter, a)
}

func (m *Manager) SetSwapFactory(ctx context.Context, a common.Address) (Result, error) {
	return m.setAddress(ctx, chain.FieldSwapFactory, a)
}

func (m *Manager) SetAuctionVault(ctx context.Context, a common.Address) (Result, error) {
	return m.setAddress(ctx, chain.FieldAuctionVault, a)
}

// SetAuctionDuration sets the length of future rounds. Only whole seconds
// are stored.
func (m *Manager) SetAuctionDuration(ctx context.Context, d time.Duration) (Result, error) {
	if d < 0 {
		return Result{}, fmt.Errorf("%w: negative duration %s", ErrConfigValidation, d)
	}
	return m.setUint(ctx, chain.FieldAuctionDuration, uint64(d/time.Second))
}

func (m *Manager) SetDigicharFactory(ctx context.Context, a common.Address) (Result, error) {
	return m.setAddress(ctx, chain.FieldDigicharFactory, a)
}

// UpdateProtocolAdmin hands protocol administration to a.
func (m *Manager) UpdateProtocolAdmin(ctx context.Context, a common.Address) (Result, error) {
	return m.setAddress(ctx, chain.FieldProtocolAdmin, a)
}

func (m *Manager) SetProtocolAdminTaxBps(ctx context.Context, bps uint64) (Result, error) {
	return m.setUint(ctx, chain.FieldProtocolAdminTaxBps, bps)
}

func (m *Manager) SetCharacterOwnerTaxBps(ctx context.Context, bps uint64) (Result, error) {
	return m.setUint(ctx, chain.FieldCharacterOwnerTaxBps, bps)
}

func (m *Manager) SetOwnershipCertificate(ctx context.Context, a common.Address) (Result, error) {
	return m.setAddress(ctx, chain.FieldOwnershipCertificate, a)
}

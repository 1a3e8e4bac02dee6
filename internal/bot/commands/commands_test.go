package commands_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/digichar/keeper/internal/auction"
	"github.com/digichar/keeper/internal/bot/commands"
	"github.com/digichar/keeper/internal/chain/chaintest"
	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/protocol"
	"github.com/digichar/keeper/internal/store"
	"github.com/digichar/keeper/internal/store/memory"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type stubCoordinator struct {
	status   auction.Status
	triggers int
}

func (s *stubCoordinator) Status() auction.Status { return s.status }
func (s *stubCoordinator) Trigger()               { s.triggers++ }

type harness struct {
	coord  *stubCoordinator
	fake   *chaintest.Fake
	ledger *memory.LedgerRepo
	h      *commands.Handlers
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMock(now)
	fake := chaintest.New(clk)
	fake.SetRound(7, now.Add(time.Hour), 10, 20, 50)
	ledger := memory.NewLedgerRepo(clk)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tp := noop.NewTracerProvider()
	mgr := protocol.NewManager(fake, fake, memory.NewEventStore(clk), nil, logger, tp, clk)
	coord := &stubCoordinator{}
	return &harness{
		coord:  coord,
		fake:   fake,
		ledger: ledger,
		h:      commands.NewHandlers(coord, mgr, fake, ledger, logger, tp),
	}
}

func (h *harness) exec(cmd string, admin bool, opts map[string]string) string {
	return h.h.Execute(context.Background(), commands.Request{Command: cmd, Options: opts, Admin: admin})
}

func TestSlashCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range commands.SlashCommands() {
		names[c.Name] = true
		assert.NotEmpty(t, c.Description, c.Name)
	}
	for _, want := range []string{"keeper-status", "keeper-round", "keeper-poll", "keeper-config", "keeper-reset"} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.coord.status = auction.Status{
		State:    auction.StateObserving,
		RoundID:  7,
		Phase:    auction.PhaseOpen,
		EndTime:  now.Add(time.Hour),
		LastTick: now,
	}

	got := h.exec("keeper-status", false, nil)
	assert.Contains(t, got, "state `observing`")
	assert.Contains(t, got, "Round **7** is `open`")
	assert.NotContains(t, got, "Last error")

	h.coord.status.LastError = "chain read failed"
	assert.Contains(t, h.exec("keeper-status", false, nil), "Last error: `chain read failed`")
}

func TestStatus_BeforeFirstTick(t *testing.T) {
	h := newHarness(t)
	h.coord.status = auction.Status{State: auction.StateIdle}
	assert.Contains(t, h.exec("keeper-status", false, nil), "No tick yet")
}

func TestPoll_RequiresAdmin(t *testing.T) {
	h := newHarness(t)

	got := h.exec("keeper-poll", false, nil)
	assert.True(t, strings.HasPrefix(got, "Error:"), got)
	assert.Zero(t, h.coord.triggers)

	assert.Contains(t, h.exec("keeper-poll", true, nil), "requested")
	assert.Equal(t, 1, h.coord.triggers)
}

func TestConfig(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, "`auction_duration` = `86400`",
		h.exec("keeper-config", false, map[string]string{"field": "auction_duration"}))

	got := h.exec("keeper-config", false, map[string]string{"field": "auction_duration", "value": "3600"})
	assert.Contains(t, got, "Administrator")
	assert.Zero(t, h.fake.ConfigWrites())

	got = h.exec("keeper-config", true, map[string]string{"field": "auction_duration", "value": "3600"})
	assert.Contains(t, got, "Updated `auction_duration` from `86400` to `3600`")

	got = h.exec("keeper-config", true, map[string]string{"field": "auction_duration", "value": "3600"})
	assert.Contains(t, got, "already `3600`")
	assert.Equal(t, 1, h.fake.ConfigWrites())

	got = h.exec("keeper-config", true, map[string]string{"field": "lp_lock_bps", "value": "20000"})
	assert.Contains(t, got, protocol.ErrConfigValidation.Error())
}

func TestRound(t *testing.T) {
	h := newHarness(t)
	h.fake.SetTopBidder(7, 2, common.HexToAddress("0xABC"))

	got := h.exec("keeper-round", false, nil)
	assert.Contains(t, got, "**Round 7**")
	assert.Contains(t, got, "Chain: open")
	assert.Contains(t, got, "Leading character: #2 (pool 50 wei")
	assert.Contains(t, got, "Ledger: no entry")

	ok, err := h.ledger.Claim(context.Background(), 7, "keeper-a")
	require.NoError(t, err)
	require.True(t, ok)

	got = h.exec("keeper-round", false, map[string]string{"round": "7"})
	assert.Contains(t, got, "Ledger: `claimed` by keeper-a")

	got = h.exec("keeper-round", false, map[string]string{"round": "seven"})
	assert.Contains(t, got, "invalid round")
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ledger.Claim(ctx, 7, "keeper-a")
	require.NoError(t, err)

	// Only failed rounds can be reset.
	got := h.exec("keeper-reset", true, map[string]string{"round": "7"})
	assert.True(t, strings.HasPrefix(got, "Error:"), got)

	require.NoError(t, h.ledger.MarkFailed(ctx, 7, "reverted 5 times"))

	got = h.exec("keeper-reset", false, map[string]string{"round": "7"})
	assert.Contains(t, got, "Administrator")

	got = h.exec("keeper-reset", true, map[string]string{"round": "7"})
	assert.Contains(t, got, "Round **7** reset")
	assert.Equal(t, 1, h.coord.triggers)

	entry, err := h.ledger.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, store.LedgerReleased, entry.Status)
	assert.Zero(t, entry.Attempts)
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "Unknown command", h.exec("keeper-bid", true, nil))
}

package leader_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/k3s"
	"go.opentelemetry.io/otel/trace/noop"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/digichar/keeper/internal/auction"
	"github.com/digichar/keeper/internal/chain/chaintest"
	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/config"
	"github.com/digichar/keeper/internal/leader"
	"github.com/digichar/keeper/internal/store"
	"github.com/digichar/keeper/internal/store/memory"
)

type recordingPipeline struct{ ran chan uint64 }

func (p *recordingPipeline) Run(_ context.Context, roundID uint64) error {
	select {
	case p.ran <- roundID:
	default:
	}
	return nil
}

// useK3s points leader.Run at a throwaway k3s cluster.
func useK3s(ctx context.Context, t *testing.T) {
	t.Helper()
	ctr, err := k3s.Run(ctx, "rancher/k3s:v1.31.6-k3s1")
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting k3s container: %v", err)
	}
	kubeConfig, err := ctr.GetKubeConfig(ctx)
	if err != nil {
		t.Fatalf("getting kubeconfig: %v", err)
	}
	restCfg, err := clientcmd.RESTConfigFromKubeConfig(kubeConfig)
	if err != nil {
		t.Fatalf("building rest config: %v", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		t.Fatalf("creating kubernetes client: %v", err)
	}

	orig := leader.ClientFactory
	leader.ClientFactory = func() (kubernetes.Interface, error) { return clientset, nil }
	t.Cleanup(func() { leader.ClientFactory = orig })
}

// TestLeaderElection_RecoversCloseOnAcquire leaves a close broadcast but
// unrecorded, as after a crash, and checks that winning the lease runs
// recovery: the landed close is confirmed from its receipt and the next
// round is prepared without a second broadcast. Skipped in short mode.
func TestLeaderElection_RecoversCloseOnAcquire(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping k3s integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	useK3s(ctx, t)

	end := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewMock(end.Add(time.Minute))
	fake := chaintest.New(clk)
	fake.SetRound(7, end, 10, 20, 50)
	repos := memory.New(clk)
	owner := leader.Identity()

	// The previous leader claimed round 7, signed and broadcast the close,
	// then died before seeing the receipt.
	if ok, err := repos.Ledger.Claim(ctx, 7, owner); err != nil || !ok {
		t.Fatalf("Claim = %v, %v", ok, err)
	}
	fake.Fail(chaintest.TimeoutLanded)
	_, err := fake.SubmitClose(ctx, 7, common.HexToAddress("0xABC"), 2, func(ctx context.Context, h common.Hash) error {
		return repos.Ledger.MarkSubmitted(ctx, 7, owner, store.Submission{
			IntentID:     "intent-7",
			TopBidder:    "0xABC",
			WinningIndex: 2,
			TxHash:       h.Hex(),
		})
	})
	if err == nil {
		t.Fatal("expected the close to time out")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipe := &recordingPipeline{ran: make(chan uint64, 4)}
	coord := auction.New(auction.Options{
		Reader:           fake,
		Writer:           fake,
		Ledger:           repos.Ledger,
		Events:           repos.Events,
		Pipeline:         pipe,
		Logger:           logger,
		TracerProvider:   noop.NewTracerProvider(),
		Clock:            clk,
		Owner:            owner,
		PollInterval:     time.Hour,
		MaxCloseAttempts: 3,
		StaleClaimAfter:  10 * time.Minute,
	})

	cfg := config.LeaderElectionConfig{
		Enabled:        true,
		LeaseName:      "keeper-test-leader",
		LeaseNamespace: "default",
		LeaseDuration:  5 * time.Second,
		RenewDeadline:  3 * time.Second,
		RetryPeriod:    1 * time.Second,
	}

	leaderCtx, leaderCancel := context.WithCancel(ctx)
	defer leaderCancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- leader.Run(leaderCtx, cfg, logger, func(ctx context.Context) {
			if err := coord.Run(ctx); err != nil {
				t.Errorf("coordinator.Run: %v", err)
			}
		}, nil)
	}()

	select {
	case next := <-pipe.ran:
		if next != 8 {
			t.Fatalf("pipeline ran for round %d, want 8", next)
		}
	case <-time.After(60 * time.Second):
		t.Fatal("timed out waiting for leadership and recovery")
	}

	entry, err := repos.Ledger.Get(ctx, 7)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Status != store.LedgerClosed {
		t.Errorf("round 7 ledger status = %s, want %s", entry.Status, store.LedgerClosed)
	}
	if n := len(fake.Broadcasts("closeCurrentAuction")); n != 1 {
		t.Errorf("got %d close broadcasts, want 1", n)
	}
	if n := fake.EffectiveCloses(7); n != 1 {
		t.Errorf("round 7 closed %d times, want 1", n)
	}

	leaderCancel()
	select {
	case runErr := <-errCh:
		if runErr != nil {
			t.Fatalf("leader.Run() error = %v", runErr)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for leader.Run to return")
	}
}

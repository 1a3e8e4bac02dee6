package leader

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/digichar/keeper/internal/config"
)

func TestIdentity_FromPodName(t *testing.T) {
	t.Setenv("POD_NAME", "keeper-abc123")
	if got := Identity(); got != "keeper-abc123" {
		t.Errorf("Identity() = %q, want %q", got, "keeper-abc123")
	}
}

func TestIdentity_Hostname(t *testing.T) {
	t.Setenv("POD_NAME", "")
	host, err := os.Hostname()
	if err != nil {
		t.Skip("cannot get hostname")
	}
	if got := Identity(); got != host {
		t.Errorf("Identity() = %q, want %q", got, host)
	}
}

func TestRun_DisabledLeadsDirectly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	called := false
	err := Run(ctx, config.LeaderElectionConfig{Enabled: false}, slog.New(slog.NewTextHandler(io.Discard, nil)),
		func(context.Context) { called = true },
		nil,
	)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !called {
		t.Error("lead was not called")
	}
}

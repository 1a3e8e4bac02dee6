// Package leader runs Kubernetes Lease-based leader election so that only one
// keeper replica drives the auction lifecycle at a time.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/digichar/keeper/internal/config"
)

// Identity names this instance in the lease and in ledger claims.
// It uses the POD_NAME env var if set, otherwise the hostname.
func Identity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// ClientFactory creates a Kubernetes clientset.
// Extracted as a variable for testing.
var ClientFactory = func() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("building in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return client, nil
}

// Run invokes lead for as long as this instance holds leadership. When
// election is disabled lead runs directly. lead must block until its context
// is done. Run blocks until ctx is cancelled.
func Run(ctx context.Context, cfg config.LeaderElectionConfig, logger *slog.Logger, lead func(ctx context.Context), onStoppedLeading func()) error {
	if !cfg.Enabled {
		logger.Info("leader election disabled, running as sole instance")
		lead(ctx)
		return nil
	}

	id := Identity()
	logger.Info("starting leader election",
		slog.String("identity", id),
		slog.String("lease", cfg.LeaseName),
		slog.String("namespace", cfg.LeaseNamespace),
	)

	client, err := ClientFactory()
	if err != nil {
		return fmt.Errorf("leader election client: %w", err)
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LeaseName,
			Namespace: cfg.LeaseNamespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: id,
		},
	}

	// A lost lease ends RunOrDie; loop so a replica that was deposed rejoins
	// the election instead of idling until restart.
	for ctx.Err() == nil {
		leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
			Lock:            lock,
			LeaseDuration:   cfg.LeaseDuration,
			RenewDeadline:   cfg.RenewDeadline,
			RetryPeriod:     cfg.RetryPeriod,
			ReleaseOnCancel: true,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: func(ctx context.Context) {
					logger.Info("acquired leadership", slog.String("identity", id))
					lead(ctx)
				},
				OnStoppedLeading: func() {
					logger.Info("lost leadership", slog.String("identity", id))
					if onStoppedLeading != nil {
						onStoppedLeading()
					}
				},
				OnNewLeader: func(newID string) {
					if newID == id {
						return
					}
					logger.Info("new leader elected", slog.String("leader", newID))
				},
			},
		})
	}

	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/digichar/keeper/internal/auction"
	"github.com/digichar/keeper/internal/bot"
	"github.com/digichar/keeper/internal/bot/commands"
	"github.com/digichar/keeper/internal/chain"
	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/config"
	"github.com/digichar/keeper/internal/generator"
	"github.com/digichar/keeper/internal/health"
	"github.com/digichar/keeper/internal/leader"
	"github.com/digichar/keeper/internal/metrics"
	"github.com/digichar/keeper/internal/pipeline"
	"github.com/digichar/keeper/internal/protocol"
	"github.com/digichar/keeper/internal/publisher"
	"github.com/digichar/keeper/internal/store"
	"github.com/digichar/keeper/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/digichar/keeper/internal/store/memory"
	_ "github.com/digichar/keeper/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Coordinator.Owner == "" {
		cfg.Coordinator.Owner = leader.Identity()
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}
	m := metrics.New()

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()
	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	client, err := chain.Dial(ctx, cfg.Chain, logger, tp.TracerProvider)
	if err != nil {
		return fmt.Errorf("connecting to chain: %w", err)
	}
	defer client.Close()
	logger.InfoContext(ctx, "connected to chain",
		slog.String("rpc_url", cfg.Chain.RPCURL),
		slog.String("keeper", client.From().Hex()),
	)

	pub, err := publisher.New(cfg.Publisher, logger, tp.TracerProvider)
	if err != nil {
		return fmt.Errorf("creating publisher: %w", err)
	}
	gen, err := generator.New(cfg.Generator, logger, tp.TracerProvider)
	if err != nil {
		return fmt.Errorf("creating generator: %w", err)
	}

	pipe := pipeline.New(pipeline.Options{
		Reader:         client,
		Writer:         client,
		Generator:      gen,
		Publisher:      pub,
		Batches:        repos.Batches,
		Events:         repos.Events,
		Metrics:        m,
		Logger:         logger,
		TracerProvider: tp.TracerProvider,
		Clock:          clk,
		Characters:     cfg.Coordinator.CharactersPerRound,
		Concurrency:    cfg.Publisher.Concurrency,
	})

	var discordBot *bot.Bot
	if cfg.Discord.Enabled {
		if discordBot, err = bot.New(cfg.Discord, logger, tp.TracerProvider); err != nil {
			return fmt.Errorf("creating bot: %w", err)
		}
	}

	coordOpts := auction.Options{
		Reader:           client,
		Writer:           client,
		Ledger:           repos.Ledger,
		Events:           repos.Events,
		Pipeline:         pipe,
		Metrics:          m,
		Logger:           logger,
		TracerProvider:   tp.TracerProvider,
		Clock:            clk,
		Owner:            cfg.Coordinator.Owner,
		PollInterval:     cfg.Coordinator.PollInterval,
		MaxCloseAttempts: cfg.Coordinator.MaxCloseAttempts,
		StaleClaimAfter:  cfg.Coordinator.StaleClaimAfter,
	}
	if discordBot != nil {
		coordOpts.Notifier = discordBot
	}
	coord := auction.New(coordOpts)

	cfgMgr := protocol.NewManager(client, client, repos.Events, m, logger, tp.TracerProvider, clk)

	healthHandler := health.NewHandler(clk,
		health.Checker{Name: "database", Check: repos.Ping},
		health.Checker{Name: "chain", Check: func(ctx context.Context) error {
			_, err := client.CurrentRoundID(ctx)
			return err
		}},
	)
	healthHandler.AddLiveness(health.Heartbeat("coordinator", clk, cfg.Coordinator.HeartbeatTimeout,
		func() time.Time { return coord.Status().LastTick }))

	// Health and metrics run on all replicas.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	// lead is the work only the leader runs.
	lead := func(ctx context.Context) {
		if pending, pendErr := pipe.Pending(ctx); pendErr != nil {
			logger.ErrorContext(ctx, "listing unregistered batches", slog.Any("error", pendErr))
		} else if len(pending) > 0 {
			logger.InfoContext(ctx, "unregistered batches will be resumed", slog.Any("rounds", pending))
		}

		if discordBot != nil {
			handlers := commands.NewHandlers(coord, cfgMgr, client, repos.Ledger, logger, tp.TracerProvider)
			if botErr := discordBot.Start(ctx, handlers); botErr != nil {
				logger.ErrorContext(ctx, "starting bot failed", slog.Any("error", botErr))
				return
			}
			defer func() {
				if stopErr := discordBot.Stop(); stopErr != nil {
					logger.Error("bot shutdown error", slog.Any("error", stopErr))
				}
			}()
		}

		healthHandler.SetReady(true)
		defer healthHandler.SetReady(false)
		logger.InfoContext(ctx, "keeper is running",
			slog.String("version", version),
			slog.String("owner", cfg.Coordinator.Owner),
		)

		// Run blocks until leadership is lost or the process shuts down.
		if runErr := coord.Run(ctx); runErr != nil {
			logger.ErrorContext(ctx, "coordinator stopped", slog.Any("error", runErr))
		}
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")
	}
	if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, lead, func() {
		logger.Info("lost leadership, shutting down...")
		cancel()
	}); leaderErr != nil {
		return fmt.Errorf("leader election: %w", leaderErr)
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}

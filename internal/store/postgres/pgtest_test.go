package postgres_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/config"
	"github.com/digichar/keeper/internal/store"
	"github.com/digichar/keeper/internal/store/postgres"
)

// migrationFiles returns every migration next to this package, in the
// order they are applied.
func migrationFiles(t *testing.T) []string {
	t.Helper()
	_, thisFile, _, _ := runtime.Caller(0)
	files, err := filepath.Glob(filepath.Join(filepath.Dir(thisFile), "migrations", "*.sql"))
	if err != nil || len(files) == 0 {
		t.Fatalf("no migrations found: %v", err)
	}
	sort.Strings(files)
	return files
}

// startPostgres runs a migrated keeper database and returns the settings
// the sqlx driver would read from the config file.
func startPostgres(t *testing.T) config.DatabaseConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	cfg := config.DatabaseConfig{
		User:     "keeper",
		Password: "keeper",
		DBName:   "keeper_test",
		SSLMode:  "disable",
		Driver:   "sqlx",
	}
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase(cfg.DBName),
		tcpostgres.WithUsername(cfg.User),
		tcpostgres.WithPassword(cfg.Password),
		tcpostgres.WithOrderedInitScripts(migrationFiles(t)...),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	if cfg.Host, err = ctr.Host(ctx); err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	cfg.Port = port.Int()
	return cfg
}

// newTestDB connects to a fresh keeper database through postgres.Connect.
func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	cfg := startPostgres(t)
	db, err := postgres.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connecting to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_SqlxDriver(t *testing.T) {
	cfg := startPostgres(t)
	ctx := context.Background()

	repos, err := store.Open(ctx, cfg, clock.Real{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { repos.Closer.Close() })

	if err := repos.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	ok, err := repos.Ledger.Claim(ctx, 1, "keeper-a")
	if err != nil || !ok {
		t.Fatalf("Claim = %v, %v; want true, nil", ok, err)
	}
	pending, err := repos.Batches.ListByStatus(ctx, store.BatchPending)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("got %d pending batches on a fresh database", len(pending))
	}
}

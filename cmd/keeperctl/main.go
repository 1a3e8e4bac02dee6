// keeperctl inspects and operates a running keeper: round status, the close
// ledger and protocol configuration.
//
// Usage:
//
//	keeperctl --config config.yaml status
//	keeperctl config get [field]
//	keeperctl config set <field> <value>
//	keeperctl ledger list [--status failed]
//	keeperctl ledger reset <round>
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/trace/noop"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/digichar/keeper/internal/chain"
	"github.com/digichar/keeper/internal/clock"
	"github.com/digichar/keeper/internal/config"
	"github.com/digichar/keeper/internal/protocol"
	"github.com/digichar/keeper/internal/store"

	_ "github.com/digichar/keeper/internal/store/memory"
	_ "github.com/digichar/keeper/internal/store/postgres"
)

var version = "dev"

var (
	app = cli.NewApp()

	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to the keeper configuration file",
		Value: "config.yaml",
	}
	verboseFlag = cli.BoolFlag{
		Name:  "verbose",
		Usage: "log debug output to stderr",
	}
	statusFlag = cli.StringSliceFlag{
		Name:  "status",
		Usage: "ledger statuses to list (claimed, submitted, closed, released, failed)",
	}
)

func init() {
	app.Name = "keeperctl"
	app.Usage = "operate the digichar auction keeper"
	app.Version = version
	app.Flags = []cli.Flag{configFlag, verboseFlag}
	app.Commands = []cli.Command{
		{
			Name:   "status",
			Usage:  "show the current round and its close state",
			Action: statusCmd,
		},
		{
			Name:   "fields",
			Usage:  "list the protocol config fields",
			Action: fieldsCmd,
		},
		{
			Name:  "config",
			Usage: "read or update protocol configuration",
			Subcommands: []cli.Command{
				{
					Name:      "get",
					Usage:     "print one field, or every field",
					ArgsUsage: "[field]",
					Action:    configGetCmd,
				},
				{
					Name:      "set",
					Usage:     "validate and write one field",
					ArgsUsage: "<field> <value>",
					Action:    configSetCmd,
				},
			},
		},
		{
			Name:  "ledger",
			Usage: "inspect the round close ledger",
			Subcommands: []cli.Command{
				{
					Name:   "list",
					Usage:  "list ledger entries",
					Flags:  []cli.Flag{statusFlag},
					Action: ledgerListCmd,
				},
				{
					Name:      "reset",
					Usage:     "return an abandoned round to the coordinator",
					ArgsUsage: "<round>",
					Action:    ledgerResetCmd,
				},
			},
		},
		{
			Name:   "batches",
			Usage:  "list character batches that are not registered yet",
			Action: batchesCmd,
		},
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env holds what a command needs. Fields are nil when not requested.
type env struct {
	ctx    context.Context
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock
	repos  *store.Repositories
	client *chain.Client

	cleanup []func()
}

func (e *env) Close() {
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		e.cleanup[i]()
	}
}

func (e *env) configManager() *protocol.Manager {
	return protocol.NewManager(e.client, e.client, e.repos.Events, nil, e.logger, noop.NewTracerProvider(), e.clock)
}

func open(c *cli.Context, withStore, withChain bool) (*env, error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	e := &env{ctx: ctx, clock: clock.Real{}, cleanup: []func(){stop}}

	level := slog.LevelWarn
	if c.GlobalBool("verbose") {
		level = slog.LevelDebug
	}
	e.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("loading config: %w", err)
	}
	e.cfg = cfg

	tp := noop.NewTracerProvider()
	if withStore {
		repos, err := store.Open(ctx, cfg.Database, e.clock)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
		}
		e.repos = repos
		e.cleanup = append(e.cleanup, func() { _ = repos.Closer.Close() })
	}
	if withChain {
		client, err := chain.Dial(ctx, cfg.Chain, e.logger, tp)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("connecting to chain: %w", err)
		}
		e.client = client
		e.cleanup = append(e.cleanup, client.Close)
	}
	return e, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/seedcommons/harvest/api/server"
	"github.com/seedcommons/harvest/engine/pkg/domain"
	"github.com/seedcommons/harvest/engine/pkg/engine"
	"github.com/seedcommons/harvest/engine/pkg/ledger"
	"github.com/seedcommons/harvest/engine/pkg/state"
	"github.com/seedcommons/harvest/engine/pkg/state/memstate"
	"github.com/seedcommons/harvest/engine/pkg/state/pgstate"
	"github.com/seedcommons/harvest/utils/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", ":8080", "API listen address (or set HARVEST_LISTEN_ADDR env var)")
	systemTokenFlag := flag.String("system-token", "", "bearer token for the privileged pipeline surface (or set HARVEST_SYSTEM_TOKEN env var)")
	postgresDSNFlag := flag.String("postgres-dsn", "", "PostgreSQL connection string; empty runs the in-memory store (or set HARVEST_POSTGRES_DSN env var)")
	migrateFlag := flag.Bool("migrate", false, "run schema migrations on startup")
	tokenLedgerURLFlag := flag.String("token-ledger-url", "", "payout webhook URL; empty logs payouts instead (or set HARVEST_TOKEN_LEDGER_URL env var)")
	batchSizeFlag := flag.Int("batch-size", 200, "max items per pipeline stage invocation")
	defaultPoolFlag := flag.String("default-pool", "0.0000 SEEDS", "reward pool used when a distribution run names none")
	weightAxisFlag := flag.String("weight-axis", string(state.AxisPlanted), "axis whose ranks weight reward shares")
	minRegenFlag := flag.Int64("min-regen-total", 1, "vote-delta sum an org needs to stay on the regen axis")

	flag.Parse()

	// Optional .env for local development.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("HARVEST_LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("HARVEST_SYSTEM_TOKEN"); env != "" {
		*systemTokenFlag = env
	}
	if env := os.Getenv("HARVEST_POSTGRES_DSN"); env != "" {
		*postgresDSNFlag = env
	}
	if env := os.Getenv("HARVEST_TOKEN_LEDGER_URL"); env != "" {
		*tokenLedgerURLFlag = env
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store state.Store
	if *postgresDSNFlag != "" {
		pg, err := pgstate.New(ctx, pgstate.Config{
			Logger:        log,
			ConnStr:       *postgresDSNFlag,
			RunMigrations: *migrateFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
		store = pg
		log.Info("using postgres store")
	} else {
		store = memstate.New()
		log.Warn("using in-memory store; state is lost on restart")
	}
	defer store.Close()

	var tokenLedger ledger.TokenLedger
	if *tokenLedgerURLFlag != "" {
		tokenLedger = ledger.NewWebhookLedger(log, *tokenLedgerURLFlag)
	} else {
		tokenLedger = ledger.LogLedger{Log: log}
	}

	defaultPool, err := domain.ParseAmount(*defaultPoolFlag)
	if err != nil {
		return fmt.Errorf("invalid default pool: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Logger:            log,
		Store:             store,
		TokenLedger:       tokenLedger,
		BatchSize:         *batchSizeFlag,
		WeightAxis:        state.Axis(*weightAxisFlag),
		MinRegenVoteTotal: *minRegenFlag,
		DefaultPool:       defaultPool,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv, err := server.New(log, server.Config{
		ListenAddr:  *listenAddrFlag,
		Engine:      eng,
		SystemToken: *systemTokenFlag,
		Version:     version,
		Commit:      commit,
		Date:        date,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	return g.Wait()
}

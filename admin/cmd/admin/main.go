package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/seedcommons/harvest/admin/internal/admin"
	"github.com/seedcommons/harvest/engine/pkg/reward"
	"github.com/seedcommons/harvest/engine/pkg/score"
	"github.com/seedcommons/harvest/engine/pkg/state/pgstate"
	"github.com/seedcommons/harvest/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// API configuration
	apiURLFlag := flag.String("api-url", "http://localhost:8080", "harvest API base URL (or set HARVEST_API_URL env var)")
	systemTokenFlag := flag.String("system-token", "", "bearer token for the privileged surface (or set HARVEST_SYSTEM_TOKEN env var)")

	// PostgreSQL configuration
	postgresDSNFlag := flag.String("postgres-dsn", "", "PostgreSQL connection string (or set HARVEST_POSTGRES_DSN env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "run schema migrations against PostgreSQL")
	pipelineRunFlag := flag.Bool("pipeline-run", false, "drive every ranking stage and the distribution to completion")
	stageFlag := flag.String("stage", "", "drive a single named stage to completion")
	resetFlag := flag.Bool("reset", false, "wipe all engine state through the API")
	yesFlag := flag.Bool("yes", false, "skip confirmation prompt (use with caution)")
	maxInvocationsFlag := flag.Int("max-invocations", 10000, "invocation cap per stage")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("HARVEST_API_URL"); env != "" {
		*apiURLFlag = env
	}
	if env := os.Getenv("HARVEST_SYSTEM_TOKEN"); env != "" {
		*systemTokenFlag = env
	}
	if env := os.Getenv("HARVEST_POSTGRES_DSN"); env != "" {
		*postgresDSNFlag = env
	}

	ctx := context.Background()

	switch {
	case *migrateFlag:
		if *postgresDSNFlag == "" {
			return fmt.Errorf("--migrate requires --postgres-dsn")
		}
		if err := pgstate.Migrate(*postgresDSNFlag); err != nil {
			return err
		}
		log.Info("migrations complete")
		return nil

	case *pipelineRunFlag:
		client := admin.NewClient(log, *apiURLFlag, *systemTokenFlag)
		stages := append(score.Stages(), reward.StageDistribute)
		return client.RunPipeline(ctx, stages, *maxInvocationsFlag)

	case *stageFlag != "":
		client := admin.NewClient(log, *apiURLFlag, *systemTokenFlag)
		_, err := client.RunStage(ctx, *stageFlag, *maxInvocationsFlag)
		return err

	case *resetFlag:
		if !*yesFlag && !confirm("This wipes ALL engine state. Continue? [y/N] ") {
			log.Info("aborted")
			return nil
		}
		client := admin.NewClient(log, *apiURLFlag, *systemTokenFlag)
		if err := client.Reset(ctx); err != nil {
			return err
		}
		log.Info("engine state reset")
		return nil

	default:
		flag.Usage()
		return fmt.Errorf("no command given")
	}
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

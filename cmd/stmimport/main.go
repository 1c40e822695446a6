package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/stm-data/internal/common/config"
	"github.com/stm-data/internal/common/db"
	"github.com/stm-data/internal/common/logger"
	"github.com/stm-data/internal/common/maintenance"
	"github.com/stm-data/internal/gtfs-static/importer"
	"github.com/stm-data/internal/gtfs-static/integrity"
)

func main() {
	input := pflag.StringP("input", "i", "-", "JSON feed to import, - for stdin")
	replace := pflag.Bool("replace", false, "Replace the stored dataset instead of adding to it")
	check := pflag.Bool("check", false, "Validate the feed against the store without writing")
	maintain := pflag.Bool("maintain", false, "Prune the session log (and vacuum if configured) after importing")
	envFile := pflag.String("env", ".env", "Environment file to load before reading configuration")
	pflag.Parse()

	// A missing .env is fine; the environment may already be set.
	envErr := godotenv.Load(*envFile)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	loggerConfig := logger.DefaultLoggerConfig()
	loggerConfig.Level = logger.ParseLogLevel(cfg.Logging.Level)
	loggerConfig.File = cfg.Logging.FilePath != ""
	loggerConfig.FilePath = cfg.Logging.FilePath
	log := logger.FromConfig(loggerConfig)

	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		log.Warn("Failed to load environment file", "path", *envFile, "error", envErr)
	}

	log.Info("STM schedule importer starting",
		"driver", cfg.Database.Driver,
		"max_parameters", cfg.Import.MaxParameters,
		"chunk_timeout", cfg.Import.ChunkTimeout,
		"parallel_levels", cfg.Import.ParallelLevels)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *input, *replace, *check, *maintain); err != nil {
		log.Error("Importer stopped with an error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger, input string, replace, check, maintain bool) error {
	feed, err := readFeed(input)
	if err != nil {
		return err
	}

	database := db.New(cfg.Database.Driver, cfg.Database.ConnectionString(), log)
	if err := database.Open(ctx); err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer database.Close()

	imp := importer.NewImporter(database, cfg.Import)
	if err := imp.EnsureSchema(ctx); err != nil {
		return err
	}

	if check {
		enforcer := integrity.NewEnforcer(database, cfg.Import.MaxParameters, log)
		plan, err := enforcer.Prepare(ctx, feed, integrity.Options{IgnoreStore: replace})
		if err != nil {
			return err
		}
		log.Info("Feed is valid", "rows", plan.Rows(), "levels", len(plan.Levels),
			"unmatched_services", len(plan.UnmatchedServices))
		return nil
	}

	report, err := imp.Import(ctx, feed, importer.Options{Replace: replace})
	for entity, p := range report.Progress {
		log.Info("Entity progress",
			"entity", entity,
			"chunks", p.Chunks,
			"committed", p.Committed,
			"rows", p.Rows)
	}
	if err != nil {
		return err
	}

	if maintain {
		if _, err := maintenance.New(database, log).Run(ctx, cfg.Maintenance); err != nil {
			return fmt.Errorf("running maintenance: %w", err)
		}
	}
	return nil
}

func readFeed(input string) (integrity.Feed, error) {
	var r io.Reader = os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("opening feed: %w", err)
		}
		defer f.Close()
		r = f
	}
	return integrity.DecodeFeed(r)
}

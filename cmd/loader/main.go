package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rpattn/adwarehouse/internal/config"
	"github.com/rpattn/adwarehouse/internal/db"
	"github.com/rpattn/adwarehouse/internal/ingestion"
	"github.com/rpattn/adwarehouse/internal/logging"
	"github.com/rpattn/adwarehouse/internal/repository"
	"github.com/rpattn/adwarehouse/internal/warehouse"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const usage = `usage: adloader <command> [flags]

commands:
  migrate    apply (or with --down revert) the warehouse schema
  stage      stage an export file as a new batch
  validate   report the validation outcome of a batch
  load       load a staged batch into the warehouse
  pending    load every pending batch once
  export     write the fact table as CSV or XLSX
  serve      run the HTTP API
  schedule   load pending batches on a cron schedule
`

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"migrate":  runMigrate,
	"stage":    runStage,
	"validate": runValidate,
	"load":     runLoad,
	"pending":  runPending,
	"export":   runExport,
	"serve":    runServe,
	"schedule": runSchedule,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	name := os.Args[1]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, name, cmd, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, name string, cmd command, args []string) error {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := flags.String("config", ".", "directory holding config.yaml")
	flags.String("log-level", "info", "log level")
	flags.Duration("tx-timeout", 0, "load transaction timeout")
	flags.Int("workers", 0, "aggregation workers")
	flags.String("average-policy", "", "mean or impression_weighted")
	flags.String("addr", "", "HTTP listen address")
	flags.String("schedule", "", "cron spec for pending loads")
	registerCommandFlags(name, flags)

	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if cfg.Source != "" {
		logger.Info("configuration loaded", zap.String("file", cfg.Source))
	}

	a := &app{cfg: cfg, flags: flags, logger: logger}
	defer a.close()
	return cmd(ctx, a, flags.Args())
}

// app lazily opens the database and builds the services a command needs.
type app struct {
	cfg    config.Config
	flags  *pflag.FlagSet
	logger *zap.Logger

	conn      *db.Connection
	deps      warehouse.Dependencies
	loader    *warehouse.Loader
	ingestion *ingestion.Service
}

func (a *app) connect(ctx context.Context) error {
	if a.conn != nil {
		return nil
	}
	conn, err := db.NewConnection(ctx, a.cfg.Database, a.logger)
	if err != nil {
		return err
	}
	a.conn = conn

	pool := conn.Pool
	a.deps = warehouse.Dependencies{
		Batches:    repository.NewBatchRepository(pool),
		Staging:    repository.NewStagingRepository(pool, a.logger),
		Rejections: repository.NewRejectionRepository(pool),
		Audit:      repository.NewAuditLogRepository(pool),
		Warehouse:  repository.NewWarehouse(pool, a.logger),
	}

	policy, err := warehouse.ParseAveragePolicy(a.cfg.Loader.AveragePolicy)
	if err != nil {
		return err
	}
	a.loader = warehouse.NewLoader(a.deps, warehouse.Config{
		MaxErrorPercentage: a.cfg.Loader.MaxErrorPercentage,
		SpendTolerance:     a.cfg.Loader.SpendTolerance,
		TxTimeout:          a.cfg.Loader.TxTimeout,
		Workers:            a.cfg.Loader.Workers,
		AveragePolicy:      policy,
		LockRetries:        a.cfg.Loader.LockRetries,
	}, a.logger)
	a.ingestion = ingestion.NewService(a.deps.Batches, a.deps.Staging, a.logger)
	return nil
}

func (a *app) close() {
	if a.conn != nil {
		a.conn.Close()
	}
}

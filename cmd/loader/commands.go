package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"github.com/rpattn/adwarehouse/internal/db"
	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/rpattn/adwarehouse/internal/export"
	"github.com/rpattn/adwarehouse/internal/ingestion"
	"github.com/rpattn/adwarehouse/internal/middleware"
	"github.com/rpattn/adwarehouse/internal/repository"
	"github.com/rpattn/adwarehouse/internal/warehouse"
	"github.com/rs/cors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func registerCommandFlags(name string, flags *pflag.FlagSet) {
	switch name {
	case "migrate":
		flags.Bool("down", false, "revert every migration")
	case "stage":
		flags.String("file", "", "CSV or XLSX export to stage")
		flags.Int("header-row", 0, "zero-based header row index")
	case "validate":
		flags.String("batch", "", "batch id")
	case "load":
		flags.String("batch", "", "batch id")
		flags.Bool("validate-only", false, "stop after validation")
		flags.Bool("force", false, "reload a batch that already loaded")
		flags.Float64("max-error-percentage", 0, "override the rejection threshold")
		flags.String("effective-at", "", "start of new dimension versions (RFC3339 or YYYY-MM-DD)")
	case "export":
		flags.String("out", "", "output file, stdout when empty")
		flags.String("format", "csv", "csv or xlsx")
		flags.String("batch", "", "only facts written by this batch")
	}
}

func runMigrate(_ context.Context, a *app, _ []string) error {
	down, _ := a.flags.GetBool("down")
	if down {
		return db.RollbackMigrations(a.cfg.Database, a.logger)
	}
	return db.RunMigrations(a.cfg.Database, a.logger)
}

func runStage(ctx context.Context, a *app, _ []string) error {
	path, _ := a.flags.GetString("file")
	if path == "" {
		return errors.New("--file is required")
	}
	if err := a.connect(ctx); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	req := ingestion.Request{FileName: filepath.Base(path), Data: f}
	if a.flags.Changed("header-row") {
		idx, _ := a.flags.GetInt("header-row")
		req.HeaderRowIndex = &idx
	}

	summary, err := a.ingestion.Stage(ctx, req)
	if errors.Is(err, repository.ErrDuplicateSource) {
		a.logger.Warn("file already staged", zap.String("batch_id", summary.BatchID.String()))
		return printJSON(summary)
	}
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func runValidate(ctx context.Context, a *app, _ []string) error {
	batchID, err := batchFlag(a.flags)
	if err != nil {
		return err
	}
	if err := a.connect(ctx); err != nil {
		return err
	}
	report, err := a.loader.ValidateBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if !report.Passed {
		return fmt.Errorf("batch %s rejected %.2f%% of rows", batchID, report.ErrorPercentage)
	}
	return nil
}

func runLoad(ctx context.Context, a *app, _ []string) error {
	batchID, err := batchFlag(a.flags)
	if err != nil {
		return err
	}

	var opts warehouse.LoadOptions
	opts.ValidateOnly, _ = a.flags.GetBool("validate-only")
	opts.ForceReload, _ = a.flags.GetBool("force")
	if a.flags.Changed("max-error-percentage") {
		threshold, _ := a.flags.GetFloat64("max-error-percentage")
		opts.MaxErrorPercentage = &threshold
	}
	if raw, _ := a.flags.GetString("effective-at"); raw != "" {
		at, err := parseInstant(raw)
		if err != nil {
			return err
		}
		opts.EffectiveAt = &at
	}

	if err := a.connect(ctx); err != nil {
		return err
	}
	result, err := a.loader.LoadBatch(ctx, batchID, opts)
	if printErr := printJSON(result); printErr != nil && err == nil {
		err = printErr
	}
	return err
}

func runPending(ctx context.Context, a *app, _ []string) error {
	if err := a.connect(ctx); err != nil {
		return err
	}
	results, err := a.loader.LoadPending(ctx)
	if printErr := printJSON(results); printErr != nil && err == nil {
		err = printErr
	}
	return err
}

func runExport(ctx context.Context, a *app, _ []string) error {
	rawFormat, _ := a.flags.GetString("format")
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return err
	}
	var filter domain.FactFilter
	if raw, _ := a.flags.GetString("batch"); raw != "" {
		id, err := batchFlag(a.flags)
		if err != nil {
			return err
		}
		filter.BatchID = &id
	}
	if err := a.connect(ctx); err != nil {
		return err
	}

	out := os.Stdout
	if path, _ := a.flags.GetString("out"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		defer f.Close()
		out = f
	}

	service := export.NewService(warehouse.NewQueries(a.deps), a.logger)
	_, err = service.Write(ctx, out, format, filter)
	return err
}

func runServe(ctx context.Context, a *app, _ []string) error {
	if err := a.connect(ctx); err != nil {
		return err
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := a.conn.Pool.Ping(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.Handle("/batches", ingestion.NewHTTPHandler(a.ingestion)).Methods(http.MethodPost)
	r.Handle("/facts/export", export.NewHTTPHandler(
		export.NewService(warehouse.NewQueries(a.deps), a.logger),
		warehouse.ParseFactFilter,
		a.logger,
	)).Methods(http.MethodGet)
	warehouse.NewHTTPHandler(a.loader, warehouse.NewQueries(a.deps), a.logger).Register(r)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   a.cfg.HTTP.CORSOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
	})

	server := &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      corsHandler.Handler(middleware.LoggingMiddleware(a.logger)(r)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: a.cfg.Loader.TxTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting HTTP server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server exited")
	return nil
}

func runSchedule(ctx context.Context, a *app, _ []string) error {
	if err := a.connect(ctx); err != nil {
		return err
	}

	logger := cronLogger{a.logger.Sugar()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	_, err := c.AddFunc(a.cfg.Schedule.Spec, func() {
		results, err := a.loader.LoadPending(ctx)
		if err != nil {
			a.logger.Error("scheduled load failed", zap.Int("batches", len(results)), zap.Error(err))
			return
		}
		if len(results) > 0 {
			a.logger.Info("scheduled load finished", zap.Int("batches", len(results)))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", a.cfg.Schedule.Spec, err)
	}

	c.Start()
	a.logger.Info("scheduler started", zap.String("spec", a.cfg.Schedule.Spec))
	<-ctx.Done()
	<-c.Stop().Done()
	a.logger.Info("scheduler stopped")
	return nil
}

// cronLogger routes cron's key/value logging into zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

func batchFlag(flags *pflag.FlagSet) (uuid.UUID, error) {
	raw, _ := flags.GetString("batch")
	if raw == "" {
		return uuid.Nil, errors.New("--batch is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid batch id %q: %w", raw, err)
	}
	return id, nil
}

func parseInstant(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid instant %q", raw)
	}
	return t, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

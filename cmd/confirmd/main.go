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
	"strings"
	"syscall"
	"time"

	"github.com/clearlane/confirmd/internal/api"
	"github.com/clearlane/confirmd/internal/config"
	"github.com/clearlane/confirmd/internal/engine"
	"github.com/clearlane/confirmd/internal/expressions"
	"github.com/clearlane/confirmd/internal/logging"
	"github.com/clearlane/confirmd/internal/scheduler"
	"github.com/clearlane/confirmd/internal/signing"
	"github.com/clearlane/confirmd/internal/stage"
	"github.com/clearlane/confirmd/internal/store"
	"github.com/clearlane/confirmd/internal/streaming"
	"github.com/clearlane/confirmd/internal/validation"
	"github.com/clearlane/confirmd/pkg/mcp"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "confirmd.yaml", "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("confirmd", version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "confirmd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore(storeDSN(cfg.Store.Path))
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	events := store.NewEventLog(st)
	hub := streaming.NewMemoryHub()

	validator, err := validation.NewValidator()
	if err != nil {
		return err
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}

	signer := signing.NewSigner(&signing.EnvProvider{
		KeyIDVar:  cfg.Signing.KeyIDVar,
		SecretVar: cfg.Signing.SecretVar,
	})
	breakers := stage.NewBreakerRegistry(stage.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         config.Duration(cfg.Breaker.Cooldown, 30*time.Second),
		HalfOpenMax:      cfg.Breaker.HalfOpenMax,
	})
	invoker := stage.NewInvoker(signer, stage.NewClient(stage.ClientConfig{}), breakers, logger,
		engine.RetryEventObserver(events, logger))

	orch, err := engine.NewOrchestrator(cfg, engine.Deps{
		Store:     st,
		Events:    events,
		Hub:       hub,
		Invoker:   invoker,
		Validator: validator,
		CEL:       celEngine,
		JQ:        expressions.NewGoJQEngine(),
		Templates: expressions.NewExprEngine(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer orch.Shutdown()

	sched := scheduler.NewScheduler(st, events, scheduler.Config{
		MaxAge:        config.Duration(cfg.Retention.MaxAge, 0),
		SweepSchedule: cfg.Retention.SweepSchedule,
		StaleRunAfter: config.Duration(cfg.Retention.StaleRunAfter, 30*time.Minute),
	}, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if cfg.Server.MCP {
		return serveMCP(ctx, cfg, orch, st, events, hub, logger)
	}
	return serveHTTP(ctx, cfg, orch, st, events, hub, logger)
}

// serveHTTP runs the REST and SSE API until the context is cancelled.
func serveHTTP(ctx context.Context, cfg *config.Config, orch *engine.Orchestrator,
	st *store.LibSQLStore, events *store.EventLog, hub streaming.EventHub, logger *slog.Logger) error {

	srv := api.NewServer(api.Deps{
		Store:        st,
		Orchestrator: orch,
		Events:       events,
		Hub:          hub,
		Logger:       logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.Server.ListenAddr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// serveMCP runs the stdio tool server until the context is cancelled or
// stdin closes.
func serveMCP(ctx context.Context, cfg *config.Config, orch *engine.Orchestrator,
	st *store.LibSQLStore, events *store.EventLog, hub streaming.EventHub, logger *slog.Logger) error {

	srv := mcp.NewConfirmdServer(mcp.ServerDeps{
		Orchestrator: orch,
		Store:        st,
		Events:       events,
		Hub:          hub,
		Logger:       logger,
	})

	go func() {
		if err := srv.Notifier().Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("run notifier stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("mcp server listening on stdio")
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newLogger builds the process logger with correlation IDs attached from
// the request context.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// storeDSN normalizes a plain path into the file URI libsql expects.
func storeDSN(path string) string {
	if strings.HasPrefix(path, "file:") || strings.HasPrefix(path, "libsql:") {
		return path
	}
	return "file:" + path
}

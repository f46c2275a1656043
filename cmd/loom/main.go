package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	app "github.com/loomstack/loom"
	"github.com/loomstack/loom/internal/client"
	"github.com/loomstack/loom/internal/config"
	"github.com/loomstack/loom/internal/engine"
	"github.com/loomstack/loom/internal/registry"
	"github.com/loomstack/loom/internal/server"
	"github.com/loomstack/loom/internal/store"
	"github.com/loomstack/loom/internal/store/postgres"
	"github.com/loomstack/loom/internal/store/sqlite"
	"github.com/loomstack/loom/internal/worker"
	"github.com/loomstack/loom/pkg/log"
)

// Process exit codes
const (
	ExitOK = iota
	ExitFailure
	ExitMisconfigured
	ExitWorkflowFailed
	ExitNotFound
)

type loom struct {
	cfg      *config.Config
	store    store.Store
	pgPool   *pgxpool.Pool
	registry *registry.Registry
	engine   *engine.Engine
	pool     *worker.Pool
	client   *client.Client
	server   *server.Server
	stopPool context.CancelFunc
	poolDone chan error
	quit     chan os.Signal
}

var ErrUnknownBackend = errors.New("unknown store backend")

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFile(*configPath); err != nil {
		slog.Error("Invalid config file", log.Error(err))
		os.Exit(ExitMisconfigured)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(ExitMisconfigured)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(ExitMisconfigured)
	}

	s := &loom{
		cfg:  cfg,
		quit: make(chan os.Signal, 1),
	}
	s.setupLogging()

	if err := s.run(); err != nil {
		slog.Error("Failed to start application", log.Error(err))
		os.Exit(ExitFailure)
	}
	os.Exit(ExitOK)
}

func (s *loom) run() error {
	if err := s.initializeStore(); err != nil {
		return err
	}
	s.initializeEngine()
	s.startWorkers()
	s.startServer()

	signal.Notify(s.quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.quit)
	<-s.quit

	s.shutdown()
	return nil
}

func (s *loom) setupLogging() {
	level, ok := logLevels[s.cfg.LogLevel]
	if !ok {
		level = slog.LevelInfo
	}

	env := os.Getenv("ENV")
	logger := log.NewWithLevel(app.Name, env, app.Version, level)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)

	slog.Info("Loom starting",
		slog.String("log_level", s.cfg.LogLevel),
		slog.String("store_backend", s.cfg.Store.Backend),
		slog.String("api_host", s.cfg.APIHost),
		slog.Int("api_port", s.cfg.APIPort),
		slog.Int("workers", s.cfg.Worker.Count))
}

func (s *loom) initializeStore() error {
	ctx := context.Background()
	switch s.cfg.Store.Backend {
	case config.BackendSQLite:
		st, err := sqlite.New(s.cfg.Store.Path,
			sqlite.WithLogger(slog.Default()),
			sqlite.WithLease(s.cfg.Lease()))
		if err != nil {
			return err
		}
		s.store = st
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, s.cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		s.pgPool = pool
		s.store = postgres.New(pool,
			postgres.WithLogger(slog.Default()),
			postgres.WithLease(s.cfg.Lease()))
	default:
		return fmt.Errorf("%w: %s", ErrUnknownBackend, s.cfg.Store.Backend)
	}
	return s.store.Migrate(ctx)
}

func (s *loom) initializeEngine() {
	s.registry = registry.New(registry.WithActivityDefaults(
		s.cfg.Activity.DefaultRetryCount, s.cfg.ActivityTimeout()))
	registerDefinitions(s.registry)
	s.registry.Freeze()

	s.engine = engine.New(s.store, s.registry,
		engine.WithLogger(slog.Default()))
	s.pool = worker.New(s.store, s.engine, s.registry, s.cfg,
		worker.WithLogger(slog.Default()))
	s.client = client.New(s.store, s.registry, s.pool)
}

func (s *loom) startWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopPool = cancel
	s.poolDone = make(chan error, 1)
	go func() {
		s.poolDone <- s.pool.Run(ctx)
	}()
}

func (s *loom) startServer() {
	s.server = server.New(s.client, s.store, s.pool, slog.Default())
	addr := fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort)

	go func() {
		slog.Info("HTTP server starting", slog.String("addr", addr))
		if err := s.server.Start(addr); err != nil {
			slog.Error("HTTP server error", log.Error(err))
		}
	}()
}

func (s *loom) shutdown() {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), s.cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := s.server.Stop(ctx); err != nil {
		slog.Error("Shutdown failed", log.Error(err))
	}

	s.stopPool()
	select {
	case err := <-s.poolDone:
		if err != nil {
			slog.Error("Worker pool error", log.Error(err))
		}
	case <-ctx.Done():
		slog.Warn("Worker pool drain timed out")
	}

	if err := s.store.Close(); err != nil {
		slog.Error("Store close failed", log.Error(err))
	}
	if s.pgPool != nil {
		s.pgPool.Close()
	}

	slog.Info("Server exited")
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/querygate/internal/cache"
	"github.com/l0p7/querygate/internal/catalog"
	"github.com/l0p7/querygate/internal/config"
	"github.com/l0p7/querygate/internal/engine"
	"github.com/l0p7/querygate/internal/gateway"
	"github.com/l0p7/querygate/internal/history"
	"github.com/l0p7/querygate/internal/logging"
	"github.com/l0p7/querygate/internal/metrics"
	"github.com/l0p7/querygate/internal/server"
	"github.com/l0p7/querygate/internal/templates"
)

// runnableServer is the slice of the HTTP server contract run depends on.
type runnableServer interface {
	Run(context.Context) error
}

// runDeps carries the constructors run calls, so tests can inject failing
// implementations without touching package state.
type runDeps struct {
	loadConfig func(ctx context.Context, envPrefix, configFile string) (config.Config, error)
	newServer  func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error)
}

func liveDeps() runDeps {
	return runDeps{
		loadConfig: func(ctx context.Context, envPrefix, configFile string) (config.Config, error) {
			return config.NewLoader(envPrefix, configFile).Load(ctx)
		},
		newServer: func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
			return server.New(cfg, logger, handler)
		},
	}
}

func main() {
	var (
		configFile = flag.String("config", "", "configuration file (yaml, json, or toml)")
		envPrefix  = flag.String("env-prefix", "QUERYGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile, liveDeps()); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("querygate: %v", err)
	}
}

// run wires configuration, storage backends, the warehouse connection, and
// the HTTP surface, then serves until ctx is cancelled.
func run(ctx context.Context, envPrefix, configFile string, deps runDeps) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := deps.loadConfig(ctx, envPrefix, configFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	var pool *pgxpool.Pool
	if cfg.NeedsPostgres() {
		pool, err = pgxpool.New(ctx, cfg.Server.Postgres.DSN)
		if err != nil {
			logger.Error("postgres pool setup failed", slog.Any("error", err))
			logger.Info("postgres-backed components will fall back to memory")
			pool = nil
		} else {
			defer pool.Close()
		}
	}

	bootLogger := logger.With(slog.String("component", "bootstrap"))
	store := buildCacheBackend(ctx, bootLogger, cfg.Server.Cache, pool)
	hist := buildHistory(ctx, bootLogger, cfg.Server.History, pool)
	defer hist.Close()
	catalogStore := buildCatalog(ctx, bootLogger, cfg.Server.Catalog, pool)
	defer catalogStore.Close()

	warehouse, err := engine.NewClickHouse(engine.ClickHouseConfig{
		Address:     cfg.Server.Engine.Address,
		Database:    cfg.Server.Engine.Database,
		Username:    cfg.Server.Engine.Username,
		Password:    cfg.Server.Engine.Password,
		DialTimeout: cfg.Server.Engine.DialTimeout(),
		TLS: engine.ClickHouseTLSConfig{
			Enabled: cfg.Server.Engine.TLS.Enabled,
			CAFile:  cfg.Server.Engine.TLS.CAFile,
		},
	})
	if err != nil {
		return fmt.Errorf("connect warehouse: %w", err)
	}
	defer func() {
		if cerr := warehouse.Close(); cerr != nil {
			logger.Error("warehouse shutdown failed", slog.Any("error", cerr))
		}
	}()

	var library *templates.Library
	if folder := strings.TrimSpace(cfg.Server.Templates.TemplatesFolder); folder != "" {
		sandbox, err := templates.NewSandbox(folder)
		if err != nil {
			logger.Warn("templates disabled, sandbox setup failed", slog.String("folder", folder), slog.Any("error", err))
		} else if lib, err := templates.NewLibrary(sandbox); err != nil {
			logger.Warn("templates disabled, library load failed", slog.String("folder", folder), slog.Any("error", err))
		} else {
			library = lib
			watcher, err := lib.Watch(ctx, func() {
				logger.Info("query templates reloaded")
			}, func(err error) {
				logger.Error("template watcher error", slog.Any("error", err))
			})
			if err != nil {
				logger.Warn("template watcher setup failed", slog.Any("error", err))
			} else {
				defer watcher.Stop()
			}
		}
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	manager := gateway.NewManager(logger, gateway.ManagerOptions{
		Backend:        store,
		Engine:         warehouse,
		History:        hist,
		Schemas:        catalog.NewTracker(catalogStore),
		Templates:      library,
		Metrics:        recorder,
		IdentityHeader: cfg.Server.Identity.Header,
		DefaultTTL:     cfg.Server.Cache.DefaultTTL(),
		MaxTTL:         cfg.Server.Cache.MaxTTL(),
		MaxScanBytes:   cfg.Server.Engine.MaxScanBytes,
		MaxRows:        cfg.Server.Engine.MaxRows,
		CleanupBatch:   cfg.Server.Cache.Cleanup.BatchSize,
	})
	defer manager.Close()

	sweeper := gateway.NewSweeper(logger, manager, cfg.Server.Cache.CleanupInterval())
	go sweeper.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", server.NewGatewayHandler(manager))

	srv, err := deps.newServer(cfg, logger, mux)
	if err != nil {
		return fmt.Errorf("build http server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

// buildCacheBackend constructs the configured result cache. Backend failures
// fall back to memory so the gateway still serves with reduced durability.
func buildCacheBackend(ctx context.Context, logger *slog.Logger, cfg config.CacheConfig, pool *pgxpool.Pool) cache.Backend {
	if logger == nil {
		logger = slog.Default()
	}
	switch backend := strings.TrimSpace(strings.ToLower(cfg.Backend)); backend {
	case "", "memory":
		logger.Info("using memory result cache")
		return cache.NewMemory()
	case "valkey":
		store, err := cache.NewValkey(cache.ValkeyConfig{
			Address:   cfg.Valkey.Address,
			Username:  cfg.Valkey.Username,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			TLS: cache.ValkeyTLSConfig{
				Enabled: cfg.Valkey.TLS.Enabled,
				CAFile:  cfg.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("valkey result cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory result cache")
			return cache.NewMemory()
		}
		logger.Info("using valkey result cache", slog.String("address", cfg.Valkey.Address))
		return store
	case "postgres":
		if pool == nil {
			logger.Error("postgres result cache requires a reachable pool")
			logger.Info("falling back to memory result cache")
			return cache.NewMemory()
		}
		store, err := cache.NewPostgres(ctx, pool)
		if err != nil {
			logger.Error("postgres result cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory result cache")
			return cache.NewMemory()
		}
		logger.Info("using postgres result cache")
		return store
	default:
		logger.Warn("unknown cache backend, using memory", slog.String("backend", cfg.Backend))
		return cache.NewMemory()
	}
}

// buildHistory constructs the execution history recorder.
func buildHistory(ctx context.Context, logger *slog.Logger, cfg config.HistoryConfig, pool *pgxpool.Pool) history.Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	switch backend := strings.TrimSpace(strings.ToLower(cfg.Backend)); backend {
	case "", "memory":
		logger.Info("using memory history recorder", slog.Int("max_entries", cfg.MaxEntries))
		return history.NewMemory(cfg.MaxEntries)
	case "postgres":
		if pool == nil {
			logger.Error("postgres history recorder requires a reachable pool")
			logger.Info("falling back to memory history recorder")
			return history.NewMemory(cfg.MaxEntries)
		}
		recorder, err := history.NewPostgres(ctx, pool)
		if err != nil {
			logger.Error("postgres history recorder initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory history recorder")
			return history.NewMemory(cfg.MaxEntries)
		}
		logger.Info("using postgres history recorder")
		return recorder
	default:
		logger.Warn("unknown history backend, using memory", slog.String("backend", cfg.Backend))
		return history.NewMemory(cfg.MaxEntries)
	}
}

// buildCatalog constructs the schema snapshot store.
func buildCatalog(ctx context.Context, logger *slog.Logger, cfg config.CatalogConfig, pool *pgxpool.Pool) catalog.Store {
	if logger == nil {
		logger = slog.Default()
	}
	switch backend := strings.TrimSpace(strings.ToLower(cfg.Backend)); backend {
	case "", "memory":
		logger.Info("using memory schema catalog")
		return catalog.NewMemory()
	case "postgres":
		if pool == nil {
			logger.Error("postgres schema catalog requires a reachable pool")
			logger.Info("falling back to memory schema catalog")
			return catalog.NewMemory()
		}
		store, err := catalog.NewPostgres(ctx, pool)
		if err != nil {
			logger.Error("postgres schema catalog initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory schema catalog")
			return catalog.NewMemory()
		}
		logger.Info("using postgres schema catalog")
		return store
	default:
		logger.Warn("unknown catalog backend, using memory", slog.String("backend", cfg.Backend))
		return catalog.NewMemory()
	}
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option the gateway consumes at startup.
type Config struct {
	Server ServerConfig `koanf:"server"`
}

// ServerConfig collects the bootstrap knobs owned by the server lifecycle.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Identity  IdentityConfig  `koanf:"identity"`
	Cache     CacheConfig     `koanf:"cache"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Engine    EngineConfig    `koanf:"engine"`
	History   HistoryConfig   `koanf:"history"`
	Catalog   CatalogConfig   `koanf:"catalog"`
	Templates TemplatesConfig `koanf:"templates"`
}

// ListenConfig holds the bind address and port for the HTTP listener.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig sets the log level, output format, and the header the
// request correlation ID travels in.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// IdentityConfig names the request header carrying the caller identity that
// partitions cache entries and history rows.
type IdentityConfig struct {
	Header string `koanf:"header"`
}

// CacheConfig selects the result cache backend and its retention policy.
// TTLSeconds applies when a request carries no TTL of its own;
// MaxTTLSeconds caps whatever the request asks for.
type CacheConfig struct {
	Backend       string        `koanf:"backend"`
	TTLSeconds    int           `koanf:"ttlSeconds"`
	MaxTTLSeconds int           `koanf:"maxTTLSeconds"`
	Cleanup       CleanupConfig `koanf:"cleanup"`
	Valkey        ValkeyConfig  `koanf:"valkey"`
}

// CleanupConfig shapes the background sweep that removes expired entries.
type CleanupConfig struct {
	IntervalSeconds int `koanf:"intervalSeconds"`
	BatchSize       int `koanf:"batchSize"`
}

type ValkeyConfig struct {
	Address   string          `koanf:"address"`
	Username  string          `koanf:"username"`
	Password  string          `koanf:"password"`
	DB        int             `koanf:"db"`
	KeyPrefix string          `koanf:"keyPrefix"`
	TLS       ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// PostgresConfig carries the shared connection string used by every
// component configured with the postgres backend.
type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

// EngineConfig points the gateway at the ClickHouse warehouse it fronts.
// MaxScanBytes and MaxRows are the cost ceilings applied when a request
// does not set its own.
type EngineConfig struct {
	Address            string          `koanf:"address"`
	Database           string          `koanf:"database"`
	Username           string          `koanf:"username"`
	Password           string          `koanf:"password"`
	DialTimeoutSeconds int             `koanf:"dialTimeoutSeconds"`
	MaxScanBytes       int64           `koanf:"maxScanBytes"`
	MaxRows            int64           `koanf:"maxRows"`
	TLS                EngineTLSConfig `koanf:"tls"`
}

type EngineTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// HistoryConfig selects where execution history rows land. MaxEntries only
// bounds the memory backend; postgres keeps everything.
type HistoryConfig struct {
	Backend    string `koanf:"backend"`
	MaxEntries int    `koanf:"maxEntries"`
}

// CatalogConfig selects where schema snapshots are stored.
type CatalogConfig struct {
	Backend string `koanf:"backend"`
}

// TemplatesConfig captures the saved-query template root. An empty folder
// disables the template surface entirely.
type TemplatesConfig struct {
	TemplatesFolder string `koanf:"templatesFolder"`
}

// DefaultTTL returns the configured default entry lifetime.
func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// MaxTTL returns the ceiling applied to request-supplied TTLs. Zero means
// no ceiling beyond the default.
func (c CacheConfig) MaxTTL() time.Duration {
	return time.Duration(c.MaxTTLSeconds) * time.Second
}

// CleanupInterval returns how often the sweeper runs.
func (c CacheConfig) CleanupInterval() time.Duration {
	return time.Duration(c.Cleanup.IntervalSeconds) * time.Second
}

// DialTimeout returns the warehouse connection timeout.
func (c EngineConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// NeedsPostgres reports whether any component is configured against the
// shared Postgres pool.
func (c *Config) NeedsPostgres() bool {
	return normalizeBackend(c.Server.Cache.Backend) == "postgres" ||
		normalizeBackend(c.Server.History.Backend) == "postgres" ||
		normalizeBackend(c.Server.Catalog.Backend) == "postgres"
}

func normalizeBackend(backend string) string {
	return strings.TrimSpace(strings.ToLower(backend))
}

// Validate rejects configurations the gateway cannot safely run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: invalid listen.port: %d", c.Server.Listen.Port)
	}
	if c.Server.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config: invalid server.cache.ttlSeconds: %d", c.Server.Cache.TTLSeconds)
	}
	if c.Server.Cache.MaxTTLSeconds < 0 {
		return fmt.Errorf("config: invalid server.cache.maxTTLSeconds: %d", c.Server.Cache.MaxTTLSeconds)
	}
	if c.Server.Cache.MaxTTLSeconds > 0 && c.Server.Cache.MaxTTLSeconds < c.Server.Cache.TTLSeconds {
		return errors.New("config: server.cache.maxTTLSeconds below ttlSeconds")
	}
	if c.Server.Cache.Cleanup.IntervalSeconds <= 0 {
		return fmt.Errorf("config: invalid server.cache.cleanup.intervalSeconds: %d", c.Server.Cache.Cleanup.IntervalSeconds)
	}
	if c.Server.Cache.Cleanup.BatchSize <= 0 {
		return fmt.Errorf("config: invalid server.cache.cleanup.batchSize: %d", c.Server.Cache.Cleanup.BatchSize)
	}
	switch backend := normalizeBackend(c.Server.Cache.Backend); backend {
	case "", "memory":
	case "valkey":
		if strings.TrimSpace(c.Server.Cache.Valkey.Address) == "" {
			return errors.New("config: server.cache.valkey.address required for valkey backend")
		}
	case "postgres":
	default:
		return fmt.Errorf("config: unknown server.cache.backend %q", c.Server.Cache.Backend)
	}
	switch backend := normalizeBackend(c.Server.History.Backend); backend {
	case "", "memory", "postgres":
	default:
		return fmt.Errorf("config: unknown server.history.backend %q", c.Server.History.Backend)
	}
	if c.Server.History.MaxEntries <= 0 {
		return fmt.Errorf("config: invalid server.history.maxEntries: %d", c.Server.History.MaxEntries)
	}
	switch backend := normalizeBackend(c.Server.Catalog.Backend); backend {
	case "", "memory", "postgres":
	default:
		return fmt.Errorf("config: unknown server.catalog.backend %q", c.Server.Catalog.Backend)
	}
	if c.NeedsPostgres() && strings.TrimSpace(c.Server.Postgres.DSN) == "" {
		return errors.New("config: server.postgres.dsn required when a postgres backend is selected")
	}
	if strings.TrimSpace(c.Server.Engine.Address) == "" {
		return errors.New("config: server.engine.address required")
	}
	if c.Server.Engine.DialTimeoutSeconds < 0 {
		return fmt.Errorf("config: invalid server.engine.dialTimeoutSeconds: %d", c.Server.Engine.DialTimeoutSeconds)
	}
	if c.Server.Engine.MaxScanBytes < 0 {
		return fmt.Errorf("config: invalid server.engine.maxScanBytes: %d", c.Server.Engine.MaxScanBytes)
	}
	if c.Server.Engine.MaxRows < 0 {
		return fmt.Errorf("config: invalid server.engine.maxRows: %d", c.Server.Engine.MaxRows)
	}
	if strings.TrimSpace(c.Server.Identity.Header) == "" {
		return errors.New("config: server.identity.header required")
	}
	return nil
}

// DefaultConfig returns the out-of-the-box settings: memory backends, a one
// hour default TTL, and a local warehouse.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Identity: IdentityConfig{
				Header: "X-Querygate-Identity",
			},
			Cache: CacheConfig{
				Backend:       "memory",
				TTLSeconds:    3600,
				MaxTTLSeconds: 86400,
				Cleanup: CleanupConfig{
					IntervalSeconds: 300,
					BatchSize:       100,
				},
				Valkey: ValkeyConfig{
					KeyPrefix: "querygate",
				},
			},
			Engine: EngineConfig{
				Address:            "127.0.0.1:9000",
				Database:           "default",
				Username:           "default",
				DialTimeoutSeconds: 5,
				MaxScanBytes:       1 << 30,
				MaxRows:            10000,
			},
			History: HistoryConfig{
				Backend:    "memory",
				MaxEntries: 1000,
			},
			Catalog: CatalogConfig{
				Backend: "memory",
			},
		},
	}
}

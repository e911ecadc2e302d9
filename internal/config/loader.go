package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader assembles Config from defaults, optional config files, and
// environment overrides, in rising precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader returns a Loader reading env vars under envPrefix and merging the
// given files in order. Empty file entries are skipped.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load produces the validated effective configuration.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaultsMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: seed defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Config{}, err
		}
		if err := l.mergeFile(k, path); err != nil {
			return Config{}, err
		}
	}

	if l.envPrefix != "" {
		if err := k.Load(env.Provider(l.envPrefix, ".", l.envToKey), nil); err != nil {
			return Config{}, fmt.Errorf("config: merge environment: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l *Loader) mergeFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	parser, err := parserForFile(path)
	if err != nil {
		return err
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// envKeyFixups restores the camelCase path segments that env-var upper-casing
// destroys. Keys are the fully lowered dotted paths.
var envKeyFixups = map[string]string{
	"server.logging.correlationheader":     "server.logging.correlationHeader",
	"server.cache.ttlseconds":              "server.cache.ttlSeconds",
	"server.cache.maxttlseconds":           "server.cache.maxTTLSeconds",
	"server.cache.cleanup.intervalseconds": "server.cache.cleanup.intervalSeconds",
	"server.cache.cleanup.batchsize":       "server.cache.cleanup.batchSize",
	"server.cache.valkey.keyprefix":        "server.cache.valkey.keyPrefix",
	"server.cache.valkey.tls.cafile":       "server.cache.valkey.tls.caFile",
	"server.engine.dialtimeoutseconds":     "server.engine.dialTimeoutSeconds",
	"server.engine.maxscanbytes":           "server.engine.maxScanBytes",
	"server.engine.maxrows":                "server.engine.maxRows",
	"server.engine.tls.cafile":             "server.engine.tls.caFile",
	"server.history.maxentries":            "server.history.maxEntries",
	"server.templates.templatesfolder":     "server.templates.templatesFolder",
}

// envToKey maps QUERYGATE_SERVER__LISTEN__PORT onto server.listen.port.
// Double underscores separate path segments; whatever single underscores
// remain inside a segment are dropped, and camelCase segments come back from
// the fixup table.
func (l *Loader) envToKey(raw string) string {
	key := strings.TrimPrefix(raw, l.envPrefix+"_")
	key = strings.ReplaceAll(key, "__", ".")
	if mapped, ok := envKeyFixups[strings.ToLower(key)]; ok {
		return mapped
	}
	return strings.ToLower(strings.ReplaceAll(key, "_", ""))
}

// parserForFile picks the koanf parser matching the file extension.
func parserForFile(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file format: %s", path)
	}
}

// defaultsMap flattens DefaultConfig for the confmap provider.
func defaultsMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"identity": map[string]any{
				"header": cfg.Server.Identity.Header,
			},
			"cache": map[string]any{
				"backend":       cfg.Server.Cache.Backend,
				"ttlSeconds":    cfg.Server.Cache.TTLSeconds,
				"maxTTLSeconds": cfg.Server.Cache.MaxTTLSeconds,
				"cleanup": map[string]any{
					"intervalSeconds": cfg.Server.Cache.Cleanup.IntervalSeconds,
					"batchSize":       cfg.Server.Cache.Cleanup.BatchSize,
				},
				"valkey": map[string]any{
					"address":   cfg.Server.Cache.Valkey.Address,
					"username":  cfg.Server.Cache.Valkey.Username,
					"password":  cfg.Server.Cache.Valkey.Password,
					"db":        cfg.Server.Cache.Valkey.DB,
					"keyPrefix": cfg.Server.Cache.Valkey.KeyPrefix,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Valkey.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Valkey.TLS.CAFile,
					},
				},
			},
			"postgres": map[string]any{
				"dsn": cfg.Server.Postgres.DSN,
			},
			"engine": map[string]any{
				"address":            cfg.Server.Engine.Address,
				"database":           cfg.Server.Engine.Database,
				"username":           cfg.Server.Engine.Username,
				"password":           cfg.Server.Engine.Password,
				"dialTimeoutSeconds": cfg.Server.Engine.DialTimeoutSeconds,
				"maxScanBytes":       cfg.Server.Engine.MaxScanBytes,
				"maxRows":            cfg.Server.Engine.MaxRows,
				"tls": map[string]any{
					"enabled": cfg.Server.Engine.TLS.Enabled,
					"caFile":  cfg.Server.Engine.TLS.CAFile,
				},
			},
			"history": map[string]any{
				"backend":    cfg.Server.History.Backend,
				"maxEntries": cfg.Server.History.MaxEntries,
			},
			"catalog": map[string]any{
				"backend": cfg.Server.Catalog.Backend,
			},
			"templates": map[string]any{
				"templatesFolder": cfg.Server.Templates.TemplatesFolder,
			},
		},
	}
}

package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration shared by the server and
// worker binaries. Both read the same file so queue names, TTLs and Redis
// coordinates can never drift apart.
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Server      ServerConfig   `toml:"server"`
	Redis       RedisConfig    `toml:"redis"`
	Database    DatabaseConfig `toml:"database"`
	Query       QueryConfig    `toml:"query"`
	Worker      WorkerConfig   `toml:"worker"`
	Exports     ExportsConfig  `toml:"exports"`
	Logging     LoggingConfig  `toml:"logging"`
	Debug       bool           `toml:"debug"` // Verbose logging plus tracebacks in failure payloads
}

type ServerConfig struct {
	Port int    `toml:"port"` // HTTP listen port (env: AIO_PORT)
	Host string `toml:"host"`
}

// RedisConfig locates the shared store: job registry, queues and pub/sub in
// one instance.
type RedisConfig struct {
	URL     string `toml:"url"`      // e.g. "redis://localhost:6379" (env: REDIS_URL)
	DBIndex int    `toml:"db_index"` // Redis logical database (env: REDIS_DB_INDEX)
}

// DatabaseConfig is only read by workers; the server process never opens a
// DB connection.
type DatabaseConfig struct {
	URL      string `toml:"url"`       // Postgres DSN (env: DATABASE_URL)
	MaxConns int    `toml:"max_conns"` // Pool size per worker process
}

// QueryConfig tunes the iteration engine timeouts and caching behavior.
// Values are in seconds to match their environment variables.
type QueryConfig struct {
	TimeoutSeconds             int  `toml:"timeout_seconds"`               // Job execution budget (env: QUERY_TIMEOUT)
	EntireCorpusTimeoutSeconds int  `toml:"entire_corpus_timeout_seconds"` // Full-corpus/export budget (env: QUERY_ENTIRE_CORPUS_CALLBACK_TIMEOUT)
	CallbackTimeoutSeconds     int  `toml:"callback_timeout_seconds"`      // Result callback budget (env: QUERY_CALLBACK_TIMEOUT)
	UploadTimeoutSeconds       int  `toml:"upload_timeout_seconds"`        // Upload/export job budget (env: UPLOAD_TIMEOUT)
	TTLSeconds                 int  `toml:"ttl_seconds"`                   // Cache record lifetime (env: QUERY_TTL)
	UseCache                   bool `toml:"use_cache"`                     // Fingerprint lease toggle (env: USE_CACHE)
	MaxKwicLines               int  `toml:"max_kwic_lines"`                // KWIC guard threshold (env: DEFAULT_MAX_KWIC_LINES)
}

// WorkerConfig tunes the worker binary's pool.
type WorkerConfig struct {
	Concurrency    int      `toml:"concurrency"`     // Simultaneously running jobs per worker process
	Queues         []string `toml:"queues"`          // Queue names polled, priority order
	ReceiveTimeout string   `toml:"receive_timeout"` // e.g. "2s" - blocking poll bound, keeps shutdown prompt
}

// ExportsConfig controls the export registry and dump files.
type ExportsConfig struct {
	Dir        string `toml:"dir"`         // Directory for generated export files
	StorePath  string `toml:"store_path"`  // Badger directory for export records
	TTLSeconds int    `toml:"ttl_seconds"` // Export record lifetime before the sweep removes it
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability; only
// user-facing settings should be exposed in scrutor.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 9090,
			Host: "localhost",
		},
		Redis: RedisConfig{
			URL:     "redis://localhost:6379",
			DBIndex: 0,
		},
		Database: DatabaseConfig{
			URL:      "",
			MaxConns: 8,
		},
		Query: QueryConfig{
			TimeoutSeconds:             1000,
			EntireCorpusTimeoutSeconds: 99999,
			CallbackTimeoutSeconds:     5000,
			UploadTimeoutSeconds:       43200,
			TTLSeconds:                 5000,
			UseCache:                   true,
			MaxKwicLines:               9999,
		},
		Worker: WorkerConfig{
			Concurrency:    4,
			Queues:         []string{"query", "background", "internal"},
			ReceiveTimeout: "2s",
		},
		Exports: ExportsConfig{
			Dir:        "./data/exports",
			StorePath:  "./data/export-registry",
			TTLSeconds: 5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFile loads configuration from a single optional file.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration with priority: defaults -> file1 ->
// file2 -> ... -> environment variables. Later files override earlier files;
// CLI flags are applied by the binaries on top of the result.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SCRUTOR_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("AIO_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("SCRUTOR_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Shared store configuration
	if url := os.Getenv("REDIS_URL"); url != "" {
		config.Redis.URL = url
	}
	if idx := os.Getenv("REDIS_DB_INDEX"); idx != "" {
		if i, err := strconv.Atoi(idx); err == nil {
			config.Redis.DBIndex = i
		}
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		config.Database.URL = dsn
	}

	// Query engine configuration
	if timeout := os.Getenv("QUERY_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			config.Query.TimeoutSeconds = t
		}
	}
	if timeout := os.Getenv("QUERY_ENTIRE_CORPUS_CALLBACK_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			config.Query.EntireCorpusTimeoutSeconds = t
		}
	}
	if timeout := os.Getenv("QUERY_CALLBACK_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			config.Query.CallbackTimeoutSeconds = t
		}
	}
	if timeout := os.Getenv("UPLOAD_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			config.Query.UploadTimeoutSeconds = t
		}
	}
	if ttl := os.Getenv("QUERY_TTL"); ttl != "" {
		if t, err := strconv.Atoi(ttl); err == nil {
			config.Query.TTLSeconds = t
		}
	}
	if useCache := os.Getenv("USE_CACHE"); useCache != "" {
		if b, err := strconv.ParseBool(useCache); err == nil {
			config.Query.UseCache = b
		}
	}
	if maxKwic := os.Getenv("DEFAULT_MAX_KWIC_LINES"); maxKwic != "" {
		if m, err := strconv.Atoi(maxKwic); err == nil {
			config.Query.MaxKwicLines = m
		}
	}

	// Worker configuration
	if concurrency := os.Getenv("SCRUTOR_WORKER_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Worker.Concurrency = c
		}
	}

	// Logging configuration
	if level := os.Getenv("SCRUTOR_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if debug := os.Getenv("DEBUG"); debug != "" {
		if b, err := strconv.ParseBool(debug); err == nil {
			config.Debug = b
			if b {
				config.Logging.Level = "debug"
			}
		}
	}
}

// QueryTTL returns the cache record lifetime as a duration.
func (c *Config) QueryTTL() time.Duration {
	return time.Duration(c.Query.TTLSeconds) * time.Second
}

// ReceiveTimeout parses the worker poll bound, falling back to two seconds.
func (c *Config) ReceiveTimeout() time.Duration {
	d, err := time.ParseDuration(c.Worker.ReceiveTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// QueryTimeout returns the execution budget for one job. Full-corpus work
// gets the much larger entire-corpus budget.
func (c *Config) QueryTimeout(full bool) int {
	if full {
		return c.Query.EntireCorpusTimeoutSeconds
	}
	return c.Query.TimeoutSeconds
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "reviewforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "REVIEWFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "REVIEWFORGE_CORS_ORIGIN")
	setFloat64(&cfg.Server.RateLimit, "REVIEWFORGE_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "REVIEWFORGE_RATE_BURST")

	// Store
	setString(&cfg.Store.Backend, "REVIEWFORGE_STORE")
	setString(&cfg.Store.SQLitePath, "REVIEWFORGE_SQLITE_PATH")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "REVIEWFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "REVIEWFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "REVIEWFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "REVIEWFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "REVIEWFORGE_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")

	// LLM
	setString(&cfg.LLM.Mode, "REVIEWFORGE_LLM_MODE")
	setString(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.LLM.APIKey, "REVIEWFORGE_LLM_API_KEY")
	setString(&cfg.LLM.APIURL, "REVIEWFORGE_LLM_API_URL")
	setString(&cfg.LLM.Model, "REVIEWFORGE_LLM_MODEL")
	setString(&cfg.LLM.CLIBinary, "REVIEWFORGE_LLM_CLI_BINARY")
	setDuration(&cfg.LLM.Timeout, "REVIEWFORGE_LLM_TIMEOUT")
	setInt(&cfg.LLM.MaxRetries, "REVIEWFORGE_LLM_MAX_RETRIES")
	setDuration(&cfg.LLM.BackoffInitial, "REVIEWFORGE_LLM_BACKOFF_INITIAL")
	setDuration(&cfg.LLM.BackoffMax, "REVIEWFORGE_LLM_BACKOFF_MAX")

	// Extraction
	setInt(&cfg.Extraction.MaxConcurrent, "REVIEWFORGE_EXTRACT_MAX_CONCURRENT")
	setInt(&cfg.Extraction.MaxTokens, "REVIEWFORGE_EXTRACT_MAX_TOKENS")
	setFloat64(&cfg.Extraction.Temperature, "REVIEWFORGE_EXTRACT_TEMPERATURE")
	setInt(&cfg.Extraction.MaxDocChars, "REVIEWFORGE_EXTRACT_MAX_DOC_CHARS")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "REVIEWFORGE_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "REVIEWFORGE_CACHE_L1_TTL")
	setString(&cfg.Cache.L2Bucket, "REVIEWFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "REVIEWFORGE_CACHE_L2_TTL")

	setString(&cfg.Logging.Level, "REVIEWFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "REVIEWFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "REVIEWFORGE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "REVIEWFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "REVIEWFORGE_BREAKER_TIMEOUT")

	setBool(&cfg.OTEL.Enabled, "REVIEWFORGE_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "REVIEWFORGE_OTEL_INSECURE")

	setString(&cfg.Report.Dir, "REVIEWFORGE_REPORT_DIR")
	setString(&cfg.Checklist.Path, "REVIEWFORGE_CHECKLIST")
	setString(&cfg.Checklist.DefaultID, "REVIEWFORGE_CHECKLIST_ID")
	setBool(&cfg.MCP.Enabled, "REVIEWFORGE_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "REVIEWFORGE_MCP_ADDR")
	setString(&cfg.MCP.APIKey, "REVIEWFORGE_MCP_API_KEY")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Backend {
	case "memory":
	case "sqlite":
		if cfg.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite store")
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres store")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	default:
		return fmt.Errorf("store.backend %q must be memory, sqlite or postgres", cfg.Store.Backend)
	}
	switch cfg.LLM.Mode {
	case "auto", "api", "cli":
	default:
		return fmt.Errorf("llm.mode %q must be auto, api or cli", cfg.LLM.Mode)
	}
	if cfg.LLM.Timeout <= 0 {
		return errors.New("llm.timeout must be > 0")
	}
	if cfg.LLM.MaxRetries < 0 {
		return errors.New("llm.max_retries must be >= 0")
	}
	if cfg.Extraction.MaxConcurrent < 1 {
		return errors.New("extraction.max_concurrent must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Overrides carries command-line values that take precedence over every other
// source. Nil fields are left untouched.
type Overrides struct {
	Port     *string
	LogLevel *string
	LLMMode  *string
	Store    *string
}

// LoadWithOverrides loads from yamlPath and applies o after the environment.
func LoadWithOverrides(yamlPath string, o Overrides) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyOverrides(&cfg, o)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.Port != nil {
		cfg.Server.Port = *o.Port
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.LLMMode != nil {
		cfg.LLM.Mode = *o.LLMMode
	}
	if o.Store != nil {
		cfg.Store.Backend = *o.Store
	}
}

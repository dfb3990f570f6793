package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Extraction.MaxConcurrent != 5 {
		t.Errorf("expected max_concurrent 5, got %d", cfg.Extraction.MaxConcurrent)
	}
	if cfg.LLM.Mode != "auto" {
		t.Errorf("expected llm mode auto, got %s", cfg.LLM.Mode)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
llm:
  mode: "cli"
  max_retries: 4
extraction:
  max_concurrent: 2
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.LLM.Mode != "cli" {
		t.Errorf("expected mode cli, got %s", cfg.LLM.Mode)
	}
	if cfg.LLM.MaxRetries != 4 {
		t.Errorf("expected max_retries 4, got %d", cfg.LLM.MaxRetries)
	}
	if cfg.Extraction.MaxConcurrent != 2 {
		t.Errorf("expected max_concurrent 2, got %d", cfg.Extraction.MaxConcurrent)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	// Unchanged fields keep defaults
	if cfg.LLM.CLIBinary != "claude" {
		t.Errorf("expected default cli binary, got %s", cfg.LLM.CLIBinary)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(yamlPath, []byte("server: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(yamlPath); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("REVIEWFORGE_PORT", "7070")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("REVIEWFORGE_LLM_MODE", "api")
	t.Setenv("REVIEWFORGE_LLM_TIMEOUT", "45s")
	t.Setenv("REVIEWFORGE_EXTRACT_MAX_CONCURRENT", "8")
	t.Setenv("REVIEWFORGE_LOG_LEVEL", "warn")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("expected api key from env, got %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.Mode != "api" {
		t.Errorf("expected mode api, got %s", cfg.LLM.Mode)
	}
	if cfg.LLM.Timeout != 45*time.Second {
		t.Errorf("expected timeout 45s, got %v", cfg.LLM.Timeout)
	}
	if cfg.Extraction.MaxConcurrent != 8 {
		t.Errorf("expected max_concurrent 8, got %d", cfg.Extraction.MaxConcurrent)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	cfg := Defaults()
	t.Setenv("REVIEWFORGE_LLM_MAX_RETRIES", "lots")
	loadEnv(&cfg)
	if cfg.LLM.MaxRetries != 2 {
		t.Errorf("unparseable env must keep default, got %d", cfg.LLM.MaxRetries)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "unknown store",
			modify: func(c *Config) { c.Store.Backend = "redis" },
			errMsg: `store.backend "redis" must be memory, sqlite or postgres`,
		},
		{
			name:   "postgres without DSN",
			modify: func(c *Config) { c.Store.Backend = "postgres"; c.Postgres.DSN = "" },
			errMsg: "postgres.dsn is required for the postgres store",
		},
		{
			name:   "unknown mode",
			modify: func(c *Config) { c.LLM.Mode = "both" },
			errMsg: `llm.mode "both" must be auto, api or cli`,
		},
		{
			name:   "zero timeout",
			modify: func(c *Config) { c.LLM.Timeout = 0 },
			errMsg: "llm.timeout must be > 0",
		},
		{
			name:   "negative retries",
			modify: func(c *Config) { c.LLM.MaxRetries = -1 },
			errMsg: "llm.max_retries must be >= 0",
		},
		{
			name:   "zero pool",
			modify: func(c *Config) { c.Extraction.MaxConcurrent = 0 },
			errMsg: "extraction.max_concurrent must be >= 1",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestLoadFrom_FullHierarchy(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(yamlPath, []byte(`
server:
  port: "9090"
logging:
  level: "debug"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("REVIEWFORGE_PORT", "7070")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("env should override YAML: got port %q, want 7070", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("YAML should override defaults: got level %q, want debug", cfg.Logging.Level)
	}
}

func TestOverridesWinOverEnv(t *testing.T) {
	t.Setenv("REVIEWFORGE_PORT", "7070")
	t.Setenv("REVIEWFORGE_LLM_MODE", "api")

	port := "3333"
	mode := "cli"
	cfg, err := LoadWithOverrides("/nonexistent.yaml", Overrides{Port: &port, LLMMode: &mode})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "3333" {
		t.Errorf("expected override port 3333, got %s", cfg.Server.Port)
	}
	if cfg.LLM.Mode != "cli" {
		t.Errorf("expected override mode cli, got %s", cfg.LLM.Mode)
	}
}

func TestOverridesNilChangesNothing(t *testing.T) {
	cfg := Defaults()
	original := cfg
	applyOverrides(&cfg, Overrides{})
	if cfg.Server.Port != original.Server.Port || cfg.Logging.Level != original.Logging.Level {
		t.Error("nil overrides must not change config")
	}
}

func TestOverridesValidated(t *testing.T) {
	bad := "fax"
	if _, err := LoadWithOverrides("/nonexistent.yaml", Overrides{LLMMode: &bad}); err == nil {
		t.Fatal("expected validation error for invalid mode override")
	}
}

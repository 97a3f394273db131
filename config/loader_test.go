package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Engine.MaxAttempts != 3 {
		t.Errorf("default MaxAttempts = %d, want 3", cfg.Engine.MaxAttempts)
	}
	if cfg.Engine.PerCallTimeout != 300*time.Second {
		t.Errorf("default PerCallTimeout = %v", cfg.Engine.PerCallTimeout)
	}
}

func TestLoaderFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  http_port: 9999
engine:
  max_attempts: 5
  per_call_timeout: 60s
artifacts:
  type: file
  base_dir: /tmp/artifacts
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 9999 {
		t.Errorf("HTTPPort = %d, want 9999", cfg.Server.HTTPPort)
	}
	if cfg.Engine.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Engine.MaxAttempts)
	}
	if cfg.Engine.PerCallTimeout != 60*time.Second {
		t.Errorf("PerCallTimeout = %v, want 60s", cfg.Engine.PerCallTimeout)
	}
	if cfg.Artifacts.Type != "file" || cfg.Artifacts.BaseDir != "/tmp/artifacts" {
		t.Errorf("artifact store config not applied: %+v", cfg.Artifacts)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.MetricsPort != 9090 {
		t.Errorf("MetricsPort = %d, want default 9090", cfg.Server.MetricsPort)
	}
}

func TestLoaderEnvOverridesFile(t *testing.T) {
	t.Setenv("STAGEFLOW_ENGINE_MAX_ATTEMPTS", "7")
	t.Setenv("STAGEFLOW_GENERATION_TIMEOUT", "45s")
	t.Setenv("STAGEFLOW_AUTH_API_KEYS", "key-a, key-b")
	t.Setenv("STAGEFLOW_TELEMETRY_ENABLED", "true")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", cfg.Engine.MaxAttempts)
	}
	if cfg.Generation.Timeout != 45*time.Second {
		t.Errorf("Generation.Timeout = %v, want 45s", cfg.Generation.Timeout)
	}
	if len(cfg.Auth.APIKeys) != 2 || cfg.Auth.APIKeys[1] != "key-b" {
		t.Errorf("APIKeys = %v", cfg.Auth.APIKeys)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled should be true")
	}
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want default 8080", cfg.Server.HTTPPort)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.MaxAttempts = 0
	cfg.Artifacts.Type = "carrier_pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{
		Driver: "postgres", Host: "db", Port: 5432,
		User: "u", Password: "p", Name: "runs", SSLMode: "disable",
	}
	want := "host=db port=5432 user=u password=p dbname=runs sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}

	d = DatabaseConfig{Driver: "sqlite", Name: "runs.db"}
	if got := d.DSN(); got != "runs.db" {
		t.Errorf("sqlite DSN() = %q", got)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want default 30s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.example.com" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if cfg.Identity.JWKSURL != "https://auth.example.com/.well-known/jwks.json" {
		t.Errorf("Identity.JWKSURL = %q", cfg.Identity.JWKSURL)
	}
	if cfg.Identity.Audience != "pmisflow" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Identity.ClaimPaths["role"] != "role" {
		t.Errorf("Identity.ClaimPaths[role] = %q, want default", cfg.Identity.ClaimPaths["role"])
	}
	if !cfg.Definitions.HotReload {
		t.Error("Definitions.HotReload = false, want true")
	}
	if cfg.Workflow.MaxRetries != 5 {
		t.Errorf("Workflow.MaxRetries = %d, want 5", cfg.Workflow.MaxRetries)
	}
	if cfg.Workflow.Store.Driver != "postgres" || cfg.Workflow.Store.DSNEnv != "PMIS_DB_URL" {
		t.Errorf("Workflow.Store = %+v", cfg.Workflow.Store)
	}
	if cfg.Idempotency.Store.Driver != "redis" || cfg.Idempotency.Store.DefaultTTL != 12*time.Hour {
		t.Errorf("Idempotency.Store = %+v", cfg.Idempotency.Store)
	}
	if cfg.Autostart.Source != "redis" || cfg.Autostart.Channel != "pmis.submitted" {
		t.Errorf("Autostart = %+v", cfg.Autostart)
	}
	if cfg.Autostart.Buffer != 64 {
		t.Errorf("Autostart.Buffer = %d, want default 64", cfg.Autostart.Buffer)
	}
	if cfg.SLA.Schedule != "*/10 * * * *" {
		t.Errorf("SLA.Schedule = %q", cfg.SLA.Schedule)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	if !strings.Contains(err.Error(), "identity.issuer is required") {
		t.Errorf("error = %v, want identity.issuer problem", err)
	}
}

func TestLoad_reportsEveryProblem(t *testing.T) {
	_, err := Load("testdata/bad_sections.yaml")
	if err == nil {
		t.Fatal("Load() should reject invalid sections")
	}
	for _, want := range []string{
		`workflow.store.driver "mongo"`,
		`autostart.source "kafka"`,
		`sla.schedule "every tuesday"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
	if strings.Count(err.Error(), "; ") != 2 {
		t.Errorf("problems should be joined with \"; \": %v", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Workflow.Store.Driver != "memory" {
		t.Errorf("default Workflow.Store.Driver = %q, want memory", cfg.Workflow.Store.Driver)
	}
	if cfg.Workflow.MaxRetries != 3 {
		t.Errorf("default Workflow.MaxRetries = %d, want 3", cfg.Workflow.MaxRetries)
	}
	if cfg.Idempotency.Store.DefaultTTL != 24*time.Hour {
		t.Errorf("default Idempotency TTL = %v, want 24h", cfg.Idempotency.Store.DefaultTTL)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PMISFLOW_SERVER_PORT", "3000")
	t.Setenv("PMISFLOW_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("PMISFLOW_IDENTITY_JWKS_URL", "https://env-issuer.com/.well-known/jwks.json")
	t.Setenv("PMISFLOW_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("PMISFLOW_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("PMISFLOW_WORKFLOW_STORE_DRIVER", "memory")
	t.Setenv("PMISFLOW_AUTOSTART_SOURCE", "channel")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.Workflow.Store.Driver != "memory" {
		t.Errorf("Workflow.Store.Driver = %q, want memory (env override)", cfg.Workflow.Store.Driver)
	}
	if cfg.Autostart.Source != "channel" {
		t.Errorf("Autostart.Source = %q, want channel (env override)", cfg.Autostart.Source)
	}
}

func TestLoad_dotenv(t *testing.T) {
	abs, err := filepath.Abs("testdata/valid.yaml")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PMISFLOW_SERVER_PORT=4444\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	// Register cleanup so the variable loaded from .env is unset afterwards.
	t.Setenv("PMISFLOW_SERVER_PORT", "")
	_ = os.Unsetenv("PMISFLOW_SERVER_PORT")

	cfg, err := Load(abs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 4444 {
		t.Errorf("Server.Port = %d, want 4444 from .env", cfg.Server.Port)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "pmisflow"
	cfg.Server.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_disabledSectionsSkipped(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "pmisflow"
	cfg.Autostart.Source = "kafka"
	cfg.SLA.Schedule = "nonsense"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, disabled sections should not be checked", err)
	}
}

func TestLoad_env_priority_over_file(t *testing.T) {
	// File sets port 9090, env sets 5555; env wins.
	t.Setenv("PMISFLOW_SERVER_PORT", "5555")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 5555 {
		t.Errorf("Server.Port = %d, want 5555 (env override beats file)", cfg.Server.Port)
	}
}

func TestEnv(t *testing.T) {
	t.Setenv("PMISFLOW_TEST_DSN", "postgres://x")
	if got := Env("PMISFLOW_TEST_DSN"); got != "postgres://x" {
		t.Errorf("Env() = %q", got)
	}
	if got := Env(""); got != "" {
		t.Errorf("Env(\"\") = %q, want empty", got)
	}
}

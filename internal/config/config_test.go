package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadWithPath_AppliesDefaultsWithNoConfigFile(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}
	if cfg.Server.Port != 8088 {
		t.Fatalf("expected default port 8088, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("expected default driver sqlite, got %s", cfg.Database.Driver)
	}
	if cfg.Journal.RotateBytes != 5*1024*1024 {
		t.Fatalf("expected default rotateBytes 5MiB, got %d", cfg.Journal.RotateBytes)
	}
	if cfg.Runner.PermissionTimeout.String() != "5m0s" {
		t.Fatalf("expected default permission timeout 5m, got %s", cfg.Runner.PermissionTimeout)
	}
}

func TestLoadWithPath_InvalidPortFailsValidation(t *testing.T) {
	dir := t.TempDir()
	content := "server:\n  port: 0\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	if _, err := LoadWithPath(dir); err == nil {
		t.Fatal("expected validation error for an out-of-range port")
	}
}

func TestLoadWithPath_PostgresRequiresHostAndDBName(t *testing.T) {
	dir := t.TempDir()
	content := "database:\n  driver: postgres\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	if _, err := LoadWithPath(dir); err == nil {
		t.Fatal("expected validation error for postgres driver without host/dbName")
	}
}

func TestLoadWithPath_EnvOverridesBearerToken(t *testing.T) {
	t.Setenv("RELAY_BEARER_TOKEN", "secret-token")
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}
	if cfg.Auth.BearerToken != "secret-token" {
		t.Fatalf("expected bearer token from env, got %q", cfg.Auth.BearerToken)
	}
}

func TestConfig_DebugYAMLRedactsSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Auth.BearerToken = "secret-token"
	cfg.Runner.OpenAI.APIKey = "sk-abc123"
	cfg.Runner.Sprites.APIKey = "sprites-key"
	cfg.Server.Host = "0.0.0.0"

	out := cfg.DebugYAML()

	if strings.Contains(out, "secret-token") {
		t.Fatalf("expected bearer token to be redacted, got:\n%s", out)
	}
	if strings.Contains(out, "sk-abc123") {
		t.Fatalf("expected OpenAI API key to be redacted, got:\n%s", out)
	}
	if strings.Contains(out, "sprites-key") {
		t.Fatalf("expected Sprites API key to be redacted, got:\n%s", out)
	}
	if !strings.Contains(out, "0.0.0.0") {
		t.Fatalf("expected non-secret fields to survive redaction, got:\n%s", out)
	}
	if !strings.Contains(out, "***") {
		t.Fatalf("expected redacted placeholder in output, got:\n%s", out)
	}
}

func TestServerConfig_TimeoutDurationsConvertSecondsToDuration(t *testing.T) {
	s := ServerConfig{ReadTimeout: 30, WriteTimeout: 45}
	if s.ReadTimeoutDuration().Seconds() != 30 {
		t.Fatalf("expected 30s, got %s", s.ReadTimeoutDuration())
	}
	if s.WriteTimeoutDuration().Seconds() != 45 {
		t.Fatalf("expected 45s, got %s", s.WriteTimeoutDuration())
	}
}

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flowext/api/internal/access"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"API_ADDR", "FLOWEXT_REPOS_DIR", "REDIS_URL", "FLOWEXT_CORS_ORIGIN", "FLOWEXT_ADMIN_GROUP",
		"FLOWEXT_CONTRIBUTOR_GROUP", "FLOWEXT_DRAFT_TTL_SECONDS", "FLOWEXT_OUTCOME_CHANNEL", "FLOWEXT_LOG_LEVEL",
		"FLOWEXT_CONFIG_FILE",
	} {
		t.Setenv(key, "")
	}

	cfg := mustLoad(t)
	if cfg.Addr != ":8787" || cfg.RedisURL != "" || cfg.OutcomeChannel != "flow:outcomes" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Access != access.DefaultConfig() {
		t.Fatalf("Access = %+v, want defaults", cfg.Access)
	}
	if cfg.DraftTTL != 24*time.Hour || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected ttl/level: %v %v", cfg.DraftTTL, cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FLOWEXT_CONFIG_FILE", "")
	t.Setenv("FLOWEXT_ADMIN_GROUP", "ADMINS")
	t.Setenv("FLOWEXT_CONTRIBUTOR_GROUP", "EDITORS")
	t.Setenv("FLOWEXT_DRAFT_TTL_SECONDS", "60")
	t.Setenv("FLOWEXT_LOG_LEVEL", "DEBUG")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")

	cfg := mustLoad(t)
	if cfg.Access.AdminGroup != "ADMINS" || cfg.Access.ContributorGroup != "EDITORS" {
		t.Fatalf("unexpected access config: %+v", cfg.Access)
	}
	if cfg.DraftTTL != time.Minute || cfg.LogLevel != slog.LevelDebug || cfg.RedisURL == "" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowext.yaml")
	content := "addr: \":9000\"\nreposDir: /srv/repos\nredisUrl: redis://cache:6379/0\ndraftTtlSeconds: 120\nadminGroup: FILE_ADMINS\nlogLevel: warn\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FLOWEXT_CONFIG_FILE", path)
	t.Setenv("API_ADDR", "")
	t.Setenv("FLOWEXT_REPOS_DIR", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("FLOWEXT_DRAFT_TTL_SECONDS", "")
	t.Setenv("FLOWEXT_LOG_LEVEL", "")
	t.Setenv("FLOWEXT_CONTRIBUTOR_GROUP", "")
	t.Setenv("FLOWEXT_ADMIN_GROUP", "ENV_ADMINS")

	cfg := mustLoad(t)
	if cfg.Addr != ":9000" || cfg.ReposDir != "/srv/repos" || cfg.RedisURL != "redis://cache:6379/0" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.DraftTTL != 2*time.Minute || cfg.LogLevel != slog.LevelWarn {
		t.Fatalf("unexpected ttl/level: %v %v", cfg.DraftTTL, cfg.LogLevel)
	}
	if cfg.Access.AdminGroup != "ENV_ADMINS" {
		t.Fatalf("environment should override file, got %q", cfg.Access.AdminGroup)
	}
	if cfg.Access.ContributorGroup != access.DefaultContributorGroup {
		t.Fatalf("ContributorGroup = %q, want default", cfg.Access.ContributorGroup)
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FLOWEXT_CONFIG_FILE", filepath.Join(dir, "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing file")
	}

	broken := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(broken, []byte("addr: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FLOWEXT_CONFIG_FILE", broken)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func mustLoad(t *testing.T) Config {
	t.Helper()
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestGetenvIntFallback(t *testing.T) {
	t.Setenv("FLOWEXT_TEST_INT", "abc")
	if got := getenvInt("FLOWEXT_TEST_INT", 7); got != 7 {
		t.Fatalf("getenvInt() = %d, want 7", got)
	}
}

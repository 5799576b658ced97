package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fullYAML = `
user_id: alice

storage:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  database: stagecoach_alice

relay:
  platform: discord
  token: bot-token-123
  channels:
    team: "100200300"
    support: "100200301"

sync:
  page_size: 25
  debounce_ms: 500
  probe_addr: "8.8.8.8:443"

retention:
  days: 30
  schedule: "0 3 * * *"

dashboard:
  port: 9090
`

const minimalYAML = `
user_id: bob
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.UserID != "alice" {
		t.Errorf("UserID = %q, want %q", cfg.UserID, "alice")
	}
	if cfg.Storage.Driver != "mysql" || cfg.Storage.Host != "10.0.0.5" || cfg.Storage.Port != 3307 {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Relay.Platform != "discord" || cfg.Relay.Token != "bot-token-123" {
		t.Errorf("Relay = %+v", cfg.Relay)
	}
	if cfg.Relay.Channels["team"] != "100200300" {
		t.Errorf("Channels = %v", cfg.Relay.Channels)
	}
	if cfg.Sync.PageSize != 25 || cfg.Sync.DebounceMS != 500 {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Retention.Days != 30 || cfg.Retention.Schedule != "0 3 * * *" {
		t.Errorf("Retention = %+v", cfg.Retention)
	}
	if cfg.Dashboard.Port != 9090 {
		t.Errorf("Dashboard.Port = %d, want 9090", cfg.Dashboard.Port)
	}
}

func TestParse_MinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "stagecoach.db" {
		t.Errorf("Storage defaults = %+v", cfg.Storage)
	}
	if cfg.Relay.Platform != "mock" {
		t.Errorf("Relay.Platform = %q, want mock", cfg.Relay.Platform)
	}
	if cfg.Sync.PageSize != 50 {
		t.Errorf("Sync.PageSize = %d, want 50", cfg.Sync.PageSize)
	}
	if cfg.Sync.DebounceMS != 300 {
		t.Errorf("Sync.DebounceMS = %d, want 300", cfg.Sync.DebounceMS)
	}
	if cfg.Retention.Days != 90 || cfg.Retention.Schedule != "0 4 * * *" {
		t.Errorf("Retention defaults = %+v", cfg.Retention)
	}
	if cfg.Dashboard.Port != 7683 {
		t.Errorf("Dashboard.Port = %d, want 7683", cfg.Dashboard.Port)
	}
}

func TestParse_MySQLDatabaseDerivedFromUser(t *testing.T) {
	cfg, err := Parse([]byte("user_id: carol\nstorage:\n  driver: mysql\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Database != "stagecoach_carol" {
		t.Errorf("Database = %q, want stagecoach_carol", cfg.Storage.Database)
	}
}

func TestParse_MissingUserID(t *testing.T) {
	_, err := Parse([]byte("storage:\n  driver: sqlite\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "user_id is required") {
		t.Errorf("error = %v", err)
	}
}

func TestParse_PlatformNeedsToken(t *testing.T) {
	_, err := Parse([]byte("user_id: dave\nrelay:\n  platform: slack\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "relay.token is required") {
		t.Errorf("error = %v", err)
	}
}

func TestParse_UnsupportedDriver(t *testing.T) {
	_, err := Parse([]byte("user_id: eve\nstorage:\n  driver: postgres\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "not supported") {
		t.Errorf("error = %v", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("user_id: [unclosed")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UserID != "bob" {
		t.Errorf("UserID = %q, want bob", cfg.UserID)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

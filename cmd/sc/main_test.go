package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "sc dev") {
		t.Errorf("expected output to contain 'sc dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf("user_id: alice\nstorage:\n  driver: sqlite\n  path: %s\n",
		filepath.Join(dir, "cache.db"))
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestDBMigrateCmd(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "db", "migrate", "-c", cfg)
	if err != nil {
		t.Fatalf("db migrate: %v", err)
	}
	if !strings.Contains(out, "Migrated") {
		t.Errorf("output = %s", out)
	}
}

func TestQueueListCmd_Empty(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "queue", "list", "-c", cfg)
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, "Queue is empty") {
		t.Errorf("output = %s", out)
	}
}

func TestSendCmd_DeliversThroughMockRelay(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "send", "-c", cfg, "-C", "team", "hello there")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out, "Delivered 1 message(s), 0 still queued") {
		t.Errorf("output = %s", out)
	}
}

func TestSendCmd_RequiresConversation(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := run(t, "send", "-c", cfg, "hello"); err == nil {
		t.Fatal("expected error for missing --conversation")
	}
}

func TestQueueRetryCmd_NeedsTarget(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := run(t, "queue", "retry", "-c", cfg); err == nil {
		t.Fatal("expected error without message id or --all")
	}
}

func TestDBResetCmd_Force(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := run(t, "db", "migrate", "-c", cfg); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	out, err := run(t, "db", "reset", "-c", cfg, "--force")
	if err != nil {
		t.Fatalf("db reset: %v", err)
	}
	if !strings.Contains(out, "Local cache reset") {
		t.Errorf("output = %s", out)
	}
}

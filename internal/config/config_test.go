package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	path := writeConfig(t, "version: 1\nmodel:\n  model: claude-test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.Context.WindowMessages != 40 {
		t.Fatalf("expected default window 40, got %d", cfg.Runtime.Context.WindowMessages)
	}
	if cfg.Runtime.Turn.MaxToolIterations != 16 {
		t.Fatalf("expected default max tool iterations 16, got %d", cfg.Runtime.Turn.MaxToolIterations)
	}
	if cfg.Model.Provider != "anthropic" {
		t.Fatalf("expected default provider anthropic, got %s", cfg.Model.Provider)
	}
}

func TestLoadMissingAPIKeyFails(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	path := writeConfig(t, "version: 1\nmodel:\n  model: claude-test\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected ConfigError for missing api key env")
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("PITH_WORKSPACE", "/tmp/pith-workspace")
	path := writeConfig(t, "version: 1\nmodel:\n  model: claude-test\nruntime:\n  workspace_path: ${PITH_WORKSPACE}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.WorkspacePath != "/tmp/pith-workspace" {
		t.Fatalf("expected substituted workspace path, got %s", cfg.Runtime.WorkspacePath)
	}
}

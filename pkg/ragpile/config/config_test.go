package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
system_prompt: "be concise"
llm:
  model: gpt-4o
  base_url: https://example.com/v1
telegram:
  token: tok123
session:
  window_minutes: 90
tasks:
  workers: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.SystemPrompt != "be concise" {
		t.Errorf("top level = %+v", cfg)
	}
	if cfg.LLM.Model != "gpt-4o" || cfg.LLM.BaseURL != "https://example.com/v1" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Telegram.Token != "tok123" {
		t.Errorf("telegram token = %q", cfg.Telegram.Token)
	}
	if cfg.Session.WindowMinutes != 90 || cfg.Tasks.Workers != 2 {
		t.Errorf("session/tasks = %+v %+v", cfg.Session, cfg.Tasks)
	}
	// Unset fields keep the defaults.
	if cfg.Tasks.RunTimeoutSeconds != 300 {
		t.Errorf("RunTimeoutSeconds = %d, want default", cfg.Tasks.RunTimeoutSeconds)
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("explicit missing path did not error")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RAGPILE_TEST_TOKEN", "secret123")
	t.Setenv("RAGPILE_TEST_EMPTY", "")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "token: ${RAGPILE_TEST_TOKEN}", "token: secret123"},
		{"default used", "x: ${RAGPILE_TEST_UNSET:-fallback}", "x: fallback"},
		{"default ignored when set", "x: ${RAGPILE_TEST_TOKEN:-fallback}", "x: secret123"},
		{"empty counts as unset", "x: ${RAGPILE_TEST_EMPTY:-fb}", "x: fb"},
		{"no reference", "plain: value", "plain: value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnvVars(tt.in)
			if err != nil {
				t.Fatalf("expandEnvVars: %v", err)
			}
			if got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExpandEnvVars_RequiredMissing(t *testing.T) {
	_, err := expandEnvVars("key: ${RAGPILE_TEST_REQUIRED:?api key is required}")
	if err == nil || !strings.Contains(err.Error(), "api key is required") {
		t.Errorf("err = %v, want the required-variable message", err)
	}
}

func TestLoad_ExpandsEnvInYAML(t *testing.T) {
	t.Setenv("RAGPILE_TEST_TG", "bot-token")
	path := writeConfig(t, "telegram:\n  token: ${RAGPILE_TEST_TG}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "bot-token" {
		t.Errorf("token = %q, want the expanded value", cfg.Telegram.Token)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Telegram.Token = "tok"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	back, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.Telegram.Token != "tok" {
		t.Errorf("round trip lost the token: %+v", back.Telegram)
	}
}

package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestLoadAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{
		"basic_config": {"server_address": ":9000"},
		"providers": {
			"claude": {"model": "claude-3-5-haiku", "api_key": "k", "priority": 2},
			"openai": {"model": "gpt-4o-mini", "api_key": "k", "priority": 1}
		}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":9000" {
		t.Fatalf("server address not loaded: %+v", cfg.BasicConfig)
	}
	if cfg.BasicConfig.DefaultTenantID != 1 {
		t.Fatalf("default tenant should be 1, got %d", cfg.BasicConfig.DefaultTenantID)
	}
	if cfg.Limits.DailyCap != 50 || cfg.Limits.MonthlyCap != 500 {
		t.Fatalf("default caps wrong: %+v", cfg.Limits)
	}
	if cfg.BasicConfig.DefaultProvider != "openai" {
		t.Fatalf("default provider should follow priority, got %q", cfg.BasicConfig.DefaultProvider)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestProviderOrder(t *testing.T) {
	cfg := &Config{Providers: map[string]ProviderConfig{
		"gemini": {Priority: 2},
		"claude": {Priority: 2},
		"openai": {Priority: 1},
	}}
	want := []string{"openai", "claude", "gemini"}
	if got := cfg.ProviderOrder(); !reflect.DeepEqual(got, want) {
		t.Fatalf("order %v, want %v", got, want)
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupLoggerWithWritersFansOut(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Info("quota reserved", "user_id", 7)

	if !strings.Contains(stderr.String(), "quota reserved") {
		t.Fatalf("text output missing: %s", stderr.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(file.Bytes(), &entry); err != nil {
		t.Fatalf("file output is not JSON: %v (%s)", err, file.String())
	}
	if entry["msg"] != "quota reserved" {
		t.Fatalf("unexpected JSON entry: %v", entry)
	}

	logger.Debug("hidden")
	if strings.Contains(stderr.String(), "hidden") {
		t.Fatalf("debug should be filtered at info level")
	}
}

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("unexpected default log level: %s", cfg.LogLevel)
	}
	if cfg.LLM.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("unexpected default base url: %s", cfg.LLM.BaseURL)
	}
	if cfg.Triage.MaxToolRounds != 8 {
		t.Errorf("unexpected default round cap: %d", cfg.Triage.MaxToolRounds)
	}
	if cfg.Poll.Interval != "2m" || cfg.Poll.Retention != "24h" {
		t.Errorf("unexpected poll defaults: %+v", cfg.Poll)
	}

	// The defaults file is written for the user to edit.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("defaults file should exist: %v", err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("defaults file should be valid JSON: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"log_level": "debug",
		"listen": "0.0.0.0:9000",
		"llm": {"model": "gpt-4o-mini", "api_key": "file-key"},
		"providers": [
			{"name": "gmail", "command": "gmail-provider", "args": ["--poll"], "events_tool": "list_notifications"}
		]
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.LogLevel != "debug" || cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("file values should override defaults: %s %s", cfg.LogLevel, cfg.Listen)
	}
	if cfg.LLM.Model != "gpt-4o-mini" || cfg.LLM.APIKey != "file-key" {
		t.Errorf("unexpected llm config: %+v", cfg.LLM)
	}
	// Unset file fields keep their defaults.
	if cfg.LLM.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("unset field should keep default: %s", cfg.LLM.BaseURL)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("expected 1 provider, got %d", len(cfg.Providers))
	}
	p := cfg.Providers[0]
	if p.Name != "gmail" || p.Command != "gmail-provider" || p.EventsTool != "list_notifications" {
		t.Errorf("unexpected provider config: %+v", p)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"llm": {"api_key": "file-key", "base_url": "https://file.example"}, "telegram": {"token": "file-token"}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("OPENAI_API_KEY", "env-key")
	t.Setenv("OPENAI_BASE_URL", "https://env.example")
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("env should win over file: %s", cfg.LLM.APIKey)
	}
	if cfg.LLM.BaseURL != "https://env.example" {
		t.Errorf("env should win over file: %s", cfg.LLM.BaseURL)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Errorf("env should win over file: %s", cfg.Telegram.Token)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid config file")
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ProviderConfig describes one tool-provider subprocess and how to poll it
// for new notifications.
type ProviderConfig struct {
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	EventsTool string            `json:"events_tool"`
	EventsArgs json.RawMessage   `json:"events_args,omitempty"`
}

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Listen   string `json:"listen"`
	LLM      struct {
		Provider    string  `json:"provider"`
		BaseURL     string  `json:"base_url"`
		APIKey      string  `json:"api_key"`
		Model       string  `json:"model"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float32 `json:"temperature"`
	} `json:"llm"`
	Triage struct {
		MaxToolRounds     int    `json:"max_tool_rounds"`
		RunTimeout        string `json:"run_timeout"`
		ContentTokenCap   int    `json:"content_token_cap"`
		MaxConcurrentRuns int    `json:"max_concurrent_runs"`
	} `json:"triage"`
	Poll struct {
		Interval        string `json:"interval"`
		ProviderTimeout string `json:"provider_timeout"`
		Retention       string `json:"retention"`
		EvictEvery      string `json:"evict_every"`
	} `json:"poll"`
	Hub struct {
		QueueSize int `json:"queue_size"`
	} `json:"hub"`
	Providers []ProviderConfig `json:"providers"`
	Telegram  struct {
		Token  string `json:"token"`
		ChatID int64  `json:"chat_id"`
	} `json:"telegram"`
}

// DefaultPath returns the standard config location under the user's home.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".sift", "config.json")
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".sift"),
		LogLevel: "info",
		Listen:   "127.0.0.1:8425",
	}
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o"
	cfg.LLM.MaxTokens = 4000
	cfg.LLM.Temperature = 0.2
	cfg.Triage.MaxToolRounds = 8
	cfg.Triage.RunTimeout = "3m"
	cfg.Triage.ContentTokenCap = 400
	cfg.Triage.MaxConcurrentRuns = 2
	cfg.Poll.Interval = "2m"
	cfg.Poll.ProviderTimeout = "30s"
	cfg.Poll.Retention = "24h"
	cfg.Poll.EvictEvery = "1h"
	cfg.Hub.QueueSize = 64

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}

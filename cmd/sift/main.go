package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/sift/internal/agent"
	"github.com/user/sift/internal/config"
	"github.com/user/sift/internal/provider"
	"github.com/user/sift/internal/rpc"
	"github.com/user/sift/pkg/llm"
	"github.com/user/sift/pkg/llm/openai"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "sift",
	Short:        "Intelligent notification triage daemon",
	Long:         "sift polls tool providers for new notifications, asks an LLM to\nclassify and prioritize them, and streams the decisions to subscribers.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// buildRegistry creates a session for every configured provider.
func buildRegistry(cfg *config.Config) *provider.Registry {
	registry := provider.NewRegistry(slog.Default())
	for _, pc := range cfg.Providers {
		session := rpc.NewSession(rpc.Config{
			Name:    pc.Name,
			Command: pc.Command,
			Args:    pc.Args,
			Env:     pc.Env,
		}, slog.Default())
		registry.Add(session)
	}
	return registry
}

// buildAgent assembles the classification agent from config.
func buildAgent(cfg *config.Config, tools agent.ToolRunner) (*agent.Agent, error) {
	engine := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	prompts, err := agent.NewPromptBuilder(cfg.LLM.Model, cfg.Triage.ContentTokenCap)
	if err != nil {
		return nil, fmt.Errorf("create prompt builder: %w", err)
	}
	return agent.New(engine, tools, prompts, slog.Default(), agent.Config{
		MaxRounds:  cfg.Triage.MaxToolRounds,
		RunTimeout: duration(cfg.Triage.RunTimeout, 3*time.Minute),
	}), nil
}

// duration parses a config duration string, falling back when it is empty
// or malformed.
func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/sift/internal/agent"
	"github.com/user/sift/internal/dedup"
	"github.com/user/sift/internal/poller"
	"github.com/user/sift/internal/provider"
	"github.com/user/sift/internal/types"
)

var classifyInput string

func init() {
	classifyCmd.Flags().StringVar(&classifyInput, "input", "", "JSON file with a notification batch instead of polling providers")
	rootCmd.AddCommand(classifyCmd)
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Run one classification and print the result as JSON",
	Args:  cobra.NoArgs,
	RunE:  runClassify,
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	registry := buildRegistry(cfg)
	registry.ConnectAll(ctx)
	defer registry.CloseAll()
	dispatcher := provider.NewDispatcher(registry, slog.Default())

	triager, err := buildAgent(cfg, dispatcher)
	if err != nil {
		return err
	}

	var notifications []types.Notification
	if classifyInput != "" {
		data, err := os.ReadFile(classifyInput)
		if err != nil {
			return fmt.Errorf("read input file: %w", err)
		}
		if err := json.Unmarshal(data, &notifications); err != nil {
			return fmt.Errorf("parse input file: %w", err)
		}
	} else {
		collector := poller.New(cfg.Providers, dispatcher, registry, nil, dedup.NewStore(), nil, nil, slog.Default(), poller.Config{
			ProviderTimeout: duration(cfg.Poll.ProviderTimeout, 30*time.Second),
		})
		notifications = collector.Collect(ctx)
	}

	if len(notifications) == 0 {
		fmt.Fprintln(os.Stderr, "No new notifications.")
		return nil
	}

	result, err := triager.Triage(ctx, notifications, agent.LLMTools(registry.Catalog()))
	if err != nil {
		return fmt.Errorf("classification failed: %w", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

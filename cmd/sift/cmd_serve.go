package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/sift/internal/dedup"
	"github.com/user/sift/internal/hub"
	"github.com/user/sift/internal/poller"
	"github.com/user/sift/internal/provider"
	"github.com/user/sift/internal/telegram"
	"github.com/user/sift/internal/web"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sift daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "sift.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if len(cfg.Providers) == 0 {
		slog.Warn("no providers configured, nothing will be collected", "config", cfgPath)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Providers
	registry := buildRegistry(cfg)
	registry.ConnectAll(ctx)
	defer registry.CloseAll()
	dispatcher := provider.NewDispatcher(registry, slog.Default())

	// Classification agent
	triager, err := buildAgent(cfg, dispatcher)
	if err != nil {
		return err
	}

	// Dedup, hub, run queue, poller
	store := dedup.NewStore()
	h := hub.New(slog.Default(), cfg.Hub.QueueSize)
	defer h.Close()
	queue := poller.NewRunQueue(int64(cfg.Triage.MaxConcurrentRuns), slog.Default())

	pol := poller.New(cfg.Providers, dispatcher, registry, triager, store, h, queue, slog.Default(), poller.Config{
		Interval:        duration(cfg.Poll.Interval, 2*time.Minute),
		ProviderTimeout: duration(cfg.Poll.ProviderTimeout, 30*time.Second),
		Retention:       duration(cfg.Poll.Retention, 24*time.Hour),
		EvictEvery:      duration(cfg.Poll.EvictEvery, time.Hour),
		SnapshotPath:    filepath.Join(cfg.DataDir, "seen.json"),
	})
	if err := pol.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	defer pol.Stop()

	// HTTP surface
	webSrv := web.NewServer(h, registry, registry, triager, slog.Default())
	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: webSrv,
	}
	go func() {
		slog.Info("http server started", "listen", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	// Telegram sink
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		notifier, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.ChatID, h, slog.Default())
		if err != nil {
			return fmt.Errorf("create telegram notifier: %w", err)
		}
		notifier.Start(ctx)
		defer notifier.Stop()
		slog.Info("telegram notifier started", "chat_id", cfg.Telegram.ChatID)
	} else {
		slog.Warn("telegram notifier disabled (no token or chat id)")
	}

	slog.Info("sift started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"providers", len(cfg.Providers),
		"poll_interval", cfg.Poll.Interval,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")
	return nil
}

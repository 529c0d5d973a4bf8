// Package poller drives the collection cycle: on a cron tick it queries every
// configured provider's events tool, admits unseen notifications through the
// dedup store, and enqueues them as one batch for classification. Decisions
// are published to the broadcast hub.
package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/user/sift/internal/agent"
	"github.com/user/sift/internal/config"
	"github.com/user/sift/internal/dedup"
	"github.com/user/sift/internal/hub"
	"github.com/user/sift/internal/provider"
	"github.com/user/sift/internal/types"
	"github.com/user/sift/pkg/llm"
)

// ToolCaller executes a named tool call. *provider.Dispatcher satisfies it.
type ToolCaller interface {
	Call(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// CatalogSource exposes the current tool catalog. *provider.Registry
// satisfies it.
type CatalogSource interface {
	Catalog() []provider.ToolDescriptor
}

// Classifier runs one classification over a batch. *agent.Agent satisfies it.
type Classifier interface {
	Triage(ctx context.Context, notifications []types.Notification, tools []llm.Tool) (*types.TriageResult, error)
}

// Config holds the poller's timing knobs.
type Config struct {
	Interval        time.Duration
	ProviderTimeout time.Duration
	Retention       time.Duration
	EvictEvery      time.Duration
	SnapshotPath    string // dedup snapshot; empty disables persistence
}

// Poller owns the poll/evict cron and the classification run queue.
type Poller struct {
	providers []config.ProviderConfig
	tools     ToolCaller
	catalog   CatalogSource
	classify  Classifier
	store     *dedup.Store
	hub       *hub.Hub
	queue     *RunQueue
	logger    *slog.Logger
	cfg       Config

	cron *cron.Cron
}

// New creates a Poller. The queue must not have been started yet.
func New(
	providers []config.ProviderConfig,
	tools ToolCaller,
	catalog CatalogSource,
	classify Classifier,
	store *dedup.Store,
	h *hub.Hub,
	queue *RunQueue,
	logger *slog.Logger,
	cfg Config,
) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.EvictEvery <= 0 {
		cfg.EvictEvery = time.Hour
	}
	return &Poller{
		providers: providers,
		tools:     tools,
		catalog:   catalog,
		classify:  classify,
		store:     store,
		hub:       h,
		queue:     queue,
		logger:    logger.With("component", "poller"),
		cfg:       cfg,
	}
}

// Start loads the dedup snapshot, starts the run queue, and registers the
// poll and eviction cron entries.
func (p *Poller) Start(ctx context.Context) error {
	if p.cfg.SnapshotPath != "" {
		if err := p.store.Load(p.cfg.SnapshotPath); err != nil {
			p.logger.Warn("dedup snapshot load failed, starting empty", "error", err)
		}
	}

	p.queue.SetProcessor(p.process)
	p.queue.Start(ctx)

	p.cron = cron.New()
	if _, err := p.cron.AddFunc("@every "+p.cfg.Interval.String(), func() {
		p.Poll(ctx)
	}); err != nil {
		return err
	}
	if _, err := p.cron.AddFunc("@every "+p.cfg.EvictEvery.String(), func() {
		removed := p.store.EvictOlderThan(p.cfg.Retention)
		p.logger.Debug("dedup eviction", "removed", removed, "tracked", p.store.Len())
		p.saveSnapshot()
	}); err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("poller started",
		"providers", len(p.providers),
		"interval", p.cfg.Interval,
		"retention", p.cfg.Retention)
	return nil
}

// Stop halts the cron, drains in-flight runs, and saves the dedup snapshot.
func (p *Poller) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
	p.queue.Stop()
	p.saveSnapshot()
}

func (p *Poller) saveSnapshot() {
	if p.cfg.SnapshotPath == "" {
		return
	}
	if err := p.store.Save(p.cfg.SnapshotPath); err != nil {
		p.logger.Warn("dedup snapshot save failed", "error", err)
	}
}

// Poll runs one collection cycle and enqueues whatever it admitted as a
// single batch.
func (p *Poller) Poll(ctx context.Context) {
	fresh := p.Collect(ctx)
	if len(fresh) == 0 {
		return
	}
	if err := p.queue.Enqueue(&Batch{Notifications: fresh}); err != nil {
		p.logger.Error("batch enqueue failed", "error", err, "size", len(fresh))
	}
}

// Collect queries every provider concurrently, each with its own timeout,
// and returns the notifications newly admitted by the dedup store. A
// provider that errors is logged and skipped for this cycle.
func (p *Poller) Collect(ctx context.Context) []types.Notification {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var fresh []types.Notification

	for _, pc := range p.providers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, p.cfg.ProviderTimeout)
			defer cancel()

			items, err := p.collect(cctx, pc)
			if err != nil {
				p.logger.Warn("provider collection failed", "provider", pc.Name, "error", err)
				return nil
			}

			admitted := 0
			mu.Lock()
			for _, n := range items {
				if p.store.Admit(n.ID) {
					fresh = append(fresh, n)
					admitted++
				}
			}
			mu.Unlock()
			p.logger.Debug("provider collected", "provider", pc.Name, "items", len(items), "new", admitted)
			return nil
		})
	}
	g.Wait()
	return fresh
}

// collect queries one provider's events tool and decodes the result. Both a
// bare array and a {"notifications": [...]} wrapper are accepted.
func (p *Poller) collect(ctx context.Context, pc config.ProviderConfig) ([]types.Notification, error) {
	out, err := p.tools.Call(ctx, pc.EventsTool, pc.EventsArgs)
	if err != nil {
		return nil, err
	}

	var items []types.Notification
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		var wrapper struct {
			Notifications []types.Notification `json:"notifications"`
		}
		if err := json.Unmarshal([]byte(out), &wrapper); err != nil {
			return nil, err
		}
		items = wrapper.Notifications
	}

	kept := items[:0]
	for _, n := range items {
		if n.ID == "" {
			p.logger.Warn("dropping notification without id", "provider", pc.Name)
			continue
		}
		if n.Source == "" {
			n.Source = pc.Name
		}
		kept = append(kept, n)
	}
	return kept, nil
}

// process classifies one batch and publishes each notification's decision.
// A failed run still publishes a degraded result so stream consumers always
// see a terminal signal for the batch.
func (p *Poller) process(ctx context.Context, batch *Batch) {
	tools := agent.LLMTools(p.catalog.Catalog())
	result, err := p.classify.Triage(ctx, batch.Notifications, tools)
	if err != nil {
		p.logger.Error("classification run failed", "error", err, "size", len(batch.Notifications))
		result = &types.TriageResult{
			RunID:           types.NewRunID(),
			AnalysisSummary: "classification failed: " + err.Error(),
			Decisions:       []types.Decision{},
			Degraded:        true,
		}
	}
	p.publish(batch, result)
}

func (p *Poller) publish(batch *Batch, result *types.TriageResult) {
	now := time.Now()
	for _, n := range batch.Notifications {
		classified := &types.Classified{Notification: n}
		if d, ok := result.DecisionFor(n.ID); ok {
			classified.Classification = d
		}
		p.hub.Publish(types.ResultEvent{
			Source:          n.Source,
			Type:            "notification",
			Notification:    classified,
			AnalysisSummary: result.AnalysisSummary,
			Timestamp:       now,
		})
	}
}

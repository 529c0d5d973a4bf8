package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/user/sift/internal/config"
	"github.com/user/sift/internal/dedup"
	"github.com/user/sift/internal/hub"
	"github.com/user/sift/internal/provider"
	"github.com/user/sift/internal/types"
	"github.com/user/sift/pkg/llm"
)

// fakeTools answers events-tool calls from a canned map.
type fakeTools struct {
	mu      sync.Mutex
	results map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeTools) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if err, ok := f.errs[name]; ok {
		return "", err
	}
	return f.results[name], nil
}

type fakeCatalog struct{ descriptors []provider.ToolDescriptor }

func (f *fakeCatalog) Catalog() []provider.ToolDescriptor { return f.descriptors }

// fakeClassifier records batches and replays a canned result.
type fakeClassifier struct {
	mu      sync.Mutex
	batches [][]types.Notification
	result  *types.TriageResult
	err     error
}

func (f *fakeClassifier) Triage(ctx context.Context, notifications []types.Notification, tools []llm.Tool) (*types.TriageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, notifications)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeClassifier) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func providerConfig(name, tool string) config.ProviderConfig {
	return config.ProviderConfig{Name: name, Command: name + "-provider", EventsTool: tool}
}

func newTestPoller(t *testing.T, providers []config.ProviderConfig, tools ToolCaller, classify Classifier) (*Poller, *hub.Hub) {
	t.Helper()
	h := hub.New(nil, 16)
	t.Cleanup(h.Close)

	queue := NewRunQueue(2, nil)
	p := New(providers, tools, &fakeCatalog{}, classify, dedup.NewStore(), h, queue, nil, Config{
		ProviderTimeout: time.Second,
	})
	queue.SetProcessor(p.process)
	queue.Start(t.Context())
	t.Cleanup(queue.Stop)
	return p, h
}

func drainEvents(t *testing.T, ch <-chan types.ResultEvent, n int) []types.ResultEvent {
	t.Helper()
	out := make([]types.ResultEvent, 0, n)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got %d of %d", len(out), n)
		}
	}
	return out
}

func TestPollCollectsAndPublishes(t *testing.T) {
	tools := &fakeTools{results: map[string]string{
		"gmail_events": `[
			{"id": "gmail:1", "sender": "boss@x.com", "subject": "urgent"},
			{"id": "gmail:2", "sender": "news@x.com", "subject": "digest"}
		]`,
		"slack_events": `{"notifications": [{"id": "slack:1", "source": "slack", "sender": "mike"}]}`,
	}}
	classify := &fakeClassifier{result: &types.TriageResult{
		AnalysisSummary: "one urgent item",
		Decisions: []types.Decision{
			{NotificationID: "gmail:1", Decision: types.CategoryImmediate, UrgencyScore: 9},
		},
	}}
	p, h := newTestPoller(t, []config.ProviderConfig{
		providerConfig("gmail", "gmail_events"),
		providerConfig("slack", "slack_events"),
	}, tools, classify)

	id, ch := h.Subscribe()
	defer h.Unsubscribe(id)

	p.Poll(t.Context())
	if !p.queue.WaitIdle(2 * time.Second) {
		t.Fatal("queue never went idle")
	}

	if classify.batchCount() != 1 {
		t.Fatalf("expected 1 classification run, got %d", classify.batchCount())
	}
	if got := len(classify.batches[0]); got != 3 {
		t.Fatalf("expected 3 notifications in batch, got %d", got)
	}

	events := drainEvents(t, ch, 3)
	byID := make(map[string]types.ResultEvent)
	for _, ev := range events {
		if ev.Type != "notification" || ev.Notification == nil {
			t.Fatalf("malformed event: %+v", ev)
		}
		byID[ev.Notification.ID] = ev
	}
	urgent := byID["gmail:1"]
	if urgent.Source != "gmail" {
		t.Errorf("source should be filled from provider name: %q", urgent.Source)
	}
	if urgent.Notification.Classification == nil || urgent.Notification.Classification.Decision != types.CategoryImmediate {
		t.Errorf("decision should be attached: %+v", urgent.Notification.Classification)
	}
	if byID["gmail:2"].Notification.Classification != nil {
		t.Error("undecided notification should carry no classification")
	}
	if byID["slack:1"].AnalysisSummary != "one urgent item" {
		t.Errorf("summary should ride along: %q", byID["slack:1"].AnalysisSummary)
	}
}

func TestPollDedupAcrossCycles(t *testing.T) {
	tools := &fakeTools{results: map[string]string{
		"gmail_events": `[{"id": "gmail:1", "subject": "hello"}]`,
	}}
	classify := &fakeClassifier{result: &types.TriageResult{Decisions: []types.Decision{}}}
	p, _ := newTestPoller(t, []config.ProviderConfig{providerConfig("gmail", "gmail_events")}, tools, classify)

	p.Poll(t.Context())
	p.Poll(t.Context()) // same items resurface, nothing new admitted
	if !p.queue.WaitIdle(2 * time.Second) {
		t.Fatal("queue never went idle")
	}

	if classify.batchCount() != 1 {
		t.Errorf("second cycle should admit nothing, got %d runs", classify.batchCount())
	}
}

func TestPollDuplicateAcrossProvidersSameCycle(t *testing.T) {
	// Two providers surfacing the same external id within one cycle must
	// produce a single admitted notification.
	payload := `[{"id": "shared:1", "subject": "cross-posted"}]`
	tools := &fakeTools{results: map[string]string{
		"gmail_events": payload,
		"slack_events": payload,
	}}
	classify := &fakeClassifier{result: &types.TriageResult{Decisions: []types.Decision{}}}
	p, _ := newTestPoller(t, []config.ProviderConfig{
		providerConfig("gmail", "gmail_events"),
		providerConfig("slack", "slack_events"),
	}, tools, classify)

	p.Poll(t.Context())
	if !p.queue.WaitIdle(2 * time.Second) {
		t.Fatal("queue never went idle")
	}

	if classify.batchCount() != 1 || len(classify.batches[0]) != 1 {
		t.Errorf("expected one batch with one notification, got %+v", classify.batches)
	}
}

func TestPollProviderErrorSkipped(t *testing.T) {
	tools := &fakeTools{
		results: map[string]string{"gmail_events": `[{"id": "gmail:1"}]`},
		errs:    map[string]error{"slack_events": fmt.Errorf("connection refused")},
	}
	classify := &fakeClassifier{result: &types.TriageResult{Decisions: []types.Decision{}}}
	p, _ := newTestPoller(t, []config.ProviderConfig{
		providerConfig("gmail", "gmail_events"),
		providerConfig("slack", "slack_events"),
	}, tools, classify)

	p.Poll(t.Context())
	if !p.queue.WaitIdle(2 * time.Second) {
		t.Fatal("queue never went idle")
	}

	if classify.batchCount() != 1 || len(classify.batches[0]) != 1 {
		t.Fatalf("healthy provider should still be processed: %+v", classify.batches)
	}
	if classify.batches[0][0].ID != "gmail:1" {
		t.Errorf("unexpected notification: %+v", classify.batches[0][0])
	}
}

func TestClassificationFailurePublishesDegraded(t *testing.T) {
	tools := &fakeTools{results: map[string]string{
		"gmail_events": `[{"id": "gmail:1", "subject": "hello"}]`,
	}}
	classify := &fakeClassifier{err: fmt.Errorf("engine unavailable")}
	p, h := newTestPoller(t, []config.ProviderConfig{providerConfig("gmail", "gmail_events")}, tools, classify)

	id, ch := h.Subscribe()
	defer h.Unsubscribe(id)

	p.Poll(t.Context())
	if !p.queue.WaitIdle(2 * time.Second) {
		t.Fatal("queue never went idle")
	}

	events := drainEvents(t, ch, 1)
	ev := events[0]
	if ev.Notification == nil || ev.Notification.Classification != nil {
		t.Errorf("degraded event should carry the notification without a decision: %+v", ev)
	}
	if ev.AnalysisSummary == "" {
		t.Error("degraded event should carry a reason")
	}
}

func TestCollectDropsEntriesWithoutID(t *testing.T) {
	tools := &fakeTools{results: map[string]string{
		"gmail_events": `[{"id": "gmail:1"}, {"subject": "no id"}]`,
	}}
	classify := &fakeClassifier{result: &types.TriageResult{Decisions: []types.Decision{}}}
	p, _ := newTestPoller(t, []config.ProviderConfig{providerConfig("gmail", "gmail_events")}, tools, classify)

	items, err := p.collect(t.Context(), providerConfig("gmail", "gmail_events"))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "gmail:1" {
		t.Errorf("id-less entries should be dropped: %+v", items)
	}
	if items[0].Source != "gmail" {
		t.Errorf("empty source should default to the provider name: %q", items[0].Source)
	}
}

func TestCollectMalformedPayload(t *testing.T) {
	tools := &fakeTools{results: map[string]string{
		"gmail_events": "plain text, not json",
	}}
	classify := &fakeClassifier{result: &types.TriageResult{Decisions: []types.Decision{}}}
	p, _ := newTestPoller(t, []config.ProviderConfig{providerConfig("gmail", "gmail_events")}, tools, classify)

	if _, err := p.collect(t.Context(), providerConfig("gmail", "gmail_events")); err == nil {
		t.Fatal("malformed payload should be an error")
	}
}

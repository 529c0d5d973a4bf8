// internal/provider/registry_test.go
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/user/sift/internal/rpc"
)

// fakeSession implements Session with canned tool lists and call results.
type fakeSession struct {
	name      string
	tools     []rpc.Tool
	callErr   error
	results   map[string]rpc.CallToolResult
	connected bool
	calls     []rpc.CallToolParams
}

func (f *fakeSession) Name() string                      { return f.name }
func (f *fakeSession) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeSession) Connected() bool                   { return f.connected }
func (f *fakeSession) ServerInfo() rpc.ServerInfo        { return rpc.ServerInfo{Name: f.name} }
func (f *fakeSession) Close() error                      { f.connected = false; return nil }

func (f *fakeSession) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	switch method {
	case "tools/list":
		return json.Marshal(rpc.ListToolsResult{Tools: f.tools})
	case "tools/call":
		raw, _ := json.Marshal(params)
		var p rpc.CallToolParams
		json.Unmarshal(raw, &p)
		f.calls = append(f.calls, p)
		result, ok := f.results[p.Name]
		if !ok {
			return nil, &rpc.RPCError{Code: rpc.CodeMethodNotFound, Message: "no such tool"}
		}
		return json.Marshal(result)
	}
	return nil, fmt.Errorf("unexpected method %s", method)
}

func textResult(text string) rpc.CallToolResult {
	return rpc.CallToolResult{Content: []rpc.ContentBlock{{Type: "text", Text: text}}}
}

func schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func TestRefreshReplacesToolSet(t *testing.T) {
	reg := NewRegistry(nil)
	s := &fakeSession{name: "gmail", tools: []rpc.Tool{
		{Name: "list_notifications", InputSchema: schema()},
		{Name: "archive_message", InputSchema: schema()},
	}}
	reg.Add(s)

	tools, err := reg.Refresh(t.Context(), "gmail")
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}

	// Second refresh with a smaller set removes stale routes.
	s.tools = []rpc.Tool{{Name: "list_notifications", InputSchema: schema()}}
	if _, err := reg.Refresh(t.Context(), "gmail"); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Resolve("archive_message"); ok {
		t.Error("stale tool should no longer resolve")
	}
	if _, ok := reg.Resolve("list_notifications"); !ok {
		t.Error("remaining tool should still resolve")
	}
}

func TestResolveLastRegistrationWins(t *testing.T) {
	reg := NewRegistry(nil)
	first := &fakeSession{name: "gmail", tools: []rpc.Tool{{Name: "list_notifications", InputSchema: schema()}}}
	second := &fakeSession{name: "slack", tools: []rpc.Tool{{Name: "list_notifications", InputSchema: schema()}}}
	reg.Add(first)
	reg.Add(second)

	if _, err := reg.Refresh(t.Context(), "gmail"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Refresh(t.Context(), "slack"); err != nil {
		t.Fatal(err)
	}

	owner, ok := reg.Resolve("list_notifications")
	if !ok {
		t.Fatal("tool should resolve")
	}
	if owner.Name() != "slack" {
		t.Errorf("expected later registration (slack) to own the tool, got %s", owner.Name())
	}

	// Catalog must contain the name exactly once.
	catalog := reg.Catalog()
	count := 0
	for _, d := range catalog {
		if d.Name == "list_notifications" {
			count++
			if d.Provider != "slack" {
				t.Errorf("catalog owner should be slack, got %s", d.Provider)
			}
		}
	}
	if count != 1 {
		t.Errorf("expected exactly 1 catalog entry, got %d", count)
	}
}

func TestResolveUnknownTool(t *testing.T) {
	reg := NewRegistry(nil)
	if _, ok := reg.Resolve("nope"); ok {
		t.Error("unknown tool should not resolve")
	}
}

func TestRefreshUnknownProvider(t *testing.T) {
	reg := NewRegistry(nil)
	if _, err := reg.Refresh(t.Context(), "nope"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestConnectAllSkipsFailedProvider(t *testing.T) {
	reg := NewRegistry(nil)
	bad := &fakeSession{name: "bad", callErr: fmt.Errorf("boom")}
	good := &fakeSession{name: "good", tools: []rpc.Tool{{Name: "ping", InputSchema: schema()}}}
	reg.Add(bad)
	reg.Add(good)

	reg.ConnectAll(t.Context())

	if _, ok := reg.Resolve("ping"); !ok {
		t.Error("good provider should have been refreshed despite bad one")
	}
}

func TestStatuses(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Add(&fakeSession{name: "gmail", tools: []rpc.Tool{{Name: "a", InputSchema: schema()}}})
	reg.Add(&fakeSession{name: "slack"})

	reg.ConnectAll(t.Context())
	statuses := reg.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "gmail" || statuses[1].Name != "slack" {
		t.Errorf("statuses should preserve registration order: %+v", statuses)
	}
	if statuses[0].Tools != 1 {
		t.Errorf("expected 1 tool for gmail, got %d", statuses[0].Tools)
	}
}

// Package provider maintains the catalog of tools discovered from connected
// tool-provider sessions and routes tool calls to the session that owns them.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/user/sift/internal/rpc"
)

// Session is the slice of rpc.Session the registry depends on. Narrowed to
// an interface so tests can substitute fakes.
type Session interface {
	Name() string
	Connect(ctx context.Context) error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Connected() bool
	ServerInfo() rpc.ServerInfo
	Close() error
}

// ToolDescriptor is one catalog entry: a tool plus the provider that owns it
// at dispatch time.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
	Provider    string          `json:"provider"`
}

// Status summarizes one provider for the CLI and HTTP surfaces.
type Status struct {
	Name      string         `json:"name"`
	Connected bool           `json:"connected"`
	Server    rpc.ServerInfo `json:"server,omitempty"`
	Tools     int            `json:"tools"`
}

// route records which provider owns a tool name and when it was registered,
// so that a name collision deterministically resolves to the most recent
// registration.
type route struct {
	tool     rpc.Tool
	provider string
	seq      uint64
}

// Registry owns all provider sessions. It caches each session's discovered
// tools and resolves tool-name routing across sessions. Reads are safe
// concurrently with a refresh.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]Session
	names    []string // registration order
	tools    map[string][]rpc.Tool
	routes   map[string]route
	seq      uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "provider"),
		sessions: make(map[string]Session),
		tools:    make(map[string][]rpc.Tool),
		routes:   make(map[string]route),
	}
}

// Add registers a session under its name. Adding a session with an existing
// name replaces it.
func (r *Registry) Add(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.Name()]; !exists {
		r.names = append(r.names, s.Name())
	}
	r.sessions[s.Name()] = s
}

// ConnectAll connects every session and refreshes its tool set. A provider
// that fails to connect is logged and skipped; the rest proceed.
func (r *Registry) ConnectAll(ctx context.Context) {
	for _, name := range r.sessionNames() {
		s, ok := r.session(name)
		if !ok {
			continue
		}
		if err := s.Connect(ctx); err != nil {
			r.logger.Error("provider connect failed", "provider", name, "error", err)
			continue
		}
		if _, err := r.Refresh(ctx, name); err != nil {
			r.logger.Error("provider tool discovery failed", "provider", name, "error", err)
		}
	}
}

// Refresh issues tools/list on the named session and replaces its cached
// descriptor set. Tool names already routed to other sessions are overridden:
// the most recent registration wins.
func (r *Registry) Refresh(ctx context.Context, name string) ([]rpc.Tool, error) {
	s, ok := r.session(name)
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}

	result, err := s.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list from %s: %w", name, err)
	}

	var listed rpc.ListToolsResult
	if err := json.Unmarshal(result, &listed); err != nil {
		return nil, fmt.Errorf("parse tools/list from %s: %w", name, err)
	}
	for _, t := range listed.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tools/list from %s: tool with empty name", name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Drop stale routes owned by this provider, then re-register.
	for toolName, rt := range r.routes {
		if rt.provider == name {
			delete(r.routes, toolName)
		}
	}
	r.tools[name] = listed.Tools
	for _, t := range listed.Tools {
		r.seq++
		if prev, clash := r.routes[t.Name]; clash && prev.provider != name {
			r.logger.Warn("tool name collision, later registration wins",
				"tool", t.Name, "previous", prev.provider, "now", name)
		}
		r.routes[t.Name] = route{tool: t, provider: name, seq: r.seq}
	}

	r.logger.Debug("refreshed provider tools", "provider", name, "count", len(listed.Tools))
	return listed.Tools, nil
}

// Catalog returns the union of descriptors across all sessions, deduplicated
// by tool name (last registration wins), sorted by name.
func (r *Registry) Catalog() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, ToolDescriptor{
			Name:        rt.tool.Name,
			Description: rt.tool.Description,
			InputSchema: rt.tool.InputSchema,
			Provider:    rt.provider,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve returns the session that currently owns the named tool.
func (r *Registry) Resolve(toolName string) (Session, bool) {
	r.mu.RLock()
	rt, ok := r.routes[toolName]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	s, ok := r.sessions[rt.provider]
	r.mu.RUnlock()
	return s, ok
}

// Get returns the session registered under the given provider name.
func (r *Registry) Get(name string) (Session, bool) {
	return r.session(name)
}

// Statuses reports all providers in registration order.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.names))
	for _, name := range r.names {
		s := r.sessions[name]
		st := Status{Name: name, Connected: s.Connected(), Tools: len(r.tools[name])}
		if s.Connected() {
			st.Server = s.ServerInfo()
		}
		out = append(out, st)
	}
	return out
}

// CloseAll closes every session. Safe to call more than once.
func (r *Registry) CloseAll() {
	for _, name := range r.sessionNames() {
		if s, ok := r.session(name); ok {
			if err := s.Close(); err != nil {
				r.logger.Warn("provider close failed", "provider", name, "error", err)
			}
		}
	}
}

func (r *Registry) session(name string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[name]
	return s, ok
}

func (r *Registry) sessionNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

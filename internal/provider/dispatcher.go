// internal/provider/dispatcher.go
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/sift/internal/rpc"
)

// ToolNotFoundError is returned when no connected session owns the named
// tool at dispatch time.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// Dispatcher executes a single named tool call end to end: it resolves the
// owning session through the registry, issues tools/call, and unwraps the
// textual result.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger.With("component", "dispatch"),
	}
}

// Call invokes the named tool and returns its textual content. When the
// content is valid JSON it is returned verbatim so callers can decode it;
// otherwise the raw text is returned. Transport and RPC failures are wrapped
// with the tool name for diagnostics.
func (d *Dispatcher) Call(ctx context.Context, name string, arguments json.RawMessage) (string, error) {
	s, ok := d.registry.Resolve(name)
	if !ok {
		return "", &ToolNotFoundError{Name: name}
	}

	params := rpc.CallToolParams{Name: name, Arguments: arguments}
	result, err := s.Call(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}

	var call rpc.CallToolResult
	if err := json.Unmarshal(result, &call); err != nil {
		return "", fmt.Errorf("tool %s: parse result: %w", name, err)
	}

	text := joinTextContent(call.Content)
	if call.IsError {
		return "", fmt.Errorf("tool %s: %s", name, text)
	}

	d.logger.Debug("tool call complete", "tool", name, "provider", s.Name(), "bytes", len(text))
	return text, nil
}

// CallJSON invokes the named tool and decodes its content into out. It
// fails when the tool returned non-JSON text.
func (d *Dispatcher) CallJSON(ctx context.Context, name string, arguments json.RawMessage, out any) error {
	text, err := d.Call(ctx, name, arguments)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("tool %s: decode content: %w", name, err)
	}
	return nil
}

// joinTextContent concatenates the text blocks of a tool result. Non-text
// blocks are skipped.
func joinTextContent(blocks []rpc.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

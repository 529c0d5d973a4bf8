package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/sift/internal/provider"
	"github.com/user/sift/internal/types"
	"github.com/user/sift/pkg/llm"
)

const defaultMaxRounds = 8

// ToolRunner executes a single named tool call. *provider.Dispatcher
// satisfies it.
type ToolRunner interface {
	Call(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Config bounds a single classification run.
type Config struct {
	MaxRounds  int
	RunTimeout time.Duration
}

// LoopExceededError reports a run that hit the tool round cap without
// producing a final answer.
type LoopExceededError struct {
	Rounds int
}

func (e *LoopExceededError) Error() string {
	return fmt.Sprintf("tool round cap (%d) exceeded", e.Rounds)
}

// Agent drives one notification batch through the reasoning engine to a
// TriageResult. It is the only component that talks to the engine.
type Agent struct {
	engine  llm.Provider
	tools   ToolRunner
	prompts *PromptBuilder
	logger  *slog.Logger
	cfg     Config
}

// New creates an Agent with the given dependencies.
func New(engine llm.Provider, tools ToolRunner, prompts *PromptBuilder, logger *slog.Logger, cfg Config) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	return &Agent{
		engine:  engine,
		tools:   tools,
		prompts: prompts,
		logger:  logger.With("component", "agent"),
		cfg:     cfg,
	}
}

// LLMTools converts catalog descriptors into the tool-declaration format the
// engine consumes.
func LLMTools(catalog []provider.ToolDescriptor) []llm.Tool {
	out := make([]llm.Tool, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.InputSchema,
			},
		})
	}
	return out
}

// Triage runs one classification over the batch. A final answer that fails to
// parse degrades to an empty result rather than an error. An unrecoverable
// engine failure or an exhausted round cap returns an error and no result;
// the caller decides how to report it.
func (a *Agent) Triage(ctx context.Context, notifications []types.Notification, tools []llm.Tool) (*types.TriageResult, error) {
	start := time.Now()
	runID := types.NewRunID()

	if a.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.RunTimeout)
		defer cancel()
	}

	log := a.logger.With("run_id", runID)
	log.Info("classification run started", "notifications", len(notifications))

	messages := a.prompts.Messages(notifications)
	for round := 0; round < a.cfg.MaxRounds; round++ {
		resp, err := a.complete(ctx, messages, tools)
		if err != nil {
			return nil, fmt.Errorf("reasoning engine: %w", err)
		}

		if len(resp.ToolCalls) > 0 {
			messages = append(messages, llm.Message{
				Role:      "assistant",
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})
			messages = append(messages, a.runTools(ctx, resp.ToolCalls)...)
			continue
		}

		result := parseResult(resp.Content)
		result.RunID = runID
		result.ProcessingTime = time.Since(start)
		log.Info("classification run finished",
			"decisions", len(result.Decisions),
			"degraded", result.Degraded,
			"duration", result.ProcessingTime)
		return result, nil
	}

	return nil, &LoopExceededError{Rounds: a.cfg.MaxRounds}
}

// complete calls the engine, retrying once on a transient failure.
func (a *Agent) complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	resp, err := a.engine.Complete(ctx, messages, tools)
	if err == nil || ctx.Err() != nil {
		return resp, err
	}
	a.logger.Warn("engine call failed, retrying once", "error", err)
	return a.engine.Complete(ctx, messages, tools)
}

// runTools executes every requested invocation concurrently. Result messages
// come back in request order, each tagged with its invocation id, regardless
// of completion order. A failed tool becomes an error payload the model can
// read, never a run failure.
func (a *Agent) runTools(ctx context.Context, calls []llm.ToolCall) []llm.Message {
	results := make([]llm.Message, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc llm.ToolCall) {
			defer wg.Done()
			out, err := a.tools.Call(ctx, tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				a.logger.Warn("tool call failed", "tool", tc.Function.Name, "error", err)
				payload, _ := json.Marshal(map[string]string{"error": err.Error()})
				out = string(payload)
			}
			results[i] = llm.Message{Role: "tool", Content: out, ToolCallID: tc.ID}
		}(i, tc)
	}
	wg.Wait()
	return results
}

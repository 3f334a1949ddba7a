package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/metrics"
)

// ErrUnknownTool is matched by errors.Is for every *UnknownToolError.
var ErrUnknownTool = errors.New("unknown tool")

// UnknownToolError is returned when a call names a tool that is not registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("Unknown tool: %s", e.Name)
}

// Is reports whether target is ErrUnknownTool.
func (e *UnknownToolError) Is(target error) bool {
	return target == ErrUnknownTool
}

// ToolHandler executes a tool call. The returned value is JSON-encoded and
// sent back to the model.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool pairs a definition with its handler.
type Tool struct {
	Spec    llm.ToolSpec
	Handler ToolHandler
}

// Registry maps tool names to handlers.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	logger = logger.With().Str("component", "tool_registry").Logger()
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register registers a handler under spec.Name, replacing any previous one.
func (r *Registry) Register(spec llm.ToolSpec, h ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Debug().Str("name", spec.Name).Msg("Registering tool handler")
	r.tools[spec.Name] = Tool{Spec: spec, Handler: h}
}

// Specs returns the registered tool definitions sorted by name.
func (r *Registry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute dispatches a single tool call.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Error().Str("tool", name).Msg("Unknown tool requested")
		metrics.ToolCalls.WithLabelValues(name, "unknown").Inc()
		return nil, &UnknownToolError{Name: name}
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	r.logger.Debug().Str("tool", name).Str("args", string(args)).Msg("Executing tool")

	result, err := t.Handler(ctx, args)
	if err != nil {
		metrics.ToolCalls.WithLabelValues(name, "error").Inc()
		r.logger.Warn().Str("tool", name).Err(err).Msg("Tool returned error")
		return nil, err
	}
	metrics.ToolCalls.WithLabelValues(name, "ok").Inc()
	if b, e := json.Marshal(result); e == nil {
		s := string(b)
		if len(s) > 500 {
			s = s[:500] + "... (truncated)"
		}
		r.logger.Debug().Str("tool", name).Str("result", s).Msg("Tool returned result")
	}
	return result, nil
}

// ExecuteAll runs every call concurrently and returns one result per call in
// call order, each carrying its originating call ID. A handler error becomes
// an IsError result so the model can react to it; an unknown tool aborts the
// batch with *UnknownToolError.
func (r *Registry) ExecuteAll(ctx context.Context, calls []llm.ToolCall) ([]llm.ToolResult, error) {
	results := make([]llm.ToolResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			value, err := r.Execute(gctx, call.Name, call.Arguments)
			if errors.Is(err, ErrUnknownTool) {
				return err
			}
			res := llm.ToolResult{CallID: call.ID, Name: call.Name}
			if err != nil {
				value = map[string]string{"error": err.Error()}
				res.IsError = true
			}
			content, mErr := json.Marshal(value)
			if mErr != nil {
				return fmt.Errorf("encode %s result: %w", call.Name, mErr)
			}
			res.Content = string(content)
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskclaw/internal/apperr"
	otelpkg "github.com/basket/taskclaw/internal/otel"
)

// ErrDuplicateTool is returned when a name is registered twice.
var ErrDuplicateTool = errors.New("tool already registered")

// Caller identifies on whose behalf a tool runs. It comes from the
// authenticated request, never from model-supplied arguments.
type Caller struct {
	UserID         string
	ConversationID string
}

// Handler executes a tool. args have already been validated against the
// tool's schema and had their top-level strings trimmed.
type Handler func(ctx context.Context, caller Caller, args map[string]any) (any, error)

// Tool is a named capability the oracle may request.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Handler     Handler
}

// Schema is the oracle-facing description of a tool.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type entry struct {
	tool     Tool
	compiled *jsonschema.Schema
}

// Registry holds the closed set of tools the engine may invoke.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelpkg.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) {
		if t != nil {
			r.tracer = t
		}
	}
}

func WithMetrics(m *otelpkg.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]entry),
		logger:  slog.Default(),
		tracer:  noop.NewTracerProvider().Tracer(otelpkg.TracerName),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds t. The schema must compile; names must be unique.
func (r *Registry) Register(t Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}
	if t.Schema == nil {
		t.Schema = map[string]any{"type": "object"}
	}
	compiled, err := compileSchema(t.Name, t.Schema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	t.Schema = cloneSchema(t.Schema)
	r.entries[t.Name] = entry{tool: t, compiled: compiled}
	return nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ListSchemas returns a copy of every tool schema, sorted by name.
func (r *Registry) ListSchemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Schema, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Schema{
			Name:        e.tool.Name,
			Description: e.tool.Description,
			InputSchema: cloneSchema(e.tool.Schema),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs the named tool and always returns a canonical Result. Failures
// of any kind are reported inside the Result rather than as a Go error so the
// oracle can see them and recover.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any, caller Caller) (res Result) {
	start := time.Now()
	ctx, span := otelpkg.StartSpan(ctx, r.tracer, "tool."+name,
		otelpkg.AttrToolName.String(name),
		otelpkg.AttrUserID.String(caller.UserID),
	)
	defer func() {
		code := string(res.ErrorCode())
		r.metrics.RecordToolCall(ctx, name, res.Success, code, time.Since(start))
		span.SetAttributes(otelpkg.AttrOutcome.String(outcome(res)))
		span.End()
	}()

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("unknown tool requested", "tool", name, "user_id", caller.UserID)
		return Failure(apperr.CodeUnknownTool, "unknown tool")
	}

	clean := normalizeArgs(args)
	if err := validateArgs(e.compiled, clean); err != nil {
		r.logger.Debug("tool arguments rejected", "tool", name, "error", err)
		return Failure(apperr.CodeValidation, describeValidation(err))
	}

	raw, err := r.call(ctx, e.tool, caller, clean)
	if err != nil {
		code := apperr.CodeOf(err)
		if !apperr.IsDomain(code) {
			r.logger.Error("tool execution failed", "tool", name, "user_id", caller.UserID, "error", err)
		}
		return TranslateResult(err)
	}
	return TranslateResult(raw)
}

func (r *Registry) call(ctx context.Context, t Tool, caller Caller, args map[string]any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", t.Name, "panic", p, "stack", string(debug.Stack()))
			out = nil
			err = apperr.Wrap(apperr.CodeToolExecution, "", fmt.Errorf("panic: %v", p))
		}
	}()
	return t.Handler(ctx, caller, args)
}

// normalizeArgs copies args and trims surrounding whitespace from top-level
// string values. A nil map becomes an empty object.
func normalizeArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			v = strings.TrimSpace(s)
		}
		out[k] = v
	}
	return out
}

func outcome(res Result) string {
	switch {
	case res.Success:
		return "success"
	case res.NeedsClarification():
		return "clarification"
	default:
		return string(res.ErrorCode())
	}
}

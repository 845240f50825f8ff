// Package tools implements the named-handler registry the runner dispatches
// model tool calls through. The runner depends only on the Tool interface,
// never on concrete handlers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/datasage-ai/datasage/internal/llm"
	"github.com/datasage-ai/datasage/internal/session"
)

// Tool is one model-callable capability.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON schema advertised to the model.
	Parameters() json.RawMessage
	// Execute runs the tool inside the session's lane. The returned map is
	// the tool result fed back to the model; errors here are infrastructure
	// failures, not tool-level failures (those go in the map).
	Execute(ctx context.Context, sess *session.Session, args map[string]any) (map[string]any, error)
}

// ErrUnknownTool is returned when the model names a tool that was never
// registered.
var ErrUnknownTool = fmt.Errorf("unknown tool")

// Registry maps tool names to handlers.
type Registry struct {
	tools  map[string]Tool
	order  []string
	logger *zap.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.Named("tools"),
	}
}

// Register adds a tool. Re-registering a name replaces the handler and keeps
// its original position.
func (r *Registry) Register(t Tool) {
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Specs advertises every registered tool in registration order.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return specs
}

// Execute dispatches one tool call. Unknown tools and handler panics are
// converted into error-shaped results so the turn survives. A handler error
// is also returned alongside the shaped result so the caller can classify it
// (configuration problems end the turn; everything else feeds the model).
func (r *Registry) Execute(ctx context.Context, name string, sess *session.Session, args map[string]any) (result map[string]any, err error) {
	t, ok := r.tools[name]
	if !ok {
		return ErrorResult(fmt.Sprintf("%v: %q", ErrUnknownTool, name)), nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked",
				zap.String("tool", name), zap.Any("panic", rec))
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", name, rec))
			err = nil
		}
	}()

	result, err = t.Execute(ctx, sess, args)
	if err != nil {
		r.logger.Warn("tool execution failed",
			zap.String("tool", name), zap.Error(err))
		return ErrorResult(err.Error()), err
	}
	if result == nil {
		result = map[string]any{"success": true}
	}
	return result, nil
}

// ErrorResult shapes a tool-level failure for the model.
func ErrorResult(msg string) map[string]any {
	return map[string]any{"success": false, "error": msg}
}

// IsError classifies a tool result: a map with an "error" key or an explicit
// success=false is an error, anything else is success.
func IsError(result map[string]any) bool {
	if result == nil {
		return false
	}
	if _, ok := result["error"]; ok {
		return true
	}
	if ok, isBool := result["success"].(bool); isBool && !ok {
		return true
	}
	return false
}

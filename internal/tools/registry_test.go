package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datasage-ai/datasage/internal/sandbox"
	"github.com/datasage-ai/datasage/internal/session"
)

type stubTool struct {
	name     string
	result   map[string]any
	err      error
	panicMsg string
}

func (s *stubTool) Name() string                { return s.name }
func (s *stubTool) Description() string         { return "stub" }
func (s *stubTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s *stubTool) Execute(context.Context, *session.Session, map[string]any) (map[string]any, error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.result, s.err
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&stubTool{name: "alpha", result: map[string]any{"success": true, "n": 1}})

	out, err := r.Execute(context.Background(), "alpha", session.New(), nil)
	require.NoError(t, err)
	require.False(t, IsError(out))
	require.Equal(t, 1, out["n"])
}

func TestRegistryUnknownToolIsErrorResult(t *testing.T) {
	r := NewRegistry(nil)
	out, err := r.Execute(context.Background(), "missing", session.New(), nil)
	require.NoError(t, err)
	require.True(t, IsError(out))
	require.Contains(t, out["error"], "missing")
}

func TestRegistryHandlerErrorShapedAndReturned(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&stubTool{name: "broken", err: errors.New("interpreter exploded")})

	out, err := r.Execute(context.Background(), "broken", session.New(), nil)
	require.True(t, IsError(out))
	require.Contains(t, out["error"], "interpreter exploded")
	require.ErrorContains(t, err, "interpreter exploded")
}

func TestRegistryConfigurationErrorPropagates(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&stubTool{name: "run_python", err: fmt.Errorf("run_python: %w: python3 not found", sandbox.ErrConfig)})

	out, err := r.Execute(context.Background(), "run_python", session.New(), nil)
	require.True(t, IsError(out))
	require.ErrorIs(t, err, sandbox.ErrConfig)
}

func TestRegistryHandlerPanicBecomesResult(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&stubTool{name: "volatile", panicMsg: "index out of range"})

	out, err := r.Execute(context.Background(), "volatile", session.New(), nil)
	require.NoError(t, err)
	require.True(t, IsError(out))
	require.Contains(t, out["error"], "panicked")
	require.Contains(t, out["error"], "index out of range")
}

func TestSpecsPreserveRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&stubTool{name: "b"})
	r.Register(&stubTool{name: "a"})
	r.Register(&stubTool{name: "c"})

	specs := r.Specs()
	require.Len(t, specs, 3)
	require.Equal(t, "b", specs[0].Name)
	require.Equal(t, "a", specs[1].Name)
	require.Equal(t, "c", specs[2].Name)
}

func TestIsErrorClassification(t *testing.T) {
	require.True(t, IsError(map[string]any{"error": "boom"}))
	require.True(t, IsError(map[string]any{"success": false}))
	require.False(t, IsError(map[string]any{"success": true}))
	require.False(t, IsError(map[string]any{"rows": 10}))
	require.False(t, IsError(nil))
}

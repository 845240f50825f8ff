package llm

import (
	"context"
	"encoding/json"
	"sort"
)

// Role is the message role used in chat exchanges.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage represents a single message exchanged with the model.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Event tags non-dialog UI payloads stored in history (notes, artifacts).
	Event string `json:"event,omitempty"`
}

// ToolCall describes a model-initiated tool invocation.
type ToolCall struct {
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolFunctionCall `json:"function"`
}

// ToolFunctionCall is the function call payload for a tool request.
type ToolFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec advertises a callable tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest is the input for chat providers.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
	// Purpose selects resolver routing overrides (e.g. "chat", "title_generation").
	Purpose string
}

// Usage captures normalized token accounting. Providers that omit usage
// leave the chunk's Usage nil.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolCallDelta is a tool-call fragment carried by a streaming chunk.
// Fragments sharing an Index accumulate name and argument text.
type ToolCallDelta struct {
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// Chunk is a single normalized streaming delta.
type Chunk struct {
	// Text is the true visible text delta (never cumulative).
	Text string
	// Reasoning is the vendor "thinking" delta, stripped from Text.
	Reasoning string
	// Raw is the provider text delta before reasoning extraction, kept for replay.
	Raw string
	// ToolCalls carries zero or more tool-call fragments.
	ToolCalls []ToolCallDelta
	// FinishReason is set on terminal chunks ("stop", "tool_calls", ...).
	FinishReason string
	// Usage, when present, replaces any previously seen usage.
	Usage *Usage
	// Err terminates the stream; chunks after an Err chunk are not sent.
	Err error
}

// Response is the fold of a chunk stream.
type Response struct {
	Text          string
	Reasoning     string
	ToolCalls     []ToolCall
	Usage         *Usage
	FinishReasons []string
}

// Fold accumulates a chunk stream into a Response. It stops at the first
// error chunk and returns that error alongside whatever was accumulated.
func Fold(chunks <-chan Chunk) (Response, error) {
	var (
		resp    Response
		acc     = NewToolCallAccumulator()
		text    []byte
		think   []byte
		reasons = map[string]struct{}{}
	)

	var streamErr error
	for c := range chunks {
		if c.Err != nil {
			streamErr = c.Err
			break
		}
		text = append(text, c.Text...)
		think = append(think, c.Reasoning...)
		for _, d := range c.ToolCalls {
			acc.Add(d)
		}
		if c.Usage != nil {
			u := *c.Usage
			resp.Usage = &u
		}
		if c.FinishReason != "" {
			reasons[c.FinishReason] = struct{}{}
		}
	}

	resp.Text = string(text)
	resp.Reasoning = string(think)
	resp.ToolCalls = acc.Calls()
	for r := range reasons {
		resp.FinishReasons = append(resp.FinishReasons, r)
	}
	sort.Strings(resp.FinishReasons)
	return resp, streamErr
}

// Provider defines the contract for streaming chat backends.
type Provider interface {
	// ID is the stable configuration identity of the backend.
	ID() string
	// Name is the display name.
	Name() string
	// Model is the effective model name.
	Model() string
	// Available reports whether the backend has usable credentials.
	Available() bool
	// StreamChat starts a streaming completion. A nil error means the
	// returned channel will deliver chunks and is closed by the provider.
	// Stream failures are delivered in-band via Chunk.Err.
	StreamChat(ctx context.Context, req ChatRequest) (<-chan Chunk, error)
	// Close releases held connections. Long-lived chain providers are
	// closed only at reconfiguration time.
	Close() error
}

// Package ollama implements a streaming provider for the native Ollama chat
// API (newline-delimited JSON over HTTP).
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/datasage-ai/datasage/internal/llm"
)

// Provider implements llm.Provider against a local or remote Ollama server.
type Provider struct {
	id      string
	name    string
	model   string
	baseURL string
	client  *http.Client
}

// New constructs an Ollama provider.
func New(id, name, model, baseURL string, timeout time.Duration) *Provider {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Provider{
		id:      id,
		name:    name,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *Provider) ID() string    { return p.id }
func (p *Provider) Name() string  { return p.name }
func (p *Provider) Model() string { return p.model }

// Available is always true: Ollama needs no credentials.
func (p *Provider) Available() bool { return true }

// Close releases pooled connections.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Tools    []toolSpec     `json:"tools,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
}

type toolSpec struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type chatStreamLine struct {
	Message struct {
		Role      string     `json:"role"`
		Content   string     `json:"content"`
		Thinking  string     `json:"thinking"`
		ToolCalls []toolCall `json:"tool_calls"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// StreamChat streams chat deltas. Some Ollama builds re-send cumulative
// content per line; the delta tracker reconciles both behaviours, and
// inline think tags are split into reasoning deltas.
func (p *Provider) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := chatRequest{
		Model:    model,
		Messages: toMessages(req.Messages),
		Stream:   true,
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		body.Options = map[string]any{}
		if req.Temperature > 0 {
			body.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			body.Options["num_predict"] = req.MaxTokens
		}
	}
	for _, spec := range req.Tools {
		body.Tools = append(body.Tools, toolSpec{
			Type: "function",
			Function: toolFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		res.Body.Close()
		return nil, fmt.Errorf("ollama: status %d: %s", res.StatusCode, string(b))
	}

	out := make(chan llm.Chunk, 16)
	go func() {
		defer close(out)
		defer res.Body.Close()

		var (
			tags     llm.ThinkTagFilter
			deltas   llm.DeltaTracker
			toolIdx  int
			scanner  = bufio.NewScanner(res.Body)
			maxToken = 1024 * 1024
		)
		scanner.Buffer(make([]byte, 64*1024), maxToken)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var sl chatStreamLine
			if err := json.Unmarshal(line, &sl); err != nil {
				out <- llm.Chunk{Err: fmt.Errorf("decode stream line: %w", err)}
				return
			}
			if sl.Error != "" {
				out <- llm.Chunk{Err: fmt.Errorf("ollama: %s", sl.Error)}
				return
			}

			raw := deltas.Delta(sl.Message.Content)
			vis, rea := tags.Feed(raw)
			chunk := llm.Chunk{
				Raw:       raw,
				Text:      vis,
				Reasoning: rea + sl.Message.Thinking,
			}
			for _, tc := range sl.Message.ToolCalls {
				args := string(tc.Function.Arguments)
				if args == "" {
					args = "{}"
				}
				chunk.ToolCalls = append(chunk.ToolCalls, llm.ToolCallDelta{
					Index:     toolIdx,
					ID:        fmt.Sprintf("call_%d", toolIdx),
					Type:      "function",
					Name:      tc.Function.Name,
					Arguments: args,
				})
				toolIdx++
			}

			if sl.Done {
				fvis, frea := tags.Flush()
				chunk.Text += fvis
				chunk.Reasoning += frea
				chunk.FinishReason = sl.DoneReason
				if chunk.FinishReason == "" {
					chunk.FinishReason = "stop"
				}
				if len(chunk.ToolCalls) > 0 || toolIdx > 0 {
					chunk.FinishReason = "tool_calls"
				}
				if sl.PromptEvalCount > 0 || sl.EvalCount > 0 {
					chunk.Usage = &llm.Usage{
						InputTokens:  sl.PromptEvalCount,
						OutputTokens: sl.EvalCount,
					}
				}
				out <- chunk
				return
			}

			if chunk.Text == "" && chunk.Reasoning == "" && chunk.Raw == "" && len(chunk.ToolCalls) == 0 {
				continue
			}
			select {
			case <-ctx.Done():
				out <- llm.Chunk{Err: ctx.Err()}
				return
			case out <- chunk:
			}
		}

		if err := scanner.Err(); err != nil {
			out <- llm.Chunk{Err: fmt.Errorf("read stream: %w", err)}
		}
	}()

	return out, nil
}

func toMessages(msgs []llm.ChatMessage) []message {
	out := make([]message, 0, len(msgs))
	for _, m := range msgs {
		om := message{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args := tc.Function.Arguments
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			var oc toolCall
			oc.Function.Name = tc.Function.Name
			oc.Function.Arguments = json.RawMessage(args)
			om.ToolCalls = append(om.ToolCalls, oc)
		}
		out = append(out, om)
	}
	return out
}

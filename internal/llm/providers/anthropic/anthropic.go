// Package anthropic implements a streaming provider for the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/datasage-ai/datasage/internal/llm"
)

// Provider implements llm.Provider over Anthropic message streaming.
type Provider struct {
	id     string
	name   string
	model  string
	apiKey string
	client anthropicsdk.Client
}

// New constructs a provider. An empty baseURL targets the public API.
func New(id, name, model, baseURL, apiKey string, timeout time.Duration) *Provider {
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &Provider{
		id:     id,
		name:   name,
		model:  model,
		apiKey: apiKey,
		client: anthropicsdk.NewClient(opts...),
	}
}

func (p *Provider) ID() string      { return p.id }
func (p *Provider) Name() string    { return p.name }
func (p *Provider) Model() string   { return p.model }
func (p *Provider) Available() bool { return p.apiKey != "" }
func (p *Provider) Close() error    { return nil }

// StreamChat streams a completion. Tool-call input JSON arrives as
// content_block_delta fragments; each fragment is forwarded with the block
// index so the caller's accumulator reassembles it, and thinking deltas are
// mapped to reasoning.
func (p *Provider) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages, system, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropicsdk.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan llm.Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		var (
			usage     llm.Usage
			toolIDs   = map[int]string{}
			toolNames = map[int]string{}
		)

		for stream.Next() {
			event := stream.Current()
			chunk := llm.Chunk{}

			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				usage.InputTokens = int(start.Message.Usage.InputTokens)
				continue

			case "content_block_start":
				blockStart := event.AsContentBlockStart()
				if blockStart.ContentBlock.Type != "tool_use" {
					continue
				}
				toolUse := blockStart.ContentBlock.AsToolUse()
				idx := int(blockStart.Index)
				toolIDs[idx] = toolUse.ID
				toolNames[idx] = toolUse.Name
				chunk.ToolCalls = []llm.ToolCallDelta{{
					Index: idx,
					ID:    toolUse.ID,
					Type:  "function",
					Name:  toolUse.Name,
				}}

			case "content_block_delta":
				blockDelta := event.AsContentBlockDelta()
				idx := int(blockDelta.Index)
				switch blockDelta.Delta.Type {
				case "text_delta":
					chunk.Text = blockDelta.Delta.Text
					chunk.Raw = blockDelta.Delta.Text
				case "thinking_delta":
					chunk.Reasoning = blockDelta.Delta.Thinking
				case "input_json_delta":
					chunk.ToolCalls = []llm.ToolCallDelta{{
						Index:     idx,
						ID:        toolIDs[idx],
						Name:      "",
						Arguments: blockDelta.Delta.PartialJSON,
					}}
				default:
					continue
				}

			case "message_delta":
				messageDelta := event.AsMessageDelta()
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
				chunk.FinishReason = mapStopReason(string(messageDelta.Delta.StopReason))
				if chunk.FinishReason == "" {
					continue
				}

			case "message_stop":
				u := usage
				out <- llm.Chunk{Usage: &u}
				return

			default:
				continue
			}

			if chunk.Text == "" && chunk.Reasoning == "" && len(chunk.ToolCalls) == 0 && chunk.FinishReason == "" {
				continue
			}
			select {
			case <-ctx.Done():
				out <- llm.Chunk{Err: ctx.Err()}
				return
			case out <- chunk:
			}
		}

		if err := stream.Err(); err != nil {
			out <- llm.Chunk{Err: fmt.Errorf("anthropic: %w", err)}
		}
	}()

	return out, nil
}

// mapStopReason normalizes Anthropic stop reasons to the common vocabulary.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

// convertMessages maps internal history to Anthropic params. System messages
// are folded into a single system string; tool results become user-role
// tool_result blocks.
func convertMessages(msgs []llm.ChatMessage) ([]anthropicsdk.MessageParam, string, error) {
	var (
		result []anthropicsdk.MessageParam
		system []string
	)

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
			continue

		case llm.RoleTool:
			result = append(result, anthropicsdk.NewUserMessage(
				anthropicsdk.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
			continue
		}

		var content []anthropicsdk.ContentBlockParamUnion
		if m.Content != "" {
			content = append(content, anthropicsdk.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			args := tc.Function.Arguments
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			var input map[string]any
			if err := json.Unmarshal([]byte(args), &input); err != nil {
				return nil, "", fmt.Errorf("tool call %s arguments: %w", tc.ID, err)
			}
			content = append(content, anthropicsdk.NewToolUseBlock(tc.ID, input, tc.Function.Name))
		}
		if len(content) == 0 {
			continue
		}

		if m.Role == llm.RoleAssistant {
			result = append(result, anthropicsdk.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropicsdk.NewUserMessage(content...))
		}
	}

	return result, strings.Join(system, "\n\n"), nil
}

func convertTools(specs []llm.ToolSpec) ([]anthropicsdk.ToolUnionParam, error) {
	var result []anthropicsdk.ToolUnionParam
	for _, spec := range specs {
		var schema anthropicsdk.ToolInputSchemaParam
		if err := json.Unmarshal(spec.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", spec.Name, err)
		}
		param := anthropicsdk.ToolUnionParamOfTool(schema, spec.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropicsdk.String(spec.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

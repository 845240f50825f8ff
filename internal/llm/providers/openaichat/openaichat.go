// Package openaichat implements a streaming provider for OpenAI-compatible
// chat APIs (OpenAI, OpenRouter, DeepSeek, vLLM, LM Studio and other
// gateways selected by base URL).
package openaichat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/datasage-ai/datasage/internal/llm"
)

// Provider implements llm.Provider over the OpenAI chat-completions protocol.
type Provider struct {
	id      string
	name    string
	model   string
	apiKey  string
	baseURL string

	httpClient *http.Client
	client     *openai.Client
}

// New constructs a provider. An empty baseURL targets api.openai.com.
func New(id, name, model, baseURL, apiKey string, timeout time.Duration) *Provider {
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpClient

	return &Provider{
		id:         id,
		name:       name,
		model:      model,
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: httpClient,
		client:     openai.NewClientWithConfig(cfg),
	}
}

func (p *Provider) ID() string    { return p.id }
func (p *Provider) Name() string  { return p.name }
func (p *Provider) Model() string { return p.model }

// Available reports whether the backend can be called: either credentials
// are present or a custom gateway (which may be keyless) is configured.
func (p *Provider) Available() bool {
	return p.apiKey != "" || p.baseURL != ""
}

// Close releases pooled connections.
func (p *Provider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// StreamChat starts a streaming completion and normalizes deltas: true text
// increments, reasoning split out (dedicated field or inline think tags),
// indexed tool-call fragments, and usage on the final chunk.
func (p *Provider) StreamChat(ctx context.Context, req llm.ChatRequest) (<-chan llm.Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	for _, spec := range req.Tools {
		var params any
		if len(spec.Parameters) > 0 {
			if err := json.Unmarshal(spec.Parameters, &params); err != nil {
				params = map[string]any{"type": "object"}
			}
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		var (
			tags   llm.ThinkTagFilter
			deltas llm.DeltaTracker
		)

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				vis, rea := tags.Flush()
				if vis != "" || rea != "" {
					out <- llm.Chunk{Text: vis, Reasoning: rea, Raw: vis}
				}
				return
			}
			if err != nil {
				out <- llm.Chunk{Err: err}
				return
			}

			chunk := llm.Chunk{}
			if resp.Usage != nil {
				chunk.Usage = &llm.Usage{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
				}
			}

			if len(resp.Choices) > 0 {
				choice := resp.Choices[0]
				raw := deltas.Delta(choice.Delta.Content)
				vis, rea := tags.Feed(raw)
				chunk.Raw = raw
				chunk.Text = vis
				chunk.Reasoning = rea + choice.Delta.ReasoningContent

				for i, tc := range choice.Delta.ToolCalls {
					idx := i
					if tc.Index != nil {
						idx = *tc.Index
					}
					chunk.ToolCalls = append(chunk.ToolCalls, llm.ToolCallDelta{
						Index:     idx,
						ID:        tc.ID,
						Type:      string(tc.Type),
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					})
				}
				chunk.FinishReason = string(choice.FinishReason)
			}

			if chunk.Text == "" && chunk.Reasoning == "" && chunk.Raw == "" &&
				len(chunk.ToolCalls) == 0 && chunk.FinishReason == "" && chunk.Usage == nil {
				continue
			}

			select {
			case <-ctx.Done():
				out <- llm.Chunk{Err: ctx.Err()}
				return
			case out <- chunk:
			}
		}
	}()

	return out, nil
}

func toOpenAIMessages(msgs []llm.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

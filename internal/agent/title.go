package agent

import (
	"context"
	"strings"

	"github.com/datasage-ai/datasage/internal/llm"
)

// GenerateTitle produces a short session title from the opening message. It
// routes through the "title_generation" purpose so operators can pin it to a
// small fast model without touching the chat chain.
func (r *Runner) GenerateTitle(ctx context.Context, userMessage string) (string, error) {
	req := llm.ChatRequest{
		Purpose:   "title_generation",
		MaxTokens: 32,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: "Write a title of at most six words for this analysis request. Reply with the title only, no quotes."},
			{Role: llm.RoleUser, Content: truncateText(userMessage, 2000)},
		},
	}

	resp, err := llm.Fold(r.client.Chat(ctx, req))
	if err != nil {
		return "", err
	}

	title := strings.TrimSpace(resp.Text)
	title = strings.Trim(title, `"'`)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	const maxTitle = 80
	if len(title) > maxTitle {
		title = title[:maxTitle]
	}
	return title, nil
}

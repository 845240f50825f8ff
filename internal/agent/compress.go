package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/datasage-ai/datasage/internal/llm"
	"github.com/datasage-ai/datasage/internal/session"
)

// chatClient is the slice of the resolver the runner needs.
type chatClient interface {
	Chat(ctx context.Context, req llm.ChatRequest) <-chan llm.Chunk
}

// compressor replaces older history with a model-written summary, archiving
// the replaced messages as a JSON audit file. Archives are never read back;
// only the summary string feeds future prompts.
type compressor struct {
	client     chatClient
	archiveDir string
	keepRecent int
	maxChars   int
	logger     *zap.Logger
}

// compress summarizes everything except the most recent messages. Returns
// false when there is nothing old enough to compress.
func (c *compressor) compress(ctx context.Context, sess *session.Session) (bool, error) {
	keep := c.keepRecent
	if keep <= 0 {
		keep = 6
	}
	if len(sess.Messages) <= keep {
		return false, nil
	}

	cut := len(sess.Messages) - keep
	cut = alignToPairBoundary(sess.Messages, cut)
	if cut <= 0 {
		return false, nil
	}

	archived := append([]llm.ChatMessage(nil), sess.Messages[:cut]...)
	if err := c.writeArchive(sess.ID, archived); err != nil {
		c.logger.Warn("write history archive", zap.Error(err))
	}

	summary := c.summarize(ctx, sess.Summary, archived)
	if c.maxChars > 0 && len(summary) > c.maxChars {
		summary = summary[:c.maxChars]
	}

	sess.Summary = summary
	sess.Messages = append([]llm.ChatMessage(nil), sess.Messages[cut:]...)
	sess.Compressions++
	c.logger.Info("history compressed",
		zap.String("session", sess.ID),
		zap.Int("archived", len(archived)),
		zap.Int("kept", len(sess.Messages)))
	return true, nil
}

// writeArchive persists the exact archived message objects as a JSON array,
// one file per compression event.
func (c *compressor) writeArchive(sessionID string, msgs []llm.ChatMessage) error {
	if c.archiveDir == "" {
		return nil
	}
	dir := filepath.Join(c.archiveDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("archive-%s.json", time.Now().UTC().Format("20060102T150405.000"))
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

// summarize asks the model for a digest of the archived span, folding in any
// previous summary. A failed summarization call falls back to a mechanical
// digest so compression always makes progress.
func (c *compressor) summarize(ctx context.Context, prior string, archived []llm.ChatMessage) string {
	var b []byte
	if prior != "" {
		b = append(b, "Earlier summary:\n"...)
		b = append(b, prior...)
		b = append(b, "\n\n"...)
	}
	b = append(b, "Conversation to fold in:\n"...)
	for _, m := range archived {
		b = append(b, fmt.Sprintf("[%s] %s\n", m.Role, truncateText(m.Content, 1500))...)
		for _, tc := range m.ToolCalls {
			b = append(b, fmt.Sprintf("[tool call] %s(%s)\n", tc.Function.Name, truncateText(tc.Function.Arguments, 300))...)
		}
	}

	if c.client != nil {
		req := llm.ChatRequest{
			Purpose: "summarization",
			Messages: []llm.ChatMessage{
				{Role: llm.RoleSystem, Content: "Summarize this analysis conversation: goals, datasets touched, computations run, key findings so far, and open threads. Be dense and factual."},
				{Role: llm.RoleUser, Content: string(b)},
			},
		}
		resp, err := llm.Fold(c.client.Chat(ctx, req))
		if err == nil && resp.Text != "" {
			return resp.Text
		}
		c.logger.Warn("summarization call failed, using fallback digest", zap.Error(err))
	}

	return fallbackDigest(prior, archived)
}

func fallbackDigest(prior string, archived []llm.ChatMessage) string {
	out := prior
	if out != "" {
		out += "\n"
	}
	for _, m := range archived {
		if m.Content == "" {
			continue
		}
		out += fmt.Sprintf("- %s: %s\n", m.Role, truncateText(m.Content, 200))
	}
	return out
}

// alignToPairBoundary moves a cut point forward past any tool-result run so
// an assistant tool-call message and its results are archived together.
func alignToPairBoundary(msgs []llm.ChatMessage, cut int) int {
	for cut < len(msgs) && msgs[cut].Role == llm.RoleTool {
		cut++
	}
	return cut
}

// slidingTrim drops whole messages from the oldest end until the estimate
// fits the budget, preserving tool-call/result pairs and never touching the
// most recent keepRecent messages. Used only when compression alone was not
// enough.
func slidingTrim(msgs []llm.ChatMessage, est TokenEstimator, budget, keepRecent int) []llm.ChatMessage {
	if keepRecent <= 0 {
		keepRecent = 4
	}
	start := 0
	for estimateMessages(est, msgs[start:]) > budget && len(msgs)-start > keepRecent {
		start++
		start = alignToPairBoundary(msgs, start)
	}
	return msgs[start:]
}

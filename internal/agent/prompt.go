package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/datasage-ai/datasage/internal/llm"
	"github.com/datasage-ai/datasage/internal/session"
)

const systemPrompt = `You are a data research analyst. You investigate the user's question by writing and running analysis code against the loaded datasets, then explain what you found.

Rules:
- Work step by step: inspect data before transforming it, verify intermediate results.
- Use the run_python or run_r tool for any computation; never invent numbers.
- When the analysis is complete, call generate_report with the full findings in markdown.
- If a tool fails, read the error, adjust, and retry a different way.`

const datasetSampleRows = 3

// buildPrompt assembles the message list for one model call: system
// instructions, dataset summaries, reference material on the first
// iteration, the compressed-history summary, then the filtered live history
// with tool-result bodies size-capped.
func buildPrompt(sess *session.Session, firstIteration bool, toolResultMaxBytes int) []llm.ChatMessage {
	msgs := []llm.ChatMessage{{Role: llm.RoleSystem, Content: systemPrompt}}

	if summaries := sess.DatasetSummaries(datasetSampleRows); len(summaries) > 0 {
		msgs = append(msgs, llm.ChatMessage{
			Role:    llm.RoleSystem,
			Content: "Loaded datasets:\n" + strings.Join(summaries, "\n"),
		})
	}
	if firstIteration && sess.Reference != "" {
		msgs = append(msgs, llm.ChatMessage{
			Role:    llm.RoleSystem,
			Content: "Reference material:\n" + sess.Reference,
		})
	}
	if sess.Summary != "" {
		msgs = append(msgs, llm.ChatMessage{
			Role:    llm.RoleSystem,
			Content: "Summary of earlier conversation:\n" + sess.Summary,
		})
	}

	history := filterDangling(sess.Messages)
	for _, m := range history {
		if m.Event != "" {
			// Non-dialog UI payloads never reach the model.
			continue
		}
		if m.Role == llm.RoleTool {
			m.Content = capToolResult(m.Content, toolResultMaxBytes)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// filterDangling drops assistant messages whose tool calls have no matching
// tool result, and tool results whose originating assistant message is gone.
// Truncated histories would otherwise be rejected by providers.
func filterDangling(msgs []llm.ChatMessage) []llm.ChatMessage {
	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == llm.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	issued := make(map[string]bool)
	out := make([]llm.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == llm.RoleAssistant && len(m.ToolCalls) > 0:
			complete := true
			for _, tc := range m.ToolCalls {
				if !answered[tc.ID] {
					complete = false
					break
				}
			}
			if !complete {
				continue
			}
			for _, tc := range m.ToolCalls {
				issued[tc.ID] = true
			}
		case m.Role == llm.RoleTool:
			if !issued[m.ToolCallID] {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// compactToolResult reduces a tool result map to status/message/shape fields
// before it enters history. Large payloads (chart JSON, dataframe rows,
// encoded images) are elided; the model sees what happened, not the bytes.
func compactToolResult(result map[string]any) string {
	compact := make(map[string]any, len(result))
	for k, v := range result {
		switch k {
		case "charts":
			if items, ok := v.([]map[string]any); ok {
				titles := make([]string, 0, len(items))
				for _, c := range items {
					if t, _ := c["title"].(string); t != "" {
						titles = append(titles, t)
					}
				}
				compact["charts"] = map[string]any{"count": len(items), "titles": titles}
			}
		case "dataframe_preview":
			if preview, ok := v.(map[string]any); ok {
				compact["dataframe"] = map[string]any{
					"columns":    preview["columns"],
					"total_rows": preview["total_rows"],
				}
			}
		case "png_b64", "svg_b64", "json", "images":
			// dropped
		case "stdout", "stderr", "traceback":
			if s, ok := v.(string); ok {
				compact[k] = truncateText(s, 4000)
			}
		default:
			compact[k] = v
		}
	}

	data, err := json.Marshal(compact)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":"unserializable tool result: %v"}`, err)
	}
	return string(data)
}

// capToolResult enforces the byte cap on an already-compacted history body.
func capToolResult(content string, maxBytes int) string {
	if maxBytes <= 0 || len(content) <= maxBytes {
		return content
	}
	return truncateText(content, maxBytes)
}

func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + fmt.Sprintf("... [truncated %d bytes]", len(s)-limit)
}

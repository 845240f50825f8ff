package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datasage-ai/datasage/internal/dataset"
	"github.com/datasage-ai/datasage/internal/llm"
	"github.com/datasage-ai/datasage/internal/session"
)

func TestFilterDanglingDropsUnansweredToolCalls(t *testing.T) {
	msgs := []llm.ChatMessage{
		{Role: llm.RoleUser, Content: "go"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Function: llm.ToolFunctionCall{Name: "run_python"}}}},
		// call_1's result was removed; both sides must disappear.
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_2", Function: llm.ToolFunctionCall{Name: "run_python"}}}},
		{Role: llm.RoleTool, ToolCallID: "call_2", Content: `{"success":true}`},
		{Role: llm.RoleTool, ToolCallID: "call_9", Content: `{"success":true}`},
	}

	out := filterDangling(msgs)
	require.Len(t, out, 3)
	require.Equal(t, llm.RoleUser, out[0].Role)
	require.Equal(t, "call_2", out[1].ToolCalls[0].ID)
	require.Equal(t, "call_2", out[2].ToolCallID)
}

func TestFilterDanglingKeepsCompletePairs(t *testing.T) {
	msgs := []llm.ChatMessage{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "a", Function: llm.ToolFunctionCall{Name: "run_python"}},
			{ID: "b", Function: llm.ToolFunctionCall{Name: "run_r"}},
		}},
		{Role: llm.RoleTool, ToolCallID: "a"},
		{Role: llm.RoleTool, ToolCallID: "b"},
	}
	require.Len(t, filterDangling(msgs), 3)
}

func TestBuildPromptInjectsDatasetsAndSummary(t *testing.T) {
	sess := session.New()
	sess.Datasets["sales"] = &dataset.Dataset{
		Name:    "sales",
		Columns: []string{"units"},
		Rows:    [][]any{{int64(1)}},
	}
	sess.Summary = "we already cleaned the data"
	sess.Append(llm.ChatMessage{Role: llm.RoleUser, Content: "next step"})

	msgs := buildPrompt(sess, true, 0)

	joined := ""
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			joined += m.Content + "\n"
		}
	}
	require.Contains(t, joined, `dataset "sales"`)
	require.Contains(t, joined, "we already cleaned the data")
	require.Equal(t, llm.RoleUser, msgs[len(msgs)-1].Role)
}

func TestBuildPromptSkipsEventMessages(t *testing.T) {
	sess := session.New()
	sess.Append(llm.ChatMessage{Role: llm.RoleUser, Content: "hi"})
	sess.Append(llm.ChatMessage{Role: llm.RoleAssistant, Content: "chart ref", Event: "chart"})

	msgs := buildPrompt(sess, false, 0)
	for _, m := range msgs {
		require.NotEqual(t, "chart ref", m.Content)
	}
}

func TestBuildPromptReferenceOnlyOnFirstIteration(t *testing.T) {
	sess := session.New()
	sess.Reference = "background paper"

	first := buildPrompt(sess, true, 0)
	later := buildPrompt(sess, false, 0)

	contains := func(msgs []llm.ChatMessage, text string) bool {
		for _, m := range msgs {
			if strings.Contains(m.Content, text) {
				return true
			}
		}
		return false
	}
	require.True(t, contains(first, "background paper"))
	require.False(t, contains(later, "background paper"))
}

func TestCompactToolResultElidesLargePayloads(t *testing.T) {
	result := map[string]any{
		"success": true,
		"stdout":  strings.Repeat("x", 10000),
		"charts": []map[string]any{
			{"title": "Revenue", "png_b64": strings.Repeat("A", 50000)},
		},
		"dataframe_preview": map[string]any{
			"columns":    []string{"a"},
			"rows":       [][]any{{1}, {2}},
			"total_rows": 2,
		},
	}

	compact := compactToolResult(result)
	require.Less(t, len(compact), 6000)
	require.Contains(t, compact, `"Revenue"`)
	require.Contains(t, compact, `"count":1`)
	require.NotContains(t, compact, "AAAA")
	require.Contains(t, compact, "truncated")
	require.NotContains(t, compact, `"rows"`)
}

func TestCapToolResult(t *testing.T) {
	body := strings.Repeat("y", 100)
	require.Equal(t, body, capToolResult(body, 0))
	require.Equal(t, body, capToolResult(body, 200))
	capped := capToolResult(body, 10)
	require.True(t, strings.HasPrefix(capped, "yyyyyyyyyy"))
	require.Contains(t, capped, "truncated")
}

package anthropic

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datasage-ai/datasage/internal/llm"
)

func TestConvertMessagesFoldsSystemAndToolResults(t *testing.T) {
	msgs, system, err := convertMessages([]llm.ChatMessage{
		{Role: llm.RoleSystem, Content: "be rigorous"},
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleUser, Content: "inspect the data"},
		{Role: llm.RoleAssistant, Content: "running it", ToolCalls: []llm.ToolCall{
			{ID: "call_1", Function: llm.ToolFunctionCall{Name: "run_python", Arguments: `{"code":"df.head()"}`}},
		}},
		{Role: llm.RoleTool, ToolCallID: "call_1", Content: `{"success":true}`},
	})
	require.NoError(t, err)
	require.Equal(t, "be rigorous\n\nbe brief", system)
	require.Len(t, msgs, 3)
}

func TestConvertMessagesAcceptsEmptyToolArguments(t *testing.T) {
	// Some providers stream tool calls with no argument text at all; replaying
	// that history must not abort the request.
	msgs, _, err := convertMessages([]llm.ChatMessage{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "call_1", Function: llm.ToolFunctionCall{Name: "generate_report", Arguments: ""}},
		}},
		{Role: llm.RoleTool, ToolCallID: "call_1", Content: "ok"},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestConvertMessagesRejectsMalformedToolArguments(t *testing.T) {
	_, _, err := convertMessages([]llm.ChatMessage{
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{ID: "call_1", Function: llm.ToolFunctionCall{Name: "run_python", Arguments: `{"code":`}},
		}},
	})
	require.Error(t, err)
}

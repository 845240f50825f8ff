package llm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToolCallAccumulatorReassemblesFragments(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Add(ToolCallDelta{Index: 0, ID: "call_1", Type: "function", Name: "run_", Arguments: `{"co`})
	acc.Add(ToolCallDelta{Index: 0, Name: "python", Arguments: `de":"1+1"}`})

	calls := acc.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "call_1", calls[0].ID)
	require.Equal(t, "run_python", calls[0].Function.Name)
	require.JSONEq(t, `{"code":"1+1"}`, calls[0].Function.Arguments)
}

func TestToolCallAccumulatorKeepsIndexOrder(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Add(ToolCallDelta{Index: 1, ID: "b", Name: "second", Arguments: "{}"})
	acc.Add(ToolCallDelta{Index: 0, ID: "a", Name: "first", Arguments: "{}"})

	calls := acc.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, "first", calls[0].Function.Name)
	require.Equal(t, "second", calls[1].Function.Name)
	require.Equal(t, "function", calls[0].Type, "missing type defaults to function")
}

func TestFoldAccumulatesStream(t *testing.T) {
	ch := make(chan Chunk, 8)
	ch <- Chunk{Text: "a", Reasoning: "r1"}
	ch <- Chunk{Text: "b", Usage: &Usage{InputTokens: 10, OutputTokens: 1}}
	ch <- Chunk{ToolCalls: []ToolCallDelta{{Index: 0, ID: "x", Name: "tool", Arguments: "{}"}}}
	ch <- Chunk{FinishReason: "tool_calls", Usage: &Usage{InputTokens: 10, OutputTokens: 4}}
	close(ch)

	resp, err := Fold(ch)
	require.NoError(t, err)
	require.Equal(t, "ab", resp.Text)
	require.Equal(t, "r1", resp.Reasoning)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, 4, resp.Usage.OutputTokens, "last-seen usage wins")
	require.Equal(t, []string{"tool_calls"}, resp.FinishReasons)
}

func TestFoldEquivalentToSingleChunkDelivery(t *testing.T) {
	split := make(chan Chunk, 4)
	split <- Chunk{ToolCalls: []ToolCallDelta{{Index: 0, ID: "c1", Name: "describe", Arguments: `{"dataset":`}}}
	split <- Chunk{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: `"iris"}`}}}
	split <- Chunk{FinishReason: "tool_calls"}
	close(split)

	single := make(chan Chunk, 2)
	single <- Chunk{ToolCalls: []ToolCallDelta{{Index: 0, ID: "c1", Name: "describe", Arguments: `{"dataset":"iris"}`}}, FinishReason: "tool_calls"}
	close(single)

	a, err := Fold(split)
	require.NoError(t, err)
	b, err := Fold(single)
	require.NoError(t, err)
	require.Equal(t, b.ToolCalls, a.ToolCalls)
}

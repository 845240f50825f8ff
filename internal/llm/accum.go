package llm

import "sort"

// ToolCallAccumulator reassembles tool calls from indexed streaming fragments.
// Fragments with the same index concatenate function name and argument text;
// the id and type stick from the first fragment that carries them.
type ToolCallAccumulator struct {
	byIndex map[int]*ToolCall
	order   []int
}

// NewToolCallAccumulator returns an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{byIndex: make(map[int]*ToolCall)}
}

// Add merges one fragment.
func (a *ToolCallAccumulator) Add(d ToolCallDelta) {
	tc, ok := a.byIndex[d.Index]
	if !ok {
		tc = &ToolCall{}
		a.byIndex[d.Index] = tc
		a.order = append(a.order, d.Index)
	}
	if d.ID != "" {
		tc.ID = d.ID
	}
	if d.Type != "" {
		tc.Type = d.Type
	}
	tc.Function.Name += d.Name
	tc.Function.Arguments += d.Arguments
}

// Calls returns the accumulated tool calls in index order.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	idx := append([]int(nil), a.order...)
	sort.Ints(idx)
	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		tc := *a.byIndex[i]
		if tc.Type == "" {
			tc.Type = "function"
		}
		out = append(out, tc)
	}
	return out
}

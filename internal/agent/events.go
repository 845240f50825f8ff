package agent

// EventKind discriminates the tagged union of runner events.
type EventKind string

const (
	EventIterationStart EventKind = "iteration_start"
	EventText           EventKind = "text"
	EventReasoning      EventKind = "reasoning"
	EventToolCall       EventKind = "tool_call"
	EventToolResult     EventKind = "tool_result"
	EventChart          EventKind = "chart"
	EventData           EventKind = "data"
	EventArtifact       EventKind = "artifact"
	EventImage          EventKind = "image"
	EventRetrieval      EventKind = "retrieval"
	EventPlan           EventKind = "analysis_plan"
	EventPlanStep       EventKind = "plan_step_update"
	EventCompressed     EventKind = "context_compressed"
	EventError          EventKind = "error"
	EventDone           EventKind = "done"
)

// Event is one item of the per-turn stream. Events are produced in order and
// never mutated; Meta always carries a monotonically increasing "seq" so
// transports that reorder under load can be corrected downstream.
type Event struct {
	Kind       EventKind      `json:"kind"`
	TurnID     string         `json:"turn_id"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Payload    any            `json:"payload,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// emitter stamps turn id and sequence numbers onto outgoing events. Single
// goroutine per turn, no locking needed.
type emitter struct {
	out    chan<- Event
	turnID string
	seq    int64
}

func (e *emitter) emit(kind EventKind, payload any) {
	e.emitTool(kind, "", "", payload, nil)
}

func (e *emitter) emitTool(kind EventKind, callID, toolName string, payload any, meta map[string]any) {
	if meta == nil {
		meta = make(map[string]any, 1)
	}
	e.seq++
	meta["seq"] = e.seq
	e.out <- Event{
		Kind:       kind,
		TurnID:     e.turnID,
		ToolCallID: callID,
		ToolName:   toolName,
		Payload:    payload,
		Meta:       meta,
	}
}

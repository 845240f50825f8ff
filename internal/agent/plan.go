package agent

import (
	"regexp"
	"strings"
)

// Plan step statuses.
const (
	StepPending    = "pending"
	StepInProgress = "in_progress"
	StepCompleted  = "completed"
	StepError      = "error"
)

// PlanStep is one ordered step of a parsed analysis plan.
type PlanStep struct {
	Index  int    `json:"index"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// Plan tracks step statuses across a turn. Step-to-tool-call matching is
// best effort: the first pending step claims the next tool call, which
// assumes the model emits tool calls in plan order.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

var stepLine = regexp.MustCompile(`^\s*(?:(\d+)[.):]|[-*]\s*(?:\[[ xX]?\]\s*)?)\s*(.+?)\s*$`)

// parsePlan extracts a step-by-step plan from leading free text. It succeeds
// only when at least two step-shaped lines are found, so ordinary prose is
// not mistaken for a plan.
func parsePlan(text string) (*Plan, bool) {
	var steps []PlanStep
	for _, line := range strings.Split(text, "\n") {
		m := stepLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		title := strings.TrimSpace(m[2])
		if title == "" || strings.HasSuffix(title, ":") && m[1] == "" {
			continue
		}
		steps = append(steps, PlanStep{
			Index:  len(steps) + 1,
			Title:  title,
			Status: StepPending,
		})
	}
	if len(steps) < 2 {
		return nil, false
	}
	return &Plan{Steps: steps}, true
}

// claimNext marks the first pending step in progress and returns it.
func (p *Plan) claimNext() *PlanStep {
	if p == nil {
		return nil
	}
	for i := range p.Steps {
		if p.Steps[i].Status == StepPending {
			p.Steps[i].Status = StepInProgress
			return &p.Steps[i]
		}
	}
	return nil
}

// resolve finishes the given step with a terminal status.
func (p *Plan) resolve(step *PlanStep, ok bool) {
	if step == nil {
		return
	}
	if ok {
		step.Status = StepCompleted
	} else {
		step.Status = StepError
	}
}

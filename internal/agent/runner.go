// Package agent implements the ReAct control loop: model output is either a
// final answer or a request to run tools, whose results feed the next round.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/datasage-ai/datasage/internal/config"
	"github.com/datasage-ai/datasage/internal/llm"
	"github.com/datasage-ai/datasage/internal/sandbox"
	"github.com/datasage-ai/datasage/internal/session"
	"github.com/datasage-ai/datasage/internal/tools"
)

// Metrics receives runner outcomes. Implementations must tolerate being
// called from concurrent turns.
type Metrics interface {
	RecordTurn(status string)
	RecordIteration()
	RecordCompression()
	RecordToolExecution(tool, status string, seconds float64)
}

// Runner drives turns. One Runner serves all sessions; per-session lanes
// serialize turns that share a session.
type Runner struct {
	client     chatClient
	registry   *tools.Registry
	cfg        config.RunnerConfig
	estimator  TokenEstimator
	classify   OverflowClassifier
	compressor *compressor
	lanes      *lanes
	logger     *zap.Logger
	metrics    Metrics
}

// NewRunner wires a runner. A nil classifier gets the default heuristic.
func NewRunner(client chatClient, registry *tools.Registry, cfg config.RunnerConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("runner")
	return &Runner{
		client:    client,
		registry:  registry,
		cfg:       cfg,
		estimator: NewTokenEstimator(),
		classify:  DefaultOverflowClassifier,
		compressor: &compressor{
			client:     client,
			archiveDir: cfg.ArchiveDir,
			keepRecent: cfg.KeepRecentMessages,
			maxChars:   cfg.CompressionMaxChars,
			logger:     logger,
		},
		lanes:  newLanes(),
		logger: logger,
	}
}

// SetMetrics installs an optional metrics recorder.
func (r *Runner) SetMetrics(m Metrics) { r.metrics = m }

// SetOverflowClassifier replaces the context-overflow heuristic.
func (r *Runner) SetOverflowClassifier(c OverflowClassifier) {
	if c != nil {
		r.classify = c
	}
}

// Run executes one turn. The returned stream is finite, ordered, and always
// ends with a terminal done or error event. The session must not be touched
// by the caller until the stream closes.
func (r *Runner) Run(ctx context.Context, sess *session.Session, userMessage string) <-chan Event {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		release := r.lanes.acquire(sess.ID)
		defer release()
		r.runTurn(ctx, sess, userMessage, out)
	}()
	return out
}

func (r *Runner) runTurn(ctx context.Context, sess *session.Session, userMessage string, out chan<- Event) {
	em := &emitter{out: out, turnID: uuid.NewString()}
	log := r.logger.With(zap.String("session", sess.ID), zap.String("turn", em.turnID))

	sess.Append(llm.ChatMessage{Role: llm.RoleUser, Content: userMessage})

	var plan *Plan
	iteration := 0
	for {
		if ctx.Err() != nil {
			em.emit(EventDone, map[string]any{"reason": "stopped"})
			r.recordTurn("stopped")
			return
		}
		if r.cfg.MaxIterations > 0 && iteration >= r.cfg.MaxIterations {
			em.emit(EventError, map[string]any{
				"message": fmt.Sprintf("analysis stopped after reaching the %d-iteration limit", r.cfg.MaxIterations),
			})
			r.recordTurn("iteration_limit")
			return
		}
		iteration++
		sess.Iterations++
		if r.metrics != nil {
			r.metrics.RecordIteration()
		}
		em.emit(EventIterationStart, map[string]any{"iteration": iteration})

		first := iteration == 1
		if first && sess.Reference != "" {
			em.emit(EventRetrieval, map[string]any{"content": sess.Reference})
		}

		msgs, err := r.buildBudgetedPrompt(ctx, sess, first, em)
		if err != nil {
			em.emit(EventError, map[string]any{"message": err.Error()})
			r.recordTurn("error")
			return
		}

		resp, fatal := r.callModel(ctx, sess, msgs, first, em, log)
		if fatal != nil {
			em.emit(EventError, map[string]any{"message": fatal.Error()})
			r.recordTurn("error")
			return
		}

		if len(resp.ToolCalls) == 0 {
			sess.Append(llm.ChatMessage{Role: llm.RoleAssistant, Content: resp.Text})
			em.emit(EventDone, map[string]any{"text": resp.Text})
			r.recordTurn("done")
			return
		}

		if first && resp.Text != "" {
			plan = r.handlePlanText(sess, resp.Text, em)
		}

		sess.Append(llm.ChatMessage{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		finished := r.dispatchToolCalls(ctx, sess, resp.ToolCalls, plan, em, log)
		if finished {
			return
		}
	}
}

// buildBudgetedPrompt assembles the prompt and enforces the token budget:
// compress first, then sliding-window trim if still over.
func (r *Runner) buildBudgetedPrompt(ctx context.Context, sess *session.Session, first bool, em *emitter) ([]llm.ChatMessage, error) {
	msgs := buildPrompt(sess, first, r.cfg.ToolResultMaxBytes)
	if r.cfg.TokenBudget <= 0 {
		return msgs, nil
	}
	if estimateMessages(r.estimator, msgs) <= r.cfg.TokenBudget {
		return msgs, nil
	}

	if compressed, err := r.compressor.compress(ctx, sess); err != nil {
		return nil, fmt.Errorf("history compression: %w", err)
	} else if compressed {
		r.emitCompressed(sess, em)
		msgs = buildPrompt(sess, first, r.cfg.ToolResultMaxBytes)
	}

	if estimateMessages(r.estimator, msgs) > r.cfg.TokenBudget {
		sess.Messages = slidingTrim(sess.Messages, r.estimator, r.cfg.TokenBudget, r.cfg.KeepRecentMessages)
		msgs = buildPrompt(sess, first, r.cfg.ToolResultMaxBytes)
	}
	return msgs, nil
}

// callModel streams one model call, forwarding text and reasoning deltas as
// events. A context-overflow error with no output yet triggers one automatic
// compression-and-retry; anything else is fatal for the turn.
func (r *Runner) callModel(ctx context.Context, sess *session.Session, msgs []llm.ChatMessage, first bool, em *emitter, log *zap.Logger) (llm.Response, error) {
	retried := false
	for {
		resp, streamed, err := r.streamOnce(ctx, msgs, em)
		if err == nil {
			return resp, nil
		}
		if !streamed && !retried && r.classify(err) {
			retried = true
			log.Warn("context overflow, compressing and retrying", zap.Error(err))
			compressed, cerr := r.compressor.compress(ctx, sess)
			if cerr == nil && compressed {
				r.emitCompressed(sess, em)
				msgs = buildPrompt(sess, first, r.cfg.ToolResultMaxBytes)
				continue
			}
		}
		log.Error("model call failed", zap.Error(err))
		return resp, err
	}
}

func (r *Runner) streamOnce(ctx context.Context, msgs []llm.ChatMessage, em *emitter) (llm.Response, bool, error) {
	req := llm.ChatRequest{
		Purpose:  "chat",
		Messages: msgs,
	}
	if r.registry != nil {
		req.Tools = r.registry.Specs()
	}

	var (
		resp     llm.Response
		acc      = llm.NewToolCallAccumulator()
		text     []byte
		think    []byte
		streamed bool
	)
	for c := range r.client.Chat(ctx, req) {
		if c.Err != nil {
			resp.Text = string(text)
			resp.Reasoning = string(think)
			resp.ToolCalls = acc.Calls()
			return resp, streamed, c.Err
		}
		if c.Text != "" {
			streamed = true
			text = append(text, c.Text...)
			em.emit(EventText, map[string]any{"delta": c.Text})
		}
		if c.Reasoning != "" {
			streamed = true
			think = append(think, c.Reasoning...)
			em.emit(EventReasoning, map[string]any{"delta": c.Reasoning})
		}
		for _, d := range c.ToolCalls {
			streamed = true
			acc.Add(d)
		}
		if c.Usage != nil {
			u := *c.Usage
			resp.Usage = &u
		}
	}

	resp.Text = string(text)
	resp.Reasoning = string(think)
	resp.ToolCalls = acc.Calls()
	return resp, streamed, nil
}

// handlePlanText treats leading free text alongside first-iteration tool
// calls as the analysis plan: emit a structured plan event when it parses,
// always emit a plain reasoning event, and persist the raw text as a note.
func (r *Runner) handlePlanText(sess *session.Session, text string, em *emitter) *Plan {
	var plan *Plan
	if parsed, ok := parsePlan(text); ok {
		plan = parsed
		em.emit(EventPlan, plan)
	}
	em.emit(EventReasoning, map[string]any{"text": text})
	sess.AddNote("plan", text)
	return plan
}

// dispatchToolCalls runs the model's tool calls strictly in emission order.
// Returns true when the turn reached a terminal state.
func (r *Runner) dispatchToolCalls(ctx context.Context, sess *session.Session, calls []llm.ToolCall, plan *Plan, em *emitter, log *zap.Logger) bool {
	for _, tc := range calls {
		if ctx.Err() != nil {
			em.emit(EventDone, map[string]any{"reason": "stopped"})
			r.recordTurn("stopped")
			return true
		}

		step := plan.claimNext()
		if step != nil {
			em.emit(EventPlanStep, *step)
		}

		em.emitTool(EventToolCall, tc.ID, tc.Function.Name, map[string]any{
			"arguments": tc.Function.Arguments,
		}, nil)

		result, execErr := r.executeTool(ctx, sess, tc, log)
		if execErr != nil && errors.Is(execErr, sandbox.ErrConfig) {
			// A broken executor setup cannot be repaired by the model; every
			// retry would fail the same way.
			em.emit(EventError, map[string]any{"message": execErr.Error()})
			r.recordTurn("error")
			return true
		}
		isErr := tools.IsError(result)
		status := "success"
		if isErr {
			status = "error"
		}

		// History is updated before the event goes out, so a consumer
		// disconnect can never leave history behind what was executed.
		sess.Append(llm.ChatMessage{
			Role:       llm.RoleTool,
			Content:    compactToolResult(result),
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
		})
		em.emitTool(EventToolResult, tc.ID, tc.Function.Name, result, map[string]any{"status": status})

		r.emitPayloadEvents(sess, tc, result, em)

		if step != nil {
			plan.resolve(step, !isErr)
			em.emit(EventPlanStep, *step)
		}

		if tc.Function.Name == tools.ReportToolName && !isErr {
			if report, ok := result[tools.ReportKey].(string); ok && report != "" {
				// The persisted report and the displayed reply must be
				// byte-identical, so the model is never asked to restate it.
				sess.Append(llm.ChatMessage{Role: llm.RoleAssistant, Content: report})
				em.emit(EventText, map[string]any{"delta": report})
				em.emit(EventDone, map[string]any{"text": report})
				r.recordTurn("done")
				return true
			}
		}
	}
	return false
}

func (r *Runner) executeTool(ctx context.Context, sess *session.Session, tc llm.ToolCall, log *zap.Logger) (map[string]any, error) {
	var args map[string]any
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return tools.ErrorResult(fmt.Sprintf("malformed tool arguments for %s: %v", tc.Function.Name, err)), nil
		}
	}

	start := time.Now()
	result, err := r.registry.Execute(ctx, tc.Function.Name, sess, args)
	elapsed := time.Since(start)

	status := "success"
	if tools.IsError(result) {
		status = "error"
	}
	if r.metrics != nil {
		r.metrics.RecordToolExecution(tc.Function.Name, status, elapsed.Seconds())
	}
	log.Debug("tool executed",
		zap.String("tool", tc.Function.Name),
		zap.String("status", status),
		zap.Duration("elapsed", elapsed))
	return result, err
}

// emitPayloadEvents surfaces chart/table/artifact payloads carried by a tool
// result as typed events, with a lightweight session note for each.
func (r *Runner) emitPayloadEvents(sess *session.Session, tc llm.ToolCall, result map[string]any, em *emitter) {
	if charts, ok := result["charts"].([]map[string]any); ok {
		for _, chart := range charts {
			em.emitTool(EventChart, tc.ID, tc.Function.Name, chart, nil)
			if title, _ := chart["title"].(string); title != "" {
				sess.AddNote("chart", title)
			}
		}
	}
	if preview, ok := result["dataframe_preview"].(map[string]any); ok {
		em.emitTool(EventData, tc.ID, tc.Function.Name, preview, nil)
		sess.AddNote("data", describePreview(preview))
	}
	if artifacts, ok := result["artifacts"].([]map[string]any); ok {
		for _, artifact := range artifacts {
			em.emitTool(EventArtifact, tc.ID, tc.Function.Name, artifact, nil)
			if name, _ := artifact["name"].(string); name != "" {
				sess.AddNote("artifact", name)
			}
		}
	}
	if images, ok := result["images"].([]map[string]any); ok {
		for _, img := range images {
			em.emitTool(EventImage, tc.ID, tc.Function.Name, img, nil)
			if ref, _ := img["name"].(string); ref != "" {
				sess.AddNote("image", ref)
			} else if ref, _ := img["path"].(string); ref != "" {
				sess.AddNote("image", ref)
			}
		}
	}
}

func describePreview(preview map[string]any) string {
	rows := 0
	if n, ok := preview["total_rows"].(int); ok {
		rows = n
	}
	if cols, ok := preview["columns"].([]string); ok && len(cols) > 0 {
		return fmt.Sprintf("%d rows: %s", rows, strings.Join(cols, ", "))
	}
	return fmt.Sprintf("%d rows", rows)
}

func (r *Runner) emitCompressed(sess *session.Session, em *emitter) {
	if r.metrics != nil {
		r.metrics.RecordCompression()
	}
	em.emit(EventCompressed, map[string]any{
		"compressions":   sess.Compressions,
		"summary_length": len(sess.Summary),
	})
}

func (r *Runner) recordTurn(status string) {
	if r.metrics != nil {
		r.metrics.RecordTurn(status)
	}
}

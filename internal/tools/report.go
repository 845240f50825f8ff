package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/datasage-ai/datasage/internal/session"
)

// ReportToolName is recognized by the runner: when this tool returns its
// canonical markdown, the turn short-circuits and that exact text becomes the
// assistant's final message.
const ReportToolName = "generate_report"

// ReportKey carries the canonical markdown inside the tool result.
const ReportKey = "report"

// ReportTool finalizes a turn with a persisted markdown report.
type ReportTool struct {
	workspace string
	logger    *zap.Logger
}

// NewReportTool builds the final-report tool.
func NewReportTool(workspace string, logger *zap.Logger) *ReportTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportTool{workspace: workspace, logger: logger.Named(ReportToolName)}
}

func (t *ReportTool) Name() string { return ReportToolName }

func (t *ReportTool) Description() string {
	return "Produce the final analysis report in markdown. Call this exactly once, when the analysis is complete; the report content is delivered to the user verbatim."
}

func (t *ReportTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"title": {"type": "string", "description": "Report title."},
			"content": {"type": "string", "description": "Full report body in markdown."}
		},
		"required": ["content"]
	}`)
}

// Execute persists the report and returns its canonical text.
func (t *ReportTool) Execute(_ context.Context, sess *session.Session, args map[string]any) (map[string]any, error) {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("missing required argument: content"), nil
	}
	title, _ := args["title"].(string)

	markdown := content
	if title != "" && !strings.HasPrefix(strings.TrimSpace(content), "#") {
		markdown = fmt.Sprintf("# %s\n\n%s", title, content)
	}

	result := map[string]any{
		"success": true,
		ReportKey: markdown,
	}

	if t.workspace != "" {
		dir := filepath.Join(t.workspace, sess.ID, "reports")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.logger.Warn("create report dir", zap.Error(err))
			return result, nil
		}
		name := "report"
		if title != "" {
			name = sanitizeLabel(title)
		}
		path := filepath.Join(dir, name+".md")
		if err := os.WriteFile(path, []byte(markdown), 0o644); err != nil {
			t.logger.Warn("persist report", zap.Error(err))
			return result, nil
		}
		result["path"] = path
		sess.AddNote("report", path)
	}
	return result, nil
}

package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/datasage-ai/datasage/internal/dataset"
	"github.com/datasage-ai/datasage/internal/sandbox"
	"github.com/datasage-ai/datasage/internal/session"
)

// Code purposes accepted by the execution tools. Visualization and export
// code is persisted as a named downloadable artifact instead of only an
// execution log.
const (
	PurposeExploration    = "exploration"
	PurposeTransformation = "transformation"
	PurposeVisualization  = "visualization"
	PurposeExport         = "export"
)

const previewRows = 20

// CodeTool runs model-generated code in one of the sandboxed executors.
type CodeTool struct {
	name        string
	description string
	extension   string
	executor    sandbox.Executor
	workspace   string
	logger      *zap.Logger
}

// NewPythonTool wires the Python executor.
func NewPythonTool(exec sandbox.Executor, workspace string, logger *zap.Logger) *CodeTool {
	return newCodeTool("run_python", "py", exec, workspace, logger,
		"Execute Python analysis code against the loaded datasets. Datasets are available as pandas DataFrames in the `datasets` dict; the active dataset is bound as `df`. Assign to `result` to return a value, or `output_df` to return a table.")
}

// NewRTool wires the R executor.
func NewRTool(exec sandbox.Executor, workspace string, logger *zap.Logger) *CodeTool {
	return newCodeTool("run_r", "R", exec, workspace, logger,
		"Execute R analysis code against the loaded datasets. Datasets are available as data.frames in the `datasets` list; the active dataset is bound as `df`. Assign to `result` to return a value, or `output_df` to return a table. Save plots into the plots/ directory.")
}

func newCodeTool(name, ext string, exec sandbox.Executor, workspace string, logger *zap.Logger, desc string) *CodeTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CodeTool{
		name:        name,
		description: desc,
		extension:   ext,
		executor:    exec,
		workspace:   workspace,
		logger:      logger.Named(name),
	}
}

func (t *CodeTool) Name() string        { return t.name }
func (t *CodeTool) Description() string { return t.description }

func (t *CodeTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"code": {"type": "string", "description": "The code to execute."},
			"purpose": {"type": "string", "enum": ["exploration", "transformation", "visualization", "export"], "description": "What the code is for. Transformation persists dataset changes; visualization and export save the code as a named artifact."},
			"label": {"type": "string", "description": "Short human-readable name for the artifact."},
			"intent": {"type": "string", "description": "One sentence describing what the code is trying to find out."}
		},
		"required": ["code"]
	}`)
}

// Execute runs the code and shapes the sandbox result for the model. Code
// failures come back as error-shaped results; only executor configuration
// problems are returned as errors.
func (t *CodeTool) Execute(ctx context.Context, sess *session.Session, args map[string]any) (map[string]any, error) {
	code, _ := args["code"].(string)
	if strings.TrimSpace(code) == "" {
		return ErrorResult("missing required argument: code"), nil
	}
	purpose, _ := args["purpose"].(string)
	if purpose == "" {
		purpose = PurposeExploration
	}
	label, _ := args["label"].(string)

	artifact := t.persistCode(sess, code, purpose, label)

	res, err := t.executor.Execute(ctx, sandbox.Request{
		Code:          code,
		Datasets:      sess.Datasets,
		ActiveDataset: sess.ActiveDataset,
		Persist:       purpose == PurposeTransformation,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}

	if !res.Success {
		out := ErrorResult(res.Error)
		out["stdout"] = res.Stdout
		out["stderr"] = res.Stderr
		if res.Traceback != "" {
			out["traceback"] = res.Traceback
		}
		return out, nil
	}

	sess.FoldDatasets(res.Datasets)

	out := map[string]any{
		"success": true,
		"stdout":  res.Stdout,
	}
	if res.Stderr != "" {
		out["stderr"] = res.Stderr
	}
	if len(res.Datasets) > 0 {
		names := make([]string, 0, len(res.Datasets))
		for name := range res.Datasets {
			names = append(names, name)
		}
		out["updated_datasets"] = names
	}
	attachValue(out, res.Value)
	if figs := encodeFigures(res.Figures); len(figs) > 0 {
		out["charts"] = figs
	}
	if artifact != nil {
		out["artifacts"] = []map[string]any{artifact}
	}
	return out, nil
}

// persistCode writes the code text into the session workspace. Visualization
// and export code becomes a named artifact; everything else is an execution
// log entry.
func (t *CodeTool) persistCode(sess *session.Session, code, purpose, label string) map[string]any {
	if t.workspace == "" {
		return nil
	}

	named := purpose == PurposeVisualization || purpose == PurposeExport
	sub := "code"
	if named {
		sub = "artifacts"
	}
	dir := filepath.Join(t.workspace, sess.ID, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.logger.Warn("create workspace dir", zap.Error(err))
		return nil
	}

	base := uuid.NewString()
	if named && label != "" {
		base = sanitizeLabel(label)
	}
	path := filepath.Join(dir, base+"."+t.extension)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		t.logger.Warn("persist code", zap.Error(err))
		return nil
	}

	if !named {
		return nil
	}
	return map[string]any{
		"name": base + "." + t.extension,
		"path": path,
		"kind": "code",
	}
}

// attachValue maps the sandbox result value into the tool result. Tabular
// values become a bounded preview, never the full table.
func attachValue(out map[string]any, value any) {
	switch v := value.(type) {
	case nil:
	case *dataset.Dataset:
		rows := v.Rows
		truncated := false
		if len(rows) > previewRows {
			rows = rows[:previewRows]
			truncated = true
		}
		out["dataframe_preview"] = map[string]any{
			"columns":    v.Columns,
			"rows":       rows,
			"total_rows": len(v.Rows),
			"truncated":  truncated,
		}
	default:
		out["result"] = v
	}
}

func encodeFigures(figures []sandbox.Figure) []map[string]any {
	var out []map[string]any
	for _, f := range figures {
		m := map[string]any{
			"library": f.Library,
			"title":   f.Title,
		}
		if len(f.PNG) > 0 {
			m["png_b64"] = base64.StdEncoding.EncodeToString(f.PNG)
		}
		if len(f.SVG) > 0 {
			m["svg_b64"] = base64.StdEncoding.EncodeToString(f.SVG)
		}
		if f.JSON != "" {
			m["json"] = f.JSON
		}
		if f.Path != "" {
			m["path"] = f.Path
			m["format"] = f.Format
		}
		out = append(out, m)
	}
	return out
}

func sanitizeLabel(label string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, label)
	if mapped == "" {
		mapped = "artifact_" + time.Now().UTC().Format("20060102T150405")
	}
	return mapped
}

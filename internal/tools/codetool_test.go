package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datasage-ai/datasage/internal/dataset"
	"github.com/datasage-ai/datasage/internal/sandbox"
	"github.com/datasage-ai/datasage/internal/session"
)

type fakeExecutor struct {
	lastReq sandbox.Request
	result  *sandbox.Result
	err     error
}

func (f *fakeExecutor) Execute(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
	f.lastReq = req
	return f.result, f.err
}

func TestCodeToolSuccessShapesResult(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.Result{
		Success: true,
		Stdout:  "done",
		Value:   float64(3.5),
		Figures: []sandbox.Figure{{Library: "matplotlib", Title: "Histogram", PNG: []byte{1, 2}}},
	}}
	tool := NewPythonTool(exec, "", nil)

	out, err := tool.Execute(context.Background(), session.New(), map[string]any{"code": "result = 3.5"})
	require.NoError(t, err)
	require.False(t, IsError(out))
	require.Equal(t, "done", out["stdout"])
	require.Equal(t, 3.5, out["result"])

	charts, ok := out["charts"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, charts, 1)
	require.Equal(t, "Histogram", charts[0]["title"])
	require.NotEmpty(t, charts[0]["png_b64"])
}

func TestCodeToolTabularValueBecomesPreview(t *testing.T) {
	rows := make([][]any, 50)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	exec := &fakeExecutor{result: &sandbox.Result{
		Success: true,
		Value:   &dataset.Dataset{Columns: []string{"n"}, Rows: rows},
	}}
	tool := NewPythonTool(exec, "", nil)

	out, err := tool.Execute(context.Background(), session.New(), map[string]any{"code": "output_df = df"})
	require.NoError(t, err)

	preview, ok := out["dataframe_preview"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 50, preview["total_rows"])
	require.Equal(t, true, preview["truncated"])
	require.Len(t, preview["rows"], previewRows)
}

func TestCodeToolFailureIsToolLevelError(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.Result{
		Success:   false,
		Error:     "NameError: undefined",
		Traceback: "Traceback ...",
	}}
	tool := NewPythonTool(exec, "", nil)

	out, err := tool.Execute(context.Background(), session.New(), map[string]any{"code": "boom"})
	require.NoError(t, err, "code failures must not abort the turn")
	require.True(t, IsError(out))
	require.Contains(t, out["error"], "NameError")
	require.Equal(t, "Traceback ...", out["traceback"])
}

func TestCodeToolPersistOnlyForTransformation(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.Result{Success: true}}
	tool := NewPythonTool(exec, "", nil)
	sess := session.New()

	_, err := tool.Execute(context.Background(), sess, map[string]any{"code": "df"})
	require.NoError(t, err)
	require.False(t, exec.lastReq.Persist)

	_, err = tool.Execute(context.Background(), sess, map[string]any{
		"code": "df", "purpose": PurposeTransformation,
	})
	require.NoError(t, err)
	require.True(t, exec.lastReq.Persist)
}

func TestCodeToolFoldsPersistedDatasets(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.Result{
		Success: true,
		Datasets: map[string]*dataset.Dataset{
			"sales": {Columns: []string{"n"}, Rows: [][]any{{int64(9)}}},
		},
	}}
	tool := NewPythonTool(exec, "", nil)
	sess := session.New()

	out, err := tool.Execute(context.Background(), sess, map[string]any{
		"code": "df['n'] = 9", "purpose": PurposeTransformation,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"sales"}, out["updated_datasets"])
	require.Contains(t, sess.Datasets, "sales")
	require.Equal(t, [][]any{{int64(9)}}, sess.Datasets["sales"].Rows)
}

func TestCodeToolVisualizationPersistsNamedArtifact(t *testing.T) {
	workspace := t.TempDir()
	exec := &fakeExecutor{result: &sandbox.Result{Success: true}}
	tool := NewPythonTool(exec, workspace, nil)
	sess := session.New()

	out, err := tool.Execute(context.Background(), sess, map[string]any{
		"code":    "plt.plot([1,2])",
		"purpose": PurposeVisualization,
		"label":   "Revenue Trend",
	})
	require.NoError(t, err)

	artifacts, ok := out["artifacts"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, artifacts, 1)
	require.Equal(t, "Revenue_Trend.py", artifacts[0]["name"])

	path := filepath.Join(workspace, sess.ID, "artifacts", "Revenue_Trend.py")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "plt.plot([1,2])", string(data))
}

func TestCodeToolMissingCodeArgument(t *testing.T) {
	tool := NewPythonTool(&fakeExecutor{}, "", nil)
	out, err := tool.Execute(context.Background(), session.New(), map[string]any{})
	require.NoError(t, err)
	require.True(t, IsError(out))
}

func TestReportToolReturnsCanonicalMarkdown(t *testing.T) {
	workspace := t.TempDir()
	tool := NewReportTool(workspace, nil)
	sess := session.New()

	out, err := tool.Execute(context.Background(), sess, map[string]any{
		"title":   "Findings",
		"content": "All metrics improved.",
	})
	require.NoError(t, err)
	require.False(t, IsError(out))
	require.Equal(t, "# Findings\n\nAll metrics improved.", out[ReportKey])

	data, err := os.ReadFile(out["path"].(string))
	require.NoError(t, err)
	require.Equal(t, out[ReportKey], string(data))
}

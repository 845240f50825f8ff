// Package python executes model-generated Python in a resource-limited
// worker process.
package python

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/datasage-ai/datasage/internal/config"
	"github.com/datasage-ai/datasage/internal/dataset"
	"github.com/datasage-ai/datasage/internal/sandbox"
)

// Executor spawns one worker process per call. The caller's datasets are
// deep-copied before serialization so executed code can never observe or
// mutate the session's own state.
type Executor struct {
	interpreter string
	timeout     time.Duration
	memoryMB    int
	cpuSeconds  int
	scratchDir  string
	logger      *zap.Logger
}

// New builds an executor from configuration.
func New(cfg config.PythonSandboxConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Executor{
		interpreter: interpreter,
		timeout:     timeout,
		memoryMB:    cfg.MemoryLimitMB,
		cpuSeconds:  cfg.CPUSeconds,
		scratchDir:  cfg.ScratchDir,
		logger:      logger.Named("sandbox.python"),
	}
}

// workerRequest is the JSON handed to the harness on stdin.
type workerRequest struct {
	Code          string                 `json:"code"`
	Datasets      map[string]workerTable `json:"datasets,omitempty"`
	ActiveDataset string                 `json:"active_dataset,omitempty"`
	Persist       bool                   `json:"persist"`
	ScratchDir    string                 `json:"scratch_dir"`
	MemoryLimitMB int                    `json:"memory_limit_mb"`
	CPUSeconds    int                    `json:"cpu_seconds"`
}

type workerTable struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// workerEnvelope is the single JSON message the harness writes back.
type workerEnvelope struct {
	Success   bool                   `json:"success"`
	Stdout    string                 `json:"stdout"`
	Stderr    string                 `json:"stderr"`
	Value     *valueEnvelope         `json:"value,omitempty"`
	Figures   []workerFigure         `json:"figures,omitempty"`
	Datasets  map[string]workerTable `json:"datasets,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Traceback string                 `json:"traceback,omitempty"`
}

type valueEnvelope struct {
	Type    string   `json:"type"`
	Value   any      `json:"value,omitempty"`
	Columns []string `json:"columns,omitempty"`
	Rows    [][]any  `json:"rows,omitempty"`
	Repr    string   `json:"repr,omitempty"`
}

type workerFigure struct {
	Library string `json:"library"`
	Title   string `json:"title"`
	PNGB64  string `json:"png_b64,omitempty"`
	SVGB64  string `json:"svg_b64,omitempty"`
	JSON    string `json:"json,omitempty"`
}

// Execute runs one request. Timeouts and worker crashes come back as failed
// Results; only a missing interpreter or a broken scratch setup is a hard
// error.
func (e *Executor) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	binary, err := exec.LookPath(e.interpreter)
	if err != nil {
		return nil, fmt.Errorf("%w: interpreter %q not found", sandbox.ErrConfig, e.interpreter)
	}

	scratch, cleanup, err := e.prepareScratch()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	harnessPath := filepath.Join(scratch, "harness.py")
	if err := os.WriteFile(harnessPath, []byte(harnessSource), 0o600); err != nil {
		return nil, fmt.Errorf("write harness: %w", err)
	}

	payload, err := json.Marshal(e.buildRequest(req, scratch))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	cmd := exec.Command(binary, harnessPath)
	cmd.Dir = scratch
	cmd.Stdin = bytes.NewReader(payload)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open result pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	// The worker can block writing a large envelope before it exits, so the
	// pipe must be drained before waiting on the process.
	readCh := make(chan readResult, 1)
	go func() {
		data, rerr := io.ReadAll(stdout)
		readCh <- readResult{data: data, err: rerr}
	}()

	deadline := time.NewTimer(e.timeout)
	defer deadline.Stop()

	var read readResult
	select {
	case read = <-readCh:
	case <-ctx.Done():
		e.kill(cmd, readCh)
		return nil, ctx.Err()
	case <-deadline.C:
		e.kill(cmd, readCh)
		e.logger.Warn("worker timed out", zap.Duration("timeout", e.timeout))
		return &sandbox.Result{
			Success: false,
			Stderr:  stderr.String(),
			Error:   fmt.Sprintf("%v after %s", sandbox.ErrTimeout, e.timeout),
		}, nil
	}

	e.join(cmd)
	e.logger.Debug("worker finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("envelope_bytes", len(read.data)))

	if len(bytes.TrimSpace(read.data)) == 0 {
		return &sandbox.Result{
			Success: false,
			Stderr:  stderr.String(),
			Error:   fmt.Sprintf("%v: %s", sandbox.ErrCrash, firstLine(stderr.String())),
		}, nil
	}

	var env workerEnvelope
	if err := json.Unmarshal(bytes.TrimSpace(read.data), &env); err != nil {
		return &sandbox.Result{
			Success: false,
			Stderr:  stderr.String(),
			Error:   fmt.Sprintf("%v: unreadable envelope: %v", sandbox.ErrCrash, err),
		}, nil
	}

	return e.decodeEnvelope(req, env), nil
}

func (e *Executor) buildRequest(req sandbox.Request, scratch string) workerRequest {
	wr := workerRequest{
		Code:          req.Code,
		ActiveDataset: req.ActiveDataset,
		Persist:       req.Persist,
		ScratchDir:    scratch,
		MemoryLimitMB: e.memoryMB,
		CPUSeconds:    e.cpuSeconds,
	}
	if len(req.Datasets) > 0 {
		wr.Datasets = make(map[string]workerTable, len(req.Datasets))
		for name, d := range dataset.CloneMap(req.Datasets) {
			wr.Datasets[name] = workerTable{Columns: d.Columns, Rows: d.Rows}
		}
	}
	return wr
}

func (e *Executor) decodeEnvelope(req sandbox.Request, env workerEnvelope) *sandbox.Result {
	res := &sandbox.Result{
		Success:   env.Success,
		Stdout:    env.Stdout,
		Stderr:    env.Stderr,
		Error:     env.Error,
		Traceback: env.Traceback,
	}

	if env.Value != nil {
		switch env.Value.Type {
		case "scalar":
			res.Value = env.Value.Value
		case "tabular":
			res.Value = &dataset.Dataset{Columns: env.Value.Columns, Rows: env.Value.Rows}
		case "opaque":
			res.Value = env.Value.Repr
		}
	}

	for _, f := range env.Figures {
		fig := sandbox.Figure{Library: f.Library, Title: f.Title, JSON: f.JSON}
		if f.PNGB64 != "" {
			if b, err := base64.StdEncoding.DecodeString(f.PNGB64); err == nil {
				fig.PNG = b
			}
		}
		if f.SVGB64 != "" {
			if b, err := base64.StdEncoding.DecodeString(f.SVGB64); err == nil {
				fig.SVG = b
			}
		}
		res.Figures = append(res.Figures, fig)
	}

	if req.Persist && len(env.Datasets) > 0 {
		res.Datasets = make(map[string]*dataset.Dataset, len(env.Datasets))
		for name, t := range env.Datasets {
			res.Datasets[name] = &dataset.Dataset{Name: name, Columns: t.Columns, Rows: t.Rows}
		}
	}
	return res
}

func (e *Executor) prepareScratch() (string, func(), error) {
	base := e.scratchDir
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return "", nil, fmt.Errorf("create scratch base: %w", err)
		}
	}
	dir, err := os.MkdirTemp(base, "pyexec-*")
	if err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

type readResult struct {
	data []byte
	err  error
}

// kill terminates the worker, lets the pipe reader observe EOF, then reaps.
func (e *Executor) kill(cmd *exec.Cmd, readCh <-chan readResult) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-readCh
	_ = cmd.Wait()
}

// join waits briefly for a clean exit after the envelope was read, killing
// the worker if it lingers.
func (e *Executor) join(cmd *exec.Cmd) {
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

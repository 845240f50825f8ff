// Package sandbox defines the contract shared by the code executors: a
// per-invocation request/result pair with no cross-call state.
package sandbox

import (
	"context"
	"errors"

	"github.com/datasage-ai/datasage/internal/dataset"
)

// Request describes one code execution. Datasets are a read-only snapshot;
// executors receive copies and never touch the caller's map.
type Request struct {
	Code          string
	Datasets      map[string]*dataset.Dataset
	ActiveDataset string
	Persist       bool
}

// Figure is one extracted chart artifact. Exactly one payload family is set:
// PNG/SVG bytes for raster/vector charts, JSON for portable interchange
// documents, or Path plus Format for file-backed artifacts.
type Figure struct {
	Library string `json:"library"`
	Title   string `json:"title"`
	PNG     []byte `json:"png,omitempty"`
	SVG     []byte `json:"svg,omitempty"`
	JSON    string `json:"json,omitempty"`
	Path    string `json:"path,omitempty"`
	Format  string `json:"format,omitempty"`
}

// Result carries everything the caller copies out of one execution.
type Result struct {
	Success   bool
	Stdout    string
	Stderr    string
	Value     any
	Datasets  map[string]*dataset.Dataset
	Figures   []Figure
	Error     string
	Traceback string
}

// Executor is implemented by both runtime variants.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Sentinel failure classes. Timeout and crash are reported inside the Result
// so the calling tool can feed them back to the model; a config error means
// the executor cannot run at all.
var (
	ErrTimeout = errors.New("sandbox: execution timed out")
	ErrCrash   = errors.New("sandbox: worker exited without a result")
	ErrConfig  = errors.New("sandbox: executor not configured")
)

// Package rlang executes model-generated R through an external Rscript
// binary. Datasets cross the process boundary as CSV files listed in a
// manifest; results come back as files in the invocation's scratch
// directory, read only after the interpreter has fully exited.
package rlang

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/datasage-ai/datasage/internal/config"
	"github.com/datasage-ai/datasage/internal/dataset"
	"github.com/datasage-ai/datasage/internal/sandbox"
)

// Executor drives Rscript. One scratch directory per call, discarded after
// the result files are copied out.
type Executor struct {
	interpreter    string
	timeout        time.Duration
	installTimeout time.Duration
	memoryMB       int
	autoInstall    bool
	scratchDir     string
	artifactsDir   string
	logger         *zap.Logger
}

// New builds an executor from configuration.
func New(cfg config.RSandboxConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = "Rscript"
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	installTimeout := time.Duration(cfg.InstallTimeoutSeconds) * time.Second
	if installTimeout <= 0 {
		installTimeout = 10 * time.Minute
	}
	scratch := cfg.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	return &Executor{
		interpreter:    interpreter,
		timeout:        timeout,
		installTimeout: installTimeout,
		memoryMB:       cfg.MemoryLimitMB,
		autoInstall:    cfg.AutoInstall,
		scratchDir:     scratch,
		artifactsDir:   filepath.Join(scratch, "r-artifacts"),
		logger:         logger.Named("sandbox.rlang"),
	}
}

// biocPackages is the known Bioconductor set; everything else installs from
// CRAN.
var biocPackages = map[string]bool{
	"Biobase": true, "BiocGenerics": true, "BiocManager": true,
	"DESeq2": true, "edgeR": true, "limma": true, "biomaRt": true,
	"GenomicRanges": true, "SummarizedExperiment": true,
	"clusterProfiler": true, "org.Hs.eg.db": true, "org.Mm.eg.db": true,
	"AnnotationDbi": true, "ComplexHeatmap": true, "fgsea": true,
}

var packageRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\blibrary\(\s*["']?([A-Za-z][A-Za-z0-9._]*)["']?\s*[,)]`),
	regexp.MustCompile(`\brequire\(\s*["']?([A-Za-z][A-Za-z0-9._]*)["']?\s*[,)]`),
	regexp.MustCompile(`\b([A-Za-z][A-Za-z0-9._]*)::`),
}

// basePackages ship with R and are never install candidates.
var basePackages = map[string]bool{
	"base": true, "stats": true, "utils": true, "graphics": true,
	"grDevices": true, "methods": true, "datasets": true, "tools": true,
	"parallel": true, "grid": true,
}

// scanPackages extracts package names referenced by library/require calls or
// the :: operator.
func scanPackages(code string) []string {
	seen := map[string]bool{}
	var out []string
	for _, re := range packageRefPatterns {
		for _, m := range re.FindAllStringSubmatch(code, -1) {
			name := m[1]
			if basePackages[name] || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Execute runs one request end to end: stage inputs, auto-install packages,
// run the wrapper under the memory cap, then harvest result files.
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

	manifest, err := e.stageDatasets(scratch, req)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(scratch, "user_code.R"), []byte(req.Code), 0o600); err != nil {
		return nil, fmt.Errorf("write user code: %w", err)
	}
	if err := os.WriteFile(filepath.Join(scratch, "wrapper.R"), []byte(wrapperScript(req)), 0o600); err != nil {
		return nil, fmt.Errorf("write wrapper: %w", err)
	}

	if e.autoInstall {
		if pkgs := scanPackages(req.Code); len(pkgs) > 0 {
			if err := e.installPackages(ctx, binary, scratch, pkgs); err != nil {
				return &sandbox.Result{
					Success: false,
					Error:   fmt.Sprintf("package installation failed: %v", err),
				}, nil
			}
		}
	}

	stdout, stderr, runErr := e.runWrapper(ctx, binary, scratch)
	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) {
			return &sandbox.Result{
				Success: false,
				Stdout:  stdout,
				Stderr:  stderr,
				Error:   fmt.Sprintf("%v after %s", sandbox.ErrTimeout, e.timeout),
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return e.harvest(scratch, manifest, req, stdout, stderr, runErr)
}

// runWrapper executes wrapper.R, applying the address-space cap through the
// shell before the interpreter starts.
func (e *Executor) runWrapper(ctx context.Context, binary, scratch string) (string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var cmd *exec.Cmd
	if e.memoryMB > 0 {
		shellCmd := fmt.Sprintf("ulimit -v %d; exec %s wrapper.R", e.memoryMB*1024, binary)
		cmd = exec.CommandContext(runCtx, "sh", "-c", shellCmd)
	} else {
		cmd = exec.CommandContext(runCtx, binary, "wrapper.R")
	}
	cmd.Dir = scratch

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		err = context.DeadlineExceeded
	}
	e.logger.Debug("interpreter finished",
		zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	return stdout.String(), stderr.String(), err
}

// installPackages resolves missing packages from CRAN or Bioconductor with a
// dedicated, longer timeout.
func (e *Executor) installPackages(ctx context.Context, binary, scratch string, pkgs []string) error {
	var cran, bioc []string
	for _, p := range pkgs {
		if biocPackages[p] {
			bioc = append(bioc, p)
		} else {
			cran = append(cran, p)
		}
	}

	script := installScript(cran, bioc)
	path := filepath.Join(scratch, "install.R")
	if err := os.WriteFile(path, []byte(script), 0o600); err != nil {
		return fmt.Errorf("write install script: %w", err)
	}

	installCtx, cancel := context.WithTimeout(ctx, e.installTimeout)
	defer cancel()

	cmd := exec.CommandContext(installCtx, binary, "install.R")
	cmd.Dir = scratch
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	e.logger.Info("installing packages",
		zap.Strings("cran", cran), zap.Strings("bioconductor", bioc))
	if err := cmd.Run(); err != nil {
		if installCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("installation timed out after %s", e.installTimeout)
		}
		return fmt.Errorf("%v: %s", err, lastLine(stderr.String()))
	}
	return nil
}

// stageDatasets writes each dataset as CSV plus a manifest mapping names to
// files. Returns the name→file mapping for reading updates back.
func (e *Executor) stageDatasets(scratch string, req sandbox.Request) (map[string]string, error) {
	manifest := make(map[string]string, len(req.Datasets))
	var lines []string
	lines = append(lines, "name,file")

	i := 0
	for name, d := range dataset.CloneMap(req.Datasets) {
		file := fmt.Sprintf("ds_%d.csv", i)
		i++
		f, err := os.Create(filepath.Join(scratch, file))
		if err != nil {
			return nil, fmt.Errorf("stage dataset %q: %w", name, err)
		}
		werr := d.WriteCSV(f)
		cerr := f.Close()
		if werr != nil {
			return nil, fmt.Errorf("stage dataset %q: %w", name, werr)
		}
		if cerr != nil {
			return nil, fmt.Errorf("stage dataset %q: %w", name, cerr)
		}
		manifest[name] = file
		lines = append(lines, csvField(name)+","+file)
	}

	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(scratch, "manifest.csv"), []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return manifest, nil
}

// harvest assembles the result from the files the wrapper left behind.
func (e *Executor) harvest(scratch string, manifest map[string]string, req sandbox.Request, stdout, stderr string, runErr error) (*sandbox.Result, error) {
	res := &sandbox.Result{Stdout: stdout, Stderr: stderr}

	if msg, err := os.ReadFile(filepath.Join(scratch, "error.txt")); err == nil {
		res.Success = false
		res.Error = strings.TrimSpace(string(msg))
		if tb, err := os.ReadFile(filepath.Join(scratch, "traceback.txt")); err == nil {
			res.Traceback = string(tb)
		}
		res.Figures = e.collectPlots(scratch)
		return res, nil
	}

	status, err := os.ReadFile(filepath.Join(scratch, "status.txt"))
	if err != nil || strings.TrimSpace(string(status)) != "ok" {
		res.Success = false
		if runErr != nil {
			res.Error = fmt.Sprintf("%v: %s", sandbox.ErrCrash, lastLine(stderr))
		} else {
			res.Error = sandbox.ErrCrash.Error()
		}
		return res, nil
	}

	res.Success = true
	res.Value = e.readValue(scratch)
	res.Figures = e.collectPlots(scratch)

	if req.Persist {
		updated := make(map[string]*dataset.Dataset)
		for name, file := range manifest {
			path := filepath.Join(scratch, "updated", file)
			f, err := os.Open(path)
			if err != nil {
				continue
			}
			d, derr := dataset.ReadCSV(name, f)
			_ = f.Close()
			if derr != nil {
				e.logger.Warn("unreadable updated dataset", zap.String("dataset", name), zap.Error(derr))
				continue
			}
			updated[name] = d
		}
		if len(updated) > 0 {
			res.Datasets = updated
		}
	}
	return res, nil
}

// readValue decodes the result envelope files written by the wrapper.
func (e *Executor) readValue(scratch string) any {
	typ, err := os.ReadFile(filepath.Join(scratch, "result_type.txt"))
	if err != nil {
		return nil
	}
	switch strings.TrimSpace(string(typ)) {
	case "scalar":
		raw, err := os.ReadFile(filepath.Join(scratch, "result_value.txt"))
		if err != nil {
			return nil
		}
		return parseScalar(strings.TrimSpace(string(raw)))
	case "tabular":
		f, err := os.Open(filepath.Join(scratch, "result_table.csv"))
		if err != nil {
			return nil
		}
		defer f.Close()
		d, err := dataset.ReadCSV("result", f)
		if err != nil {
			return nil
		}
		return d
	case "opaque":
		raw, err := os.ReadFile(filepath.Join(scratch, "result_repr.txt"))
		if err != nil {
			return nil
		}
		return string(raw)
	}
	return nil
}

var plotExtensions = map[string]bool{
	".png": true, ".svg": true, ".pdf": true, ".jpeg": true, ".jpg": true,
}

// collectPlots copies figure files out of the scratch plots directory into
// the persistent artifacts directory so they outlive scratch cleanup.
func (e *Executor) collectPlots(scratch string) []sandbox.Figure {
	entries, err := os.ReadDir(filepath.Join(scratch, "plots"))
	if err != nil {
		return nil
	}
	if err := os.MkdirAll(e.artifactsDir, 0o755); err != nil {
		e.logger.Warn("create artifacts dir", zap.Error(err))
		return nil
	}

	var figures []sandbox.Figure
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !plotExtensions[ext] {
			continue
		}
		src := filepath.Join(scratch, "plots", entry.Name())
		dst := filepath.Join(e.artifactsDir, uuid.NewString()+ext)
		if err := copyFile(src, dst); err != nil {
			e.logger.Warn("copy plot", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		figures = append(figures, sandbox.Figure{
			Library: "r",
			Title:   strings.TrimSuffix(entry.Name(), ext),
			Path:    dst,
			Format:  strings.TrimPrefix(ext, "."),
		})
	}
	return figures
}

func (e *Executor) prepareScratch() (string, func(), error) {
	if err := os.MkdirAll(e.scratchDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create scratch base: %w", err)
	}
	dir, err := os.MkdirTemp(e.scratchDir, "rexec-*")
	if err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func parseScalar(s string) any {
	switch s {
	case "TRUE":
		return true
	case "FALSE":
		return false
	case "NA", "NULL":
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func csvField(s string) string {
	if strings.ContainsAny(s, ",\"\n") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

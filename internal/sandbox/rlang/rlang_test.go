package rlang

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datasage-ai/datasage/internal/config"
	"github.com/datasage-ai/datasage/internal/dataset"
	"github.com/datasage-ai/datasage/internal/sandbox"
)

func TestScanPackagesFindsAllReferenceForms(t *testing.T) {
	code := `
library(dplyr)
require(ggplot2)
res <- DESeq2::results(dds)
x <- stats::median(c(1, 2, 3))
library("tidyr")
`
	pkgs := scanPackages(code)
	require.ElementsMatch(t, []string{"dplyr", "ggplot2", "DESeq2", "tidyr"}, pkgs)
}

func TestScanPackagesDeduplicates(t *testing.T) {
	pkgs := scanPackages("library(dplyr)\ndplyr::filter(df)\nrequire(dplyr)\n")
	require.Equal(t, []string{"dplyr"}, pkgs)
}

func TestInstallScriptRoutesBioconductor(t *testing.T) {
	script := installScript([]string{"dplyr"}, []string{"DESeq2"})
	require.Contains(t, script, `cran_pkgs <- c("dplyr")`)
	require.Contains(t, script, `bioc_pkgs <- c("DESeq2")`)
	require.Contains(t, script, "BiocManager::install")
}

func TestWrapperScriptEscapesActiveName(t *testing.T) {
	script := wrapperScript(sandbox.Request{ActiveDataset: `odd"name`})
	require.Contains(t, script, `active_name <- "odd\"name"`)
}

func TestParseScalar(t *testing.T) {
	require.Equal(t, int64(7), parseScalar("7"))
	require.Equal(t, 2.5, parseScalar("2.5"))
	require.Equal(t, true, parseScalar("TRUE"))
	require.Nil(t, parseScalar("NA"))
	require.Equal(t, "hello", parseScalar("hello"))
}

func newTestExecutor(t *testing.T, cfg config.RSandboxConfig) *Executor {
	t.Helper()
	if _, err := exec.LookPath("Rscript"); err != nil {
		t.Skip("Rscript not installed")
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 60
	}
	cfg.ScratchDir = t.TempDir()
	return New(cfg, nil)
}

func TestExecuteScalarResult(t *testing.T) {
	e := newTestExecutor(t, config.RSandboxConfig{})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Code: "cat('computing\\n')\nresult <- 21 * 2\n",
	})
	require.NoError(t, err)
	require.True(t, res.Success, "error=%s stderr=%s", res.Error, res.Stderr)
	require.Equal(t, int64(42), res.Value)
	require.Contains(t, res.Stdout, "computing")
}

func TestExecuteCodeErrorSurfacesMessage(t *testing.T) {
	e := newTestExecutor(t, config.RSandboxConfig{})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Code: "stop('column not found')",
	})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "column not found")
}

func TestExecuteTimeout(t *testing.T) {
	e := newTestExecutor(t, config.RSandboxConfig{TimeoutSeconds: 1})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Code: "Sys.sleep(30)",
	})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "timed out")
}

func TestExecutePersistReturnsMutatedDataset(t *testing.T) {
	e := newTestExecutor(t, config.RSandboxConfig{})

	res, err := e.Execute(context.Background(), sandbox.Request{
		Code: "df$units <- df$units * 2\n",
		Datasets: map[string]*dataset.Dataset{
			"sales": {
				Name:    "sales",
				Columns: []string{"units"},
				Rows:    [][]any{{int64(1)}, {int64(2)}},
			},
		},
		ActiveDataset: "sales",
		Persist:       true,
	})
	require.NoError(t, err)
	require.True(t, res.Success, "error=%s stderr=%s", res.Error, res.Stderr)
	require.Contains(t, res.Datasets, "sales")
	require.Equal(t, [][]any{{int64(2)}, {int64(4)}}, res.Datasets["sales"].Rows)
}

func TestExecuteMissingInterpreterIsConfigError(t *testing.T) {
	e := New(config.RSandboxConfig{Interpreter: "definitely-not-Rscript"}, nil)
	_, err := e.Execute(context.Background(), sandbox.Request{Code: "1"})
	require.ErrorIs(t, err, sandbox.ErrConfig)
}

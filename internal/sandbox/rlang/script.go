package rlang

import (
	"fmt"
	"strings"

	"github.com/datasage-ai/datasage/internal/sandbox"
)

// wrapperScript renders the per-call driver. It loads the manifest, binds
// datasets, sources the user code with structured error capture, and writes
// the result envelope and updated tables as files. User code is sourced from
// its own file so it never needs quoting.
func wrapperScript(req sandbox.Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "active_name <- %s\n", rString(req.ActiveDataset))
	fmt.Fprintf(&b, "persist_datasets <- %s\n", rBool(req.Persist))

	b.WriteString(`
datasets <- list()
if (file.exists("manifest.csv")) {
  manifest <- read.csv("manifest.csv", stringsAsFactors = FALSE, colClasses = "character")
  for (i in seq_len(nrow(manifest))) {
    datasets[[manifest$name[i]]] <- read.csv(manifest$file[i], stringsAsFactors = FALSE)
  }
} else {
  manifest <- data.frame(name = character(0), file = character(0))
}
if (nzchar(active_name) && active_name %in% names(datasets)) {
  df <- datasets[[active_name]]
}
dir.create("plots", showWarnings = FALSE)

run_ok <- TRUE
result <- NULL
tryCatch({
  source("user_code.R", local = FALSE)
}, error = function(e) {
  run_ok <<- FALSE
  writeLines(conditionMessage(e), "error.txt")
  calls <- capture.output(traceback(max.lines = 20))
  writeLines(calls, "traceback.txt")
})

if (run_ok) {
  if (exists("output_df") && is.data.frame(output_df)) {
    result <- output_df
  }
  if (is.null(result)) {
    writeLines("null", "result_type.txt")
  } else if (is.data.frame(result)) {
    writeLines("tabular", "result_type.txt")
    write.csv(result, "result_table.csv", row.names = FALSE, na = "")
  } else if (is.atomic(result) && length(result) == 1) {
    writeLines("scalar", "result_type.txt")
    writeLines(as.character(result), "result_value.txt")
  } else {
    writeLines("opaque", "result_type.txt")
    writeLines(capture.output(print(result)), "result_repr.txt")
  }

  if (persist_datasets && nrow(manifest) > 0) {
    dir.create("updated", showWarnings = FALSE)
    if (nzchar(active_name) && exists("df") && is.data.frame(df)) {
      datasets[[active_name]] <- df
    }
    for (i in seq_len(nrow(manifest))) {
      obj <- datasets[[manifest$name[i]]]
      if (is.data.frame(obj)) {
        write.csv(obj, file.path("updated", manifest$file[i]), row.names = FALSE, na = "")
      }
    }
  }
  writeLines("ok", "status.txt")
}
`)
	return b.String()
}

// installScript renders the pre-run package resolution step. CRAN and
// Bioconductor packages install through their respective channels; already
// present packages are skipped.
func installScript(cran, bioc []string) string {
	var b strings.Builder
	b.WriteString("options(repos = c(CRAN = \"https://cloud.r-project.org\"))\n")
	fmt.Fprintf(&b, "cran_pkgs <- %s\n", rVector(cran))
	fmt.Fprintf(&b, "bioc_pkgs <- %s\n", rVector(bioc))
	b.WriteString(`
for (p in cran_pkgs) {
  if (!requireNamespace(p, quietly = TRUE)) {
    install.packages(p)
  }
}
if (length(bioc_pkgs) > 0) {
  if (!requireNamespace("BiocManager", quietly = TRUE)) {
    install.packages("BiocManager")
  }
  for (p in bioc_pkgs) {
    if (!requireNamespace(p, quietly = TRUE)) {
      BiocManager::install(p, update = FALSE, ask = FALSE)
    }
  }
}
missing <- c(cran_pkgs, bioc_pkgs)
missing <- missing[!vapply(missing, requireNamespace, logical(1), quietly = TRUE)]
if (length(missing) > 0) {
  stop(paste("packages failed to install:", paste(missing, collapse = ", ")))
}
`)
	return b.String()
}

func rString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func rBool(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}

func rVector(items []string) string {
	if len(items) == 0 {
		return "character(0)"
	}
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = rString(s)
	}
	return "c(" + strings.Join(quoted, ", ") + ")"
}

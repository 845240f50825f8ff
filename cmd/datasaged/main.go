package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/datasage-ai/datasage/internal/agent"
	"github.com/datasage-ai/datasage/internal/config"
	"github.com/datasage-ai/datasage/internal/daemon"
	"github.com/datasage-ai/datasage/internal/llm/configbuilder"
	"github.com/datasage-ai/datasage/internal/logging"
	"github.com/datasage-ai/datasage/internal/observability"
	"github.com/datasage-ai/datasage/internal/sandbox/python"
	"github.com/datasage-ai/datasage/internal/sandbox/rlang"
	"github.com/datasage-ai/datasage/internal/tools"
	"github.com/datasage-ai/datasage/internal/version"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:     "datasaged",
		Short:   "DataSage analysis agent daemon",
		Version: version.Full(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics := observability.NewMetrics()

			resolver, err := configbuilder.BuildResolver(cfg, logger)
			if err != nil {
				return err
			}
			resolver.SetMetrics(metrics)

			registry := tools.NewRegistry(logger)
			registry.Register(tools.NewPythonTool(python.New(cfg.Python, logger), cfg.Runner.WorkspaceDir, logger))
			registry.Register(tools.NewRTool(rlang.New(cfg.R, logger), cfg.Runner.WorkspaceDir, logger))
			registry.Register(tools.NewReportTool(cfg.Runner.WorkspaceDir, logger))

			runner := agent.NewRunner(resolver, registry, cfg.Runner, logger)
			runner.SetMetrics(metrics)

			server := daemon.NewServer(cfg.Server, runner, metrics, logger)
			return server.Run(ctx)
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "Path to config file (default: configs/config.yaml)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/config"
	"github.com/xkilldash9x/tether/internal/engine"
	"github.com/xkilldash9x/tether/internal/observability"
)

// runFlags are command line overrides applied on top of the loaded configuration.
type runFlags struct {
	workers   int
	tags      string
	engine    string
	headed    bool
	reportDir string
	failFast  bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.workers, "workers", "j", 0, "Number of scenarios run in parallel. (Overrides config/env)")
	cmd.Flags().StringVarP(&f.tags, "tags", "t", "", `Tag filter expression, e.g. '"smoke" in tags'. (Overrides config/env)`)
	cmd.Flags().StringVarP(&f.engine, "engine", "e", "", "Browser engine: chromedp, playwright or rod. (Overrides config/env)")
	cmd.Flags().BoolVar(&f.headed, "headed", false, "Show the browser window.")
	cmd.Flags().StringVarP(&f.reportDir, "report-dir", "o", "", "Directory for JSON and JUnit reports. (Overrides config/env)")
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", false, "Stop scheduling scenarios after the first failure.")
}

// apply writes the flags the user actually set into cfg and re-validates it.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.SetRunnerWorkers(f.workers)
	}
	if flags.Changed("tags") {
		cfg.SetRunnerTagFilter(f.tags)
	}
	if flags.Changed("engine") {
		cfg.SetBrowserEngine(f.engine)
	}
	if flags.Changed("headed") {
		cfg.SetBrowserHeadless(!f.headed)
	}
	if flags.Changed("report-dir") {
		cfg.SetReportingDir(f.reportDir)
	}
	if flags.Changed("fail-fast") {
		cfg.RunnerCfg.FailFast = f.failFast
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flag overrides: %w", err)
	}
	return nil
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	var watch bool

	runCmd := &cobra.Command{
		Use:   "run <suite.yaml>",
		Short: "Run the scenarios of a suite file",
		Long: `Runs every scenario of the suite selected by the tag filter, each in its own browser
session, and writes the configured reports. With --watch the suite is run again whenever
the file changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}

			r, err := newRunner(ctx, cfg, logger, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer r.Close()

			if watch {
				return engine.Watch(ctx, args[0], 0, logger, func(ctx context.Context) error {
					_, err := r.RunFile(ctx, args[0])
					return err
				})
			}

			report, err := r.RunFile(ctx, args[0])
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Warn("Run aborted.", zap.String("suite", args[0]))
				}
				return err
			}
			return exitStatus(report)
		},
	}

	flags.register(runCmd)
	runCmd.Flags().BoolVarP(&watch, "watch", "w", false, "Re-run the suite whenever the file changes.")
	return runCmd
}

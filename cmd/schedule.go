// cmd/schedule.go
package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/internal/observability"
)

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

func newScheduleCmd() *cobra.Command {
	var flags runFlags
	var spec string
	var runNow bool

	scheduleCmd := &cobra.Command{
		Use:   "schedule <suite.yaml>",
		Short: "Run a suite periodically on a cron schedule",
		Long: `Runs the suite on a cron schedule until interrupted. The spec accepts standard
five field expressions and descriptors such as "@every 15m" or "@hourly". A run that is
still going when the next one is due causes that tick to be skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger().Named("schedule")

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

			return runSchedule(ctx, spec, runNow, logger, func(ctx context.Context) error {
				report, err := r.RunFile(ctx, args[0])
				if err != nil {
					return err
				}
				return exitStatus(report)
			})
		},
	}

	flags.register(scheduleCmd)
	scheduleCmd.Flags().StringVar(&spec, "cron", "@every 15m", "Cron schedule for the runs.")
	scheduleCmd.Flags().BoolVar(&runNow, "now", false, "Also run once immediately.")
	return scheduleCmd
}

// runSchedule calls run on spec until ctx ends, then waits for an in-flight run.
func runSchedule(ctx context.Context, spec string, runNow bool, logger *zap.Logger, run func(ctx context.Context) error) error {
	clog := cronLogger{s: logger.Sugar()}
	c := cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	var mu sync.Mutex
	runs := 0
	job := func() {
		mu.Lock()
		runs++
		n := runs
		mu.Unlock()
		logger.Info("Scheduled run starting.", zap.Int("run", n))
		if err := run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("Scheduled run finished with errors.", zap.Int("run", n), zap.Error(err))
			return
		}
		logger.Info("Scheduled run finished.", zap.Int("run", n))
	}

	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	id := c.Schedule(sched, cron.FuncJob(job))
	c.Start()
	logger.Info("Scheduler started.", zap.String("cron", spec), zap.Time("next", sched.Next(time.Now())))

	if runNow {
		c.Entry(id).WrappedJob.Run()
	}

	<-ctx.Done()
	logger.Info("Scheduler stopping, waiting for the running suite.")
	<-c.Stop().Done()
	return nil
}

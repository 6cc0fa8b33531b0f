// cmd/runner.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/api/schemas"
	"github.com/xkilldash9x/tether/internal/browser"
	"github.com/xkilldash9x/tether/internal/config"
	"github.com/xkilldash9x/tether/internal/engine"
	"github.com/xkilldash9x/tether/internal/network/faultproxy"
	"github.com/xkilldash9x/tether/internal/observability"
	"github.com/xkilldash9x/tether/internal/reporting"
	"github.com/xkilldash9x/tether/internal/store"
)

const shutdownTimeout = 15 * time.Second

// sessionProvider is an engine.SessionSource that owns a browser.
type sessionProvider interface {
	engine.SessionSource
	Shutdown(ctx context.Context) error
}

// newSessionProvider creates the browser backend for one run. Tests replace it.
var newSessionProvider = func(cfg config.Interface, logger *zap.Logger, proxyURL string) (sessionProvider, error) {
	var opts []browser.Option
	if proxyURL != "" {
		opts = append(opts, browser.WithProxy(proxyURL))
	}
	return browser.NewManager(cfg, logger, opts...)
}

// runner holds what outlives a single suite run: metrics, the history store and reporters.
// Browsers and the fault proxy are per run because they depend on the suite.
type runner struct {
	cfg    *config.Config
	logger *zap.Logger
	out    io.Writer

	metrics     *observability.Metrics
	stopMetrics context.CancelFunc
	metricsWG   sync.WaitGroup

	pool      *pgxpool.Pool
	store     *store.Store
	reporters []engine.Reporter
}

func newRunner(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) (r *runner, err error) {
	r = &runner{cfg: cfg, logger: logger, out: out}
	defer func() {
		if err != nil {
			r.Close()
			r = nil
		}
	}()

	if m := cfg.Metrics(); m.Enabled {
		r.metrics = observability.NewMetrics()
		metricsCtx, cancel := context.WithCancel(context.Background())
		r.stopMetrics = cancel
		r.metricsWG.Add(1)
		go func() {
			defer r.metricsWG.Done()
			if err := r.metrics.Serve(metricsCtx, m.ListenAddr, logger); err != nil {
				logger.Error("Metrics server stopped with an error.", zap.Error(err))
			}
		}()
	}

	if url := cfg.Database().URL; url != "" {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return r, fmt.Errorf("failed to connect to database: %w", err)
		}
		r.pool = pool
		st, err := store.New(ctx, pool, logger)
		if err != nil {
			return r, fmt.Errorf("failed to initialize store: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			return r, err
		}
		r.store = st
	}

	reporters, err := reporting.FromConfig(ctx, cfg.Reporting(), logger)
	if err != nil {
		return r, fmt.Errorf("failed to initialize reporters: %w", err)
	}
	for _, rep := range reporters {
		r.reporters = append(r.reporters, rep)
	}
	return r, nil
}

// RunFile loads the suite at path and runs it once.
func (r *runner) RunFile(ctx context.Context, path string) (*schemas.RunReport, error) {
	suite, err := schemas.LoadSuite(path)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, suite)
}

// Run starts the fault proxy if any rule applies, launches the browser and runs suite.
func (r *runner) Run(ctx context.Context, suite *schemas.Suite) (*schemas.RunReport, error) {
	var proxyURL string
	fp := r.cfg.Network().FaultProxy
	rules := append(append([]config.FaultRule(nil), fp.Faults...), faultproxy.RulesFromSuite(suite.Faults)...)
	if len(rules) > 0 {
		fp.Faults = rules
		proxy := faultproxy.New(fp, r.cfg.Browser().IgnoreTLSErrors, r.logger)
		u, err := proxy.Start(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to start fault proxy: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := proxy.Close(closeCtx); err != nil {
				r.logger.Warn("Fault proxy did not stop cleanly.", zap.Error(err))
			}
		}()
		proxyURL = u
		if fp.MITM {
			r.cfg.BrowserCfg.IgnoreTLSErrors = true
		}
	}

	sessions, err := newSessionProvider(r.cfg, r.logger, proxyURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("Error during browser shutdown.", zap.Error(err))
		}
	}()

	opts := []engine.Option{engine.WithReporters(r.reporters...)}
	if r.store != nil {
		opts = append(opts, engine.WithStore(r.store))
	}
	if r.metrics != nil {
		opts = append(opts, engine.WithRecorder(r.metrics))
	}
	eng, err := engine.New(r.cfg, r.logger, sessions, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario engine: %w", err)
	}

	report, err := eng.Run(ctx, suite)
	if err != nil {
		return nil, err
	}
	printSummary(r.out, report)
	return report, nil
}

// Close releases the database pool and stops the metrics server.
func (r *runner) Close() {
	if r.stopMetrics != nil {
		r.stopMetrics()
		r.metricsWG.Wait()
	}
	if r.pool != nil {
		r.pool.Close()
		r.logger.Debug("Database connection pool closed.")
	}
}

// printSummary writes one line per scenario and a totals line.
func printSummary(w io.Writer, report *schemas.RunReport) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "\nSuite %q (run %s, %s)\n", report.Suite, report.RunID, report.Engine)
	for _, sc := range report.Scenarios {
		line := fmt.Sprintf("  %-7s %s (%s)", sc.Status, sc.Name, sc.Duration.Round(time.Millisecond))
		if sc.FailureKind != "" {
			line += " [" + sc.FailureKind + "]"
		}
		fmt.Fprintln(w, line)
		if sc.Error != "" && sc.Status != schemas.StatusPassed {
			fmt.Fprintf(w, "          %s\n", sc.Error)
		}
	}
	s := report.Summary
	fmt.Fprintf(w, "%d scenarios: %d passed, %d failed, %d skipped, %d errored in %s\n",
		s.Total, s.Passed, s.Failed, s.Skipped, s.Errored, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
}

// exitStatus maps a finished report to the command error.
func exitStatus(report *schemas.RunReport) error {
	if report == nil || report.OK() {
		return nil
	}
	return ErrScenariosFailed
}

// internal/engine/scenario_engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/api/schemas"
	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/config"
	"github.com/xkilldash9x/tether/internal/interaction"
	"github.com/xkilldash9x/tether/internal/scenario"
)

// -- Interfaces for Dependency Inversion --

// SessionSource hands out isolated browser sessions. browser.Manager implements it.
type SessionSource interface {
	NewSession(ctx context.Context) (session.Session, error)
}

// Store persists finished runs.
type Store interface {
	PersistRun(ctx context.Context, report *schemas.RunReport) error
}

// Reporter writes a finished run somewhere: a file, a bucket.
type Reporter interface {
	Name() string
	Report(ctx context.Context, report *schemas.RunReport) error
}

// Recorder receives interaction and scenario measurements.
type Recorder interface {
	interaction.Recorder
	ObserveScenario(status string)
}

const (
	defaultScenarioTimeout = 2 * time.Minute
	defaultTeardownTimeout = 30 * time.Second
	persistTimeout         = 30 * time.Second
)

// Option customizes a ScenarioEngine.
type Option func(*ScenarioEngine)

func WithStore(s Store) Option              { return func(e *ScenarioEngine) { e.store = s } }
func WithReporters(r ...Reporter) Option    { return func(e *ScenarioEngine) { e.reporters = append(e.reporters, r...) } }
func WithRecorder(r Recorder) Option        { return func(e *ScenarioEngine) { e.recorder = r } }
func WithEngineName(name string) Option     { return func(e *ScenarioEngine) { e.engineName = name } }
func WithClock(now func() time.Time) Option { return func(e *ScenarioEngine) { e.now = now } }

// ScenarioEngine runs a suite's scenarios on a pool of workers, one isolated session per
// scenario.
type ScenarioEngine struct {
	cfg        config.Interface
	logger     *zap.Logger
	sessions   SessionSource
	store      Store
	reporters  []Reporter
	recorder   Recorder
	engineName string
	now        func() time.Time

	stateLock sync.Mutex
	isRunning bool
}

// New creates a scenario engine.
func New(cfg config.Interface, logger *zap.Logger, sessions SessionSource, opts ...Option) (*ScenarioEngine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if sessions == nil {
		return nil, errors.New("session source cannot be nil")
	}
	e := &ScenarioEngine{
		cfg:        cfg,
		logger:     logger.Named("scenario_engine"),
		sessions:   sessions,
		engineName: cfg.Browser().Engine,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// job is one scenario queued for a worker. index keeps results in suite order.
type job struct {
	index    int
	scenario schemas.Scenario
}

// Run executes every scenario selected by the tag filter and returns the run report. The
// returned error is reserved for problems running the suite at all; scenario failures are
// in the report.
func (e *ScenarioEngine) Run(ctx context.Context, suite *schemas.Suite) (*schemas.RunReport, error) {
	e.stateLock.Lock()
	if e.isRunning {
		e.stateLock.Unlock()
		return nil, errors.New("scenario engine is already running")
	}
	e.isRunning = true
	e.stateLock.Unlock()
	defer func() {
		e.stateLock.Lock()
		e.isRunning = false
		e.stateLock.Unlock()
	}()

	runnerCfg := e.cfg.Runner()
	filter, err := scenario.CompileTagFilter(runnerCfg.TagFilter)
	if err != nil {
		return nil, err
	}

	report := &schemas.RunReport{
		RunID:     ulid.Make().String(),
		Suite:     suite.Name,
		Engine:    e.engineName,
		StartedAt: e.now().UTC(),
		Scenarios: make([]schemas.ScenarioResult, len(suite.Scenarios)),
	}
	logger := e.logger.With(zap.String("run_id", report.RunID), zap.String("suite", suite.Name))

	var queued []job
	for i, sc := range suite.Scenarios {
		ok, err := filter.Match(sc.Name, sc.Tags)
		if err != nil {
			return nil, err
		}
		if !ok {
			report.Scenarios[i] = schemas.ScenarioResult{Name: sc.Name, Tags: sc.Tags, Status: schemas.StatusSkipped, StartedAt: e.now().UTC()}
			e.observe(schemas.StatusSkipped)
			continue
		}
		queued = append(queued, job{index: i, scenario: sc})
	}

	workers := runnerCfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(queued) && len(queued) > 0 {
		workers = len(queued)
	}
	logger.Info("Starting scenario run.",
		zap.Int("scenarios", len(queued)),
		zap.Int("skipped", len(suite.Scenarios)-len(queued)),
		zap.Int("workers", workers),
		zap.String("tag_filter", filter.String()),
	)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	jobs := make(chan job)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			wlog := logger.With(zap.Int("worker_id", workerID))
			for {
				select {
				case <-runCtx.Done():
					return
				case j, ok := <-jobs:
					if !ok {
						return
					}
					res := e.runScenario(runCtx, report.RunID, suite, j.scenario, wlog)
					report.Scenarios[j.index] = res
					if runnerCfg.FailFast && res.Status != schemas.StatusPassed {
						wlog.Warn("Scenario failed with fail_fast enabled, cancelling remaining scenarios.", zap.String("scenario", res.Name))
						cancelRun()
					}
				}
			}
		}(i + 1)
	}

feed:
	for _, j := range queued {
		select {
		case jobs <- j:
		case <-runCtx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	// Scenarios never handed to a worker were cancelled.
	for _, j := range queued {
		if report.Scenarios[j.index].Status == "" {
			report.Scenarios[j.index] = schemas.ScenarioResult{
				Name:      j.scenario.Name,
				Tags:      j.scenario.Tags,
				Status:    schemas.StatusSkipped,
				StartedAt: e.now().UTC(),
				Error:     "run cancelled before the scenario started",
			}
			e.observe(schemas.StatusSkipped)
		}
	}

	report.FinishedAt = e.now().UTC()
	summary := report.Tally()
	logger.Info("Scenario run finished.",
		zap.Int("passed", summary.Passed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errored", summary.Errored),
	)

	e.publish(ctx, report, logger)
	return report, nil
}

// runScenario gives the scenario its own session and timeout. Teardown runs on a context
// detached from cancellation so sessions close even when the run is aborted.
func (e *ScenarioEngine) runScenario(ctx context.Context, runID string, suite *schemas.Suite, sc schemas.Scenario, logger *zap.Logger) (res schemas.ScenarioResult) {
	runnerCfg := e.cfg.Runner()
	res = schemas.ScenarioResult{Name: sc.Name, Tags: sc.Tags, StartedAt: e.now().UTC()}
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		e.observe(res.Status)
	}()

	timeout := runnerCfg.ScenarioTimeout
	if timeout <= 0 {
		timeout = defaultScenarioTimeout
	}
	teardown := runnerCfg.TeardownTimeout
	if teardown <= 0 {
		teardown = defaultTeardownTimeout
	}

	scCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := logger.With(zap.String("scenario", sc.Name))
	log.Info("Scenario started.")

	sess, err := e.sessions.NewSession(scCtx)
	if err != nil {
		res.Status = schemas.StatusError
		res.Error = fmt.Sprintf("failed to create session: %v", err)
		log.Error("Could not create a session for scenario.", zap.Error(err))
		return res
	}
	res.SessionID = sess.ID()
	defer func() {
		closeCtx, closeCancel := session.DetachWithTimeout(ctx, teardown)
		defer closeCancel()
		if err := sess.Close(closeCtx); err != nil {
			log.Warn("Failed to close scenario session.", zap.Error(err))
		}
	}()

	var recorder interaction.Recorder
	if e.recorder != nil {
		recorder = e.recorder
	}
	sctx, err := scenario.NewContext(sess, scenario.Options{
		RunID:       runID,
		Suite:       suite,
		Scenario:    sc,
		Interaction: e.cfg.Interaction(),
		IdleQuiet:   e.cfg.Network().IdleQuiet,
		Logger:      log,
		Recorder:    recorder,
		Now:         e.now,
	})
	if err != nil {
		res.Status = schemas.StatusError
		res.Error = err.Error()
		return res
	}

	steps, err := sctx.Run(scCtx, sc.Steps)
	res.Steps = steps
	switch {
	case err == nil:
		res.Status = schemas.StatusPassed
		log.Info("Scenario passed.", zap.Duration("elapsed", time.Since(start)))
	case errors.Is(scCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Status = schemas.StatusFailed
		res.FailureKind = "ScenarioTimeout"
		res.Error = fmt.Sprintf("scenario exceeded its %s timeout: %v", timeout, err)
		log.Warn("Scenario timed out.", zap.Duration("timeout", timeout), zap.Error(err))
	case ctx.Err() != nil:
		res.Status = schemas.StatusSkipped
		res.Error = fmt.Sprintf("run cancelled: %v", err)
		log.Warn("Scenario interrupted by run cancellation.", zap.Error(err))
	default:
		res.Status = schemas.StatusFailed
		res.Error = err.Error()
		if f, ok := interaction.AsFailure(err); ok {
			res.FailureKind = string(f.Kind)
		}
		log.Warn("Scenario failed.", zap.Error(err))
	}
	return res
}

func (e *ScenarioEngine) observe(status schemas.Status) {
	if e.recorder != nil {
		e.recorder.ObserveScenario(string(status))
	}
}

// publish hands the report to every reporter and the store. It uses a detached context
// so an interrupted run still leaves its results behind.
func (e *ScenarioEngine) publish(ctx context.Context, report *schemas.RunReport, logger *zap.Logger) {
	pubCtx, cancel := session.DetachWithTimeout(ctx, persistTimeout)
	defer cancel()

	for _, r := range e.reporters {
		if err := r.Report(pubCtx, report); err != nil {
			logger.Error("Reporter failed.", zap.String("reporter", r.Name()), zap.Error(err))
			continue
		}
		logger.Debug("Report written.", zap.String("reporter", r.Name()))
	}
	if e.store == nil {
		return
	}
	if err := e.store.PersistRun(pubCtx, report); err != nil {
		logger.Error("Failed to persist run history.", zap.Error(err))
		return
	}
	logger.Info("Run history persisted.")
}

// internal/engine/scenario_engine_test.go
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/tether/api/schemas"
	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/config"
	"github.com/xkilldash9x/tether/internal/interaction"
	"github.com/xkilldash9x/tether/internal/interaction/interactiontest"
	"github.com/xkilldash9x/tether/internal/mocks"
)

// -- Test Doubles --

type fakeSession struct {
	id     string
	page   *interactiontest.Page
	closed atomic.Bool
}

func (s *fakeSession) ID() string             { return s.id }
func (s *fakeSession) Page() interaction.Page { return s.page }

func (s *fakeSession) Close(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.closed.Store(true)
	s.page.Close()
	return nil
}

// sessionSource hands out fresh fake sessions and remembers them.
type sessionSource struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (s *sessionSource) NewSession(ctx context.Context) (session.Session, error) {
	fs := &fakeSession{id: uuid.NewString(), page: interactiontest.NewPage("about:blank")}
	s.mu.Lock()
	s.sessions = append(s.sessions, fs)
	s.mu.Unlock()
	return fs, nil
}

func (s *sessionSource) allClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fs := range s.sessions {
		if !fs.closed.Load() {
			return false
		}
	}
	return true
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.InteractionCfg = config.InteractionConfig{
		PollInterval:    100 * time.Millisecond,
		MinProbeGap:     10 * time.Millisecond,
		DefaultTimeout:  time.Second,
		LocateTimeout:   300 * time.Millisecond,
		StrategyTimeout: 100 * time.Millisecond,
		PreTimeout:      300 * time.Millisecond,
		PostTimeout:     300 * time.Millisecond,
		MaxAttempts:     1,
	}
	cfg.RunnerCfg.Workers = 2
	cfg.RunnerCfg.ScenarioTimeout = 5 * time.Second
	cfg.RunnerCfg.TeardownTimeout = time.Second
	cfg.BrowserCfg.Engine = "fake"
	return cfg
}

const suiteDoc = `
name: smoke
base_url: http://app.test
targets:
  ghost: {by: [{test_id: ghost}]}
scenarios:
  - name: home
    steps:
      - navigate: /
      - expect: {read: url, equals: "http://app.test/"}
  - name: wip
    tags: ["@skip"]
    steps:
      - navigate: /wip
  - name: broken
    steps:
      - navigate: /
      - click: ghost
  - name: about
    steps:
      - navigate: /about
      - expect: {read: url, contains: /about}
`

func mustSuite(t *testing.T, doc string) *schemas.Suite {
	t.Helper()
	s, err := schemas.ParseSuite([]byte(doc))
	require.NoError(t, err)
	return s
}

// -- Test Cases --

func TestNew_ValidatesDependencies(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, err := New(nil, logger, &sessionSource{})
	assert.Error(t, err)
	_, err = New(testConfig(), nil, &sessionSource{})
	assert.Error(t, err)
	_, err = New(testConfig(), logger, nil)
	assert.Error(t, err)

	cfg := new(mocks.MockConfig)
	cfg.On("Browser").Return(config.BrowserConfig{Engine: "rod"}).Once()
	cfg.On("Runner").Return(config.RunnerConfig{TagFilter: "tags +"}).Once()
	e, err := New(cfg, logger, &sessionSource{})
	require.NoError(t, err)
	assert.Equal(t, "rod", e.engineName)

	_, err = e.Run(context.Background(), &schemas.Suite{Name: "x"})
	assert.Error(t, err, "a filter that does not compile stops the run")
	cfg.AssertExpectations(t)
}

func TestScenarioEngine_Run(t *testing.T) {
	src := &sessionSource{}
	store := new(mocks.MockStore)
	reporter := new(mocks.MockReporter)
	recorder := new(mocks.MockRecorder)

	store.On("PersistRun", mock.Anything, mock.AnythingOfType("*schemas.RunReport")).Return(nil).Once()
	reporter.On("Name").Return("json")
	reporter.On("Report", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()
	recorder.On("ObserveScenario", "passed").Twice()
	recorder.On("ObserveScenario", "failed").Once()
	recorder.On("ObserveScenario", "skipped").Once()

	e, err := New(testConfig(), zaptest.NewLogger(t), src,
		WithStore(store), WithReporters(reporter), WithRecorder(recorder))
	require.NoError(t, err)

	report, err := e.Run(context.Background(), mustSuite(t, suiteDoc))
	require.NoError(t, err)

	require.Len(t, report.Scenarios, 4)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "fake", report.Engine)

	names := make([]string, 0, 4)
	for _, sc := range report.Scenarios {
		names = append(names, sc.Name)
	}
	assert.Equal(t, []string{"home", "wip", "broken", "about"}, names, "results keep suite order")

	assert.Equal(t, schemas.StatusPassed, report.Scenarios[0].Status)
	assert.Equal(t, schemas.StatusSkipped, report.Scenarios[1].Status)
	assert.Empty(t, report.Scenarios[1].SessionID)

	broken := report.Scenarios[2]
	assert.Equal(t, schemas.StatusFailed, broken.Status)
	assert.Equal(t, string(interaction.KindLocatorExhausted), broken.FailureKind)
	require.Len(t, broken.Steps, 2)
	assert.NotEmpty(t, broken.SessionID)

	assert.Equal(t, schemas.Summary{Total: 4, Passed: 2, Failed: 1, Skipped: 1}, report.Summary)
	assert.False(t, report.OK())
	assert.True(t, src.allClosed(), "every scenario session is torn down")
	assert.Len(t, src.sessions, 3)

	store.AssertExpectations(t)
	reporter.AssertExpectations(t)
	recorder.AssertExpectations(t)
}

func TestScenarioEngine_SessionFailureIsAnError(t *testing.T) {
	src := new(mocks.MockSessionSource)
	src.On("NewSession", mock.Anything).Return(nil, errors.New("browser crashed"))

	e, err := New(testConfig(), zaptest.NewLogger(t), src)
	require.NoError(t, err)

	report, err := e.Run(context.Background(), mustSuite(t, `
scenarios:
  - name: only
    steps: [{navigate: "http://app.test/"}]
`))
	require.NoError(t, err)
	require.Len(t, report.Scenarios, 1)
	assert.Equal(t, schemas.StatusError, report.Scenarios[0].Status)
	assert.Contains(t, report.Scenarios[0].Error, "browser crashed")
	assert.Equal(t, 1, report.Summary.Errored)
}

func TestScenarioEngine_ScenarioTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RunnerCfg.ScenarioTimeout = 200 * time.Millisecond
	src := &sessionSource{}
	e, err := New(cfg, zaptest.NewLogger(t), src)
	require.NoError(t, err)

	start := time.Now()
	report, err := e.Run(context.Background(), mustSuite(t, `
scenarios:
  - name: slow
    steps:
      - navigate: "http://app.test/"
      - sleep: 10s
`))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	res := report.Scenarios[0]
	assert.Equal(t, schemas.StatusFailed, res.Status)
	assert.Equal(t, "ScenarioTimeout", res.FailureKind)
	assert.True(t, src.allClosed(), "teardown runs on a detached context after the timeout")
}

func TestScenarioEngine_FailFast(t *testing.T) {
	cfg := testConfig()
	cfg.RunnerCfg.Workers = 1
	cfg.RunnerCfg.FailFast = true
	e, err := New(cfg, zaptest.NewLogger(t), &sessionSource{})
	require.NoError(t, err)

	report, err := e.Run(context.Background(), mustSuite(t, `
targets:
  ghost: {by: [{test_id: ghost}]}
scenarios:
  - name: first
    steps: [{navigate: "http://app.test/"}, {click: ghost}]
  - name: second
    steps: [{navigate: "http://app.test/"}]
  - name: third
    steps: [{navigate: "http://app.test/"}]
`))
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusFailed, report.Scenarios[0].Status)
	assert.Equal(t, schemas.StatusSkipped, report.Scenarios[1].Status)
	assert.Equal(t, schemas.StatusSkipped, report.Scenarios[2].Status)
}

func TestScenarioEngine_InvalidTagFilter(t *testing.T) {
	cfg := testConfig()
	cfg.RunnerCfg.TagFilter = "tags +"
	e, err := New(cfg, zaptest.NewLogger(t), &sessionSource{})
	require.NoError(t, err)

	_, err = e.Run(context.Background(), mustSuite(t, suiteDoc))
	assert.ErrorContains(t, err, "tag filter")
}

func TestScenarioEngine_CancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &sessionSource{}
	e, err := New(testConfig(), zaptest.NewLogger(t), src)
	require.NoError(t, err)

	report, err := e.Run(ctx, mustSuite(t, suiteDoc))
	require.NoError(t, err)
	for _, sc := range report.Scenarios {
		assert.Equal(t, schemas.StatusSkipped, sc.Status, sc.Name)
	}
	assert.True(t, src.allClosed())
}

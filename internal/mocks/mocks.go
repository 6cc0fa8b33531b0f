// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/tether/api/schemas"
	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/config"
	"github.com/xkilldash9x/tether/internal/interaction"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Interaction() config.InteractionConfig {
	args := m.Called()
	return args.Get(0).(config.InteractionConfig)
}

func (m *MockConfig) Runner() config.RunnerConfig {
	args := m.Called()
	return args.Get(0).(config.RunnerConfig)
}

func (m *MockConfig) Network() config.NetworkConfig {
	args := m.Called()
	return args.Get(0).(config.NetworkConfig)
}

func (m *MockConfig) Reporting() config.ReportingConfig {
	args := m.Called()
	return args.Get(0).(config.ReportingConfig)
}

func (m *MockConfig) Metrics() config.MetricsConfig {
	args := m.Called()
	return args.Get(0).(config.MetricsConfig)
}

// --- Setters ---

func (m *MockConfig) SetRunnerWorkers(n int)      { m.Called(n) }
func (m *MockConfig) SetRunnerTagFilter(s string) { m.Called(s) }
func (m *MockConfig) SetBrowserEngine(s string)   { m.Called(s) }
func (m *MockConfig) SetBrowserHeadless(b bool)   { m.Called(b) }
func (m *MockConfig) SetReportingDir(s string)    { m.Called(s) }

// -- Session Mocks --

// MockSessionSource mocks engine.SessionSource.
type MockSessionSource struct {
	mock.Mock
}

func (m *MockSessionSource) NewSession(ctx context.Context) (session.Session, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(session.Session), args.Error(1)
}

// -- Store Mock --

// MockStore mocks the run history store.
type MockStore struct {
	mock.Mock
}

// PersistRun provides a mock function for persisting finished runs.
func (m *MockStore) PersistRun(ctx context.Context, report *schemas.RunReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

// RecentRuns provides a mock function for listing run history.
func (m *MockStore) RecentRuns(ctx context.Context, suite string, limit int) ([]schemas.RunReport, error) {
	args := m.Called(ctx, suite, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.RunReport), args.Error(1)
}

// -- Reporter Mock --

// MockReporter mocks engine.Reporter.
type MockReporter struct {
	mock.Mock
}

func (m *MockReporter) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockReporter) Report(ctx context.Context, report *schemas.RunReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

// -- Recorder Mock --

// MockRecorder mocks engine.Recorder. Interaction measurements are accepted without
// expectations; only scenario outcomes are recorded as calls.
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) ObserveWait(string, time.Duration, error)        {}
func (m *MockRecorder) ObserveStrategy(interaction.StrategyKind, string) {}
func (m *MockRecorder) ObserveUnit(interaction.ActionKind, string, int)  {}

func (m *MockRecorder) ObserveScenario(status string) {
	m.Called(status)
}

// internal/observability/metrics_test.go
package observability

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/tether/internal/interaction"
)

var _ interaction.Recorder = (*Metrics)(nil)

func TestMetricsRecordsUnitsAndStrategies(t *testing.T) {
	m := NewMetrics()

	m.ObserveUnit(interaction.ActFill, "done", 2)
	m.ObserveUnit(interaction.ActFill, "done", 1)
	m.ObserveUnit(interaction.ActClick, string(interaction.KindPostconditionTimeout), 1)
	m.ObserveStrategy(interaction.ByTestID, "miss")
	m.ObserveStrategy(interaction.ByRole, "hit")
	m.ObserveScenario("passed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.units.WithLabelValues("fill", "done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.units.WithLabelValues("click", "PostconditionTimeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.strategies.WithLabelValues("test_id", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.strategies.WithLabelValues("role", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scenarios.WithLabelValues("passed")))
}

func TestMetricsClassifiesWaitFailures(t *testing.T) {
	m := NewMetrics()

	m.ObserveWait("url", 200*time.Millisecond, nil)
	m.ObserveWait("url", time.Second, &interaction.TimeoutError{Condition: "URL matches **/list", Timeout: time.Second})
	m.ObserveWait("response", time.Second, context.Canceled)
	m.ObserveWait("idle", time.Second, errors.New("not supported"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.waitErrors.WithLabelValues("url", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.waitErrors.WithLabelValues("response", "cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.waitErrors.WithLabelValues("idle", "error")))
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	m := NewMetrics()
	m.ObserveScenario("failed")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `tether_scenarios_total{status="failed"} 1`)
}

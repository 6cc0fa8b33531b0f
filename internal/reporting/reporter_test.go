// internal/reporting/reporter_test.go
package reporting_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/beevik/etree"
	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/tether/api/schemas"
	"github.com/xkilldash9x/tether/internal/config"
	"github.com/xkilldash9x/tether/internal/reporting"
)

func sampleReport() *schemas.RunReport {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return &schemas.RunReport{
		RunID:      "01JPA0000000000000000000RN",
		Suite:      "people / smoke",
		Engine:     "chromedp",
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
		Scenarios: []schemas.ScenarioResult{
			{
				Name:     "add person",
				Status:   schemas.StatusPassed,
				Duration: 1500 * time.Millisecond,
				Steps: []schemas.StepResult{
					{Index: 1, Kind: "navigate", Description: "navigate", Status: schemas.StatusPassed},
				},
			},
			{
				Name:        "delete person",
				Status:      schemas.StatusFailed,
				Duration:    time.Second,
				Error:       "step 2 (click): postcondition timeout",
				FailureKind: "PostconditionTimeout",
				Steps: []schemas.StepResult{
					{Index: 1, Kind: "navigate", Description: "navigate", Status: schemas.StatusPassed},
					{Index: 2, Kind: "click", Description: "click", Status: schemas.StatusFailed, Error: "postcondition timeout", Warnings: []string{"retried"}},
				},
			},
			{Name: "wip", Status: schemas.StatusSkipped},
			{Name: "no browser", Status: schemas.StatusError, Error: "failed to create session: boom"},
		},
	}
}

func TestNew(t *testing.T) {
	dir := t.TempDir()

	r, err := reporting.New("JSON", dir)
	require.NoError(t, err)
	assert.Equal(t, "json", r.Name())

	r, err = reporting.New("junit", dir)
	require.NoError(t, err)
	assert.Equal(t, "junit", r.Name())

	r, err = reporting.New("sarif", dir)
	assert.Nil(t, r)
	assert.EqualError(t, err, "unsupported output format: sarif")
}

func TestNew_ExpandsHome(t *testing.T) {
	home, err := homedir.Dir()
	if err != nil {
		t.Skip("no home directory")
	}
	r, err := reporting.New("json", "~/tether-reports")
	require.NoError(t, err)
	jr := r.(*reporting.JSONReporter)
	assert.Equal(t, filepath.Join(home, "tether-reports", "people-smoke-01JPA0000000000000000000RN.json"), jr.Path(sampleReport()))
}

func TestFromConfig(t *testing.T) {
	cfg := config.ReportingConfig{Dir: t.TempDir(), JSON: true, JUnit: true}
	rs, err := reporting.FromConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, "json", rs[0].Name())
	assert.Equal(t, "junit", rs[1].Name())

	rs, err = reporting.FromConfig(context.Background(), config.ReportingConfig{}, nil)
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestJSONReporter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	r := reporting.NewJSONReporter(dir)
	report := sampleReport()

	require.NoError(t, r.Report(context.Background(), report))

	data, err := os.ReadFile(r.Path(report))
	require.NoError(t, err)

	var decoded schemas.RunReport
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, report.RunID, decoded.RunID)
	assert.Equal(t, schemas.Summary{Total: 4, Passed: 1, Failed: 1, Skipped: 1, Errored: 1}, decoded.Summary)
	require.Len(t, decoded.Scenarios, 4)
	assert.Equal(t, "PostconditionTimeout", decoded.Scenarios[1].FailureKind)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestJSONReporter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := t.TempDir()
	err := reporting.NewJSONReporter(dir).Report(ctx, sampleReport())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJUnitReporter(t *testing.T) {
	r := reporting.NewJUnitReporter(t.TempDir())
	report := sampleReport()
	require.NoError(t, r.Report(context.Background(), report))

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromFile(r.Path(report)))

	suite := doc.FindElement("/testsuites/testsuite")
	require.NotNil(t, suite)
	assert.Equal(t, "4", suite.SelectAttrValue("tests", ""))
	assert.Equal(t, "1", suite.SelectAttrValue("failures", ""))
	assert.Equal(t, "1", suite.SelectAttrValue("errors", ""))
	assert.Equal(t, "1", suite.SelectAttrValue("skipped", ""))
	assert.Equal(t, "3.000", suite.SelectAttrValue("time", ""))
	assert.Equal(t, "2026-03-14T09:00:00Z", suite.SelectAttrValue("timestamp", ""))

	cases := suite.SelectElements("testcase")
	require.Len(t, cases, 4)
	assert.Equal(t, "1.500", cases[0].SelectAttrValue("time", ""))
	assert.Nil(t, cases[0].SelectElement("failure"))

	failure := cases[1].SelectElement("failure")
	require.NotNil(t, failure)
	assert.Equal(t, "PostconditionTimeout", failure.SelectAttrValue("type", ""))
	assert.Contains(t, failure.Text(), "[failed] 2 click")
	assert.Contains(t, failure.Text(), "warning: retried")

	assert.NotNil(t, cases[2].SelectElement("skipped"))
	errEl := cases[3].SelectElement("error")
	require.NotNil(t, errEl)
	assert.Equal(t, "InfrastructureError", errEl.SelectAttrValue("type", ""))

	engine := doc.FindElement("//property[@name='engine']")
	require.NotNil(t, engine)
	assert.Equal(t, "chromedp", engine.SelectAttrValue("value", ""))
}

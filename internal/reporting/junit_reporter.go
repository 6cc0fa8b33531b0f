// internal/reporting/junit_reporter.go
package reporting

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/tether/api/schemas"
)

// JUnitReporter writes a JUnit XML file so CI systems can show scenarios as test cases.
// Failed scenarios become <failure>, infrastructure errors <error>, skipped ones <skipped>.
type JUnitReporter struct {
	dir string
}

// NewJUnitReporter creates a JUnit reporter writing into dir.
func NewJUnitReporter(dir string) *JUnitReporter {
	return &JUnitReporter{dir: dir}
}

func (r *JUnitReporter) Name() string { return FormatJUnit }

// Path returns where the report for run will be written.
func (r *JUnitReporter) Path(report *schemas.RunReport) string {
	return filepath.Join(r.dir, fileStem(report)+".xml")
}

func (r *JUnitReporter) Report(ctx context.Context, report *schemas.RunReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := BuildJUnit(report).WriteToBytes()
	if err != nil {
		return fmt.Errorf("failed to encode junit report: %w", err)
	}
	_, err = writeFile(r.dir, fileStem(report)+".xml", data)
	return err
}

// BuildJUnit renders the run as a JUnit document with a single <testsuite>.
func BuildJUnit(report *schemas.RunReport) *etree.Document {
	s := report.Tally()
	total := report.FinishedAt.Sub(report.StartedAt)

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("testsuites")
	root.CreateAttr("name", report.Suite)
	setCounts(root, s, total)

	suite := root.CreateElement("testsuite")
	suite.CreateAttr("name", report.Suite)
	suite.CreateAttr("id", report.RunID)
	suite.CreateAttr("timestamp", report.StartedAt.UTC().Format(time.RFC3339))
	setCounts(suite, s, total)

	props := suite.CreateElement("properties")
	addProperty(props, "engine", report.Engine)
	addProperty(props, "run_id", report.RunID)

	for _, sc := range report.Scenarios {
		tc := suite.CreateElement("testcase")
		tc.CreateAttr("name", sc.Name)
		tc.CreateAttr("classname", report.Suite)
		tc.CreateAttr("time", seconds(sc.Duration))

		switch sc.Status {
		case schemas.StatusFailed:
			f := tc.CreateElement("failure")
			f.CreateAttr("message", sc.Error)
			f.CreateAttr("type", failureType(sc.FailureKind, "ScenarioFailure"))
			f.SetText(stepLog(sc.Steps))
		case schemas.StatusError:
			e := tc.CreateElement("error")
			e.CreateAttr("message", sc.Error)
			e.CreateAttr("type", failureType(sc.FailureKind, "InfrastructureError"))
		case schemas.StatusSkipped:
			sk := tc.CreateElement("skipped")
			if sc.Error != "" {
				sk.CreateAttr("message", sc.Error)
			}
		}
		if sc.Status != schemas.StatusSkipped && len(sc.Steps) > 0 {
			tc.CreateElement("system-out").SetText(stepLog(sc.Steps))
		}
	}

	doc.Indent(2)
	return doc
}

func setCounts(el *etree.Element, s schemas.Summary, d time.Duration) {
	el.CreateAttr("tests", strconv.Itoa(s.Total))
	el.CreateAttr("failures", strconv.Itoa(s.Failed))
	el.CreateAttr("errors", strconv.Itoa(s.Errored))
	el.CreateAttr("skipped", strconv.Itoa(s.Skipped))
	el.CreateAttr("time", seconds(d))
}

func addProperty(props *etree.Element, name, value string) {
	p := props.CreateElement("property")
	p.CreateAttr("name", name)
	p.CreateAttr("value", value)
}

func failureType(kind, fallback string) string {
	if kind == "" {
		return fallback
	}
	return kind
}

func seconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// stepLog renders one line per step, followed by its trace and warnings.
func stepLog(steps []schemas.StepResult) string {
	var b strings.Builder
	for _, st := range steps {
		fmt.Fprintf(&b, "[%s] %d %s (%s)", st.Status, st.Index, st.Description, st.Duration.Round(time.Millisecond))
		if st.Error != "" {
			fmt.Fprintf(&b, ": %s", st.Error)
		}
		b.WriteByte('\n')
		for _, w := range st.Warnings {
			fmt.Fprintf(&b, "    warning: %s\n", w)
		}
		for _, tr := range st.Trace {
			fmt.Fprintf(&b, "    %s\n", tr)
		}
	}
	return b.String()
}

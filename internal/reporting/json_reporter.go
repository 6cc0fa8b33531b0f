// internal/reporting/json_reporter.go
package reporting

import (
	"context"
	"fmt"
	"path/filepath"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/tether/api/schemas"
)

// JSONReporter writes the full run report as indented JSON.
type JSONReporter struct {
	dir string
}

// NewJSONReporter creates a JSON reporter writing into dir.
func NewJSONReporter(dir string) *JSONReporter {
	return &JSONReporter{dir: dir}
}

func (r *JSONReporter) Name() string { return FormatJSON }

// Path returns where the report for run will be written.
func (r *JSONReporter) Path(report *schemas.RunReport) string {
	return filepath.Join(r.dir, fileStem(report)+".json")
}

func (r *JSONReporter) Report(ctx context.Context, report *schemas.RunReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := marshalReport(report)
	if err != nil {
		return err
	}
	_, err = writeFile(r.dir, fileStem(report)+".json", data)
	return err
}

// marshalReport refreshes the summary so reports built outside the engine still count.
func marshalReport(report *schemas.RunReport) ([]byte, error) {
	report.Tally()
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode run report: %w", err)
	}
	return append(data, '\n'), nil
}

// internal/reporting/reporter.go
package reporting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/api/schemas"
	"github.com/xkilldash9x/tether/internal/config"
)

// Reporter writes a finished run to some output.
type Reporter interface {
	// Name identifies the reporter in logs.
	Name() string
	// Report writes the run. It may be called once per run from a single goroutine.
	Report(ctx context.Context, report *schemas.RunReport) error
}

// Supported formats for New.
const (
	FormatJSON  = "json"
	FormatJUnit = "junit"
)

// New creates a file reporter for format writing into dir. A leading ~ in dir is expanded.
func New(format, dir string) (Reporter, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand report directory %q: %w", dir, err)
	}
	if expanded == "" {
		expanded = "."
	}

	switch strings.ToLower(format) {
	case FormatJSON:
		return NewJSONReporter(expanded), nil
	case FormatJUnit:
		return NewJUnitReporter(expanded), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// FromConfig builds every reporter the reporting section enables, in a stable order: JSON,
// JUnit, then the S3 upload.
func FromConfig(ctx context.Context, cfg config.ReportingConfig, logger *zap.Logger) ([]Reporter, error) {
	var out []Reporter
	if cfg.JSON {
		r, err := New(FormatJSON, cfg.Dir)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if cfg.JUnit {
		r, err := New(FormatJUnit, cfg.Dir)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if cfg.S3.Bucket != "" {
		u, err := NewS3Uploader(ctx, cfg.S3, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// nameSanitizer collapses anything that is awkward in a file name or object key.
var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.]+`)

// fileStem names a run's artifacts: "<suite>-<run id>".
func fileStem(report *schemas.RunReport) string {
	suite := strings.Trim(nameSanitizer.ReplaceAllString(report.Suite, "-"), "-.")
	if suite == "" {
		suite = "suite"
	}
	return suite + "-" + report.RunID
}

// writeFile writes data next to its final path and renames it into place so readers never
// see a partial report.
func writeFile(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write report %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close report %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move report into place: %w", err)
	}
	return path, nil
}

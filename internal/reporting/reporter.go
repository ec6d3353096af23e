// internal/reporting/reporter.go
package reporting

import (
	"fmt"
	"io"
	"os"

	json "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Reporter writes run reports to an output.
type Reporter interface {
	// Write serializes a report.
	Write(report *Report) error
	// Close flushes and closes the underlying output.
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format writing to outputPath. An empty path or "stdout" writes
// to standard output.
func New(format, outputPath string) (Reporter, error) {
	switch format {
	case FormatJSON, FormatYAML:
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}
	return NewWriter(format, writer), nil
}

// NewWriter returns a reporter that takes ownership of w.
func NewWriter(format string, w io.WriteCloser) Reporter {
	if format == FormatYAML {
		return &yamlReporter{w: w}
	}
	return &jsonReporter{w: w}
}

type jsonReporter struct {
	w io.WriteCloser
}

func (r *jsonReporter) Write(report *Report) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode json report: %w", err)
	}
	return nil
}

func (r *jsonReporter) Close() error { return r.w.Close() }

type yamlReporter struct {
	w io.WriteCloser
}

func (r *yamlReporter) Write(report *Report) error {
	enc := yaml.NewEncoder(r.w)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode yaml report: %w", err)
	}
	return enc.Close()
}

func (r *yamlReporter) Close() error { return r.w.Close() }

// WriteFile is a convenience for writing a single report and closing the output.
func WriteFile(format, outputPath string, report *Report) (err error) {
	r, err := New(format, outputPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close report: %w", cerr)
		}
	}()
	return r.Write(report)
}

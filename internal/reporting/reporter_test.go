// internal/reporting/reporter_test.go
package reporting_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/autoread/internal/reporting"
)

func sampleReport() *reporting.Report {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return &reporting.Report{
		RunID:      "run-1",
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		Targets: []reporting.TargetReport{{
			Name:   "linux.do",
			URL:    "https://linux.do",
			Status: reporting.StatusCompleted,
			Worklists: []reporting.WorklistReport{{
				Name:       "unread",
				Iterations: 2,
				Items: []reporting.ItemReport{
					{ID: "https://linux.do/t/1", State: "consumed"},
					{ID: "https://linux.do/t/2", State: "skipped-error", Reason: "error page: error"},
				},
			}},
			Workflows: []reporting.WorkflowReport{
				{Name: "anyrouter", Outcome: "success", Attempts: 2, Duration: 3 * time.Second},
			},
		}},
	}
}

func TestNew_Stdout(t *testing.T) {
	for _, path := range []string{"", "stdout"} {
		r, err := reporting.New(reporting.FormatJSON, path)
		require.NoError(t, err)
		assert.NoError(t, r.Close(), "closing stdout is a no-op")
	}
}

func TestNew_UnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.txt")
	r, err := reporting.New("sarif", path)
	assert.Nil(t, r)
	assert.EqualError(t, err, "unsupported output format: sarif")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "no file is created for a rejected format")
}

func TestNew_UncreatableFile(t *testing.T) {
	_, err := reporting.New(reporting.FormatJSON, filepath.Join(t.TempDir(), "missing", "report.json"))
	assert.ErrorContains(t, err, "failed to create output file")
}

func TestWriteFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, reporting.WriteFile(reporting.FormatJSON, path, sampleReport()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded reporting.Report
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	require.Len(t, decoded.Targets, 1)
	assert.Equal(t, 1, decoded.Targets[0].Worklists[0].Count("consumed"))
	assert.Equal(t, 3*time.Second, decoded.Targets[0].Workflows[0].Duration)
	assert.Contains(t, string(raw), `"duration_ns"`)
}

func TestWriteFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.yaml")
	require.NoError(t, reporting.WriteFile(reporting.FormatYAML, path, sampleReport()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "status: completed")
	assert.Contains(t, string(raw), "error page: error")

	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(raw, &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
}

func TestExitCode(t *testing.T) {
	r := sampleReport()
	assert.Equal(t, 0, r.ExitCode())

	r.Targets[0].Workflows = append(r.Targets[0].Workflows, reporting.WorkflowReport{Name: "tunehub", Outcome: "recoverable_failure", Attempts: 1})
	assert.Equal(t, 0, r.ExitCode(), "a single-shot failure does not fail the run")

	r.Targets[0].Workflows[0].Exhausted = true
	assert.Equal(t, 1, r.ExitCode())

	r = sampleReport()
	r.Targets = append(r.Targets, reporting.TargetReport{Name: "b", Status: reporting.StatusSessionFailure})
	assert.Equal(t, 1, r.ExitCode())
	assert.Equal(t, map[reporting.TargetStatus]int{reporting.StatusCompleted: 1, reporting.StatusSessionFailure: 1}, r.Summary())
}

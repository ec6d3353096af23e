// internal/reporting/report.go
package reporting

import (
	"time"
)

// TargetStatus summarizes how far a target got.
type TargetStatus string

const (
	// StatusCompleted means the session was established and every workflow ran.
	StatusCompleted TargetStatus = "completed"
	// StatusSessionFailure means the browser could not be launched or authentication failed.
	StatusSessionFailure TargetStatus = "session_failure"
	// StatusCanceled means the run was interrupted before the target finished.
	StatusCanceled TargetStatus = "canceled"
)

// Report is the outcome of one run over all configured targets.
type Report struct {
	RunID      string         `json:"run_id" yaml:"run_id"`
	StartedAt  time.Time      `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time      `json:"finished_at" yaml:"finished_at"`
	Targets    []TargetReport `json:"targets" yaml:"targets"`
}

// TargetReport is the outcome of one target.
type TargetReport struct {
	Name      string           `json:"name" yaml:"name"`
	URL       string           `json:"url" yaml:"url"`
	Status    TargetStatus     `json:"status" yaml:"status"`
	Error     string           `json:"error,omitempty" yaml:"error,omitempty"`
	Worklists []WorklistReport `json:"worklists,omitempty" yaml:"worklists,omitempty"`
	Workflows []WorkflowReport `json:"workflows,omitempty" yaml:"workflows,omitempty"`
}

// WorkflowReport is the final result of one retryable workflow.
type WorkflowReport struct {
	Name      string        `json:"name" yaml:"name"`
	Outcome   string        `json:"outcome" yaml:"outcome"`
	Attempts  int           `json:"attempts" yaml:"attempts"`
	Reason    string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Exhausted bool          `json:"exhausted,omitempty" yaml:"exhausted,omitempty"`
	Duration  time.Duration `json:"duration_ns" yaml:"duration"`
}

// WorklistReport is the result of one worklist traversal.
type WorklistReport struct {
	Name       string       `json:"name" yaml:"name"`
	Iterations int          `json:"iterations" yaml:"iterations"`
	Exhausted  bool         `json:"exhausted,omitempty" yaml:"exhausted,omitempty"`
	Items      []ItemReport `json:"items" yaml:"items"`
}

// ItemReport is the final state of one worklist item.
type ItemReport struct {
	ID     string `json:"id" yaml:"id"`
	Title  string `json:"title,omitempty" yaml:"title,omitempty"`
	State  string `json:"state" yaml:"state"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Count returns how many items ended in state.
func (w WorklistReport) Count(state string) int {
	n := 0
	for _, it := range w.Items {
		if it.State == state {
			n++
		}
	}
	return n
}

// ExitCode is 1 when any target failed to establish a session or any workflow exhausted its
// attempts, and 0 otherwise.
func (r *Report) ExitCode() int {
	for _, t := range r.Targets {
		if t.Status == StatusSessionFailure {
			return 1
		}
		for _, wf := range t.Workflows {
			if wf.Exhausted {
				return 1
			}
		}
	}
	return 0
}

// Summary counts targets by status.
func (r *Report) Summary() map[TargetStatus]int {
	out := make(map[TargetStatus]int)
	for _, t := range r.Targets {
		out[t.Status]++
	}
	return out
}

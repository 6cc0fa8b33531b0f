// api/schemas/report.go
package schemas

import "time"

// -- Result Schemas --

// Status is the outcome of a scenario or step.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	// StatusError marks infrastructure problems (browser launch, session creation) rather
	// than application behavior.
	StatusError Status = "error"
)

// StepResult records how a single step ran.
type StepResult struct {
	Index       int           `json:"index"`
	Kind        string        `json:"kind"`
	Description string        `json:"description"`
	Status      Status        `json:"status"`
	Attempts    int           `json:"attempts,omitempty"`
	Strategy    string        `json:"strategy,omitempty"`
	Trace       []string      `json:"trace,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
	FailureKind string        `json:"failure_kind,omitempty"`
}

// ScenarioResult is the outcome of one scenario.
type ScenarioResult struct {
	Name        string        `json:"name"`
	Tags        []string      `json:"tags,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	Status      Status        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
	FailureKind string        `json:"failure_kind,omitempty"`
	Steps       []StepResult  `json:"steps,omitempty"`
}

// Summary counts scenario outcomes.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Errored int `json:"errored"`
}

// RunReport is everything one suite run produced.
type RunReport struct {
	RunID      string           `json:"run_id"`
	Suite      string           `json:"suite"`
	Engine     string           `json:"engine"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Scenarios  []ScenarioResult `json:"scenarios"`
	Summary    Summary          `json:"summary"`
}

// Tally recomputes the summary from the scenario results.
func (r *RunReport) Tally() Summary {
	s := Summary{Total: len(r.Scenarios)}
	for _, sc := range r.Scenarios {
		switch sc.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		case StatusError:
			s.Errored++
		}
	}
	r.Summary = s
	return s
}

// OK reports whether no scenario failed or errored.
func (r *RunReport) OK() bool {
	s := r.Tally()
	return s.Failed == 0 && s.Errored == 0
}

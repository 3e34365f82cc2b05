package domain

import "time"

type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

type StepResult struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status" enum:"ok,skipped,failed"`
	Detail string     `json:"detail,omitempty"`
}

// RunReport collects the result of every step of one background publish run.
// A failed step never unwinds work committed by earlier steps.
type RunReport struct {
	RunID      string          `json:"run_id"`
	Key        string          `json:"key"`
	Task       string          `json:"task"`
	Round      int             `json:"round"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Steps      []StepResult    `json:"steps"`
	Outcome    *PublishOutcome `json:"outcome,omitempty"`
	Err        string          `json:"error,omitempty"`
}

func (r *RunReport) Record(name string, status StepStatus, detail string) {
	r.Steps = append(r.Steps, StepResult{Name: name, Status: status, Detail: detail})
}

func (r *RunReport) OK(name, detail string) { r.Record(name, StepOK, detail) }

func (r *RunReport) Skip(name, detail string) { r.Record(name, StepSkipped, detail) }

func (r *RunReport) Fail(name string, err error) {
	r.Record(name, StepFailed, err.Error())
}

// Step returns the first result recorded under name.
func (r RunReport) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

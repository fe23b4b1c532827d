package models

import "time"

// FlowRunStatus represents the lifecycle state of a flow run.
type FlowRunStatus string

const (
	FlowRunStatusRunning             FlowRunStatus = "running"
	FlowRunStatusSucceeded           FlowRunStatus = "succeeded"
	FlowRunStatusFailed              FlowRunStatus = "failed"                // Aborted by planning or a stopping step
	FlowRunStatusCompletedWithErrors FlowRunStatus = "completed_with_errors" // All steps ran, some failed
)

// FlowRun is one end-to-end execution of a flow.
type FlowRun struct {
	ID           string            `json:"id"`
	FlowID       string            `json:"flow_id"`
	FlowAlias    string            `json:"flow_alias"`
	Status       FlowRunStatus     `json:"status"`
	Params       map[string]string `json:"params,omitempty"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// Done reports whether the flow run reached a terminal state.
func (r *FlowRun) Done() bool {
	return r.Status != FlowRunStatusRunning && r.Status != ""
}

// StepRunStatus represents the state of a single step run.
type StepRunStatus string

const (
	StepRunStatusRunning  StepRunStatus = "running"
	StepRunStatusSuccess  StepRunStatus = "success"
	StepRunStatusError    StepRunStatus = "error"
	StepRunStatusDisabled StepRunStatus = "disabled"
)

// StepRun is the persisted record of one step execution within one flow run.
type StepRun struct {
	ID                string         `json:"id"`
	StepID            string         `json:"step_id"`
	FlowID            string         `json:"flow_id"`
	FlowRunID         string         `json:"flow_run_id"`
	Position          int            `json:"position"` // 1-based position in the plan
	TimeoutSeconds    int            `json:"timeout_seconds,omitempty"`
	Status            StepRunStatus  `json:"status"`
	StartTime         time.Time      `json:"start_time"`
	EndTime           *time.Time     `json:"end_time,omitempty"`
	Output            string         `json:"output,omitempty"`
	ResultPayload     string         `json:"result_payload,omitempty"`
	Incremental       bool           `json:"incremental"`
	IncrementValue    *string        `json:"increment_value,omitempty"`
	PreviousStepRunID *string        `json:"previous_step_run_id,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	ErrorID           string         `json:"error_id,omitempty"`
	Diagnostics       map[string]any `json:"diagnostics,omitempty"`
	Invalidated       bool           `json:"invalidated"`
}

func (r *StepRun) Success() bool {
	return r.Status == StepRunStatusSuccess
}

func (r *StepRun) Failed() bool {
	return r.Status == StepRunStatusError
}

func (r *StepRun) Disabled() bool {
	return r.Status == StepRunStatusDisabled
}

// Duration returns the elapsed time of a finished run, zero while running.
func (r *StepRun) Duration() time.Duration {
	if r.EndTime == nil {
		return 0
	}

	return r.EndTime.Sub(r.StartTime)
}

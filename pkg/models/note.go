package models

import "time"

// NoteSeverity classifies a note.
type NoteSeverity string

const (
	NoteSeverityInfo    NoteSeverity = "info"
	NoteSeverityWarning NoteSeverity = "warning"
	NoteSeverityError   NoteSeverity = "error"
)

// NoteCounters holds the row counters a step reports.
type NoteCounters struct {
	Reads    int `json:"reads,omitempty"`
	Writes   int `json:"writes,omitempty"`
	Creates  int `json:"creates,omitempty"`
	Updates  int `json:"updates,omitempty"`
	Deletes  int `json:"deletes,omitempty"`
	Errors   int `json:"errors,omitempty"`
	Warnings int `json:"warnings,omitempty"`
}

// Note is a structured annotation scoped to one step run.
type Note struct {
	ID        int64        `json:"id"` // Ordering id within a committed batch
	Class     string       `json:"class"`
	FlowRunID string       `json:"flow_run_id"`
	StepRunID string       `json:"step_run_id"`
	Message   string       `json:"message"`
	Severity  NoteSeverity `json:"severity"`
	Counters  NoteCounters `json:"counters"`
	CreatedAt time.Time    `json:"created_at"`
}

// Package events defines the lifecycle notifications of flow and step runs.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const Topic = "stepflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	FlowRunStartedEvent  EventType = "flow.run.started"
	FlowRunFinishedEvent EventType = "flow.run.finished"

	StepRunStartedEvent   EventType = "step.run.started"
	StepRunSucceededEvent EventType = "step.run.succeeded"
	StepRunFailedEvent    EventType = "step.run.failed"
	StepRunSkippedEvent   EventType = "step.run.skipped"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	FlowID    string         `json:"flow_id"`
	FlowRunID string         `json:"flow_run_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, flowID, flowRunID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		FlowID:    flowID,
		FlowRunID: flowRunID,
	}
}

type FlowRunStarted struct {
	BaseEvent

	FlowAlias string            `json:"flow_alias"`
	Params    map[string]string `json:"params,omitempty"`
	StepCount int               `json:"step_count"`
}

func (e FlowRunStarted) GetType() EventType {
	return FlowRunStartedEvent
}

type FlowRunFinished struct {
	BaseEvent

	FlowAlias string        `json:"flow_alias"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (e FlowRunFinished) GetType() EventType {
	return FlowRunFinishedEvent
}

// StepRunEvent carries the fields shared by every step run notification.
type StepRunEvent struct {
	BaseEvent

	StepID    string `json:"step_id"`
	StepName  string `json:"step_name"`
	StepRunID string `json:"step_run_id"`
	Position  int    `json:"position"`
}

type StepRunStarted struct {
	StepRunEvent

	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

func (e StepRunStarted) GetType() EventType {
	return StepRunStartedEvent
}

type StepRunSucceeded struct {
	StepRunEvent

	Processed int           `json:"processed"`
	Duration  time.Duration `json:"duration"`
}

func (e StepRunSucceeded) GetType() EventType {
	return StepRunSucceededEvent
}

type StepRunFailed struct {
	StepRunEvent

	Error     string        `json:"error"`
	ErrorID   string        `json:"error_id,omitempty"`
	StopsFlow bool          `json:"stops_flow"`
	Duration  time.Duration `json:"duration"`
}

func (e StepRunFailed) GetType() EventType {
	return StepRunFailedEvent
}

type StepRunSkipped struct {
	StepRunEvent
}

func (e StepRunSkipped) GetType() EventType {
	return StepRunSkippedEvent
}

// NewStepRunEvent builds the shared part of a step run notification.
func NewStepRunEvent(eventType EventType, flowID, flowRunID, stepID, stepName, stepRunID string, position int) StepRunEvent {
	return StepRunEvent{
		BaseEvent: NewBaseEvent(eventType, flowID, flowRunID),
		StepID:    stepID,
		StepName:  stepName,
		StepRunID: stepRunID,
		Position:  position,
	}
}

// New returns an empty event value for a type, used when decoding.
func New(eventType EventType) (any, bool) {
	switch eventType {
	case FlowRunStartedEvent:
		return &FlowRunStarted{}, true
	case FlowRunFinishedEvent:
		return &FlowRunFinished{}, true
	case StepRunStartedEvent:
		return &StepRunStarted{}, true
	case StepRunSucceededEvent:
		return &StepRunSucceeded{}, true
	case StepRunFailedEvent:
		return &StepRunFailed{}, true
	case StepRunSkippedEvent:
		return &StepRunSkipped{}, true
	default:
		return nil, false
	}
}

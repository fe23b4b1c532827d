package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvents_GetType(t *testing.T) {
	assert.Equal(t, FlowRunStartedEvent, FlowRunStarted{}.GetType())
	assert.Equal(t, FlowRunFinishedEvent, FlowRunFinished{}.GetType())
	assert.Equal(t, StepRunStartedEvent, StepRunStarted{}.GetType())
	assert.Equal(t, StepRunSucceededEvent, StepRunSucceeded{}.GetType())
	assert.Equal(t, StepRunFailedEvent, StepRunFailed{}.GetType())
	assert.Equal(t, StepRunSkippedEvent, StepRunSkipped{}.GetType())
}

func TestNewBaseEvent(t *testing.T) {
	event := NewBaseEvent(FlowRunStartedEvent, "flow-1", "run-1")

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, FlowRunStartedEvent, event.Type)
	assert.Equal(t, "flow-1", event.FlowID)
	assert.Equal(t, "run-1", event.FlowRunID)
	assert.WithinDuration(t, time.Now().UTC(), event.Timestamp, time.Second)
}

func TestStepRunFailed_JSONSerialization(t *testing.T) {
	original := &StepRunFailed{
		StepRunEvent: NewStepRunEvent(StepRunFailedEvent, "flow-1", "run-1", "import", "Import orders", "sr-1", 2),
		Error:        "upstream returned 500",
		ErrorID:      "err-9",
		StopsFlow:    true,
		Duration:     3 * time.Second,
	}

	jsonData, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), `"type":"step.run.failed"`)
	assert.Contains(t, string(jsonData), `"step_id":"import"`)
	assert.Contains(t, string(jsonData), `"error_id":"err-9"`)

	decoded, ok := New(StepRunFailedEvent)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(jsonData, decoded))

	failed, ok := decoded.(*StepRunFailed)
	require.True(t, ok)
	assert.Equal(t, original.StepRunID, failed.StepRunID)
	assert.Equal(t, 2, failed.Position)
	assert.True(t, failed.StopsFlow)
	assert.Equal(t, original.Duration, failed.Duration)
}

func TestNew_UnknownType(t *testing.T) {
	event, ok := New(EventType("node.activation"))
	assert.False(t, ok)
	assert.Nil(t, event)
}

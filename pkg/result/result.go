// Package result implements the continuation state a step run hands to the next
// step of the flow and to the next run of the same step.
package result

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload is returned when a serialized result cannot be parsed.
var ErrInvalidPayload = errors.New("invalid step result payload")

// StepResult is an immutable marker describing what a step run did.
// A nil *StepResult means "no prior run" and is safe to use with every accessor.
type StepResult struct {
	stepRunID      string
	incremental    bool
	incrementValue *string
	processed      int
	data           json.RawMessage
}

// Option configures a StepResult built with New.
type Option func(*StepResult)

// New builds a result for the given step run.
func New(stepRunID string, opts ...Option) *StepResult {
	r := &StepResult{stepRunID: stepRunID}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Incremental marks the result as resumable without a marker value.
func Incremental() Option {
	return func(r *StepResult) {
		r.incremental = true
	}
}

// WithIncrement marks the result as resumable from the given watermark.
func WithIncrement(value string) Option {
	return func(r *StepResult) {
		r.incremental = true
		r.incrementValue = &value
	}
}

// WithProcessed records how many rows the run processed.
func WithProcessed(n int) Option {
	return func(r *StepResult) {
		r.processed = n
	}
}

// WithData attaches a JSON payload. A JSON null is treated as no payload.
func WithData(raw json.RawMessage) Option {
	return func(r *StepResult) {
		if len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null" {
			r.data = nil

			return
		}

		r.data = bytes.Clone(raw)
	}
}

type payload struct {
	Incremental    bool            `json:"incremental,omitempty"`
	IncrementValue *string         `json:"increment_value,omitempty"`
	Processed      int             `json:"processed,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Parse rebuilds a result from its serialized form. An empty payload yields a
// plain, non-incremental result.
func Parse(stepRunID, serialized string) (*StepResult, error) {
	if strings.TrimSpace(serialized) == "" {
		return New(stepRunID), nil
	}

	var p payload

	err := json.Unmarshal([]byte(serialized), &p)
	if err != nil {
		return nil, fmt.Errorf("%w for step run %s: %w", ErrInvalidPayload, stepRunID, err)
	}

	return &StepResult{
		stepRunID:      stepRunID,
		incremental:    p.Incremental || p.IncrementValue != nil,
		incrementValue: p.IncrementValue,
		processed:      p.Processed,
		data:           normalize(p.Data),
	}, nil
}

// Serialize returns the string form consumed by Parse.
func (r *StepResult) Serialize() (string, error) {
	if r == nil {
		return "", nil
	}

	out, err := json.Marshal(payload{
		Incremental:    r.incremental,
		IncrementValue: r.incrementValue,
		Processed:      r.processed,
		Data:           r.data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize result of step run %s: %w", r.stepRunID, err)
	}

	return string(out), nil
}

func (r *StepResult) StepRunID() string {
	if r == nil {
		return ""
	}

	return r.stepRunID
}

func (r *StepResult) IsIncremental() bool {
	return r != nil && r.incremental
}

// IncrementValue returns the watermark and whether one was set.
func (r *StepResult) IncrementValue() (string, bool) {
	if r == nil || r.incrementValue == nil {
		return "", false
	}

	return *r.incrementValue, true
}

func (r *StepResult) CountProcessed() int {
	if r == nil {
		return 0
	}

	return r.processed
}

// Data returns a copy of the raw JSON payload.
func (r *StepResult) Data() json.RawMessage {
	if r == nil {
		return nil
	}

	return bytes.Clone(r.data)
}

// HasData reports whether a payload is attached.
func (r *StepResult) HasData() bool {
	return r != nil && len(r.data) > 0
}

// Decode unmarshals the payload into v. It is a no-op when there is no payload.
func (r *StepResult) Decode(v any) error {
	if !r.HasData() {
		return nil
	}

	err := json.Unmarshal(r.data, v)
	if err != nil {
		return fmt.Errorf("failed to decode result of step run %s: %w", r.stepRunID, err)
	}

	return nil
}

// WithStepRunID returns a copy bound to another step run.
func (r *StepResult) WithStepRunID(stepRunID string) *StepResult {
	if r == nil {
		return nil
	}

	c := *r
	c.stepRunID = stepRunID
	c.data = bytes.Clone(r.data)

	return &c
}

// Equal reports whether both results carry the same state.
func (r *StepResult) Equal(other *StepResult) bool {
	if r == nil || other == nil {
		return r == other
	}

	if r.stepRunID != other.stepRunID ||
		r.incremental != other.incremental ||
		r.processed != other.processed {
		return false
	}

	left, leftOK := r.IncrementValue()
	right, rightOK := other.IncrementValue()

	if leftOK != rightOK || left != right {
		return false
	}

	return bytes.Equal(compact(r.data), compact(other.data))
}

func (r *StepResult) String() string {
	if r == nil {
		return "<none>"
	}

	s := fmt.Sprintf("step run %s, processed %d", r.stepRunID, r.processed)
	if value, ok := r.IncrementValue(); ok {
		s += ", increment " + value
	} else if r.incremental {
		s += ", incremental"
	}

	return s
}

func normalize(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}

	return raw
}

func compact(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}

	var buf bytes.Buffer

	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}

	return buf.Bytes()
}

package web

import (
	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/planner"
)

// HeaderFlowRunID carries the id of a streamed flow run.
const HeaderFlowRunID = "X-Flow-Run-Id"

// StatusLinePrefix starts the last line of a streamed run.
const StatusLinePrefix = "status: "

// RunFlowRequest is the optional body of a run request.
type RunFlowRequest struct {
	Params map[string]string `json:"params" validate:"dive,keys,required,endkeys"`
}

// FlowSummary is a flow without its step definitions.
type FlowSummary struct {
	ID          string `json:"id"`
	Alias       string `json:"alias"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
	StepCount   int    `json:"step_count"`
}

func newFlowSummary(flow *models.Flow) FlowSummary {
	return FlowSummary{
		ID:          flow.ID,
		Alias:       flow.Alias,
		Name:        flow.Name,
		Description: flow.Description,
		Schedule:    flow.Schedule,
		StepCount:   len(flow.Steps),
	}
}

type PlanStep struct {
	Position        int    `json:"position"`
	ID              string `json:"id"`
	Name            string `json:"name"`
	Prototype       string `json:"prototype"`
	FromType        string `json:"from_object,omitempty"`
	ToType          string `json:"to_object,omitempty"`
	Disabled        bool   `json:"disabled"`
	StopFlowOnError bool   `json:"stop_flow_on_error"`
}

type PlanOverride struct {
	StepID        string   `json:"step_id"`
	PredecessorID string   `json:"predecessor_id"`
	Pending       []string `json:"pending"`
}

// PlanResponse is the execution order of a flow.
type PlanResponse struct {
	Alias     string         `json:"alias"`
	Steps     []PlanStep     `json:"steps"`
	Overrides []PlanOverride `json:"overrides"`
	Lines     []string       `json:"lines"`
}

func newPlanResponse(flow *models.Flow, plan *planner.Plan) PlanResponse {
	response := PlanResponse{
		Alias:     flow.Alias,
		Steps:     make([]PlanStep, 0, plan.Len()),
		Overrides: make([]PlanOverride, 0, len(plan.Overrides)),
		Lines:     plan.Describe(),
	}

	for i, step := range plan.Steps {
		response.Steps = append(response.Steps, PlanStep{
			Position:        i + 1,
			ID:              step.ID,
			Name:            step.Name,
			Prototype:       step.Prototype,
			FromType:        step.FromType,
			ToType:          step.ToType,
			Disabled:        step.Disabled,
			StopFlowOnError: plan.StopsOnError(step.ID),
		})
	}

	for _, override := range plan.Overrides {
		response.Overrides = append(response.Overrides, PlanOverride(override))
	}

	return response
}

// RunDetails is a flow run with its step runs and notes.
type RunDetails struct {
	Run      *models.FlowRun   `json:"run"`
	StepRuns []*models.StepRun `json:"step_runs"`
	Notes    []models.Note     `json:"notes"`
}

// PrototypeResponse describes a registered step prototype.
type PrototypeResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

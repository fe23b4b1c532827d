package mocks

import (
	"context"
	"time"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/persistence"
	"github.com/dukex/stepflow/pkg/result"
	"github.com/stretchr/testify/mock"
)

// MockFlowRepository is a mock implementation of persistence.FlowRepository interface.
type MockFlowRepository struct {
	mock.Mock
}

func (m *MockFlowRepository) Flows(ctx context.Context) ([]*models.Flow, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Flow), args.Error(1)
}

func (m *MockFlowRepository) FlowByAlias(ctx context.Context, alias string) (*models.Flow, error) {
	args := m.Called(ctx, alias)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Flow), args.Error(1)
}

func (m *MockFlowRepository) SaveFlow(ctx context.Context, flow *models.Flow) error {
	args := m.Called(ctx, flow)

	return args.Error(0)
}

func (m *MockFlowRepository) DeleteFlow(ctx context.Context, alias string) error {
	args := m.Called(ctx, alias)

	return args.Error(0)
}

// MockRunLedger is a mock implementation of persistence.RunLedger interface.
type MockRunLedger struct {
	mock.Mock
}

func (m *MockRunLedger) CreateFlowRun(ctx context.Context, run *models.FlowRun) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockRunLedger) FinishFlowRun(ctx context.Context, runID string, status models.FlowRunStatus, end time.Time, message string) error {
	args := m.Called(ctx, runID, status, end, message)

	return args.Error(0)
}

func (m *MockRunLedger) FlowRunByID(ctx context.Context, runID string) (*models.FlowRun, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.FlowRun), args.Error(1)
}

func (m *MockRunLedger) FlowRunsByFlow(ctx context.Context, flowID string, limit int) ([]*models.FlowRun, error) {
	args := m.Called(ctx, flowID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.FlowRun), args.Error(1)
}

func (m *MockRunLedger) CreateStepRun(
	ctx context.Context,
	step *models.StepDefinition,
	flowRunID string,
	position int,
	lastResult *result.StepResult,
	diagnostics map[string]any,
) (*models.StepRun, error) {
	args := m.Called(ctx, step, flowRunID, position, lastResult, diagnostics)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.StepRun), args.Error(1)
}

func (m *MockRunLedger) UpdateStepRunSuccess(ctx context.Context, run *models.StepRun, end time.Time, output string, res *result.StepResult) error {
	args := m.Called(ctx, run, end, output, res)

	return args.Error(0)
}

func (m *MockRunLedger) UpdateStepRunError(ctx context.Context, run *models.StepRun, end time.Time, output string, cause error) error {
	args := m.Called(ctx, run, end, output, cause)

	return args.Error(0)
}

func (m *MockRunLedger) FindLastSuccessfulRun(ctx context.Context, stepID string) (*result.StepResult, error) {
	args := m.Called(ctx, stepID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*result.StepResult), args.Error(1)
}

func (m *MockRunLedger) StepRunsByFlowRun(ctx context.Context, flowRunID string) ([]*models.StepRun, error) {
	args := m.Called(ctx, flowRunID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.StepRun), args.Error(1)
}

func (m *MockRunLedger) InvalidateStepRuns(ctx context.Context, stepID string) (int, error) {
	args := m.Called(ctx, stepID)

	return args.Int(0), args.Error(1)
}

// MockNoteRepository is a mock implementation of persistence.NoteRepository interface.
type MockNoteRepository struct {
	mock.Mock
}

func (m *MockNoteRepository) SaveNotes(ctx context.Context, notes []models.Note) error {
	args := m.Called(ctx, notes)

	return args.Error(0)
}

func (m *MockNoteRepository) NotesByFlowRun(ctx context.Context, flowRunID string) ([]models.Note, error) {
	args := m.Called(ctx, flowRunID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]models.Note), args.Error(1)
}

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	Flows  *MockFlowRepository
	Ledger *MockRunLedger
	Notes  *MockNoteRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		Flows:  &MockFlowRepository{},
		Ledger: &MockRunLedger{},
		Notes:  &MockNoteRepository{},
	}
}

func (m *MockPersistence) FlowRepository() persistence.FlowRepository {
	return m.Flows
}

func (m *MockPersistence) RunLedger() persistence.RunLedger {
	return m.Ledger
}

func (m *MockPersistence) NoteRepository() persistence.NoteRepository {
	return m.Notes
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

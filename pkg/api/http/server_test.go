package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aescanero/pipengine/internal/application/orchestrator"
	"github.com/aescanero/pipengine/internal/application/workers"
	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) StartPlan(ctx context.Context, plan *domain.Plan, inputs map[string]interface{}) (*domain.PlanExecution, error) {
	args := m.Called(ctx, plan, inputs)
	pe, _ := args.Get(0).(*domain.PlanExecution)
	return pe, args.Error(1)
}

func (m *mockEngine) PlanExecution(ctx context.Context, id string) (*domain.PlanExecution, error) {
	args := m.Called(ctx, id)
	pe, _ := args.Get(0).(*domain.PlanExecution)
	return pe, args.Error(1)
}

func (m *mockEngine) NodeExecution(ctx context.Context, id string) (*domain.NodeExecution, error) {
	args := m.Called(ctx, id)
	n, _ := args.Get(0).(*domain.NodeExecution)
	return n, args.Error(1)
}

func (m *mockEngine) NodeExecutions(ctx context.Context, planExecutionID string) ([]*domain.NodeExecution, error) {
	args := m.Called(ctx, planExecutionID)
	nodes, _ := args.Get(0).([]*domain.NodeExecution)
	return nodes, args.Error(1)
}

func (m *mockEngine) Barrier(ctx context.Context, planExecutionID, identifier string) (*domain.BarrierExecutionInstance, error) {
	args := m.Called(ctx, planExecutionID, identifier)
	b, _ := args.Get(0).(*domain.BarrierExecutionInstance)
	return b, args.Error(1)
}

func (m *mockEngine) AbortPlan(ctx context.Context, planExecutionID string) error {
	return m.Called(ctx, planExecutionID).Error(0)
}

func (m *mockEngine) AbortNode(ctx context.Context, nodeExecutionID string) error {
	return m.Called(ctx, nodeExecutionID).Error(0)
}

func (m *mockEngine) HandleIntervention(ctx context.Context, nodeExecutionID string, action orchestrator.InterventionAction) error {
	return m.Called(ctx, nodeExecutionID, action).Error(0)
}

func (m *mockEngine) Notify(ctx context.Context, correlationID string, resp domain.ResponseData) error {
	return m.Called(ctx, correlationID, resp).Error(0)
}

type staticHealth struct {
	report *workers.Report
}

func (h staticHealth) Report() *workers.Report { return h.report }

func newTestServer(engine Engine, health HealthReporter) *Server {
	return NewServer(&Config{
		Port:    0,
		Engine:  engine,
		Health:  health,
		Metrics: http.NotFoundHandler(),
		Logger:  zap.NewNop(),
	})
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func samplePlan() *domain.Plan {
	return &domain.Plan{
		ID:             "release",
		StartingNodeID: "build",
		Nodes: map[string]*domain.PlanNode{
			"build": {ID: "build", Identifier: "build", StepType: "NOOP"},
		},
	}
}

func TestServer_Health(t *testing.T) {
	t.Run("healthy pool", func(t *testing.T) {
		s := newTestServer(new(mockEngine), staticHealth{report: &workers.Report{
			Workers: map[workers.WorkerStatus]int{workers.WorkerStatusIdle: 2},
			Serving: true,
		}})

		rec := do(t, s, http.MethodGet, "/health", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "healthy", decode(t, rec)["status"])
	})

	t.Run("stopped workers degrade the service", func(t *testing.T) {
		s := newTestServer(new(mockEngine), staticHealth{report: &workers.Report{
			Workers: map[workers.WorkerStatus]int{workers.WorkerStatusIdle: 1, workers.WorkerStatusStopped: 1},
		}})

		rec := do(t, s, http.MethodGet, "/health", nil)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "degraded", decode(t, rec)["status"])
	})
}

func TestServer_StartPlan(t *testing.T) {
	engine := new(mockEngine)
	s := newTestServer(engine, nil)

	inputs := map[string]interface{}{"version": "1.2.0"}
	engine.On("StartPlan", mock.Anything, mock.MatchedBy(func(p *domain.Plan) bool { return p.ID == "release" }), inputs).
		Return(&domain.PlanExecution{ID: "pe-1", Plan: samplePlan(), Status: domain.StatusRunning}, nil)

	rec := do(t, s, http.MethodPost, "/api/v1/plans", StartPlanRequest{Plan: samplePlan(), Inputs: inputs})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "pe-1", body["id"])
	assert.Equal(t, "RUNNING", body["status"])
	engine.AssertExpectations(t)
}

func TestServer_StartPlanValidation(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
	}{
		{name: "missing plan", body: map[string]interface{}{"inputs": map[string]interface{}{}}},
		{name: "plan without nodes", body: StartPlanRequest{Plan: &domain.Plan{ID: "p", StartingNodeID: "a"}}},
		{name: "malformed json", body: "not an object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := new(mockEngine)
			s := newTestServer(engine, nil)

			rec := do(t, s, http.MethodPost, "/api/v1/plans", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			engine.AssertNotCalled(t, "StartPlan", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{name: "invalid plan", err: fmt.Errorf("%w: cycle", orchestrator.ErrInvalidPlan), status: http.StatusBadRequest, kind: "validation_error"},
		{name: "not found", err: fmt.Errorf("%w: pe-9", domain.ErrPlanExecutionNotFound), status: http.StatusNotFound, kind: "not_found"},
		{name: "status conflict", err: fmt.Errorf("%w: plan", domain.ErrStatusConflict), status: http.StatusConflict, kind: "conflict"},
		{name: "internal", err: fmt.Errorf("connection refused"), status: http.StatusInternalServerError, kind: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := new(mockEngine)
			s := newTestServer(engine, nil)
			engine.On("PlanExecution", mock.Anything, "pe-9").Return(nil, tt.err)

			rec := do(t, s, http.MethodGet, "/api/v1/plans/pe-9", nil)

			assert.Equal(t, tt.status, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.kind, body["type"])
			assert.Equal(t, "/api/v1/plans/pe-9", body["instance"])
		})
	}
}

func TestServer_ListNodes(t *testing.T) {
	engine := new(mockEngine)
	s := newTestServer(engine, nil)
	engine.On("NodeExecutions", mock.Anything, "pe-1").Return([]*domain.NodeExecution{
		{ID: "n-1", PlanExecutionID: "pe-1", Status: domain.StatusSucceeded},
		{ID: "n-2", PlanExecutionID: "pe-1", Status: domain.StatusRunning},
	}, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/plans/pe-1/nodes", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var out NodeListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, "n-2", out.Nodes[1].ID)
}

func TestServer_Barrier(t *testing.T) {
	engine := new(mockEngine)
	s := newTestServer(engine, nil)
	engine.On("Barrier", mock.Anything, "pe-1", "sync").
		Return(&domain.BarrierExecutionInstance{ID: domain.BarrierInstanceID("pe-1", "sync"), Identifier: "sync"}, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/barriers/pe-1/sync", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sync", decode(t, rec)["identifier"])
}

func TestServer_Abort(t *testing.T) {
	engine := new(mockEngine)
	s := newTestServer(engine, nil)
	engine.On("AbortPlan", mock.Anything, "pe-1").Return(nil)
	engine.On("AbortNode", mock.Anything, "n-1").Return(nil)

	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/v1/plans/pe-1/abort", nil).Code)
	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/v1/nodes/n-1/abort", nil).Code)
	engine.AssertExpectations(t)
}

func TestServer_Intervention(t *testing.T) {
	t.Run("applies the action", func(t *testing.T) {
		engine := new(mockEngine)
		s := newTestServer(engine, nil)
		engine.On("HandleIntervention", mock.Anything, "n-1", orchestrator.ActionRetry).Return(nil)

		rec := do(t, s, http.MethodPost, "/api/v1/nodes/n-1/intervention", InterventionRequest{Action: "RETRY"})

		assert.Equal(t, http.StatusAccepted, rec.Code)
		engine.AssertExpectations(t)
	})

	t.Run("rejects unknown actions", func(t *testing.T) {
		engine := new(mockEngine)
		s := newTestServer(engine, nil)

		rec := do(t, s, http.MethodPost, "/api/v1/nodes/n-1/intervention", InterventionRequest{Action: "REWIND"})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		engine.AssertNotCalled(t, "HandleIntervention", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("node not waiting", func(t *testing.T) {
		engine := new(mockEngine)
		s := newTestServer(engine, nil)
		engine.On("HandleIntervention", mock.Anything, "n-1", orchestrator.ActionIgnore).
			Return(orchestrator.ErrNotAwaitingIntervention)

		rec := do(t, s, http.MethodPost, "/api/v1/nodes/n-1/intervention", InterventionRequest{Action: "IGNORE"})

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestServer_TaskResponse(t *testing.T) {
	engine := new(mockEngine)
	s := newTestServer(engine, nil)
	expected := domain.ResponseData{
		CorrelationID: "corr-1",
		Status:        domain.StatusFailed,
		Error:         "exit code 2",
	}
	engine.On("Notify", mock.Anything, "corr-1", expected).Return(nil)

	rec := do(t, s, http.MethodPost, "/api/v1/tasks/corr-1/response", TaskResponseRequest{
		Status: domain.StatusFailed,
		Error:  "exit code 2",
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	engine.AssertExpectations(t)

	rec = do(t, s, http.MethodPost, "/api/v1/tasks/corr-1/response", TaskResponseRequest{Status: domain.StatusRunning})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

package processor

import (
	"context"
	"fmt"
	"testing"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHost struct {
	calls     []string
	suspended []domain.Status
	awaited   [][]string
	started   []int
	concluded *domain.StepResponse
	children  map[string]domain.Status
	created   int
}

func (h *fakeHost) Suspend(ctx context.Context, node *domain.NodeExecution, waiting domain.Status, resp domain.ExecutableResponse) (*domain.NodeExecution, error) {
	h.calls = append(h.calls, "suspend")
	h.suspended = append(h.suspended, waiting)
	out := node.Clone()
	out.Status = waiting
	out.ExecutableResponses = append(out.ExecutableResponses, resp)
	return out, nil
}

func (h *fakeHost) Await(ctx context.Context, node *domain.NodeExecution, ids ...string) error {
	h.calls = append(h.calls, "await")
	h.awaited = append(h.awaited, ids)
	return nil
}

func (h *fakeHost) Conclude(ctx context.Context, node *domain.NodeExecution, resp *domain.StepResponse) error {
	h.calls = append(h.calls, "conclude")
	h.concluded = resp
	return nil
}

func (h *fakeHost) CreateChildren(ctx context.Context, parent *domain.NodeExecution, planNodeIDs []string) ([]*domain.NodeExecution, error) {
	h.calls = append(h.calls, "create")
	out := make([]*domain.NodeExecution, len(planNodeIDs))
	for i, id := range planNodeIDs {
		h.created++
		out[i] = &domain.NodeExecution{ID: fmt.Sprintf("exec-%d-%s", h.created, id), NodeID: id}
	}
	return out, nil
}

func (h *fakeHost) StartChildren(ctx context.Context, parent *domain.NodeExecution, ids []string, maxConcurrency int) error {
	h.calls = append(h.calls, "start")
	h.started = append(h.started, maxConcurrency)
	return nil
}

func (h *fakeHost) ChildStatuses(ctx context.Context, parent *domain.NodeExecution) (map[string]domain.Status, error) {
	return h.children, nil
}

type mockTasks struct {
	mock.Mock
}

func (m *mockTasks) Submit(ctx context.Context, req domain.TaskRequest) error {
	return m.Called(req).Error(0)
}

func (m *mockTasks) Abort(ctx context.Context, taskID string) error {
	return m.Called(taskID).Error(0)
}

// testStep implements every mode
type testStep struct {
	mode       domain.ExecutionMode
	callbacks  []string
	waiting    domain.Status
	children   []string
	chain      []string
	aborted    bool
	lastStatus domain.Status
}

func (s *testStep) Type() string               { return "TEST" }
func (s *testStep) Mode() domain.ExecutionMode { return s.mode }

func (s *testStep) ExecuteSync(ctx context.Context, inv Invocation) (*domain.StepResponse, error) {
	return &domain.StepResponse{Status: domain.StatusSucceeded}, nil
}

func (s *testStep) ExecuteAsync(ctx context.Context, inv Invocation) (*domain.AsyncExecutableResponse, error) {
	return &domain.AsyncExecutableResponse{CallbackIDs: s.callbacks, Status: s.waiting}, nil
}

func (s *testStep) HandleAsyncResponse(ctx context.Context, inv Invocation, responses map[string]domain.ResponseData) (*domain.StepResponse, error) {
	return &domain.StepResponse{Status: responses["cb"].Status}, nil
}

func (s *testStep) HandleAbort(ctx context.Context, inv Invocation, resp *domain.AsyncExecutableResponse) error {
	s.aborted = true
	return nil
}

func (s *testStep) ObtainChildren(ctx context.Context, inv Invocation) (*domain.ChildrenExecutableResponse, error) {
	return &domain.ChildrenExecutableResponse{ChildNodeIDs: s.children, MaxConcurrency: 2}, nil
}

func (s *testStep) HandleChildrenResponse(ctx context.Context, inv Invocation, children map[string]domain.Status) (*domain.StepResponse, error) {
	statuses := make([]domain.Status, 0, len(children))
	for _, st := range children {
		statuses = append(statuses, st)
	}
	return &domain.StepResponse{Status: domain.AggregateStatus(statuses)}, nil
}

func (s *testStep) ExecuteFirstChild(ctx context.Context, inv Invocation) (*domain.ChildChainExecutableResponse, error) {
	return s.nextLink(0), nil
}

func (s *testStep) ExecuteNextChild(ctx context.Context, inv Invocation, last domain.Status, passThrough map[string]interface{}) (*domain.ChildChainExecutableResponse, error) {
	s.lastStatus = last
	return s.nextLink(passThrough["index"].(int) + 1), nil
}

func (s *testStep) nextLink(i int) *domain.ChildChainExecutableResponse {
	if i >= len(s.chain) {
		return &domain.ChildChainExecutableResponse{Finished: true}
	}
	return &domain.ChildChainExecutableResponse{NextChildNodeID: s.chain[i], PassThrough: map[string]interface{}{"index": i}}
}

func (s *testStep) FinalizeExecution(ctx context.Context, inv Invocation, children map[string]domain.Status) (*domain.StepResponse, error) {
	return s.HandleChildrenResponse(ctx, inv, children)
}

func (s *testStep) ObtainTask(ctx context.Context, inv Invocation) (*domain.TaskRequest, error) {
	return &domain.TaskRequest{TaskType: "shell"}, nil
}

func (s *testStep) HandleTaskResult(ctx context.Context, inv Invocation, responses map[string]domain.ResponseData) (*domain.StepResponse, error) {
	for _, r := range responses {
		return &domain.StepResponse{Status: r.Status}, nil
	}
	return nil, nil
}

// syncOnly implements SYNC only
type syncOnly struct{}

func (syncOnly) Type() string               { return "SYNC_ONLY" }
func (syncOnly) Mode() domain.ExecutionMode { return domain.ModeSync }
func (syncOnly) ExecuteSync(ctx context.Context, inv Invocation) (*domain.StepResponse, error) {
	return &domain.StepResponse{Status: domain.StatusSkipped}, nil
}

func newProcessor(t *testing.T, step Step, tasks *mockTasks) (*Processor, *fakeHost) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(step))
	require.NoError(t, reg.Register(syncOnly{}))
	host := &fakeHost{}
	if tasks == nil {
		return New(reg, host, nil, zap.NewNop()), host
	}
	return New(reg, host, tasks, zap.NewNop()), host
}

func invocation(stepType string, mode domain.ExecutionMode) Invocation {
	return Invocation{Node: &domain.NodeExecution{
		ID:              "n1",
		PlanExecutionID: "plan-1",
		StepType:        stepType,
		Mode:            mode,
		Status:          domain.StatusRunning,
	}}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(syncOnly{}))
	assert.Error(t, reg.Register(syncOnly{}))
	assert.Error(t, reg.Register(&asyncClaim{}))

	_, err := reg.Get("MISSING")
	assert.ErrorIs(t, err, domain.ErrStepNotFound)
	assert.Equal(t, []string{"SYNC_ONLY"}, reg.Types())
}

// asyncClaim declares ASYNC without implementing it
type asyncClaim struct{ syncOnly }

func (asyncClaim) Type() string               { return "ASYNC_CLAIM" }
func (asyncClaim) Mode() domain.ExecutionMode { return domain.ModeAsync }

func TestProcessor_ResolveMode(t *testing.T) {
	p, _ := newProcessor(t, &testStep{mode: domain.ModeSync}, nil)

	mode, err := p.ResolveMode(&domain.PlanNode{StepType: "TEST"})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeSync, mode)

	mode, err = p.ResolveMode(&domain.PlanNode{StepType: "TEST", Mode: domain.ModeTask})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeTask, mode)

	_, err = p.ResolveMode(&domain.PlanNode{StepType: "SYNC_ONLY", Mode: domain.ModeAsync})
	assert.ErrorIs(t, err, domain.ErrUnsupportedMode)
}

func TestProcessor_Sync(t *testing.T) {
	p, host := newProcessor(t, &testStep{mode: domain.ModeSync}, nil)

	require.NoError(t, p.Start(context.Background(), invocation("SYNC_ONLY", domain.ModeSync)))
	assert.Equal(t, []string{"conclude"}, host.calls)
	assert.Equal(t, domain.StatusSkipped, host.concluded.Status)

	err := p.Resume(context.Background(), invocation("SYNC_ONLY", domain.ModeSync), nil)
	assert.ErrorIs(t, err, domain.ErrUnsupportedMode)
}

func TestProcessor_UnsupportedMode(t *testing.T) {
	p, host := newProcessor(t, &testStep{mode: domain.ModeSync}, nil)

	err := p.Start(context.Background(), invocation("SYNC_ONLY", domain.ModeChildren))
	assert.ErrorIs(t, err, domain.ErrUnsupportedMode)
	assert.Empty(t, host.calls)
}

func TestProcessor_Async(t *testing.T) {
	step := &testStep{mode: domain.ModeAsync, callbacks: []string{"cb"}, waiting: domain.StatusResourceWaiting}
	p, host := newProcessor(t, step, nil)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx, invocation("TEST", domain.ModeAsync)))
	assert.Equal(t, []string{"suspend", "await"}, host.calls)
	assert.Equal(t, []domain.Status{domain.StatusResourceWaiting}, host.suspended)
	assert.Equal(t, [][]string{{"cb"}}, host.awaited)

	require.NoError(t, p.Resume(ctx, invocation("TEST", domain.ModeAsync), map[string]domain.ResponseData{
		"cb": {Status: domain.StatusExpired},
	}))
	assert.Equal(t, domain.StatusExpired, host.concluded.Status)

	inv := invocation("TEST", domain.ModeAsync)
	inv.Node.ExecutableResponses = []domain.ExecutableResponse{{Async: &domain.AsyncExecutableResponse{CallbackIDs: []string{"cb"}}}}
	require.NoError(t, p.Abort(ctx, inv))
	assert.True(t, step.aborted)
}

func TestProcessor_AsyncWithoutCallbacks(t *testing.T) {
	p, host := newProcessor(t, &testStep{mode: domain.ModeAsync}, nil)

	assert.Error(t, p.Start(context.Background(), invocation("TEST", domain.ModeAsync)))
	assert.Empty(t, host.calls)
}

func TestProcessor_ConcludeRejectsNonFinalStatus(t *testing.T) {
	p, host := newProcessor(t, &testStep{mode: domain.ModeAsync, callbacks: []string{"cb"}}, nil)

	err := p.Resume(context.Background(), invocation("TEST", domain.ModeAsync), map[string]domain.ResponseData{
		"cb": {Status: domain.StatusRunning},
	})
	assert.Error(t, err)
	assert.Nil(t, host.concluded)
}

func TestProcessor_Children(t *testing.T) {
	p, host := newProcessor(t, &testStep{mode: domain.ModeChildren, children: []string{"a", "b", "c"}}, nil)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx, invocation("TEST", domain.ModeChildren)))
	assert.Equal(t, []string{"create", "suspend", "await", "start"}, host.calls)
	assert.Equal(t, []domain.Status{domain.StatusRunning}, host.suspended)
	assert.Len(t, host.awaited[0], 3)
	assert.Equal(t, []int{2}, host.started)

	require.NoError(t, p.Resume(ctx, invocation("TEST", domain.ModeChildren), map[string]domain.ResponseData{
		"x": {Status: domain.StatusSucceeded},
		"y": {Status: domain.StatusFailed},
	}))
	assert.Equal(t, domain.StatusFailed, host.concluded.Status)
}

func TestProcessor_ChildrenEmptyConcludesImmediately(t *testing.T) {
	p, host := newProcessor(t, &testStep{mode: domain.ModeChildren}, nil)

	require.NoError(t, p.Start(context.Background(), invocation("TEST", domain.ModeChildren)))
	assert.Equal(t, []string{"conclude"}, host.calls)
	assert.Equal(t, domain.StatusSucceeded, host.concluded.Status)
}

func TestProcessor_ChildChain(t *testing.T) {
	step := &testStep{mode: domain.ModeChildChain, chain: []string{"a", "b"}}
	p, host := newProcessor(t, step, nil)
	ctx := context.Background()

	inv := invocation("TEST", domain.ModeChildChain)
	require.NoError(t, p.Start(ctx, inv))
	assert.Equal(t, []string{"create", "suspend", "await", "start"}, host.calls)

	inv.Node.ExecutableResponses = []domain.ExecutableResponse{{ChildChain: step.nextLink(0)}}
	require.NoError(t, p.Resume(ctx, inv, map[string]domain.ResponseData{"exec-1-a": {Status: domain.StatusSucceeded}}))
	assert.Equal(t, domain.StatusSucceeded, step.lastStatus)
	assert.Equal(t, 2, host.created)

	host.children = map[string]domain.Status{"exec-1-a": domain.StatusSucceeded, "exec-2-b": domain.StatusSkipped}
	inv.Node.ExecutableResponses = append(inv.Node.ExecutableResponses, domain.ExecutableResponse{ChildChain: step.nextLink(1)})
	require.NoError(t, p.Resume(ctx, inv, map[string]domain.ResponseData{"exec-2-b": {Status: domain.StatusSkipped}}))
	assert.Equal(t, 2, host.created)
	assert.Equal(t, domain.StatusSucceeded, host.concluded.Status)
}

func TestProcessor_Task(t *testing.T) {
	tasks := &mockTasks{}
	tasks.On("Submit", mock.MatchedBy(func(req domain.TaskRequest) bool {
		return req.TaskID != "" && req.NodeExecutionID == "n1" && req.PlanExecutionID == "plan-1" && req.TaskType == "shell"
	})).Return(nil)
	tasks.On("Abort", "task-1").Return(nil)

	p, host := newProcessor(t, &testStep{mode: domain.ModeTask}, tasks)
	ctx := context.Background()

	require.NoError(t, p.Start(ctx, invocation("TEST", domain.ModeTask)))
	assert.Equal(t, []string{"suspend", "await"}, host.calls)
	assert.Equal(t, []domain.Status{domain.StatusTaskWaiting}, host.suspended)
	require.Len(t, host.awaited, 1)
	assert.NotEmpty(t, host.awaited[0][0])

	inv := invocation("TEST", domain.ModeTask)
	inv.Node.ExecutableResponses = []domain.ExecutableResponse{{Task: &domain.TaskExecutableResponse{TaskID: "task-1"}}}
	require.NoError(t, p.Abort(ctx, inv))

	require.NoError(t, p.Resume(ctx, inv, map[string]domain.ResponseData{"task-1": {Status: domain.StatusFailed}}))
	assert.Equal(t, domain.StatusFailed, host.concluded.Status)
	tasks.AssertExpectations(t)
}

func TestProcessor_TaskWithoutExecutor(t *testing.T) {
	p, _ := newProcessor(t, &testStep{mode: domain.ModeTask}, nil)

	assert.Error(t, p.Start(context.Background(), invocation("TEST", domain.ModeTask)))
}

// Package storagetest holds the behaviour every ports.Store adapter must
// share. Adapter tests call Run with a constructor for a fresh store.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/pipengine/pkg/domain"
	"github.com/aescanero/pipengine/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var created = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Run executes the shared store checks
func Run(t *testing.T, newStore func(t *testing.T) ports.Store) {
	t.Run("node execution round trip", func(t *testing.T) { testNodeRoundTrip(t, newStore(t)) })
	t.Run("node execution projection", func(t *testing.T) { testNodeProjection(t, newStore(t)) })
	t.Run("node execution not found", func(t *testing.T) { testNodeNotFound(t, newStore(t)) })
	t.Run("conditional status write", func(t *testing.T) { testConditionalStatus(t, newStore(t)) })
	t.Run("concurrent status writes have one winner", func(t *testing.T) { testStatusRace(t, newStore(t)) })
	t.Run("children and plan listing", func(t *testing.T) { testListing(t, newStore(t)) })
	t.Run("plan execution status", func(t *testing.T) { testPlanStatus(t, newStore(t)) })
	t.Run("barrier round trip and overdue scan", func(t *testing.T) { testBarriers(t, newStore(t)) })
	t.Run("cursor increment is capped", func(t *testing.T) { testCursor(t, newStore(t)) })
	t.Run("restraint ledger", func(t *testing.T) { testRestraints(t, newStore(t)) })
	t.Run("wait instances and responses", func(t *testing.T) { testWaits(t, newStore(t)) })
}

// NodeExecution builds a fully populated record
func NodeExecution(id, planExecutionID, parentID string) *domain.NodeExecution {
	started := created.Add(time.Second)
	return &domain.NodeExecution{
		ID:               id,
		ParentID:         parentID,
		PlanExecutionID:  planExecutionID,
		StageExecutionID: "stage-1",
		NodeID:           "plan-node-" + id,
		Identifier:       "ident_" + id,
		Name:             "Node " + id,
		StepType:         "NOOP",
		Mode:             domain.ModeAsync,
		Status:           domain.StatusQueued,
		Ambiance: domain.Ambiance{
			PlanExecutionID: planExecutionID,
			Levels: []domain.Level{
				{SetupID: "setup-stage", RuntimeID: "stage-1", Identifier: "build", StepType: "STAGE", Group: domain.GroupStage},
				{SetupID: "plan-node-" + id, RuntimeID: id, Identifier: "ident_" + id, StepType: "NOOP", Group: domain.GroupStep},
			},
		},
		ExecutableResponses: []domain.ExecutableResponse{
			{Async: &domain.AsyncExecutableResponse{CallbackIDs: []string{"cb-1", "cb-2"}, Data: map[string]string{"k": "v"}}},
		},
		Outcomes:    map[string]interface{}{"artifact": "image:1.0"},
		FailureInfo: &domain.FailureInfo{Message: "boom", FailureType: domain.FailureTypeApplication},
		RetryIDs:    []string{"old-1"},
		CreatedAt:   created,
		StartedAt:   &started,
		UpdatedAt:   created,
	}
}

func testNodeRoundTrip(t *testing.T, store ports.Store) {
	ctx := context.Background()
	n := NodeExecution("n1", "plan-1", "")
	require.NoError(t, store.SaveNodeExecution(ctx, n))

	got, err := store.GetNodeExecution(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func testNodeProjection(t *testing.T, store ports.Store) {
	ctx := context.Background()
	require.NoError(t, store.SaveNodeExecution(ctx, NodeExecution("n1", "plan-1", "")))

	got, err := store.GetNodeExecution(ctx, "n1", domain.FieldStatus, domain.FieldMode)
	require.NoError(t, err)
	assert.Equal(t, "n1", got.ID)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, domain.ModeAsync, got.Mode)
	assert.Empty(t, got.PlanExecutionID)
	assert.Nil(t, got.FailureInfo)
	assert.Empty(t, got.Ambiance.Levels)
}

func testNodeNotFound(t *testing.T, store ports.Store) {
	ctx := context.Background()

	_, err := store.GetNodeExecution(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNodeExecutionNotFound)

	_, err = store.GetNodeExecution(ctx, "missing", domain.FieldStatus)
	assert.ErrorIs(t, err, domain.ErrNodeExecutionNotFound)

	_, err = store.UpdateNodeStatus(ctx, "missing", domain.StatusQueued, domain.StatusRunning, nil)
	assert.ErrorIs(t, err, domain.ErrNodeExecutionNotFound)
}

func testConditionalStatus(t *testing.T, store ports.Store) {
	ctx := context.Background()
	require.NoError(t, store.SaveNodeExecution(ctx, NodeExecution("n1", "plan-1", "")))

	updated, err := store.UpdateNodeStatus(ctx, "n1", domain.StatusQueued, domain.StatusRunning, func(n *domain.NodeExecution) {
		n.FailureInfo = nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, updated.Status)
	assert.Equal(t, int64(1), updated.Version)

	_, err = store.UpdateNodeStatus(ctx, "n1", domain.StatusQueued, domain.StatusRunning, nil)
	assert.ErrorIs(t, err, domain.ErrStatusConflict)

	got, err := store.GetNodeExecution(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Nil(t, got.FailureInfo)
	assert.Equal(t, int64(1), got.Version)
}

func testStatusRace(t *testing.T, store ports.Store) {
	ctx := context.Background()
	require.NoError(t, store.SaveNodeExecution(ctx, NodeExecution("n1", "plan-1", "")))

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.UpdateNodeStatus(ctx, "n1", domain.StatusQueued, domain.StatusRunning, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testListing(t *testing.T, store ports.Store) {
	ctx := context.Background()
	parent := NodeExecution("p", "plan-1", "")
	childA := NodeExecution("a", "plan-1", "p")
	childB := NodeExecution("b", "plan-1", "p")
	childB.CreatedAt = created.Add(time.Minute)
	other := NodeExecution("x", "plan-2", "")
	for _, n := range []*domain.NodeExecution{childB, parent, other, childA} {
		require.NoError(t, store.SaveNodeExecution(ctx, n))
	}

	children, err := store.FindChildren(ctx, "p")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "a", children[0].ID)
	assert.Equal(t, "b", children[1].ID)

	all, err := store.FindByPlanExecution(ctx, "plan-1")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := store.FindChildren(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testPlanStatus(t *testing.T, store ports.Store) {
	ctx := context.Background()
	p := &domain.PlanExecution{
		ID:        "plan-1",
		Plan:      &domain.Plan{ID: "p", StartingNodeID: "a", Nodes: map[string]*domain.PlanNode{"a": {ID: "a", Identifier: "a", StepType: "NOOP"}}},
		Status:    domain.StatusRunning,
		CreatedAt: created,
		UpdatedAt: created,
	}
	require.NoError(t, store.SavePlanExecution(ctx, p))

	got, err := store.GetPlanExecution(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	ended, err := store.UpdatePlanStatus(ctx, "plan-1", domain.StatusRunning, domain.StatusSucceeded)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, ended.Status)
	assert.NotNil(t, ended.EndedAt)

	_, err = store.UpdatePlanStatus(ctx, "plan-1", domain.StatusRunning, domain.StatusFailed)
	assert.ErrorIs(t, err, domain.ErrStatusConflict)

	_, err = store.GetPlanExecution(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrPlanExecutionNotFound)
}

func testBarriers(t *testing.T, store ports.Store) {
	ctx := context.Background()
	deadline := created.Add(time.Minute)
	b := &domain.BarrierExecutionInstance{
		ID:              domain.BarrierInstanceID("plan-1", "sync"),
		Identifier:      "sync",
		PlanExecutionID: "plan-1",
		Stages:          []string{"build", "test"},
		State:           domain.BarrierUp,
		Arrivals: map[string]domain.BarrierArrival{
			"build": {BranchID: "build", NodeExecutionID: "n1", ArrivedAt: created},
		},
		Deadline:  &deadline,
		CreatedAt: created,
		UpdatedAt: created,
	}
	require.NoError(t, store.SaveBarrier(ctx, b))

	got, err := store.GetBarrier(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	listed, err := store.ListBarriers(ctx, "plan-1")
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	overdue, err := store.FindOverdueBarriers(ctx, created)
	require.NoError(t, err)
	assert.Empty(t, overdue)

	overdue, err = store.FindOverdueBarriers(ctx, deadline.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, b.ID, overdue[0].ID)

	b.State = domain.BarrierDown
	require.NoError(t, store.SaveBarrier(ctx, b))
	overdue, err = store.FindOverdueBarriers(ctx, deadline.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, overdue)

	_, err = store.GetBarrier(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrBarrierNotFound)
}

func testCursor(t *testing.T, store ports.Store) {
	ctx := context.Background()
	c := &domain.ConcurrentChildInstance{
		ParentID:                 "parent",
		ChildrenNodeExecutionIDs: []string{"c1", "c2", "c3"},
		Cursor:                   1,
		MaxConcurrency:           2,
		CreatedAt:                created,
		UpdatedAt:                created,
	}
	require.NoError(t, store.SaveConcurrentChildInstance(ctx, c))

	got, err := store.GetConcurrentChildInstance(ctx, "parent")
	require.NoError(t, err)
	assert.Equal(t, c, got)

	for _, want := range []int{2, 3, 3, 3} {
		next, err := store.IncrementCursor(ctx, "parent")
		require.NoError(t, err)
		assert.Equal(t, want, next.Cursor)
	}

	require.NoError(t, store.DeleteConcurrentChildInstance(ctx, "parent"))
	_, err = store.IncrementCursor(ctx, "parent")
	assert.ErrorIs(t, err, domain.ErrMissingConcurrencyState)
	_, err = store.GetConcurrentChildInstance(ctx, "parent")
	assert.ErrorIs(t, err, domain.ErrMissingConcurrencyState)
}

func testRestraints(t *testing.T, store ports.Store) {
	ctx := context.Background()
	r := &domain.ResourceRestraint{ID: "r1", Name: "deploy-slots", Capacity: 2}
	require.NoError(t, store.SaveRestraint(ctx, r))
	got, err := store.GetRestraint(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, r, got)

	_, err = store.GetRestraint(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRestraintNotFound)

	first, err := store.NextRestraintOrder(ctx, "prod")
	require.NoError(t, err)
	second, err := store.NextRestraintOrder(ctx, "prod")
	require.NoError(t, err)
	assert.Greater(t, second, first)

	deadline := created.Add(time.Minute)
	active := &domain.ResourceRestraintInstance{
		ID: "i1", RestraintID: "r1", ResourceUnit: "prod", Scope: domain.ScopePipeline,
		ReleaseEntityID: "plan-1", AcquireMode: domain.AcquireAccumulate, Permits: 1,
		Order: second, State: domain.RestraintActive, CreatedAt: created, UpdatedAt: created,
	}
	blocked := &domain.ResourceRestraintInstance{
		ID: "i0", RestraintID: "r1", ResourceUnit: "prod", Scope: domain.ScopePipeline,
		ReleaseEntityID: "plan-2", AcquireMode: domain.AcquireAccumulate, Permits: 2,
		Order: first, State: domain.RestraintBlocked, Deadline: &deadline, CreatedAt: created, UpdatedAt: created,
	}
	require.NoError(t, store.SaveRestraintInstance(ctx, active))
	require.NoError(t, store.SaveRestraintInstance(ctx, blocked))

	listed, err := store.ListRestraintInstances(ctx, "prod")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "i0", listed[0].ID)
	assert.Equal(t, "i1", listed[1].ID)

	byEntity, err := store.FindRestraintInstancesByReleaseEntity(ctx, "plan-1")
	require.NoError(t, err)
	require.Len(t, byEntity, 1)
	assert.Equal(t, active, byEntity[0])

	overdue, err := store.FindOverdueRestraintInstances(ctx, deadline)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "i0", overdue[0].ID)

	active.State = domain.RestraintFinished
	require.NoError(t, store.SaveRestraintInstance(ctx, active))
	listed, err = store.ListRestraintInstances(ctx, "prod")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "i0", listed[0].ID)

	byEntity, err = store.FindRestraintInstancesByReleaseEntity(ctx, "plan-1")
	require.NoError(t, err)
	assert.Empty(t, byEntity)

	_, err = store.GetRestraintInstance(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRestraintInstanceNotFound)
}

func testWaits(t *testing.T, store ports.Store) {
	ctx := context.Background()
	w := &domain.WaitInstance{
		ID:             "w1",
		OwnerID:        "n1",
		CorrelationIDs: []string{"c1", "c2"},
		Callback:       domain.CallbackSpec{Kind: "engine.resume", NodeExecutionID: "n1", Params: map[string]string{"a": "b"}},
		CreatedAt:      created,
	}
	require.NoError(t, store.SaveWaitInstance(ctx, w))

	found, err := store.FindWaitInstances(ctx, "c2")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, w, found[0])

	owned, err := store.FindWaitInstancesByOwner(ctx, "n1")
	require.NoError(t, err)
	assert.Len(t, owned, 1)

	require.NoError(t, store.SaveResponse(ctx, domain.ResponseData{CorrelationID: "c1", Status: domain.StatusSucceeded, Data: map[string]interface{}{"out": "ok"}}))
	responses, err := store.GetResponses(ctx, []string{"c1", "c2"})
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "ok", responses["c1"].Data["out"])

	claimed, err := store.ClaimWaitInstance(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = store.ClaimWaitInstance(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, claimed)

	found, err = store.FindWaitInstances(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, found)
}

//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/agent"
	"github.com/agentrun/agentrun/event"
	"github.com/agentrun/agentrun/graph"
	"github.com/agentrun/agentrun/internal/clock"
	"github.com/agentrun/agentrun/store/inmemory"
)

// noopStarter records started children without executing them.
type noopStarter struct {
	mu      sync.Mutex
	started []string
}

func (s *noopStarter) StartChildRun(_ context.Context, run *agent.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, run.ID)
	return nil
}

// cancelRecorder records NotifyCancel calls.
type cancelRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (c *cancelRecorder) NotifyCancel(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, runID)
}

func seedRun(t *testing.T, st *inmemory.Store, run *agent.Run) *agent.Run {
	t.Helper()
	created, err := st.CreateRun(context.Background(), run)
	require.NoError(t, err)
	return created
}

func parentRun() *agent.Run {
	return &agent.Run{
		ID:        "parent-1",
		TenantID:  "t1",
		AgentID:   "agent-p",
		Status:    agent.RunStatusRunning,
		RootRunID: "parent-1",
	}
}

func markStatus(t *testing.T, st *inmemory.Store, id string, status agent.RunStatus) {
	t.Helper()
	require.NoError(t, st.UpdateRunStatus(context.Background(), id, status, nil))
}

func TestSpawnRunLineage(t *testing.T) {
	st := inmemory.New()
	starter := &noopStarter{}
	k := New(st, starter)
	seedRun(t, st, parentRun())

	res, err := k.SpawnRun(context.Background(), &graph.SpawnRunRequest{
		CallerRunID:    "parent-1",
		ParentNodeID:   "spawn-node",
		TargetAgentID:  "agent-c",
		Input:          map[string]any{"task": "summarize"},
		IdempotencyKey: "task-1",
	})
	require.NoError(t, err)
	require.Len(t, res.SpawnedRunIDs, 1)
	assert.False(t, res.Idempotent)

	child, err := st.GetRun(context.Background(), res.SpawnedRunIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "parent-1", child.ParentRunID)
	assert.Equal(t, "parent-1", child.RootRunID)
	assert.Equal(t, "spawn-node", child.ParentNodeID)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, "task-1", child.SpawnKey)
	assert.Equal(t, "t1", child.TenantID)
	assert.Equal(t, []string{child.ID}, starter.started)
}

func TestSpawnRunIdempotency(t *testing.T) {
	st := inmemory.New()
	k := New(st, &noopStarter{})
	seedRun(t, st, parentRun())

	req := &graph.SpawnRunRequest{
		CallerRunID:    "parent-1",
		TargetAgentID:  "agent-c",
		IdempotencyKey: "same-key",
	}
	first, err := k.SpawnRun(context.Background(), req)
	require.NoError(t, err)
	second, err := k.SpawnRun(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.SpawnedRunIDs, second.SpawnedRunIDs)
	assert.True(t, second.Idempotent)

	children, err := st.ListChildren(context.Background(), "parent-1")
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestSpawnRunScopeViolation(t *testing.T) {
	st := inmemory.New()
	k := New(st, &noopStarter{})
	seedRun(t, st, parentRun())
	k.BindGrant("parent-1", NewGrant("user-1", []string{"read", "write"}))

	queue := event.NewQueue("parent-1", 0)
	event.Bind("parent-1", event.NewEmitter("parent-1", queue))
	defer event.Unbind("parent-1")

	_, err := k.SpawnRun(context.Background(), &graph.SpawnRunRequest{
		CallerRunID:    "parent-1",
		TargetAgentID:  "agent-c",
		ScopeSubset:    []string{"read", "admin"},
		IdempotencyKey: "k1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScopeNotSubset)

	// No child run was created.
	children, err := st.ListChildren(context.Background(), "parent-1")
	require.NoError(t, err)
	assert.Empty(t, children)

	var deny *event.Event
	for {
		e, ok := queue.TryGet()
		if !ok {
			break
		}
		if e.Event == event.KindOrchPolicyDeny {
			deny = e
		}
	}
	require.NotNil(t, deny, "policy_deny event expected")
	assert.Equal(t, DenyScopeNotSubset, deny.Data["reason"])
}

func TestSpawnRunPolicyLimits(t *testing.T) {
	st := inmemory.New()
	k := New(st, &noopStarter{}, WithPolicy(Policy{
		MaxChildrenPerParent: 1,
		MaxSubtreeDepth:      2,
	}))
	seedRun(t, st, parentRun())

	_, err := k.SpawnRun(context.Background(), &graph.SpawnRunRequest{
		CallerRunID: "parent-1", TargetAgentID: "agent-c", IdempotencyKey: "a",
	})
	require.NoError(t, err)

	_, err = k.SpawnRun(context.Background(), &graph.SpawnRunRequest{
		CallerRunID: "parent-1", TargetAgentID: "agent-c", IdempotencyKey: "b",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPolicyDenied)
}

func TestSpawnRunDepthLimit(t *testing.T) {
	st := inmemory.New()
	k := New(st, &noopStarter{}, WithPolicy(Policy{MaxSubtreeDepth: 1}))
	seedRun(t, st, parentRun())

	res, err := k.SpawnRun(context.Background(), &graph.SpawnRunRequest{
		CallerRunID: "parent-1", TargetAgentID: "agent-c", IdempotencyKey: "a",
	})
	require.NoError(t, err)
	childID := res.SpawnedRunIDs[0]
	markStatus(t, st, childID, agent.RunStatusRunning)

	_, err = k.SpawnRun(context.Background(), &graph.SpawnRunRequest{
		CallerRunID: childID, TargetAgentID: "agent-g", IdempotencyKey: "a",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPolicyDenied)
}

func spawnGroup(t *testing.T, k *Kernel, n int, mode string, quorum int) *graph.SpawnGroupResult {
	t.Helper()
	targets := make([]graph.SpawnTarget, n)
	for i := range targets {
		targets[i] = graph.SpawnTarget{AgentID: "agent-c"}
	}
	res, err := k.SpawnGroup(context.Background(), &graph.SpawnGroupRequest{
		CallerRunID:       "parent-1",
		ParentNodeID:      "fanout",
		Targets:           targets,
		JoinMode:          mode,
		QuorumThreshold:   quorum,
		IdempotencyPrefix: "batch",
	})
	require.NoError(t, err)
	require.Len(t, res.SpawnedRunIDs, n)
	return res
}

func TestSpawnGroupOrdinalKeys(t *testing.T) {
	st := inmemory.New()
	k := New(st, &noopStarter{})
	seedRun(t, st, parentRun())

	res := spawnGroup(t, k, 3, JoinBestEffort, 0)
	children, err := st.ListChildren(context.Background(), "parent-1")
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, "batch:0", children[0].SpawnKey)
	assert.Equal(t, "batch:1", children[1].SpawnKey)
	assert.Equal(t, "batch:2", children[2].SpawnKey)
	for _, c := range children {
		assert.Equal(t, res.GroupID, c.OrchestrationGroupID)
	}
}

func TestJoinQuorumCancelsRemainder(t *testing.T) {
	st := inmemory.New()
	notifier := &cancelRecorder{}
	k := New(st, &noopStarter{}, WithCancelNotifier(notifier))
	seedRun(t, st, parentRun())

	res := spawnGroup(t, k, 5, JoinQuorum, 3)
	for _, id := range res.SpawnedRunIDs[:3] {
		markStatus(t, st, id, agent.RunStatusCompleted)
	}

	jr, err := k.Join(context.Background(), &graph.JoinRequest{
		CallerRunID: "parent-1",
		GroupID:     res.GroupID,
	})
	require.NoError(t, err)
	assert.Equal(t, GroupCompleted, jr.Status)
	assert.True(t, jr.Complete)
	assert.Equal(t, 3, jr.SuccessCount)
	assert.True(t, jr.CancellationPropagated)
	assert.ElementsMatch(t, res.SpawnedRunIDs[3:], jr.CancelledRunIDs)

	for _, id := range res.SpawnedRunIDs[3:] {
		run, err := st.GetRun(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, agent.RunStatusCancelled, run.Status)
		assert.Equal(t, ReasonJoinQuorumReached, run.ErrorMessage)
		require.NotNil(t, run.CompletedAt)
	}

	group, ok := k.Group(res.GroupID)
	require.True(t, ok)
	assert.Equal(t, GroupCompleted, group.Status)
	require.NotNil(t, group.CompletedAt)
}

func TestJoinFailFast(t *testing.T) {
	st := inmemory.New()
	k := New(st, &noopStarter{})
	seedRun(t, st, parentRun())

	queue := event.NewQueue("parent-1", 0)
	event.Bind("parent-1", event.NewEmitter("parent-1", queue))
	defer event.Unbind("parent-1")

	res := spawnGroup(t, k, 3, JoinFailFast, 0)
	markStatus(t, st, res.SpawnedRunIDs[1], agent.RunStatusFailed)

	jr, err := k.Join(context.Background(), &graph.JoinRequest{
		CallerRunID: "parent-1",
		GroupID:     res.GroupID,
	})
	require.NoError(t, err)
	assert.Equal(t, GroupFailed, jr.Status)
	assert.Equal(t, 1, jr.FailureCount)
	assert.ElementsMatch(t,
		[]string{res.SpawnedRunIDs[0], res.SpawnedRunIDs[2]}, jr.CancelledRunIDs)

	for _, id := range jr.CancelledRunIDs {
		run, err := st.GetRun(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, ReasonJoinFailFast, run.ErrorMessage)
	}

	// Exactly one cancellation_propagation event for the whole join.
	var cancellations int
	for {
		e, ok := queue.TryGet()
		if !ok {
			break
		}
		if e.Event == event.KindOrchCancellation {
			cancellations++
		}
	}
	assert.Equal(t, 1, cancellations)
}

func TestJoinBestEffort(t *testing.T) {
	st := inmemory.New()
	k := New(st, &noopStarter{})
	seedRun(t, st, parentRun())

	res := spawnGroup(t, k, 3, JoinBestEffort, 0)
	markStatus(t, st, res.SpawnedRunIDs[0], agent.RunStatusCompleted)
	markStatus(t, st, res.SpawnedRunIDs[1], agent.RunStatusCompleted)
	markStatus(t, st, res.SpawnedRunIDs[2], agent.RunStatusFailed)

	jr, err := k.Join(context.Background(), &graph.JoinRequest{
		CallerRunID: "parent-1",
		GroupID:     res.GroupID,
	})
	require.NoError(t, err)
	assert.Equal(t, GroupCompletedWithErrors, jr.Status)
	assert.Equal(t, 2, jr.SuccessCount)
	assert.Equal(t, 1, jr.FailureCount)
	assert.False(t, jr.CancellationPropagated)
}

func TestJoinFirstSuccess(t *testing.T) {
	st := inmemory.New()
	k := New(st, &noopStarter{})
	seedRun(t, st, parentRun())

	res := spawnGroup(t, k, 3, JoinFirstSuccess, 0)
	markStatus(t, st, res.SpawnedRunIDs[2], agent.RunStatusCompleted)

	jr, err := k.Join(context.Background(), &graph.JoinRequest{
		CallerRunID: "parent-1",
		GroupID:     res.GroupID,
	})
	require.NoError(t, err)
	assert.Equal(t, GroupCompleted, jr.Status)
	assert.Equal(t, 1, jr.SuccessCount)
	assert.ElementsMatch(t, res.SpawnedRunIDs[:2], jr.CancelledRunIDs)
}

func TestJoinTimeout(t *testing.T) {
	st := inmemory.New()
	fake := clock.NewFake(time.Unix(1000, 0))
	k := New(st, &noopStarter{}, WithClock(fake))
	seedRun(t, st, parentRun())

	// Nobody ever completes; the fake clock advances on each poll sleep.
	res := spawnGroup(t, k, 2, JoinBestEffort, 0)

	jr, err := k.Join(context.Background(), &graph.JoinRequest{
		CallerRunID:    "parent-1",
		GroupID:        res.GroupID,
		TimeoutSeconds: 0.1,
	})
	require.NoError(t, err)
	assert.Equal(t, GroupTimedOut, jr.Status)
	assert.True(t, jr.Complete)
	assert.Len(t, jr.CancelledRunIDs, 2)

	for _, id := range res.SpawnedRunIDs {
		run, err := st.GetRun(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, ReasonJoinTimedOut, run.ErrorMessage)
	}
}

func TestJoinTerminalGroupIsIdempotent(t *testing.T) {
	st := inmemory.New()
	k := New(st, &noopStarter{})
	seedRun(t, st, parentRun())

	res := spawnGroup(t, k, 1, JoinBestEffort, 0)
	markStatus(t, st, res.SpawnedRunIDs[0], agent.RunStatusCompleted)

	first, err := k.Join(context.Background(), &graph.JoinRequest{
		CallerRunID: "parent-1", GroupID: res.GroupID,
	})
	require.NoError(t, err)
	second, err := k.Join(context.Background(), &graph.JoinRequest{
		CallerRunID: "parent-1", GroupID: res.GroupID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.True(t, second.Complete)
}

func TestJoinUnknownGroup(t *testing.T) {
	k := New(inmemory.New(), &noopStarter{})
	_, err := k.Join(context.Background(), &graph.JoinRequest{GroupID: "missing"})
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestCancelSubtreeBFS(t *testing.T) {
	st := inmemory.New()
	notifier := &cancelRecorder{}
	k := New(st, &noopStarter{}, WithCancelNotifier(notifier))
	seedRun(t, st, parentRun())
	seedRun(t, st, &agent.Run{
		ID: "child-1", TenantID: "t1", AgentID: "a", Status: agent.RunStatusRunning,
		RootRunID: "parent-1", ParentRunID: "parent-1", Depth: 1, SpawnKey: "c1",
	})
	seedRun(t, st, &agent.Run{
		ID: "grand-1", TenantID: "t1", AgentID: "a", Status: agent.RunStatusRunning,
		RootRunID: "parent-1", ParentRunID: "child-1", Depth: 2, SpawnKey: "g1",
	})
	seedRun(t, st, &agent.Run{
		ID: "done-1", TenantID: "t1", AgentID: "a", Status: agent.RunStatusCompleted,
		RootRunID: "parent-1", ParentRunID: "parent-1", Depth: 1, SpawnKey: "c2",
	})

	queue := event.NewQueue("parent-1", 0)
	event.Bind("parent-1", event.NewEmitter("parent-1", queue))
	defer event.Unbind("parent-1")

	res, err := k.CancelSubtree(context.Background(), "parent-1", false, "operator_requested")
	require.NoError(t, err)
	assert.Equal(t, 2, res.CancelledCount)
	assert.ElementsMatch(t, []string{"child-1", "grand-1"}, res.CancelledRunIDs)

	root, _ := st.GetRun(context.Background(), "parent-1")
	assert.Equal(t, agent.RunStatusRunning, root.Status, "include_root=false leaves the root alone")

	completed, _ := st.GetRun(context.Background(), "done-1")
	assert.Equal(t, agent.RunStatusCompleted, completed.Status, "completed runs are untouched")

	// Repeating the call reports the same cancelled set without
	// re-notifying or re-emitting.
	again, err := k.CancelSubtree(context.Background(), "parent-1", false, "operator_requested")
	require.NoError(t, err)
	assert.Equal(t, res.CancelledCount, again.CancelledCount)
	assert.ElementsMatch(t, res.CancelledRunIDs, again.CancelledRunIDs)
	assert.ElementsMatch(t, []string{"child-1", "grand-1"}, notifier.ids,
		"each run is notified exactly once")

	var propagations int
	for {
		e, ok := queue.TryGet()
		if !ok {
			break
		}
		if e.Event == event.KindOrchCancellation {
			propagations++
		}
	}
	assert.Equal(t, 1, propagations)
}

func TestEvaluateAndReplan(t *testing.T) {
	st := inmemory.New()
	k := New(st, &noopStarter{})
	seedRun(t, st, parentRun())

	res, err := k.EvaluateAndReplan(context.Background(), "parent-1")
	require.NoError(t, err)
	assert.False(t, res.NeedsReplan)
	assert.Equal(t, "continue", res.SuggestedAction)

	seedRun(t, st, &agent.Run{
		ID: "child-1", TenantID: "t1", AgentID: "a", Status: agent.RunStatusFailed,
		RootRunID: "parent-1", ParentRunID: "parent-1", SpawnKey: "c1",
	})
	res, err = k.EvaluateAndReplan(context.Background(), "parent-1")
	require.NoError(t, err)
	assert.True(t, res.NeedsReplan)
	assert.Equal(t, []string{"child-1"}, res.FailedChildren)
	assert.Equal(t, "replan", res.SuggestedAction)
}

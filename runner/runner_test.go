//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/agent"
	"github.com/agentrun/agentrun/event"
	"github.com/agentrun/agentrun/graph"
	"github.com/agentrun/agentrun/model"
	"github.com/agentrun/agentrun/store/inmemory"
	"github.com/agentrun/agentrun/tool"
)

// scriptProvider replays one pre-scripted chunk sequence per call.
type scriptProvider struct {
	mu    sync.Mutex
	turns [][]*model.Chunk
	calls int
}

func (p *scriptProvider) StreamChat(_ context.Context, _ string, _ *model.Request) (<-chan *model.Chunk, error) {
	p.mu.Lock()
	turn := p.turns[p.calls%len(p.turns)]
	p.calls++
	p.mu.Unlock()
	ch := make(chan *model.Chunk, len(turn))
	for _, c := range turn {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func greeterAgent() *agent.Definition {
	return &agent.Definition{
		ID:       "greeter",
		TenantID: "t1",
		Slug:     "greeter",
		Version:  1,
		Status:   agent.StatusPublished,
		Graph: &graph.Graph{
			Nodes: []graph.Node{
				{ID: "start", Type: graph.NodeTypeStart},
				{ID: "set", Type: graph.NodeTypeSetState, Config: map[string]any{
					"assignments": map[string]any{"greeting": "hello {{state.user}}"},
				}},
				{ID: "end", Type: graph.NodeTypeEnd, Config: map[string]any{
					"output_message": "{{state.greeting}}",
				}},
			},
			Edges: []graph.Edge{
				{ID: "e1", Source: "start", Target: "set"},
				{ID: "e2", Source: "set", Target: "end"},
			},
		},
	}
}

func drain(t *testing.T, ch <-chan *event.Event) []*event.Event {
	t.Helper()
	var out []*event.Event
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func kindsOf(events []*event.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Event)
	}
	return out
}

func TestRunAndStreamProduction(t *testing.T) {
	st := inmemory.New()
	st.PutAgent(greeterAgent())
	r := New(st)

	run, err := r.StartRun(context.Background(), "greeter", map[string]any{"user": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, agent.RunStatusQueued, run.Status)
	assert.Equal(t, run.ID, run.RootRunID)

	ch, err := r.RunAndStream(context.Background(), run.ID, event.ModeProduction)
	require.NoError(t, err)
	events := drain(t, ch)
	r.Wait()

	// Production hides node boundaries; only run_status remains here.
	assert.Equal(t, []string{event.KindRunStatus, event.KindRunStatus}, kindsOf(events))
	assert.Equal(t, string(agent.RunStatusRunning), events[0].Data["status"])
	assert.Equal(t, string(agent.RunStatusCompleted), events[1].Data["status"])

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.RunStatusCompleted, stored.Status)
	assert.Equal(t, "hello Ada", stored.OutputResult["final_output"])
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.CompletedAt)
}

func TestRunAndStreamDebugShowsNodeBoundaries(t *testing.T) {
	st := inmemory.New()
	st.PutAgent(greeterAgent())
	r := New(st)

	run, err := r.StartRun(context.Background(), "greeter", nil)
	require.NoError(t, err)
	ch, err := r.RunAndStream(context.Background(), run.ID, event.ModeDebug)
	require.NoError(t, err)
	events := drain(t, ch)
	r.Wait()

	assert.Equal(t, []string{
		event.KindRunStatus,
		event.KindNodeStart, event.KindNodeEnd,
		event.KindNodeStart, event.KindNodeEnd,
		event.KindNodeStart, event.KindNodeEnd,
		event.KindRunStatus,
	}, kindsOf(events))
}

func TestRunAndStreamRejectsNonQueued(t *testing.T) {
	st := inmemory.New()
	st.PutAgent(greeterAgent())
	r := New(st)

	run, err := r.StartRun(context.Background(), "greeter", nil)
	require.NoError(t, err)
	ch, err := r.RunAndStream(context.Background(), run.ID, event.ModeProduction)
	require.NoError(t, err)
	drain(t, ch)
	r.Wait()

	_, err = r.RunAndStream(context.Background(), run.ID, event.ModeProduction)
	assert.ErrorIs(t, err, ErrRunNotStartable)
}

func TestRunnerInterruptPauseAndResume(t *testing.T) {
	st := inmemory.New()
	st.PutAgent(&agent.Definition{
		ID: "approver", TenantID: "t1", Slug: "approver", Version: 1,
		Status: agent.StatusPublished,
		Graph: &graph.Graph{
			Nodes: []graph.Node{
				{ID: "start", Type: graph.NodeTypeStart},
				{ID: "approve", Type: graph.NodeTypeUserApproval},
				{ID: "end", Type: graph.NodeTypeEnd, Config: map[string]any{
					"output_message": "approved={{state.approved}}",
				}},
			},
			Edges: []graph.Edge{
				{ID: "e1", Source: "start", Target: "approve"},
				{ID: "e2", Source: "approve", Target: "end"},
			},
		},
	})
	r := New(st, WithCheckpointSaver(graph.NewInMemorySaver()))

	run, err := r.StartRun(context.Background(), "approver", nil)
	require.NoError(t, err)
	ch, err := r.RunAndStream(context.Background(), run.ID, event.ModeDebug)
	require.NoError(t, err)
	first := drain(t, ch)
	r.Wait()

	last := first[len(first)-1]
	assert.Equal(t, event.KindRunStatus, last.Event)
	assert.Equal(t, string(agent.RunStatusPaused), last.Data["status"])
	assert.Equal(t, "approve", last.Data["interrupt_node_id"])

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.RunStatusPaused, stored.Status)

	// Resuming before pause is rejected for any non-paused run; a second
	// resume after completion hits the same guard.
	ch, err = r.Resume(context.Background(), run.ID, map[string]any{"approved": true}, event.ModeDebug)
	require.NoError(t, err)
	second := drain(t, ch)
	r.Wait()

	var starts []string
	for _, e := range append(first, second...) {
		if e.Event == event.KindNodeStart {
			starts = append(starts, e.Name)
		}
	}
	// The interrupted node is announced exactly once across both drives.
	assert.Equal(t, []string{"start", "approve", "end"}, starts)

	stored, err = st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.RunStatusCompleted, stored.Status)
	assert.Equal(t, "approved=true", stored.OutputResult["final_output"])

	_, err = r.Resume(context.Background(), run.ID, nil, event.ModeDebug)
	assert.ErrorIs(t, err, ErrRunNotResumable)
}

func TestRunnerAgentTokensAndToolRetry(t *testing.T) {
	provider := &scriptProvider{turns: [][]*model.Chunk{
		{
			{Delta: "looking"},
			{Done: true, Content: "looking", ToolCalls: []model.ToolCall{
				{ID: "c1", Name: "flaky", Arguments: []byte(`{"q":"x"}`)},
			}},
		},
		{
			{Delta: "found "},
			{Delta: "it"},
			{Done: true, Content: "found it"},
		},
	}}

	attempts := 0
	flaky := &tool.Definition{
		ID: "tool-flaky", Slug: "flaky", Status: tool.StatusActive,
		Type: tool.ImplementationBuiltin,
		Execution: tool.ExecutionConfig{
			Retry: tool.RetryConfig{
				MaxAttempts:       3,
				InitialDelayMs:    1,
				MaxDelayMs:        5,
				BackoffMultiplier: 2,
			},
			FailurePolicy: tool.Continue,
		},
		Handler: tool.HandlerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("transient")
			}
			return map[string]any{"hit": true}, nil
		}),
	}

	st := inmemory.New()
	st.PutAgent(&agent.Definition{
		ID: "searcher", TenantID: "t1", Slug: "searcher", Version: 1,
		Status: agent.StatusPublished,
		Graph: &graph.Graph{
			Nodes: []graph.Node{
				{ID: "start", Type: graph.NodeTypeStart},
				{ID: "assistant", Type: graph.NodeTypeAgent, Config: map[string]any{
					"model_id": "test-model",
					"tools":    []any{"flaky"},
				}},
				{ID: "end", Type: graph.NodeTypeEnd, Config: map[string]any{
					"output_message": "{{upstream.assistant.text}}",
				}},
			},
			Edges: []graph.Edge{
				{ID: "e1", Source: "start", Target: "assistant"},
				{ID: "e2", Source: "assistant", Target: "end"},
			},
		},
	})
	r := New(st, WithProvider(provider))
	r.RegisterTool(flaky)

	run, err := r.StartRun(context.Background(), "searcher", nil)
	require.NoError(t, err)
	ch, err := r.RunAndStream(context.Background(), run.ID, event.ModeDebug)
	require.NoError(t, err)
	events := drain(t, ch)
	r.Wait()

	var tokens []string
	var toolEnd *event.Event
	var reasoning []string
	for _, e := range events {
		switch e.Event {
		case event.KindToken:
			tokens = append(tokens, e.Data["content"].(string))
		case event.KindToolEnd:
			toolEnd = e
		case event.KindReasoning:
			reasoning = append(reasoning, e.Data["status"].(string))
		}
	}
	assert.Equal(t, []string{"looking", "found ", "it"}, tokens)
	require.NotNil(t, toolEnd)
	assert.EqualValues(t, 2, toolEnd.Data["attempt_count"])
	// Debug mode synthesizes reasoning around the tool lifecycle.
	assert.Equal(t, []string{event.ReasoningActive, event.ReasoningComplete}, reasoning)

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.RunStatusCompleted, stored.Status)
	assert.Equal(t, "found it", stored.OutputResult["final_output"])
}

func TestRunnerSpawnGroupAndJoin(t *testing.T) {
	st := inmemory.New()
	st.PutAgent(greeterAgent())
	st.PutAgent(&agent.Definition{
		ID: "coordinator", TenantID: "t1", Slug: "coordinator", Version: 1,
		Status: agent.StatusPublished,
		Graph: &graph.Graph{
			Nodes: []graph.Node{
				{ID: "start", Type: graph.NodeTypeStart},
				{ID: "fanout", Type: graph.NodeTypeSpawnGroup, Config: map[string]any{
					"targets": []any{
						map[string]any{"agent_id": "greeter", "input": map[string]any{"user": "a"}},
						map[string]any{"agent_id": "greeter", "input": map[string]any{"user": "b"}},
					},
					"join_mode":          "best_effort",
					"idempotency_prefix": "fan",
				}},
				{ID: "gather", Type: graph.NodeTypeJoin, InputMappings: map[string]string{
					"group_id": "{{upstream.fanout.group_id}}",
				}},
				{ID: "end", Type: graph.NodeTypeEnd, Config: map[string]any{
					"output_message": "{{upstream.gather.status}}",
				}},
			},
			Edges: []graph.Edge{
				{ID: "e1", Source: "start", Target: "fanout"},
				{ID: "e2", Source: "fanout", Target: "gather"},
				{ID: "e3", Source: "gather", Target: "end"},
			},
		},
	})
	r := New(st)

	run, err := r.StartRun(context.Background(), "coordinator", nil,
		WithScopes([]string{"read"}), WithUserID("user-1"))
	require.NoError(t, err)
	ch, err := r.RunAndStream(context.Background(), run.ID, event.ModeDebug)
	require.NoError(t, err)
	events := drain(t, ch)
	r.Wait()

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.RunStatusCompleted, stored.Status)
	assert.Equal(t, "completed", stored.OutputResult["final_output"])

	children, err := st.ListChildren(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, c := range children {
		assert.Equal(t, agent.RunStatusCompleted, c.Status)
		assert.Equal(t, run.ID, c.RootRunID)
		assert.Equal(t, 1, c.Depth)
		assert.NotEmpty(t, c.OrchestrationGroupID)
		assert.NotEmpty(t, c.DelegationGrantID)
	}

	var spawns, joins int
	for _, e := range events {
		switch e.Event {
		case event.KindOrchSpawnDecision:
			spawns++
		case event.KindOrchJoinDecision:
			joins++
		}
	}
	assert.Equal(t, 2, spawns)
	assert.Equal(t, 1, joins)
}

func TestAbandonedStreamReleasesDrain(t *testing.T) {
	st := inmemory.New()
	st.PutAgent(&agent.Definition{
		ID: "spinner", TenantID: "t1", Slug: "spinner", Version: 1,
		Status: agent.StatusPublished,
		Graph: &graph.Graph{
			Nodes: []graph.Node{
				{ID: "start", Type: graph.NodeTypeStart},
				{ID: "spin", Type: graph.NodeTypeWhile, Config: map[string]any{"condition": "true"}},
				{ID: "end", Type: graph.NodeTypeEnd},
			},
			Edges: []graph.Edge{
				{ID: "e1", Source: "start", Target: "spin"},
				{ID: "e2", Source: "spin", Target: "spin", SourceHandle: graph.BranchLoop},
				{ID: "e3", Source: "spin", Target: "end", SourceHandle: graph.BranchExit},
			},
		},
	})
	r := New(st)

	ctx, cancel := context.WithCancel(context.Background())
	run, err := r.StartRun(ctx, "spinner", nil)
	require.NoError(t, err)

	// The spinning graph emits far more events than the consumer buffer
	// holds; the consumer never reads and walks away instead.
	_, err = r.RunAndStream(ctx, run.ID, event.ModeDebug)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	cancel()

	// Without the context escape on the send path this never returns.
	r.Wait()

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.RunStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "step budget")
}

func TestRunnerCancelSubtree(t *testing.T) {
	st := inmemory.New()
	st.PutAgent(greeterAgent())
	r := New(st)
	ctx := context.Background()

	run, err := r.StartRun(ctx, "greeter", nil)
	require.NoError(t, err)

	// Cancel before the run ever streams; include_root flips the row.
	res, err := r.CancelSubtree(ctx, run.ID, true, "operator_requested")
	require.NoError(t, err)
	assert.Equal(t, 1, res.CancelledCount)

	stored, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.RunStatusCancelled, stored.Status)
	assert.Equal(t, "operator_requested", stored.ErrorMessage)

	_, err = r.RunAndStream(ctx, run.ID, event.ModeProduction)
	assert.ErrorIs(t, err, ErrRunNotStartable)
}

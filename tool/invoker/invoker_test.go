//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package invoker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/event"
	"github.com/agentrun/agentrun/internal/clock"
	"github.com/agentrun/agentrun/tool"
)

func testDef(handler tool.Handler) *tool.Definition {
	return &tool.Definition{
		ID:     "tool-1",
		Slug:   "search",
		Status: tool.StatusActive,
		Type:   tool.ImplementationBuiltin,
		Execution: tool.ExecutionConfig{
			Retry: tool.RetryConfig{
				MaxAttempts:       3,
				InitialDelayMs:    100,
				MaxDelayMs:        5000,
				BackoffMultiplier: 2,
			},
			FailurePolicy:           tool.Continue,
			CircuitBreakerThreshold: 5,
		},
		Handler: handler,
	}
}

func TestInvokeSuccessFirstAttempt(t *testing.T) {
	def := testDef(tool.HandlerFunc(func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"hits": 2}, nil
	}))
	res, err := Invoke(context.Background(), def, map[string]any{"q": "x"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.Equal(t, 1, res.Attempts)
	assert.EqualValues(t, 2, res.Output["hits"])
}

func TestInvokeRetriesWithBackoff(t *testing.T) {
	attempts := 0
	def := testDef(tool.HandlerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	}))
	fake := clock.NewFake(time.Unix(0, 0))
	res, err := Invoke(context.Background(), def, nil, &Context{Clock: fake})
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.Equal(t, 3, res.Attempts)
	// 100ms, then 100ms * 2.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, fake.Slept)
}

func TestInvokeBackoffCapsAtMaxDelay(t *testing.T) {
	def := testDef(tool.HandlerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("always")
	}))
	def.Execution.Retry = tool.RetryConfig{
		MaxAttempts:       4,
		InitialDelayMs:    100,
		MaxDelayMs:        150,
		BackoffMultiplier: 2,
	}
	fake := clock.NewFake(time.Unix(0, 0))
	res, err := Invoke(context.Background(), def, nil, &Context{Clock: fake})
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, 150 * time.Millisecond, 150 * time.Millisecond,
	}, fake.Slept)
}

func TestInvokeExhaustedContinuePolicy(t *testing.T) {
	def := testDef(tool.HandlerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("broken")
	}))
	fake := clock.NewFake(time.Unix(0, 0))
	res, err := Invoke(context.Background(), def, nil, &Context{Clock: fake})
	require.NoError(t, err, "continue policy keeps the failure inside the result")
	assert.True(t, res.Failed())
	assert.Equal(t, CodeToolFailure, res.Code)
	assert.Equal(t, 3, res.Attempts)
}

func TestInvokeFailFastEscalates(t *testing.T) {
	def := testDef(tool.HandlerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("broken")
	}))
	def.Execution.FailurePolicy = tool.FailFast
	fake := clock.NewFake(time.Unix(0, 0))
	_, err := Invoke(context.Background(), def, nil, &Context{Clock: fake})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolFailed)
}

func TestInvokeInputSchemaInvalidIsNotRetried(t *testing.T) {
	attempts := 0
	def := testDef(tool.HandlerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		attempts++
		return map[string]any{}, nil
	}))
	def.InputSchema = map[string]any{
		"type":     "object",
		"required": []any{"query"},
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
		},
	}
	res, err := Invoke(context.Background(), def, map[string]any{"wrong": 1}, nil)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, CodeSchemaInvalid, res.Code)
	assert.Zero(t, attempts, "handler must not run on schema failure")
}

func TestInvokeOutputSchemaValidated(t *testing.T) {
	def := testDef(tool.HandlerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"count": "not-a-number"}, nil
	}))
	def.OutputSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"count": map[string]any{"type": "integer"},
		},
	}
	res, err := Invoke(context.Background(), def, nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, CodeSchemaInvalid, res.Code)
}

func TestInvokeAttemptTimeout(t *testing.T) {
	def := testDef(tool.HandlerFunc(func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	def.Execution.TimeoutSeconds = 0.01
	def.Execution.Retry.MaxAttempts = 1

	res, err := Invoke(context.Background(), def, nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, CodeTimeout, res.Code)
}

func TestInvokeCircuitBreaker(t *testing.T) {
	def := testDef(tool.HandlerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("down")
	}))
	def.Execution.Retry.MaxAttempts = 1
	def.Execution.CircuitBreakerThreshold = 2

	breaker := NewBreaker()
	fake := clock.NewFake(time.Unix(0, 0))
	ic := &Context{Breaker: breaker, Clock: fake}

	for i := 0; i < 2; i++ {
		res, err := Invoke(context.Background(), def, nil, ic)
		require.NoError(t, err)
		assert.Equal(t, CodeToolFailure, res.Code)
	}
	require.True(t, breaker.Disabled("search"))

	res, err := Invoke(context.Background(), def, nil, ic)
	require.NoError(t, err)
	assert.Equal(t, CodeCircuitOpen, res.Code)
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	b := NewBreaker()
	b.RecordFailure("t", 3)
	b.RecordFailure("t", 3)
	b.RecordSuccess("t")
	b.RecordFailure("t", 3)
	b.RecordFailure("t", 3)
	assert.False(t, b.Disabled("t"))
	b.RecordFailure("t", 3)
	assert.True(t, b.Disabled("t"))
}

func TestInvokeEmitsToolLifecycle(t *testing.T) {
	def := testDef(tool.HandlerFunc(func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}))
	queue := event.NewQueue("run-1", 0)
	ic := &Context{
		RunID:   "run-1",
		NodeID:  "n1",
		SpanID:  "s1",
		Emitter: event.NewEmitter("run-1", queue),
	}
	_, err := Invoke(context.Background(), def, map[string]any{"q": "x"}, ic)
	require.NoError(t, err)

	start, ok := queue.TryGet()
	require.True(t, ok)
	assert.Equal(t, event.KindToolStart, start.Event)
	assert.Equal(t, "search", start.Data["tool_name"])

	end, ok := queue.TryGet()
	require.True(t, ok)
	assert.Equal(t, event.KindToolEnd, end.Event)
	assert.EqualValues(t, 1, end.Data["attempt_count"])
}

//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package graph

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentrun/agentrun/event"
	"github.com/agentrun/agentrun/internal/clock"
	"github.com/agentrun/agentrun/model"
	"github.com/agentrun/agentrun/rag"
	"github.com/agentrun/agentrun/tool"
	"github.com/agentrun/agentrun/tool/invoker"
)

// Span is one recorded execution span.
type Span struct {
	RunID        string
	SpanID       string
	ParentSpanID string
	Name         string
	SpanType     string
	Inputs       map[string]any
	Outputs      map[string]any
	StartTime    time.Time
	EndTime      time.Time
	Metadata     map[string]any
}

// SpanRecorder receives execution spans. Implementations must not block.
type SpanRecorder interface {
	RecordSpan(span *Span)
}

// NopSpanRecorder discards spans.
type NopSpanRecorder struct{}

// RecordSpan implements SpanRecorder.
func (NopSpanRecorder) RecordSpan(*Span) {}

// ExecContext is the per-run ambient context handed to every executor.
// It owns the run-scoped mutable pieces: the cancellation flag, the
// circuit breaker, and the resume payload.
type ExecContext struct {
	RunID    string
	ThreadID string
	TenantID string

	Emitter  event.Emitter
	Provider model.Provider
	Tools    map[string]*tool.Definition
	RAG      rag.Pipeline
	Orch     Orchestrator
	Recorder SpanRecorder
	Clock    clock.Clock

	// Breaker is the per-run tool circuit breaker.
	Breaker *invoker.Breaker

	// cancelled is the cooperative cancellation flag.
	cancelled atomic.Bool

	// resume carries the payload supplied to Resume. It is consumed by
	// the first interrupt node executed after the restart.
	resume    map[string]any
	hasResume bool
}

// NewExecContext creates a context with safe defaults.
func NewExecContext(runID, threadID string) *ExecContext {
	return &ExecContext{
		RunID:    runID,
		ThreadID: threadID,
		Emitter:  event.NopEmitter{},
		Recorder: NopSpanRecorder{},
		Clock:    clock.Real{},
		Breaker:  invoker.NewBreaker(),
		Tools:    make(map[string]*tool.Definition),
	}
}

// Cancel sets the cooperative cancellation flag.
func (ec *ExecContext) Cancel() {
	ec.cancelled.Store(true)
}

// Cancelled reports the cancellation flag.
func (ec *ExecContext) Cancelled() bool {
	return ec.cancelled.Load()
}

// SetResume arms the resume payload for the next interrupt node.
func (ec *ExecContext) SetResume(payload map[string]any) {
	ec.resume = payload
	ec.hasResume = true
}

// takeResume consumes the armed resume payload.
func (ec *ExecContext) takeResume() (map[string]any, bool) {
	if !ec.hasResume {
		return nil, false
	}
	payload := ec.resume
	ec.resume = nil
	ec.hasResume = false
	return payload, true
}

// newSpanID mints a span id.
func newSpanID() string {
	return uuid.New().String()
}

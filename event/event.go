//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package event defines the execution event model shared by the engine,
// the node executors and the orchestration kernel, together with the
// bounded per-run queue and the mode-aware stream filter.
package event

import (
	"time"

	"github.com/agentrun/agentrun/log"
)

// Event kind constants. These are the only kinds the stream filter
// recognizes; unknown kinds are treated as internal.
const (
	KindNodeStart = "node_start"
	KindNodeEnd   = "node_end"
	KindToken     = "token"
	KindToolStart = "on_tool_start"
	KindToolEnd   = "on_tool_end"
	KindRunStatus = "run_status"
	KindError     = "error"
	KindReasoning = "reasoning"

	KindOrchSpawnDecision  = "orchestration.spawn_decision"
	KindOrchChildLifecycle = "orchestration.child_lifecycle"
	KindOrchJoinDecision   = "orchestration.join_decision"
	KindOrchCancellation   = "orchestration.cancellation_propagation"
	KindOrchPolicyDeny     = "orchestration.policy_deny"
)

// Visibility controls which consumer modes see an event.
type Visibility string

const (
	// VisibilityInternal marks events intended for debug consumers only.
	VisibilityInternal Visibility = "internal"
	// VisibilityClientSafe marks events that may reach end clients.
	VisibilityClientSafe Visibility = "client_safe"
)

// Event is the wire-shaped execution event.
type Event struct {
	// Event is the event kind.
	Event string `json:"event"`
	// Data is the kind-specific payload.
	Data map[string]any `json:"data"`
	// RunID identifies the run that produced the event.
	RunID string `json:"run_id"`
	// SpanID is the trace span the event belongs to, if any.
	SpanID string `json:"span_id,omitempty"`
	// Name is an optional human-readable name (node id, tool name).
	Name string `json:"name,omitempty"`
	// Visibility tags who may consume the event.
	Visibility Visibility `json:"visibility"`
	// Metadata carries auxiliary fields that are not part of Data.
	Metadata map[string]any `json:"metadata,omitempty"`
	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`
}

// clientSafeKinds enumerates the kinds that reach production consumers.
var clientSafeKinds = map[string]bool{
	KindToken:     true,
	KindRunStatus: true,
	KindError:     true,
}

var knownKinds = map[string]bool{
	KindNodeStart: true, KindNodeEnd: true, KindToken: true,
	KindToolStart: true, KindToolEnd: true, KindRunStatus: true,
	KindError: true, KindReasoning: true,
	KindOrchSpawnDecision: true, KindOrchChildLifecycle: true,
	KindOrchJoinDecision: true, KindOrchCancellation: true,
	KindOrchPolicyDeny: true,
}

// VisibilityFor returns the visibility for an event kind. Unknown kinds
// map to internal and are logged once per call site at Warn.
func VisibilityFor(kind string) Visibility {
	if !knownKinds[kind] {
		log.Warnf("event: unknown kind %q, treating as internal", kind)
		return VisibilityInternal
	}
	if clientSafeKinds[kind] {
		return VisibilityClientSafe
	}
	return VisibilityInternal
}

// Option configures a new Event.
type Option func(*Event)

// WithSpanID sets the span id on the event.
func WithSpanID(spanID string) Option {
	return func(e *Event) { e.SpanID = spanID }
}

// WithName sets the name on the event.
func WithName(name string) Option {
	return func(e *Event) { e.Name = name }
}

// WithMetadata merges metadata fields into the event.
func WithMetadata(md map[string]any) Option {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			e.Metadata[k] = v
		}
	}
}

// WithVisibility overrides the inferred visibility.
func WithVisibility(v Visibility) Option {
	return func(e *Event) { e.Visibility = v }
}

// New creates a normalized event of the given kind. Visibility is
// inferred from the kind unless overridden with WithVisibility.
func New(runID, kind string, data map[string]any, opts ...Option) *Event {
	if data == nil {
		data = map[string]any{}
	}
	e := &Event{
		Event:      kind,
		Data:       data,
		RunID:      runID,
		Visibility: VisibilityFor(kind),
		Timestamp:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Clone returns a shallow copy of the event with copied Data and
// Metadata maps so filters can annotate without aliasing.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Data = make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		clone.Data[k] = v
	}
	if e.Metadata != nil {
		clone.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

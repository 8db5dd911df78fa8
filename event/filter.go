//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package event

// Mode selects the consumer view of a run's event stream.
type Mode string

const (
	// ModeDebug delivers every event and synthesizes reasoning events
	// from tool lifecycle.
	ModeDebug Mode = "debug"
	// ModeProduction delivers only client-safe events.
	ModeProduction Mode = "production"
)

// Reasoning status values carried by synthesized reasoning events.
const (
	ReasoningActive   = "active"
	ReasoningComplete = "complete"
)

// StreamFilter transforms the raw merged stream into the consumer view
// for one mode. It is stateless apart from the mode flags and safe to
// reuse across events of a single consumer.
type StreamFilter struct {
	mode                Mode
	synthesizeReasoning bool
}

// FilterOption configures a StreamFilter.
type FilterOption func(*StreamFilter)

// WithReasoningSynthesis forces reasoning synthesis on or off,
// overriding the mode default.
func WithReasoningSynthesis(enabled bool) FilterOption {
	return func(f *StreamFilter) { f.synthesizeReasoning = enabled }
}

// NewStreamFilter creates a filter for the given mode. Debug mode
// synthesizes reasoning events by default; production does not.
func NewStreamFilter(mode Mode, opts ...FilterOption) *StreamFilter {
	f := &StreamFilter{
		mode:                mode,
		synthesizeReasoning: mode == ModeDebug,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Apply maps one raw event to zero or more consumer-visible events.
// In production mode internal events are dropped. In debug mode every
// event passes through, and tool lifecycle events are followed by a
// synthesized reasoning event.
func (f *StreamFilter) Apply(e *Event) []*Event {
	if e == nil {
		return nil
	}
	var out []*Event
	if f.mode == ModeDebug || e.Visibility == VisibilityClientSafe {
		out = append(out, e)
	}
	if f.synthesizeReasoning {
		if r := f.reasoningFor(e); r != nil {
			out = append(out, r)
		}
	}
	return out
}

// reasoningFor synthesizes a reasoning event from tool lifecycle, or
// returns nil for other kinds.
func (f *StreamFilter) reasoningFor(e *Event) *Event {
	var status string
	switch e.Event {
	case KindToolStart:
		status = ReasoningActive
	case KindToolEnd:
		status = ReasoningComplete
	default:
		return nil
	}
	toolName, _ := e.Data["tool_name"].(string)
	if toolName == "" {
		toolName = e.Name
	}
	return New(e.RunID, KindReasoning,
		map[string]any{
			"status":    status,
			"tool_name": toolName,
			"source":    e.Event,
		},
		WithSpanID(e.SpanID),
		WithName(toolName),
		// Reasoning is a UI affordance for debug consumers.
		WithVisibility(VisibilityInternal),
	)
}

// Mode returns the filter's mode.
func (f *StreamFilter) Mode() Mode {
	return f.mode
}

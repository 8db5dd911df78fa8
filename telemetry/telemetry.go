//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package telemetry records node execution spans both as OpenTelemetry
// spans and as durable trace rows.
package telemetry

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentrun/agentrun/agent"
	"github.com/agentrun/agentrun/graph"
	"github.com/agentrun/agentrun/log"
	"github.com/agentrun/agentrun/store"
)

// InstrumentName identifies this library to tracer providers.
const InstrumentName = "agentrun"

// Tracer is the tracer used for node spans. Callers wiring a real
// provider replace it after provider setup; the default is a no-op.
var Tracer trace.Tracer = otel.Tracer(InstrumentName)

// Span attribute keys.
var (
	KeyRunID    = attribute.Key("agentrun.run.id")
	KeySpanType = attribute.Key("agentrun.span.type")
	KeyNodeID   = attribute.Key("agentrun.node.id")
	KeyInputs   = attribute.Key("agentrun.span.inputs")
	KeyOutputs  = attribute.Key("agentrun.span.outputs")
)

// Recorder implements graph.SpanRecorder. Each span becomes an otel
// span on Tracer and, when a trace store is configured, a durable
// agent.Trace row.
type Recorder struct {
	traces store.TraceStore
}

// NewRecorder creates a recorder. A nil trace store records otel spans
// only.
func NewRecorder(ts store.TraceStore) *Recorder {
	return &Recorder{traces: ts}
}

// RecordSpan implements graph.SpanRecorder. It must not block the
// engine; failures are logged and swallowed.
func (r *Recorder) RecordSpan(gs *graph.Span) {
	if gs == nil {
		return
	}
	_, span := Tracer.Start(context.Background(), gs.SpanType+" "+gs.Name,
		trace.WithTimestamp(gs.StartTime),
		trace.WithAttributes(
			KeyRunID.String(gs.RunID),
			KeySpanType.String(gs.SpanType),
			KeyNodeID.String(gs.Name),
			KeyInputs.String(compactJSON(gs.Inputs)),
			KeyOutputs.String(compactJSON(gs.Outputs)),
		),
	)
	span.End(trace.WithTimestamp(gs.EndTime))

	if r.traces == nil {
		return
	}
	end := gs.EndTime
	row := &agent.Trace{
		ID:           uuid.New().String(),
		RunID:        gs.RunID,
		SpanID:       gs.SpanID,
		ParentSpanID: gs.ParentSpanID,
		Name:         gs.Name,
		SpanType:     gs.SpanType,
		Inputs:       gs.Inputs,
		Outputs:      gs.Outputs,
		StartTime:    gs.StartTime,
		EndTime:      &end,
		Metadata:     gs.Metadata,
	}
	if err := r.traces.AppendTrace(context.Background(), row); err != nil {
		log.Warnf("telemetry: append trace run=%s span=%s: %v", gs.RunID, gs.SpanID, err)
	}
}

func compactJSON(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(raw)
}

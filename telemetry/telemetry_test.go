//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/graph"
	"github.com/agentrun/agentrun/store/inmemory"
)

func TestRecordSpanAppendsTraceRow(t *testing.T) {
	st := inmemory.New()
	rec := NewRecorder(st)

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(250 * time.Millisecond)
	rec.RecordSpan(&graph.Span{
		RunID:     "run-1",
		SpanID:    "span-1",
		Name:      "assistant",
		SpanType:  "agent",
		Inputs:    map[string]any{"input": "hi"},
		Outputs:   map[string]any{"text": "hello"},
		StartTime: start,
		EndTime:   end,
	})

	rows := st.Traces("run-1")
	require.Len(t, rows, 1)
	row := rows[0]
	assert.NotEmpty(t, row.ID)
	assert.Equal(t, "run-1", row.RunID)
	assert.Equal(t, "span-1", row.SpanID)
	assert.Equal(t, "assistant", row.Name)
	assert.Equal(t, "agent", row.SpanType)
	assert.Equal(t, start, row.StartTime)
	require.NotNil(t, row.EndTime)
	assert.Equal(t, end, *row.EndTime)
	assert.Equal(t, "hi", row.Inputs["input"])
}

func TestRecordSpanWithoutTraceStore(t *testing.T) {
	rec := NewRecorder(nil)
	assert.NotPanics(t, func() {
		rec.RecordSpan(&graph.Span{RunID: "run-1", SpanID: "s", Name: "n", SpanType: "node"})
		rec.RecordSpan(nil)
	})
}

func TestCompactJSON(t *testing.T) {
	assert.Empty(t, compactJSON(nil))
	assert.Empty(t, compactJSON(map[string]any{}))
	assert.JSONEq(t, `{"a":1}`, compactJSON(map[string]any{"a": 1}))
}

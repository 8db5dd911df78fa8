//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package event

import (
	"sync"

	"github.com/agentrun/agentrun/log"
)

// Emitter is the fire-and-forget API node executors and the
// orchestration kernel use to publish events. All methods are
// non-blocking, never return errors and never affect control flow.
type Emitter interface {
	// Emit publishes an already-built event.
	Emit(e *Event)
	// EmitToken publishes a streamed token delta.
	EmitToken(content, nodeID, spanID string)
	// EmitNodeStart publishes the node_start boundary for a node.
	EmitNodeStart(nodeID, nodeType, spanID string)
	// EmitNodeEnd publishes the node_end boundary for a node.
	EmitNodeEnd(nodeID, nodeType, spanID string, data map[string]any)
	// EmitToolStart publishes the on_tool_start lifecycle event.
	EmitToolStart(toolName, nodeID, spanID string, input map[string]any)
	// EmitToolEnd publishes the on_tool_end lifecycle event.
	EmitToolEnd(toolName, nodeID, spanID string, data map[string]any)
	// EmitError publishes a client-safe error event.
	EmitError(message, nodeID string)
	// EmitRunStatus publishes a run_status event.
	EmitRunStatus(status string, data map[string]any)

	// Orchestration lifecycle.
	EmitSpawnDecision(data map[string]any)
	EmitChildLifecycle(childRunID, status string, data map[string]any)
	EmitJoinDecision(groupID string, data map[string]any)
	EmitCancellationPropagation(data map[string]any)
	EmitPolicyDeny(reason string, data map[string]any)
}

// queueEmitter publishes events onto a per-run Queue.
type queueEmitter struct {
	runID string
	queue *Queue
}

// NewEmitter creates an Emitter bound to a run and its queue. A nil
// queue yields a no-op emitter.
func NewEmitter(runID string, queue *Queue) Emitter {
	if queue == nil {
		return NopEmitter{}
	}
	return &queueEmitter{runID: runID, queue: queue}
}

func (qe *queueEmitter) Emit(e *Event) {
	if e == nil {
		return
	}
	if e.RunID == "" {
		e.RunID = qe.runID
	}
	qe.queue.Put(e)
}

func (qe *queueEmitter) EmitToken(content, nodeID, spanID string) {
	qe.Emit(New(qe.runID, KindToken,
		map[string]any{"content": content, "node_id": nodeID},
		WithSpanID(spanID), WithName(nodeID)))
}

func (qe *queueEmitter) EmitNodeStart(nodeID, nodeType, spanID string) {
	qe.Emit(New(qe.runID, KindNodeStart,
		map[string]any{"node_id": nodeID, "node_type": nodeType},
		WithSpanID(spanID), WithName(nodeID)))
}

func (qe *queueEmitter) EmitNodeEnd(nodeID, nodeType, spanID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["node_id"] = nodeID
	data["node_type"] = nodeType
	qe.Emit(New(qe.runID, KindNodeEnd, data, WithSpanID(spanID), WithName(nodeID)))
}

func (qe *queueEmitter) EmitToolStart(toolName, nodeID, spanID string, input map[string]any) {
	qe.Emit(New(qe.runID, KindToolStart,
		map[string]any{"tool_name": toolName, "node_id": nodeID, "input": input},
		WithSpanID(spanID), WithName(toolName)))
}

func (qe *queueEmitter) EmitToolEnd(toolName, nodeID, spanID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["tool_name"] = toolName
	data["node_id"] = nodeID
	qe.Emit(New(qe.runID, KindToolEnd, data, WithSpanID(spanID), WithName(toolName)))
}

func (qe *queueEmitter) EmitError(message, nodeID string) {
	qe.Emit(New(qe.runID, KindError,
		map[string]any{"message": message, "node_id": nodeID},
		WithName(nodeID)))
}

func (qe *queueEmitter) EmitRunStatus(status string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = status
	qe.Emit(New(qe.runID, KindRunStatus, data))
}

func (qe *queueEmitter) EmitSpawnDecision(data map[string]any) {
	qe.Emit(New(qe.runID, KindOrchSpawnDecision, data))
}

func (qe *queueEmitter) EmitChildLifecycle(childRunID, status string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["child_run_id"] = childRunID
	data["status"] = status
	qe.Emit(New(qe.runID, KindOrchChildLifecycle, data))
}

func (qe *queueEmitter) EmitJoinDecision(groupID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["group_id"] = groupID
	qe.Emit(New(qe.runID, KindOrchJoinDecision, data))
}

func (qe *queueEmitter) EmitCancellationPropagation(data map[string]any) {
	qe.Emit(New(qe.runID, KindOrchCancellation, data))
}

func (qe *queueEmitter) EmitPolicyDeny(reason string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["reason"] = reason
	qe.Emit(New(qe.runID, KindOrchPolicyDeny, data))
}

// NopEmitter ignores all emit calls. It is used when a run has no queue
// attached (e.g. fire-and-forget child runs nobody streams).
type NopEmitter struct{}

func (NopEmitter) Emit(*Event)                                    {}
func (NopEmitter) EmitToken(string, string, string)               {}
func (NopEmitter) EmitNodeStart(string, string, string)           {}
func (NopEmitter) EmitNodeEnd(string, string, string, map[string]any) {
}
func (NopEmitter) EmitToolStart(string, string, string, map[string]any) {}
func (NopEmitter) EmitToolEnd(string, string, string, map[string]any)   {}
func (NopEmitter) EmitError(string, string)                             {}
func (NopEmitter) EmitRunStatus(string, map[string]any)                 {}
func (NopEmitter) EmitSpawnDecision(map[string]any)                     {}
func (NopEmitter) EmitChildLifecycle(string, string, map[string]any)    {}
func (NopEmitter) EmitJoinDecision(string, map[string]any)              {}
func (NopEmitter) EmitCancellationPropagation(map[string]any)           {}
func (NopEmitter) EmitPolicyDeny(string, map[string]any)                {}

// ambient is the process-wide registry binding run ids to emitters so
// executors can emit without threading the emitter through every call.
var ambient sync.Map // run id -> Emitter

// Bind registers the emitter for a run id.
func Bind(runID string, em Emitter) {
	if runID == "" || em == nil {
		return
	}
	ambient.Store(runID, em)
}

// Unbind removes the emitter registered for a run id.
func Unbind(runID string) {
	ambient.Delete(runID)
}

// For returns the emitter bound to a run id, or a no-op emitter when
// none is bound.
func For(runID string) Emitter {
	if v, ok := ambient.Load(runID); ok {
		if em, ok := v.(Emitter); ok {
			return em
		}
	}
	log.Debugf("event: no ambient emitter bound for run=%s", runID)
	return NopEmitter{}
}

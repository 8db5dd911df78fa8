//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentrun/agentrun/log"
)

// Outcome statuses. The engine reports how a drive ended; persisting
// run records is the caller's concern.
const (
	OutcomeCompleted = "completed"
	OutcomePaused    = "paused"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// DefaultMaxSteps bounds a single drive to guard against edge cycles
// that never reach an end node.
const DefaultMaxSteps = 256

// Outcome is the result of driving a workflow until it completes,
// pauses, fails or is cancelled.
type Outcome struct {
	Status          string
	FinalOutput     any
	InterruptNodeID string
	ErrorMessage    string
	State           *State
	Steps           int
}

// Engine drives a compiled workflow step by step. It owns checkpointing
// and the node event brackets; it never touches run records.
type Engine struct {
	workflow *Workflow
	saver    CheckpointSaver
	maxSteps int
	timeout  time.Duration
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCheckpointSaver sets the checkpoint store. Without one the run
// cannot pause or resume.
func WithCheckpointSaver(saver CheckpointSaver) EngineOption {
	return func(e *Engine) { e.saver = saver }
}

// WithMaxSteps overrides the step bound.
func WithMaxSteps(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithRunTimeout bounds the wall-clock duration of one drive.
func WithRunTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

// NewEngine creates an engine for a compiled workflow.
func NewEngine(w *Workflow, opts ...EngineOption) *Engine {
	e := &Engine{
		workflow: w,
		maxSteps: DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run starts a fresh drive from the entry node. The input map becomes
// the initial user state.
func (e *Engine) Run(ctx context.Context, ec *ExecContext, input map[string]any) (*Outcome, error) {
	entry := e.workflow.Entry()
	if entry == "" {
		return nil, ErrNoEntryNode
	}
	s := NewState()
	for k, v := range input {
		s.Vars[k] = v
	}
	if err := e.checkpoint(ctx, ec, entry, CheckpointSourceInput, 0, s); err != nil {
		return nil, err
	}
	return e.drive(ctx, ec, s, entry, 0, false)
}

// Resume continues a paused drive from its latest checkpoint, arming
// the payload for the interrupted node.
func (e *Engine) Resume(ctx context.Context, ec *ExecContext, payload map[string]any) (*Outcome, error) {
	if e.saver == nil {
		return nil, errors.New("engine: resume requires a checkpoint saver")
	}
	cp, err := e.saver.Latest(ctx, ec.RunID, ec.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("engine: load checkpoint: %w", err)
	}
	s, err := cp.RestoreState()
	if err != nil {
		return nil, err
	}
	ec.SetResume(payload)
	// The interrupted node already emitted node_start before the pause.
	skipStart := cp.Source == CheckpointSourceInterrupt
	return e.drive(ctx, ec, s, cp.NextNodeID, cp.Step, skipStart)
}

// drive executes nodes from nodeID until a terminal condition.
func (e *Engine) drive(ctx context.Context, ec *ExecContext, s *State, nodeID string, step int, skipStart bool) (*Outcome, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	for {
		if ec.Cancelled() {
			return &Outcome{Status: OutcomeCancelled, State: s, Steps: step}, nil
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ec, s, nodeID, step, timeoutMessage(err)), nil
		}
		if step >= e.maxSteps {
			return e.fail(ec, s, nodeID, step,
				fmt.Sprintf("step budget exhausted after %d steps", step)), nil
		}

		node, ok := e.workflow.Node(nodeID)
		if !ok {
			return e.fail(ec, s, nodeID, step, fmt.Sprintf("%v: %s", ErrNodeNotFound, nodeID)), nil
		}
		exec, ok := ExecutorFor(node.Type)
		if !ok {
			return e.fail(ec, s, nodeID, step,
				fmt.Sprintf("no executor for node type %q", node.Type)), nil
		}

		spanID := newSpanID()
		if !skipStart {
			ec.Emitter.EmitNodeStart(node.ID, string(node.Type), spanID)
		}

		// An interrupt node with no armed payload pauses the run. The
		// node_start above stays emitted; after resume only node_end
		// follows.
		if e.workflow.IsInterrupt(node.ID) && !ec.hasResume {
			if err := e.checkpoint(ctx, ec, node.ID, CheckpointSourceInterrupt, step, s); err != nil {
				return nil, err
			}
			return &Outcome{
				Status:          OutcomePaused,
				InterruptNodeID: node.ID,
				State:           s,
				Steps:           step,
			}, nil
		}
		skipStart = false

		resolved := ResolveMappings(node, s)
		started := time.Now()
		delta, err := exec(ctx, s.Clone(), node, resolved, ec)
		if err != nil {
			e.recordSpan(ec, node, spanID, resolved, nil, started)
			return e.fail(ec, s, node.ID, step, err.Error()), nil
		}
		s.Apply(node.ID, delta)
		e.recordSpan(ec, node, spanID, resolved, delta, started)

		endData := map[string]any{}
		if delta.BranchTaken != "" {
			endData["branch_taken"] = delta.BranchTaken
		}
		ec.Emitter.EmitNodeEnd(node.ID, string(node.Type), spanID, endData)

		if node.Type == NodeTypeEnd {
			return &Outcome{
				Status:      OutcomeCompleted,
				FinalOutput: delta.FinalOutput,
				State:       s,
				Steps:       step + 1,
			}, nil
		}

		next, err := e.selectNext(node, delta)
		if err != nil {
			return e.fail(ec, s, node.ID, step, err.Error()), nil
		}

		step++
		if err := e.checkpoint(ctx, ec, next, CheckpointSourceLoop, step, s); err != nil {
			return nil, err
		}
		nodeID = next
	}
}

// selectNext resolves the next node: an explicit override, then the
// branch handle, then the default handle, then the unlabeled edge.
func (e *Engine) selectNext(node *Node, delta *Delta) (string, error) {
	if delta.Next != "" {
		return delta.Next, nil
	}
	targets := e.workflow.Next(node.ID, delta.BranchTaken)
	if len(targets) == 0 && delta.BranchTaken != "" {
		targets = e.workflow.Next(node.ID, BranchDefault)
	}
	if len(targets) == 0 {
		return "", fmt.Errorf("%w: node %s (branch %q)", ErrNoOutgoingEdge, node.ID, delta.BranchTaken)
	}
	if len(targets) > 1 {
		log.Debugf("engine: node %s branch %q has %d targets, taking %s",
			node.ID, delta.BranchTaken, len(targets), targets[0])
	}
	return targets[0], nil
}

// fail emits the error event and builds the failed outcome.
func (e *Engine) fail(ec *ExecContext, s *State, nodeID string, step int, message string) *Outcome {
	log.Errorf("engine: run %s failed at node %s: %s", ec.RunID, nodeID, message)
	ec.Emitter.EmitError(message, nodeID)
	return &Outcome{
		Status:       OutcomeFailed,
		ErrorMessage: message,
		State:        s,
		Steps:        step,
	}
}

// checkpoint persists a snapshot when a saver is configured.
func (e *Engine) checkpoint(ctx context.Context, ec *ExecContext, nextNodeID, source string, step int, s *State) error {
	if e.saver == nil {
		return nil
	}
	cp, err := NewCheckpoint(ec.RunID, ec.ThreadID, nextNodeID, source, step, s)
	if err != nil {
		return err
	}
	if err := e.saver.Put(ctx, cp); err != nil {
		return fmt.Errorf("engine: save checkpoint: %w", err)
	}
	return nil
}

// recordSpan reports one node execution to the span recorder.
func (e *Engine) recordSpan(ec *ExecContext, node *Node, spanID string, inputs map[string]any, delta *Delta, started time.Time) {
	if ec.Recorder == nil {
		return
	}
	span := &Span{
		RunID:     ec.RunID,
		SpanID:    spanID,
		Name:      node.ID,
		SpanType:  string(node.Type),
		Inputs:    inputs,
		StartTime: started,
		EndTime:   time.Now(),
	}
	if delta != nil {
		if out, ok := delta.Output.(map[string]any); ok {
			span.Outputs = out
		} else if delta.Output != nil {
			span.Outputs = map[string]any{"output": delta.Output}
		}
	}
	ec.Recorder.RecordSpan(span)
}

func timeoutMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrRunTimeout.Error()
	}
	return err.Error()
}

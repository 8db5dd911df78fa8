//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package runner is the runtime API over the platform: it starts runs,
// streams their event queues, resumes paused runs, and cancels
// subtrees. It owns the per-run wiring of queue, emitter, execution
// context and engine task.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrun/agentrun/agent"
	"github.com/agentrun/agentrun/event"
	"github.com/agentrun/agentrun/graph"
	"github.com/agentrun/agentrun/internal/clock"
	"github.com/agentrun/agentrun/log"
	"github.com/agentrun/agentrun/model"
	"github.com/agentrun/agentrun/orchestration"
	"github.com/agentrun/agentrun/rag"
	"github.com/agentrun/agentrun/store"
	"github.com/agentrun/agentrun/tool"
)

// drainPoll bounds how long the drain loop waits per queue read.
const drainPoll = 100 * time.Millisecond

// mainThreadID is the checkpoint thread of a run's primary drive.
const mainThreadID = "main"

// ErrRunNotResumable is returned when Resume targets a run that is not
// paused.
var ErrRunNotResumable = errors.New("runner: run is not paused")

// ErrRunNotStartable is returned when streaming targets a run that
// already left the queued state.
var ErrRunNotStartable = errors.New("runner: run is not in queued state")

// Runner wires agents, stores, the kernel and engines together.
type Runner struct {
	store    store.Store
	provider model.Provider
	ragp     rag.Pipeline
	saver    graph.CheckpointSaver
	recorder graph.SpanRecorder
	clk      clock.Clock
	queueCap int

	kernel *orchestration.Kernel

	mu        sync.Mutex
	tools     map[string]*tool.Definition
	live      map[string]*graph.ExecContext
	workflows map[string]*graph.Workflow

	policy *orchestration.Policy

	wg sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithProvider sets the model provider for agent and classify nodes.
func WithProvider(p model.Provider) Option {
	return func(r *Runner) { r.provider = p }
}

// WithRAG sets the retrieval pipeline for rag nodes.
func WithRAG(p rag.Pipeline) Option {
	return func(r *Runner) { r.ragp = p }
}

// WithCheckpointSaver sets the checkpoint store shared by all runs.
func WithCheckpointSaver(s graph.CheckpointSaver) Option {
	return func(r *Runner) { r.saver = s }
}

// WithRecorder sets the span recorder.
func WithRecorder(rec graph.SpanRecorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithClock overrides the clock used by engines and the kernel.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clk = c }
}

// WithQueueCapacity overrides the per-run event queue bound.
func WithQueueCapacity(n int) Option {
	return func(r *Runner) { r.queueCap = n }
}

// WithPolicy sets the orchestration policy.
func WithPolicy(p orchestration.Policy) Option {
	return func(r *Runner) { r.policy = &p }
}

// New creates a runner over a store.
func New(st store.Store, opts ...Option) *Runner {
	r := &Runner{
		store:     st,
		recorder:  graph.NopSpanRecorder{},
		clk:       clock.Real{},
		queueCap:  event.DefaultQueueCapacity,
		tools:     make(map[string]*tool.Definition),
		live:      make(map[string]*graph.ExecContext),
		workflows: make(map[string]*graph.Workflow),
	}
	for _, opt := range opts {
		opt(r)
	}
	kernelOpts := []orchestration.Option{
		orchestration.WithCancelNotifier(r),
		orchestration.WithClock(r.clk),
	}
	if r.policy != nil {
		kernelOpts = append(kernelOpts, orchestration.WithPolicy(*r.policy))
	}
	r.kernel = orchestration.New(st, r, kernelOpts...)
	return r
}

// Kernel exposes the orchestration kernel (joins, group inspection).
func (r *Runner) Kernel() *orchestration.Kernel { return r.kernel }

// RegisterTool binds a tool definition for all runs.
func (r *Runner) RegisterTool(def *tool.Definition) {
	if def == nil || def.Slug == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Slug] = def
}

// StartOption configures StartRun.
type StartOption func(*startOptions)

type startOptions struct {
	scopes []string
	userID string
}

// WithScopes binds a root delegation grant with the given scopes.
func WithScopes(scopes []string) StartOption {
	return func(o *startOptions) { o.scopes = scopes }
}

// WithUserID sets the grant principal.
func WithUserID(id string) StartOption {
	return func(o *startOptions) { o.userID = id }
}

// StartRun creates a queued root run for an agent. Execution begins
// when the run is streamed (RunAndStream) or a child starter picks it
// up.
func (r *Runner) StartRun(ctx context.Context, agentID string, input map[string]any, opts ...StartOption) (*agent.Run, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	def, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("runner: agent %s: %w", agentID, err)
	}
	id := uuid.New().String()
	run := &agent.Run{
		ID:           id,
		TenantID:     def.TenantID,
		AgentID:      def.ID,
		AgentVersion: def.Version,
		Status:       agent.RunStatusQueued,
		InputParams:  input,
		RootRunID:    id,
	}
	created, err := r.store.CreateRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if len(o.scopes) > 0 {
		grant := orchestration.NewGrant(o.userID, o.scopes)
		grant.RunID = created.ID
		r.kernel.BindGrant(created.ID, grant)
	}
	return created, nil
}

// RunAndStream executes a queued run and returns its filtered event
// stream. The channel closes after the terminal run_status event has
// been delivered and the queue drained.
func (r *Runner) RunAndStream(ctx context.Context, runID string, mode event.Mode) (<-chan *event.Event, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != agent.RunStatusQueued {
		return nil, fmt.Errorf("%w: %s is %s", ErrRunNotStartable, runID, run.Status)
	}
	return r.streamDrive(ctx, run, mode, nil, false), nil
}

// Resume continues a paused run with an interrupt payload and returns
// the filtered event stream of the resumed drive.
func (r *Runner) Resume(ctx context.Context, runID string, payload map[string]any, mode event.Mode) (<-chan *event.Event, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != agent.RunStatusPaused {
		return nil, fmt.Errorf("%w: %s is %s", ErrRunNotResumable, runID, run.Status)
	}
	return r.streamDrive(ctx, run, mode, payload, true), nil
}

// CancelSubtree cancels a run's subtree through the kernel.
func (r *Runner) CancelSubtree(ctx context.Context, runID string, includeRoot bool, reason string) (*graph.CancelSubtreeResult, error) {
	return r.kernel.CancelSubtree(ctx, runID, includeRoot, reason)
}

// StartChildRun implements orchestration.RunStarter: child runs execute
// on their own task without a bound stream consumer.
func (r *Runner) StartChildRun(_ context.Context, run *agent.Run) error {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(context.Background(), run, nil, false)
	}()
	return nil
}

// NotifyCancel implements orchestration.CancelNotifier by flipping the
// live run's cooperative cancellation flag.
func (r *Runner) NotifyCancel(runID string) {
	r.mu.Lock()
	ec := r.live[runID]
	r.mu.Unlock()
	if ec != nil {
		ec.Cancel()
	}
}

// Wait blocks until all engine tasks have finished. Test helper.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// streamDrive wires queue, emitter and filter around one engine drive
// and returns the consumer channel.
func (r *Runner) streamDrive(ctx context.Context, run *agent.Run, mode event.Mode, payload map[string]any, resume bool) <-chan *event.Event {
	queue := event.NewQueue(run.ID, r.queueCap)
	em := event.NewEmitter(run.ID, queue)
	event.Bind(run.ID, em)

	done := make(chan struct{})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)
		defer event.Unbind(run.ID)
		defer queue.Close()
		r.execute(ctx, run, payload, resume)
	}()

	out := make(chan *event.Event, 64)
	filter := event.NewStreamFilter(mode)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(out)
		for {
			e, ok := queue.Get(ctx, drainPoll)
			if e != nil {
				for _, fe := range filter.Apply(e) {
					select {
					case out <- fe:
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			if !ok {
				select {
				case <-done:
					// Engine finished; flush whatever is buffered.
					for {
						e, _ := queue.TryGet()
						if e == nil {
							return
						}
						for _, fe := range filter.Apply(e) {
							select {
							case out <- fe:
							case <-ctx.Done():
								return
							}
						}
					}
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}()
	return out
}

// execute drives one run to its next terminal or paused state and
// persists the resulting status.
func (r *Runner) execute(ctx context.Context, run *agent.Run, payload map[string]any, resume bool) {
	em := event.For(run.ID)
	def, err := r.store.GetAgent(ctx, run.AgentID)
	if err != nil {
		r.finish(ctx, run.ID, em, agent.RunStatusFailed, nil, err.Error())
		return
	}
	wf, err := r.workflow(def)
	if err != nil {
		r.finish(ctx, run.ID, em, agent.RunStatusFailed, nil, err.Error())
		return
	}

	ec := graph.NewExecContext(run.ID, mainThreadID)
	ec.TenantID = run.TenantID
	ec.Emitter = em
	ec.Provider = r.provider
	ec.RAG = r.ragp
	ec.Orch = r.kernel
	ec.Recorder = r.recorder
	ec.Clock = r.clk
	r.mu.Lock()
	for slug, t := range r.tools {
		ec.Tools[slug] = t
	}
	r.live[run.ID] = ec
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.live, run.ID)
		r.mu.Unlock()
	}()

	now := r.clk.Now()
	if err := r.store.UpdateRunStatus(ctx, run.ID, agent.RunStatusRunning, &store.RunUpdate{StartedAt: &now}); err != nil {
		log.Warnf("runner: mark running %s: %v", run.ID, err)
	}
	em.EmitRunStatus(string(agent.RunStatusRunning), nil)

	engineOpts := []graph.EngineOption{}
	if r.saver != nil {
		engineOpts = append(engineOpts, graph.WithCheckpointSaver(r.saver))
	}
	if def.Constraints.TimeoutSeconds > 0 {
		timeout := time.Duration(def.Constraints.TimeoutSeconds * float64(time.Second))
		engineOpts = append(engineOpts, graph.WithRunTimeout(timeout))
	}
	engine := graph.NewEngine(wf, engineOpts...)

	var outcome *graph.Outcome
	if resume {
		outcome, err = engine.Resume(ctx, ec, payload)
	} else {
		outcome, err = engine.Run(ctx, ec, run.InputParams)
	}
	if err != nil {
		r.finish(ctx, run.ID, em, agent.RunStatusFailed, nil, err.Error())
		return
	}

	switch outcome.Status {
	case graph.OutcomeCompleted:
		r.finish(ctx, run.ID, em, agent.RunStatusCompleted, outputResult(outcome.FinalOutput), "")
	case graph.OutcomePaused:
		if err := r.store.UpdateRunStatus(ctx, run.ID, agent.RunStatusPaused, nil); err != nil {
			log.Warnf("runner: mark paused %s: %v", run.ID, err)
		}
		em.EmitRunStatus(string(agent.RunStatusPaused),
			map[string]any{"interrupt_node_id": outcome.InterruptNodeID})
	case graph.OutcomeCancelled:
		// The kernel usually flipped the row already; re-application of
		// the same terminal status is a no-op.
		r.finish(ctx, run.ID, em, agent.RunStatusCancelled, nil, "")
	default:
		r.finish(ctx, run.ID, em, agent.RunStatusFailed, nil, outcome.ErrorMessage)
	}
}

// finish persists a terminal status and emits the final run_status.
func (r *Runner) finish(ctx context.Context, runID string, em event.Emitter, status agent.RunStatus, output map[string]any, errMsg string) {
	now := r.clk.Now()
	update := &store.RunUpdate{CompletedAt: &now}
	if output != nil {
		update.OutputResult = output
	}
	if errMsg != "" {
		update.ErrorMessage = &errMsg
	}
	if err := r.store.UpdateRunStatus(ctx, runID, status, update); err != nil &&
		!errors.Is(err, store.ErrTerminal) {
		log.Errorf("runner: finish %s as %s: %v", runID, status, err)
	}
	data := map[string]any{}
	if output != nil {
		data["output"] = output
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	em.EmitRunStatus(string(status), data)
}

// workflow compiles (and caches) the agent's graph.
func (r *Runner) workflow(def *agent.Definition) (*graph.Workflow, error) {
	key := fmt.Sprintf("%s@%d", def.ID, def.Version)
	r.mu.Lock()
	wf, ok := r.workflows[key]
	r.mu.Unlock()
	if ok {
		return wf, nil
	}
	knownTools := make([]string, 0)
	r.mu.Lock()
	for slug := range r.tools {
		knownTools = append(knownTools, slug)
	}
	r.mu.Unlock()
	wf, err := graph.Compile(def.ID, def.Version, def.Graph, graph.WithKnownTools(knownTools))
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.workflows[key] = wf
	r.mu.Unlock()
	return wf, nil
}

func outputResult(final any) map[string]any {
	if final == nil {
		return map[string]any{}
	}
	if m, ok := final.(map[string]any); ok {
		return m
	}
	return map[string]any{"final_output": final}
}

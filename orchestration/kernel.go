//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package orchestration implements the kernel coordinating hierarchical
// runs: spawning children under delegation grants and tenant policy,
// joining groups, propagating cancellation, and replan evaluation.
package orchestration

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
	"github.com/agentrun/agentrun/store"
)

// joinPollInterval is the cadence of member status aggregation.
const joinPollInterval = 20 * time.Millisecond

// ErrGroupNotFound is returned when a join names an unknown group.
var ErrGroupNotFound = errors.New("orchestration: group not found")

// RunStarter launches a child run's engine task. The runner provides
// the implementation; the kernel never drives engines itself.
type RunStarter interface {
	StartChildRun(ctx context.Context, run *agent.Run) error
}

// CancelNotifier flips the in-process cancellation flag of a live run.
type CancelNotifier interface {
	NotifyCancel(runID string)
}

// Kernel implements graph.Orchestrator over a run store.
type Kernel struct {
	store    store.Store
	starter  RunStarter
	notifier CancelNotifier
	policy   Policy
	clk      clock.Clock

	mu     sync.Mutex
	grants map[string]*DelegationGrant // run id -> grant
	groups map[string]*Group
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithPolicy sets the tenant policy applied to new spawns and groups.
func WithPolicy(p Policy) Option {
	return func(k *Kernel) { k.policy = p }
}

// WithCancelNotifier sets the live-run cancellation hook.
func WithCancelNotifier(n CancelNotifier) Option {
	return func(k *Kernel) { k.notifier = n }
}

// WithClock overrides the clock, mainly for join timeout tests.
func WithClock(c clock.Clock) Option {
	return func(k *Kernel) { k.clk = c }
}

// New creates a kernel.
func New(st store.Store, starter RunStarter, opts ...Option) *Kernel {
	k := &Kernel{
		store:   st,
		starter: starter,
		policy:  DefaultPolicy(),
		clk:     clock.Real{},
		grants:  make(map[string]*DelegationGrant),
		groups:  make(map[string]*Group),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

var _ graph.Orchestrator = (*Kernel)(nil)

// BindGrant registers the delegation grant of a run. The runner binds
// root grants at start; the kernel binds child grants as it mints them.
func (k *Kernel) BindGrant(runID string, grant *DelegationGrant) {
	if runID == "" || grant == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.grants[runID] = grant
}

// Grant returns the grant bound to a run, if any.
func (k *Kernel) Grant(runID string) (*DelegationGrant, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	g, ok := k.grants[runID]
	return g, ok
}

// Group returns a group snapshot by id.
func (k *Kernel) Group(groupID string) (*Group, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	g, ok := k.groups[groupID]
	return g, ok
}

// SpawnRun spawns one child run for the caller, idempotently by
// (parent_run_id, spawn_key).
func (k *Kernel) SpawnRun(ctx context.Context, req *graph.SpawnRunRequest) (*graph.SpawnRunResult, error) {
	return k.spawnOne(ctx, req, "")
}

func (k *Kernel) spawnOne(ctx context.Context, req *graph.SpawnRunRequest, groupID string) (*graph.SpawnRunResult, error) {
	caller, err := k.store.GetRun(ctx, req.CallerRunID)
	if err != nil {
		return nil, fmt.Errorf("orchestration: caller run %s: %w", req.CallerRunID, err)
	}
	em := event.For(caller.ID)

	if existing, err := k.store.FindBySpawnKey(ctx, caller.ID, req.IdempotencyKey); err == nil {
		return &graph.SpawnRunResult{
			SpawnedRunIDs: []string{existing.ID},
			Idempotent:    true,
			Lineage:       lineageOf(existing),
		}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := k.checkLimits(ctx, caller, em); err != nil {
		return nil, err
	}

	childID := uuid.New().String()
	childGrant, err := k.mintChildGrant(caller, childID, req.ScopeSubset, em)
	if err != nil {
		return nil, err
	}

	rootID := caller.RootRunID
	if rootID == "" {
		rootID = caller.ID
	}
	child := &agent.Run{
		ID:                   childID,
		TenantID:             caller.TenantID,
		AgentID:              req.TargetAgentID,
		Status:               agent.RunStatusQueued,
		InputParams:          req.Input,
		RootRunID:            rootID,
		ParentRunID:          caller.ID,
		ParentNodeID:         req.ParentNodeID,
		Depth:                caller.Depth + 1,
		SpawnKey:             req.IdempotencyKey,
		OrchestrationGroupID: groupID,
	}
	if childGrant != nil {
		child.DelegationGrantID = childGrant.ID
	}
	created, err := k.store.CreateRun(ctx, child)
	if err != nil {
		return nil, fmt.Errorf("orchestration: create child run: %w", err)
	}
	if childGrant != nil {
		k.BindGrant(created.ID, childGrant)
	}

	em.EmitSpawnDecision(map[string]any{
		"parent_run_id": caller.ID,
		"child_run_id":  created.ID,
		"agent_id":      req.TargetAgentID,
		"spawn_key":     req.IdempotencyKey,
		"depth":         created.Depth,
	})
	if k.starter != nil {
		if err := k.starter.StartChildRun(ctx, created); err != nil {
			return nil, fmt.Errorf("orchestration: start child run %s: %w", created.ID, err)
		}
	}
	em.EmitChildLifecycle(created.ID, string(agent.RunStatusQueued), nil)

	return &graph.SpawnRunResult{
		SpawnedRunIDs: []string{created.ID},
		Lineage:       lineageOf(created),
	}, nil
}

// mintChildGrant derives the child grant from the caller's. A caller
// with no bound grant spawns unrestricted; a bound grant enforces the
// subset rule and emits policy_deny on violation.
func (k *Kernel) mintChildGrant(caller *agent.Run, childID string, scopes []string, em event.Emitter) (*DelegationGrant, error) {
	parent, ok := k.Grant(caller.ID)
	if !ok {
		return nil, nil
	}
	child, err := parent.MintChild(childID, scopes)
	if err != nil {
		em.EmitPolicyDeny(DenyScopeNotSubset, map[string]any{
			"parent_run_id":    caller.ID,
			"requested_scopes": scopes,
			"parent_scopes":    parent.EffectiveScopes,
		})
		return nil, err
	}
	return child, nil
}

// checkLimits enforces the tenant policy snapshot for a spawn.
func (k *Kernel) checkLimits(ctx context.Context, caller *agent.Run, em event.Emitter) error {
	p := k.policy
	if p.MaxSubtreeDepth > 0 && caller.Depth+1 > p.MaxSubtreeDepth {
		return k.deny(em, caller, DenyMaxSubtreeDepth, caller.Depth+1)
	}
	children, err := k.store.ListChildren(ctx, caller.ID)
	if err != nil {
		return err
	}
	if p.MaxChildrenPerParent > 0 && len(children) >= p.MaxChildrenPerParent {
		return k.deny(em, caller, DenyMaxChildrenPerParent, len(children))
	}
	if p.MaxConcurrentChildrenPerRoot > 0 {
		rootID := caller.RootRunID
		if rootID == "" {
			rootID = caller.ID
		}
		active, err := k.countActiveDescendants(ctx, rootID)
		if err != nil {
			return err
		}
		if active >= p.MaxConcurrentChildrenPerRoot {
			return k.deny(em, caller, DenyMaxConcurrentChildren, active)
		}
	}
	return nil
}

func (k *Kernel) deny(em event.Emitter, caller *agent.Run, reason string, observed int) error {
	em.EmitPolicyDeny(reason, map[string]any{
		"parent_run_id": caller.ID,
		"observed":      observed,
	})
	return fmt.Errorf("%w: %s", ErrPolicyDenied, reason)
}

// countActiveDescendants counts non-terminal runs below a root.
func (k *Kernel) countActiveDescendants(ctx context.Context, rootID string) (int, error) {
	count := 0
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := k.store.ListChildren(ctx, id)
		if err != nil {
			return 0, err
		}
		for _, c := range children {
			if !c.Status.IsTerminal() {
				count++
			}
			queue = append(queue, c.ID)
		}
	}
	return count, nil
}

// SpawnGroup creates a group and spawns one child per target with
// "{prefix}:{ordinal}" spawn keys.
func (k *Kernel) SpawnGroup(ctx context.Context, req *graph.SpawnGroupRequest) (*graph.SpawnGroupResult, error) {
	caller, err := k.store.GetRun(ctx, req.CallerRunID)
	if err != nil {
		return nil, fmt.Errorf("orchestration: caller run %s: %w", req.CallerRunID, err)
	}
	mode := req.JoinMode
	if mode == "" {
		mode = JoinBestEffort
	}
	group := &Group{
		ID:                uuid.New().String(),
		TenantID:          caller.TenantID,
		OrchestratorRunID: caller.ID,
		JoinMode:          mode,
		QuorumThreshold:   req.QuorumThreshold,
		TimeoutSeconds:    req.TimeoutSeconds,
		FailurePolicy:     req.FailurePolicy,
		Status:            GroupRunning,
		PolicySnapshot:    k.policy,
		StartedAt:         k.clk.Now(),
	}
	k.mu.Lock()
	k.groups[group.ID] = group
	k.mu.Unlock()

	spawned := make([]string, 0, len(req.Targets))
	for ordinal, target := range req.Targets {
		res, err := k.spawnOne(ctx, &graph.SpawnRunRequest{
			CallerRunID:    caller.ID,
			ParentNodeID:   req.ParentNodeID,
			TargetAgentID:  target.AgentID,
			Input:          target.Input,
			ScopeSubset:    req.ScopeSubset,
			IdempotencyKey: fmt.Sprintf("%s:%d", req.IdempotencyPrefix, ordinal),
		}, group.ID)
		if err != nil {
			return nil, err
		}
		runID := res.SpawnedRunIDs[0]
		spawned = append(spawned, runID)
		k.mu.Lock()
		group.Members = append(group.Members, &Member{
			GroupID: group.ID,
			RunID:   runID,
			Ordinal: ordinal,
			Status:  string(agent.RunStatusQueued),
		})
		k.mu.Unlock()
	}
	return &graph.SpawnGroupResult{GroupID: group.ID, SpawnedRunIDs: spawned}, nil
}

// memberCounts is one aggregation pass over a group's members.
type memberCounts struct {
	success, failure, cancelled, running int
}

func (k *Kernel) aggregate(ctx context.Context, group *Group) (memberCounts, error) {
	var c memberCounts
	k.mu.Lock()
	members := append([]*Member(nil), group.Members...)
	k.mu.Unlock()
	for _, m := range members {
		run, err := k.store.GetRun(ctx, m.RunID)
		if err != nil {
			return c, err
		}
		k.mu.Lock()
		m.Status = string(run.Status)
		k.mu.Unlock()
		switch run.Status {
		case agent.RunStatusCompleted:
			c.success++
		case agent.RunStatusFailed:
			c.failure++
		case agent.RunStatusCancelled:
			c.cancelled++
		default:
			c.running++
		}
	}
	return c, nil
}

// Join blocks until the group's join condition decides, the timeout
// expires, or the context ends.
func (k *Kernel) Join(ctx context.Context, req *graph.JoinRequest) (*graph.JoinResult, error) {
	k.mu.Lock()
	group, ok := k.groups[req.GroupID]
	k.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, req.GroupID)
	}
	mode := req.Mode
	if mode == "" {
		mode = group.JoinMode
	}
	quorum := req.QuorumThreshold
	if quorum <= 0 {
		quorum = group.QuorumThreshold
	}
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = group.TimeoutSeconds
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = k.clk.Now().Add(time.Duration(timeout * float64(time.Second)))
	}
	em := event.For(group.OrchestratorRunID)

	for {
		counts, err := k.aggregate(ctx, group)
		if err != nil {
			return nil, err
		}
		if group.Terminal() {
			// A concurrent join already decided; report the snapshot.
			return k.joinResult(group, counts, nil), nil
		}
		if status, cancelReason, decided := decideJoin(mode, quorum, counts); decided {
			cancelled := k.settleGroup(ctx, group, status, cancelReason, em)
			res := k.joinResult(group, counts, cancelled)
			em.EmitJoinDecision(group.ID, map[string]any{
				"status":        res.Status,
				"mode":          mode,
				"success_count": res.SuccessCount,
				"failure_count": res.FailureCount,
			})
			return res, nil
		}
		if !deadline.IsZero() && !k.clk.Now().Before(deadline) {
			cancelled := k.settleGroup(ctx, group, GroupTimedOut, ReasonJoinTimedOut, em)
			res := k.joinResult(group, counts, cancelled)
			em.EmitJoinDecision(group.ID, map[string]any{
				"status": res.Status,
				"mode":   mode,
			})
			return res, nil
		}
		k.clk.Sleep(ctx, joinPollInterval)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// decideJoin evaluates one join condition pass. It returns the group's
// terminal status and the cancellation reason for remaining members
// (empty when nothing is cancelled).
func decideJoin(mode string, quorum int, c memberCounts) (status, cancelReason string, decided bool) {
	switch mode {
	case JoinFailFast:
		if c.failure > 0 {
			return GroupFailed, ReasonJoinFailFast, true
		}
		if c.running == 0 {
			if c.cancelled > 0 {
				return GroupCompletedWithErrors, "", true
			}
			return GroupCompleted, "", true
		}
	case JoinQuorum:
		if quorum > 0 && c.success >= quorum {
			return GroupCompleted, ReasonJoinQuorumReached, true
		}
		if quorum > 0 && c.success+c.running < quorum {
			return GroupFailed, "", true
		}
		if quorum <= 0 && c.running == 0 {
			return GroupCompleted, "", true
		}
	case JoinFirstSuccess:
		if c.success > 0 {
			return GroupCompleted, ReasonJoinFirstSuccess, true
		}
		if c.running == 0 {
			return GroupFailed, "", true
		}
	default: // best_effort
		if c.running == 0 {
			if c.failure > 0 || c.cancelled > 0 {
				return GroupCompletedWithErrors, "", true
			}
			return GroupCompleted, "", true
		}
	}
	return "", "", false
}

// settleGroup transitions the group and cancels non-terminal members
// when the decision carries a cancellation reason. One
// cancellation_propagation event covers all cancelled members.
func (k *Kernel) settleGroup(ctx context.Context, group *Group, status, cancelReason string, em event.Emitter) []string {
	now := k.clk.Now()
	k.mu.Lock()
	moved := group.transition(status, now)
	members := append([]*Member(nil), group.Members...)
	k.mu.Unlock()
	if !moved || cancelReason == "" {
		return nil
	}
	var cancelled []string
	for _, m := range members {
		if _, newly := k.cancelRun(ctx, m.RunID, cancelReason); newly {
			cancelled = append(cancelled, m.RunID)
			k.mu.Lock()
			m.Status = string(agent.RunStatusCancelled)
			k.mu.Unlock()
		}
	}
	if len(cancelled) > 0 {
		em.EmitCancellationPropagation(map[string]any{
			"group_id":          group.ID,
			"reason":            cancelReason,
			"cancelled_run_ids": cancelled,
		})
	}
	return cancelled
}

func (k *Kernel) joinResult(group *Group, c memberCounts, cancelled []string) *graph.JoinResult {
	res := &graph.JoinResult{
		Status:       group.Status,
		Complete:     group.Terminal(),
		SuccessCount: c.success,
		FailureCount: c.failure,
		RunningCount: c.running - len(cancelled),
	}
	if res.RunningCount < 0 {
		res.RunningCount = 0
	}
	if len(cancelled) > 0 {
		res.CancellationPropagated = true
		res.CancelledRunIDs = cancelled
	}
	return res
}

// CancelSubtree cancels a run's descendants (and optionally the run
// itself) breadth-first. Completed and failed runs are untouched.
// Repeating the call returns the same cancelled set, but notifications
// and the propagation event fire only for runs flipped by this call.
func (k *Kernel) CancelSubtree(ctx context.Context, runID string, includeRoot bool, reason string) (*graph.CancelSubtreeResult, error) {
	if reason == "" {
		reason = "cancelled"
	}
	var order []string
	queue := []string{runID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		children, err := k.store.ListChildren(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			queue = append(queue, c.ID)
		}
	}

	em := event.For(runID)
	var cancelled, newly []string
	for _, id := range order {
		if id == runID && !includeRoot {
			continue
		}
		inSet, flipped := k.cancelRun(ctx, id, reason)
		if inSet {
			cancelled = append(cancelled, id)
		}
		if flipped {
			newly = append(newly, id)
		}
	}
	if len(newly) > 0 {
		em.EmitCancellationPropagation(map[string]any{
			"reason":            reason,
			"cancelled_run_ids": newly,
		})
	}
	return &graph.CancelSubtreeResult{
		CancelledCount:  len(cancelled),
		CancelledRunIDs: cancelled,
	}, nil
}

// cancelRun flips one run to cancelled. It reports whether the run is
// in the cancelled set at all and whether this call did the flip.
// Completed and failed runs stay untouched; runs cancelled earlier stay
// in the set but are not re-notified.
func (k *Kernel) cancelRun(ctx context.Context, runID, reason string) (cancelled, newly bool) {
	run, err := k.store.GetRun(ctx, runID)
	if err != nil {
		return false, false
	}
	if run.Status == agent.RunStatusCancelled {
		return true, false
	}
	now := k.clk.Now()
	msg := reason
	err = k.store.UpdateRunStatus(ctx, runID, agent.RunStatusCancelled, &store.RunUpdate{
		ErrorMessage: &msg,
		CompletedAt:  &now,
	})
	if err != nil {
		if !errors.Is(err, store.ErrTerminal) && !errors.Is(err, store.ErrNotFound) {
			log.Errorf("orchestration: cancel run %s: %v", runID, err)
		}
		return false, false
	}
	if k.notifier != nil {
		k.notifier.NotifyCancel(runID)
	}
	return true, true
}

// EvaluateAndReplan inspects direct child statuses without mutating
// anything.
func (k *Kernel) EvaluateAndReplan(ctx context.Context, runID string) (*graph.ReplanResult, error) {
	children, err := k.store.ListChildren(ctx, runID)
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, c := range children {
		if c.Status == agent.RunStatusFailed {
			failed = append(failed, c.ID)
		}
	}
	res := &graph.ReplanResult{
		NeedsReplan:     len(failed) > 0,
		FailedChildren:  failed,
		SuggestedAction: "continue",
	}
	if res.NeedsReplan {
		res.SuggestedAction = "replan"
	}
	return res, nil
}

// lineageOf extracts the lineage payload embedded into child inputs.
func lineageOf(run *agent.Run) map[string]any {
	return map[string]any{
		"root_run_id":    run.RootRunID,
		"parent_run_id":  run.ParentRunID,
		"parent_node_id": run.ParentNodeID,
		"depth":          run.Depth,
		"spawn_key":      run.SpawnKey,
	}
}

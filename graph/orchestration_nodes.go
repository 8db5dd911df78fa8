//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"fmt"
)

// The orchestration executors translate node config into kernel calls.
// They never manipulate run records themselves; the kernel owns
// lineage, grants and group state.

func executeSpawnRun(ctx context.Context, s *State, n *Node, resolved map[string]any, ec *ExecContext) (*Delta, error) {
	if ec.Orch == nil {
		return nil, fmt.Errorf("spawn_run node %s: no orchestrator configured", n.ID)
	}
	input, _ := resolved["input"].(map[string]any)
	if input == nil {
		input = resolved
	}
	req := &SpawnRunRequest{
		CallerRunID:    ec.RunID,
		ParentNodeID:   n.ID,
		TargetAgentID:  n.ConfigString("target_agent_id"),
		Input:          input,
		ScopeSubset:    configStrings(n, "scopes"),
		IdempotencyKey: Interpolate(n.ConfigString("idempotency_key"), s),
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = fmt.Sprintf("%s:%s", ec.RunID, n.ID)
	}
	res, err := ec.Orch.SpawnRun(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("spawn_run node %s: %w", n.ID, err)
	}
	return &Delta{
		Context: map[string]any{n.ID: res},
		Output: map[string]any{
			"spawned_run_ids": res.SpawnedRunIDs,
			"idempotent":      res.Idempotent,
			"lineage":         res.Lineage,
		},
	}, nil
}

func executeSpawnGroup(ctx context.Context, s *State, n *Node, resolved map[string]any, ec *ExecContext) (*Delta, error) {
	if ec.Orch == nil {
		return nil, fmt.Errorf("spawn_group node %s: no orchestrator configured", n.ID)
	}
	targets, err := spawnTargets(n, resolved)
	if err != nil {
		return nil, fmt.Errorf("spawn_group node %s: %w", n.ID, err)
	}
	prefix := Interpolate(n.ConfigString("idempotency_prefix"), s)
	if prefix == "" {
		prefix = fmt.Sprintf("%s:%s", ec.RunID, n.ID)
	}
	req := &SpawnGroupRequest{
		CallerRunID:       ec.RunID,
		ParentNodeID:      n.ID,
		Targets:           targets,
		JoinMode:          n.ConfigString("join_mode"),
		QuorumThreshold:   n.ConfigInt("quorum_threshold"),
		FailurePolicy:     n.ConfigString("failure_policy"),
		TimeoutSeconds:    configFloat(n, "timeout_s"),
		ScopeSubset:       configStrings(n, "scopes"),
		IdempotencyPrefix: prefix,
	}
	res, err := ec.Orch.SpawnGroup(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("spawn_group node %s: %w", n.ID, err)
	}
	return &Delta{
		Context: map[string]any{n.ID: res},
		Output: map[string]any{
			"group_id":        res.GroupID,
			"spawned_run_ids": res.SpawnedRunIDs,
		},
	}, nil
}

// spawnTargets reads the group targets from resolved inputs first, then
// node config. Each target needs at least an agent_id.
func spawnTargets(n *Node, resolved map[string]any) ([]SpawnTarget, error) {
	raw, ok := resolved["targets"]
	if !ok {
		raw = n.Config["targets"]
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("no targets configured")
	}
	targets := make([]SpawnTarget, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("target %d is not an object", i)
		}
		agentID, _ := m["agent_id"].(string)
		if agentID == "" {
			return nil, fmt.Errorf("target %d missing agent_id", i)
		}
		input, _ := m["input"].(map[string]any)
		targets = append(targets, SpawnTarget{AgentID: agentID, Input: input})
	}
	return targets, nil
}

func executeJoin(ctx context.Context, _ *State, n *Node, resolved map[string]any, ec *ExecContext) (*Delta, error) {
	if ec.Orch == nil {
		return nil, fmt.Errorf("join node %s: no orchestrator configured", n.ID)
	}
	groupID := n.ConfigString("group_id")
	if v, ok := resolved["group_id"]; ok {
		groupID = stringify(v)
	}
	if groupID == "" {
		return nil, fmt.Errorf("join node %s: no group_id", n.ID)
	}
	req := &JoinRequest{
		CallerRunID:     ec.RunID,
		GroupID:         groupID,
		Mode:            n.ConfigString("mode"),
		QuorumThreshold: n.ConfigInt("quorum_threshold"),
		TimeoutSeconds:  configFloat(n, "timeout_s"),
	}
	res, err := ec.Orch.Join(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("join node %s: %w", n.ID, err)
	}
	return &Delta{
		Context: map[string]any{n.ID: res},
		Output: map[string]any{
			"status":        res.Status,
			"complete":      res.Complete,
			"success_count": res.SuccessCount,
			"failure_count": res.FailureCount,
			"running_count": res.RunningCount,
		},
	}, nil
}

func executeReplan(ctx context.Context, _ *State, n *Node, _ map[string]any, ec *ExecContext) (*Delta, error) {
	if ec.Orch == nil {
		return nil, fmt.Errorf("replan node %s: no orchestrator configured", n.ID)
	}
	res, err := ec.Orch.EvaluateAndReplan(ctx, ec.RunID)
	if err != nil {
		return nil, fmt.Errorf("replan node %s: %w", n.ID, err)
	}
	branch := "continue"
	if res.NeedsReplan {
		branch = "replan"
	}
	return &Delta{
		BranchTaken: branch,
		Context:     map[string]any{n.ID: res},
		Output: map[string]any{
			"branch_taken":     branch,
			"needs_replan":     res.NeedsReplan,
			"failed_children":  res.FailedChildren,
			"suggested_action": res.SuggestedAction,
		},
	}, nil
}

func executeCancelSubtree(ctx context.Context, _ *State, n *Node, resolved map[string]any, ec *ExecContext) (*Delta, error) {
	if ec.Orch == nil {
		return nil, fmt.Errorf("cancel_subtree node %s: no orchestrator configured", n.ID)
	}
	targetRunID := n.ConfigString("target_run_id")
	if v, ok := resolved["target_run_id"]; ok {
		targetRunID = stringify(v)
	}
	if targetRunID == "" {
		targetRunID = ec.RunID
	}
	reason := n.ConfigString("reason")
	if reason == "" {
		reason = "cancel_subtree_node"
	}
	// Cancelling from inside the target's own subtree excludes the
	// caller's root by default; the run finishes this node first.
	includeRoot := targetRunID != ec.RunID && n.ConfigBool("include_root")
	res, err := ec.Orch.CancelSubtree(ctx, targetRunID, includeRoot, reason)
	if err != nil {
		return nil, fmt.Errorf("cancel_subtree node %s: %w", n.ID, err)
	}
	return &Delta{
		Context: map[string]any{n.ID: res},
		Output: map[string]any{
			"cancelled_count":   res.CancelledCount,
			"cancelled_run_ids": res.CancelledRunIDs,
		},
	}, nil
}

// configFloat reads a numeric config value tolerating int and float64.
func configFloat(n *Node, key string) float64 {
	switch v := n.Config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

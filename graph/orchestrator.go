//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package graph

import "context"

// SpawnTarget names one child to spawn in a group.
type SpawnTarget struct {
	AgentID string         `json:"agent_id"`
	Input   map[string]any `json:"input,omitempty"`
}

// SpawnRunRequest asks the kernel to spawn one child run.
type SpawnRunRequest struct {
	CallerRunID    string
	ParentNodeID   string
	TargetAgentID  string
	Input          map[string]any
	ScopeSubset    []string
	IdempotencyKey string
}

// SpawnRunResult reports the spawned (or reused) child.
type SpawnRunResult struct {
	SpawnedRunIDs []string       `json:"spawned_run_ids"`
	Idempotent    bool           `json:"idempotent"`
	Lineage       map[string]any `json:"lineage"`
}

// SpawnGroupRequest asks the kernel to spawn a joined group of children.
type SpawnGroupRequest struct {
	CallerRunID       string
	ParentNodeID      string
	Targets           []SpawnTarget
	JoinMode          string
	QuorumThreshold   int
	FailurePolicy     string
	TimeoutSeconds    float64
	ScopeSubset       []string
	IdempotencyPrefix string
}

// SpawnGroupResult reports the created group.
type SpawnGroupResult struct {
	GroupID       string   `json:"group_id"`
	SpawnedRunIDs []string `json:"spawned_run_ids"`
}

// JoinRequest asks the kernel to join a group.
type JoinRequest struct {
	CallerRunID     string
	GroupID         string
	Mode            string
	QuorumThreshold int
	TimeoutSeconds  float64
}

// JoinResult is the aggregated outcome of a join.
type JoinResult struct {
	Status                 string   `json:"status"`
	Complete               bool     `json:"complete"`
	SuccessCount           int      `json:"success_count"`
	FailureCount           int      `json:"failure_count"`
	RunningCount           int      `json:"running_count"`
	CancellationPropagated bool     `json:"cancellation_propagated,omitempty"`
	CancelledRunIDs        []string `json:"cancelled_run_ids,omitempty"`
}

// CancelSubtreeResult reports the cancelled runs.
type CancelSubtreeResult struct {
	CancelledCount  int      `json:"cancelled_count"`
	CancelledRunIDs []string `json:"cancelled_run_ids"`
}

// ReplanResult is the outcome of a replan evaluation.
type ReplanResult struct {
	NeedsReplan     bool     `json:"needs_replan"`
	FailedChildren  []string `json:"failed_children"`
	SuggestedAction string   `json:"suggested_action"`
}

// Orchestrator is the kernel surface consumed by orchestration node
// executors. The orchestration package provides the implementation.
type Orchestrator interface {
	SpawnRun(ctx context.Context, req *SpawnRunRequest) (*SpawnRunResult, error)
	SpawnGroup(ctx context.Context, req *SpawnGroupRequest) (*SpawnGroupResult, error)
	Join(ctx context.Context, req *JoinRequest) (*JoinResult, error)
	CancelSubtree(ctx context.Context, runID string, includeRoot bool, reason string) (*CancelSubtreeResult, error)
	EvaluateAndReplan(ctx context.Context, runID string) (*ReplanResult, error)
}

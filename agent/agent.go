//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package agent defines the persistent entities of the platform:
// agent definitions, runs and traces.
package agent

import (
	"time"

	"github.com/agentrun/agentrun/graph"
)

// DefinitionStatus is the publication state of an agent definition.
type DefinitionStatus string

const (
	// StatusDraft marks an editable, unpublished definition.
	StatusDraft DefinitionStatus = "draft"
	// StatusPublished marks an immutable, runnable definition.
	StatusPublished DefinitionStatus = "published"
	// StatusDeprecated marks a retired definition.
	StatusDeprecated DefinitionStatus = "deprecated"
)

// ExecutionConstraints bounds a run of the agent.
type ExecutionConstraints struct {
	// TimeoutSeconds caps the total run duration. Zero means no cap.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
	// MaxToolIterations caps agent-node tool loops when the node config
	// does not override it.
	MaxToolIterations int `json:"max_tool_iterations,omitempty"`
}

// Definition is a versioned agent definition. Published definitions are
// immutable; edits create a new version.
type Definition struct {
	ID          string               `json:"id"`
	TenantID    string               `json:"tenant_id"`
	Slug        string               `json:"slug"`
	Name        string               `json:"name"`
	Version     int                  `json:"version"`
	Graph       *graph.Graph         `json:"graph"`
	Memory      map[string]any       `json:"memory_config,omitempty"`
	Constraints ExecutionConstraints `json:"execution_constraints"`
	Status      DefinitionStatus     `json:"status"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Run is one execution of an agent graph.
//
// Invariants: Depth == 0 iff ParentRunID == ""; RootRunID == ID iff
// ParentRunID == "".
type Run struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	AgentID      string         `json:"agent_id"`
	AgentVersion int            `json:"agent_version"`
	Status       RunStatus      `json:"status"`
	InputParams  map[string]any `json:"input_params,omitempty"`
	OutputResult map[string]any `json:"output_result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Lineage.
	RootRunID    string `json:"root_run_id"`
	ParentRunID  string `json:"parent_run_id,omitempty"`
	ParentNodeID string `json:"parent_node_id,omitempty"`
	Depth        int    `json:"depth"`
	SpawnKey     string `json:"spawn_key,omitempty"`

	OrchestrationGroupID string `json:"orchestration_group_id,omitempty"`
	DelegationGrantID    string `json:"delegation_grant_id,omitempty"`
}

// Trace is one recorded execution span of a run.
type Trace struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Name         string         `json:"name"`
	SpanType     string         `json:"span_type"`
	Inputs       map[string]any `json:"inputs,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

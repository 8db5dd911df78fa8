//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package orchestration

import "time"

// Join modes.
const (
	JoinBestEffort   = "best_effort"
	JoinFailFast     = "fail_fast"
	JoinQuorum       = "quorum"
	JoinFirstSuccess = "first_success"
)

// Group statuses. Terminal statuses are absorbing.
const (
	GroupRunning             = "running"
	GroupCompleted           = "completed"
	GroupCompletedWithErrors = "completed_with_errors"
	GroupFailed              = "failed"
	GroupTimedOut            = "timed_out"
)

// Cancellation reasons written onto members cancelled by a join.
const (
	ReasonJoinFailFast      = "join_fail_fast"
	ReasonJoinTimedOut      = "join_timed_out"
	ReasonJoinQuorumReached = "join_quorum_reached"
	ReasonJoinFirstSuccess  = "join_first_success"
)

// Member links a group to one child run by spawn ordinal.
type Member struct {
	GroupID string `json:"group_id"`
	RunID   string `json:"run_id"`
	Ordinal int    `json:"ordinal"`
	Status  string `json:"status"`
}

// Group is a set of child runs spawned together under one join policy.
// The policy snapshot freezes the tenant limits at creation time.
type Group struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	OrchestratorRunID string     `json:"orchestrator_run_id"`
	JoinMode          string     `json:"join_mode"`
	QuorumThreshold   int        `json:"quorum_threshold,omitempty"`
	TimeoutSeconds    float64    `json:"timeout_s,omitempty"`
	FailurePolicy     string     `json:"failure_policy,omitempty"`
	Status            string     `json:"status"`
	PolicySnapshot    Policy     `json:"policy_snapshot"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`

	Members []*Member `json:"members"`
}

// Terminal reports whether the group reached an absorbing status.
func (g *Group) Terminal() bool {
	return g.Status != GroupRunning
}

// transition moves the group to a terminal status exactly once.
func (g *Group) transition(status string, now time.Time) bool {
	if g.Terminal() {
		return false
	}
	g.Status = status
	g.CompletedAt = &now
	return true
}

//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package store defines the persistence contracts the engine and the
// orchestration kernel depend on. All operations are idempotent by id.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentrun/agentrun/agent"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrTerminal is returned when a status update targets a run already in
// a terminal state.
var ErrTerminal = errors.New("store: run is in a terminal state")

// RunUpdate carries the optional fields of a status transition.
type RunUpdate struct {
	ErrorMessage *string
	OutputResult map[string]any
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// AgentStore resolves agent definitions.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*agent.Definition, error)
}

// RunStore persists runs and their lineage.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*agent.Run, error)
	// CreateRun persists a new run. Creating an id twice is a no-op
	// returning the existing run.
	CreateRun(ctx context.Context, run *agent.Run) (*agent.Run, error)
	// UpdateRunStatus transitions a run. Transitions out of terminal
	// states fail with ErrTerminal.
	UpdateRunStatus(ctx context.Context, id string, status agent.RunStatus, update *RunUpdate) error
	// ListChildren returns the direct children of a run.
	ListChildren(ctx context.Context, parentRunID string) ([]*agent.Run, error)
	// FindBySpawnKey returns the child of parentRunID with the given
	// spawn key, or ErrNotFound.
	FindBySpawnKey(ctx context.Context, parentRunID, spawnKey string) (*agent.Run, error)
}

// TraceStore records execution spans.
type TraceStore interface {
	AppendTrace(ctx context.Context, trace *agent.Trace) error
}

// Store aggregates the persistence contracts.
type Store interface {
	AgentStore
	RunStore
	TraceStore
}

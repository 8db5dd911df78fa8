//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package inmemory provides an in-memory Store implementation suitable
// for tests and single-process deployments.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/agentrun/agentrun/agent"
	"github.com/agentrun/agentrun/store"
)

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu     sync.RWMutex
	agents map[string]*agent.Definition
	runs   map[string]*agent.Run
	traces map[string][]*agent.Trace // run id -> spans
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		agents: make(map[string]*agent.Definition),
		runs:   make(map[string]*agent.Run),
		traces: make(map[string][]*agent.Trace),
	}
}

// PutAgent registers an agent definition.
func (s *Store) PutAgent(def *agent.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[def.ID] = def
}

// GetAgent implements store.AgentStore.
func (s *Store) GetAgent(_ context.Context, id string) (*agent.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return def, nil
}

// GetRun implements store.RunStore.
func (s *Store) GetRun(_ context.Context, id string) (*agent.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// CreateRun implements store.RunStore. Creating an existing id returns
// the stored run unchanged.
func (s *Store) CreateRun(_ context.Context, run *agent.Run) (*agent.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[run.ID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *run
	s.runs[run.ID] = &cp
	out := cp
	return &out, nil
}

// UpdateRunStatus implements store.RunStore.
func (s *Store) UpdateRunStatus(_ context.Context, id string, status agent.RunStatus, update *store.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	if run.Status.IsTerminal() {
		// Idempotent re-application of the same terminal status is fine.
		if run.Status == status {
			return nil
		}
		return store.ErrTerminal
	}
	run.Status = status
	if update != nil {
		if update.ErrorMessage != nil {
			run.ErrorMessage = *update.ErrorMessage
		}
		if update.OutputResult != nil {
			run.OutputResult = update.OutputResult
		}
		if update.StartedAt != nil {
			run.StartedAt = update.StartedAt
		}
		if update.CompletedAt != nil {
			run.CompletedAt = update.CompletedAt
		}
	}
	return nil
}

// ListChildren implements store.RunStore. Children are ordered by spawn
// key for deterministic iteration.
func (s *Store) ListChildren(_ context.Context, parentRunID string) ([]*agent.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var children []*agent.Run
	for _, run := range s.runs {
		if run.ParentRunID == parentRunID {
			cp := *run
			children = append(children, &cp)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].SpawnKey < children[j].SpawnKey
	})
	return children, nil
}

// FindBySpawnKey implements store.RunStore.
func (s *Store) FindBySpawnKey(_ context.Context, parentRunID, spawnKey string) (*agent.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.ParentRunID == parentRunID && run.SpawnKey == spawnKey {
			cp := *run
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// AppendTrace implements store.TraceStore.
func (s *Store) AppendTrace(_ context.Context, trace *agent.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *trace
	s.traces[trace.RunID] = append(s.traces[trace.RunID], &cp)
	return nil
}

// Traces returns the recorded spans for a run, in append order.
func (s *Store) Traces(runID string) []*agent.Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*agent.Trace, len(s.traces[runID]))
	copy(out, s.traces[runID])
	return out
}

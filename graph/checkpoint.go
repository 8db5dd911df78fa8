//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrun/agentrun/model"
)

// Checkpoint sources.
const (
	// CheckpointSourceInput marks the checkpoint written before the
	// first step.
	CheckpointSourceInput = "input"
	// CheckpointSourceLoop marks checkpoints written at node boundaries.
	CheckpointSourceLoop = "loop"
	// CheckpointSourceInterrupt marks the checkpoint written when the
	// run pauses.
	CheckpointSourceInterrupt = "interrupt"
)

// ErrCheckpointNotFound is returned when no checkpoint exists for a key.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is a serialized snapshot of in-run state, keyed by
// (run_id, thread_id). It is everything needed to resume a run.
type Checkpoint struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	ThreadID  string    `json:"thread_id"`
	Step      int       `json:"step"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"ts"`

	// NextNodeID is the node the run will execute next. For interrupt
	// checkpoints this is the interrupted node itself.
	NextNodeID string `json:"next_node_id"`
	// State is the serialized run state.
	State json.RawMessage `json:"state"`
}

// NewCheckpoint serializes the state into a checkpoint.
func NewCheckpoint(runID, threadID, nextNodeID, source string, step int, s *State) (*Checkpoint, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return &Checkpoint{
		ID:         uuid.New().String(),
		RunID:      runID,
		ThreadID:   threadID,
		Step:       step,
		Source:     source,
		Timestamp:  time.Now().UTC(),
		NextNodeID: nextNodeID,
		State:      raw,
	}, nil
}

// RestoreState deserializes the checkpointed state.
func (c *Checkpoint) RestoreState() (*State, error) {
	s := NewState()
	if err := json.Unmarshal(c.State, s); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	// JSON round-trips empty slices as null.
	if s.Messages == nil {
		s.Messages = []model.Message{}
	}
	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	if s.NodeOutputs == nil {
		s.NodeOutputs = make(map[string]any)
	}
	if s.Vars == nil {
		s.Vars = make(map[string]any)
	}
	return s, nil
}

// CheckpointSaver persists checkpoints.
type CheckpointSaver interface {
	// Put stores a checkpoint.
	Put(ctx context.Context, cp *Checkpoint) error
	// Latest returns the most recent checkpoint for (runID, threadID),
	// or ErrCheckpointNotFound.
	Latest(ctx context.Context, runID, threadID string) (*Checkpoint, error)
	// List returns all checkpoints for (runID, threadID) in write order.
	List(ctx context.Context, runID, threadID string) ([]*Checkpoint, error)
	// DeleteRun removes all checkpoints of a run.
	DeleteRun(ctx context.Context, runID string) error
}

// InMemorySaver is an in-memory CheckpointSaver for tests and
// single-process deployments.
type InMemorySaver struct {
	mu      sync.RWMutex
	storage map[string][]*Checkpoint // runID/threadID -> checkpoints
}

// NewInMemorySaver creates an empty saver.
func NewInMemorySaver() *InMemorySaver {
	return &InMemorySaver{storage: make(map[string][]*Checkpoint)}
}

func saverKey(runID, threadID string) string {
	return runID + "/" + threadID
}

// Put implements CheckpointSaver.
func (s *InMemorySaver) Put(_ context.Context, cp *Checkpoint) error {
	if cp.RunID == "" {
		return errors.New("checkpoint run_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := saverKey(cp.RunID, cp.ThreadID)
	s.storage[key] = append(s.storage[key], cp)
	return nil
}

// Latest implements CheckpointSaver.
func (s *InMemorySaver) Latest(_ context.Context, runID, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.storage[saverKey(runID, threadID)]
	if len(cps) == 0 {
		return nil, ErrCheckpointNotFound
	}
	return cps[len(cps)-1], nil
}

// List implements CheckpointSaver.
func (s *InMemorySaver) List(_ context.Context, runID, threadID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.storage[saverKey(runID, threadID)]
	out := make([]*Checkpoint, len(cps))
	copy(out, cps)
	return out, nil
}

// DeleteRun implements CheckpointSaver.
func (s *InMemorySaver) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := runID + "/"
	for key := range s.storage {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.storage, key)
		}
	}
	return nil
}

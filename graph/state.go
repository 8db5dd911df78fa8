//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package graph

import (
	"github.com/agentrun/agentrun/model"
)

// State is the per-run working memory. It is mutated only by applying
// executor-returned deltas; executors receive a clone and must never
// write through it.
type State struct {
	// Messages is the accumulated chat history.
	Messages []model.Message `json:"messages"`
	// Context holds node-scoped working data (rag hits, transforms).
	Context map[string]any `json:"context"`
	// NodeOutputs records the delta produced by each executed node.
	NodeOutputs map[string]any `json:"_node_outputs"`
	// Vars holds user-defined state variables.
	Vars map[string]any `json:"state"`
	// LastAgentOutput is the latest agent node output, if any.
	LastAgentOutput any `json:"last_agent_output,omitempty"`
}

// NewState creates an empty state.
func NewState() *State {
	return &State{
		Context:     make(map[string]any),
		NodeOutputs: make(map[string]any),
		Vars:        make(map[string]any),
	}
}

// Clone returns a copy safe to hand to executors. Maps are copied one
// level deep; values are shared.
func (s *State) Clone() *State {
	clone := &State{
		Messages:        make([]model.Message, len(s.Messages)),
		Context:         make(map[string]any, len(s.Context)),
		NodeOutputs:     make(map[string]any, len(s.NodeOutputs)),
		Vars:            make(map[string]any, len(s.Vars)),
		LastAgentOutput: s.LastAgentOutput,
	}
	copy(clone.Messages, s.Messages)
	for k, v := range s.Context {
		clone.Context[k] = v
	}
	for k, v := range s.NodeOutputs {
		clone.NodeOutputs[k] = v
	}
	for k, v := range s.Vars {
		clone.Vars[k] = v
	}
	return clone
}

// Delta is the partial state patch an executor returns. Zero values
// mean "no change".
type Delta struct {
	// Messages are appended to the history.
	Messages []model.Message `json:"messages,omitempty"`
	// Context entries shallow-merge into State.Context.
	Context map[string]any `json:"context,omitempty"`
	// Vars entries shallow-merge into State.Vars.
	Vars map[string]any `json:"state,omitempty"`
	// Output is recorded under NodeOutputs for the executing node.
	Output any `json:"output,omitempty"`

	// Next forces the next node id, bypassing edge selection.
	Next string `json:"next,omitempty"`
	// BranchTaken selects the outgoing edge by source handle.
	BranchTaken string `json:"branch_taken,omitempty"`
	// FinalOutput is the run's rendered result (end nodes only).
	FinalOutput any `json:"final_output,omitempty"`
	// LastAgentOutput updates State.LastAgentOutput when SetLastAgentOutput.
	LastAgentOutput    any  `json:"last_agent_output,omitempty"`
	SetLastAgentOutput bool `json:"-"`
}

// Apply merges a delta into the state using the fixed merge rules:
// messages append, node output set, context and vars shallow-merge.
func (s *State) Apply(nodeID string, d *Delta) {
	if d == nil {
		return
	}
	s.Messages = append(s.Messages, d.Messages...)
	if d.Context != nil {
		if s.Context == nil {
			s.Context = make(map[string]any, len(d.Context))
		}
		for k, v := range d.Context {
			s.Context[k] = v
		}
	}
	if d.Vars != nil {
		if s.Vars == nil {
			s.Vars = make(map[string]any, len(d.Vars))
		}
		for k, v := range d.Vars {
			s.Vars[k] = v
		}
	}
	if d.Output != nil {
		if s.NodeOutputs == nil {
			s.NodeOutputs = make(map[string]any)
		}
		s.NodeOutputs[nodeID] = d.Output
	}
	if d.SetLastAgentOutput {
		s.LastAgentOutput = d.LastAgentOutput
	}
}

// exprEnv builds the expression environment exposed to condition and
// assignment expressions.
func (s *State) exprEnv(resolved map[string]any) map[string]any {
	env := map[string]any{
		"state":    s.Vars,
		"context":  s.Context,
		"upstream": s.NodeOutputs,
	}
	if s.LastAgentOutput != nil {
		env["last_agent_output"] = s.LastAgentOutput
	}
	for k, v := range resolved {
		env[k] = v
	}
	return env
}

//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package graph

import (
	"fmt"
)

// Issue codes reported by Validate.
const (
	CodeUnknownNodeType = "UnknownNodeType"
	CodeDuplicateNodeID = "DuplicateNodeId"
	CodeDanglingEdge    = "DanglingEdge"
	CodeMissingStart    = "MissingStart"
	CodeMultipleStart   = "MultipleStart"
	CodeUnreachableNode = "UnreachableNode"
	CodeMissingEnd      = "MissingEnd"
	CodeUnknownTool     = "UnknownTool"
	CodeUnknownModel    = "UnknownModel"
	CodeSchemaInvalid   = "SchemaInvalid"
)

// Severity of a validation issue. Errors block compilation, warnings do
// not.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding.
type Issue struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	NodeID   string   `json:"node_id,omitempty"`
	Message  string   `json:"message"`
}

func (i Issue) String() string {
	if i.NodeID != "" {
		return fmt.Sprintf("%s [%s] node %s: %s", i.Severity, i.Code, i.NodeID, i.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", i.Severity, i.Code, i.Message)
}

// CompileError wraps the fatal issues that blocked compilation.
type CompileError struct {
	Issues []Issue
}

// Error implements error.
func (e *CompileError) Error() string {
	if len(e.Issues) == 1 {
		return "graph validation failed: " + e.Issues[0].String()
	}
	return fmt.Sprintf("graph validation failed with %d errors (first: %s)",
		len(e.Issues), e.Issues[0].String())
}

// ValidateOption configures semantic validation.
type ValidateOption func(*validateOptions)

type validateOptions struct {
	knownTools  map[string]bool
	knownModels map[string]bool
}

// WithKnownTools enables UnknownTool checks against the given tool slugs.
func WithKnownTools(slugs []string) ValidateOption {
	return func(o *validateOptions) {
		o.knownTools = make(map[string]bool, len(slugs))
		for _, s := range slugs {
			o.knownTools[s] = true
		}
	}
}

// WithKnownModels enables UnknownModel checks against the given ids.
func WithKnownModels(ids []string) ValidateOption {
	return func(o *validateOptions) {
		o.knownModels = make(map[string]bool, len(ids))
		for _, id := range ids {
			o.knownModels[id] = true
		}
	}
}

// edgeKey addresses the adjacency map by source node and branch handle.
type edgeKey struct {
	Source string
	Handle string
}

// Workflow is the compiled, executable form of a graph.
type Workflow struct {
	AgentID string
	Version int
	Graph   *Graph

	nodes      map[string]*Node
	adjacency  map[edgeKey][]string
	interrupts map[string]bool
	entry      string
}

// Node returns a compiled node by id.
func (w *Workflow) Node(id string) (*Node, bool) {
	n, ok := w.nodes[id]
	return n, ok
}

// Entry returns the entry node id.
func (w *Workflow) Entry() string { return w.entry }

// IsInterrupt reports whether the node pauses the run.
func (w *Workflow) IsInterrupt(nodeID string) bool { return w.interrupts[nodeID] }

// Interrupts returns the interrupt node set.
func (w *Workflow) Interrupts() map[string]bool {
	out := make(map[string]bool, len(w.interrupts))
	for k := range w.interrupts {
		out[k] = true
	}
	return out
}

// Next returns the targets of (source, handle). When no edge matches
// the handle, the default (empty-handle) edges are returned.
func (w *Workflow) Next(source, handle string) []string {
	if handle != "" {
		if targets := w.adjacency[edgeKey{Source: source, Handle: handle}]; len(targets) > 0 {
			return targets
		}
	}
	return w.adjacency[edgeKey{Source: source}]
}

// Validate checks a graph. Structural problems are errors; semantic
// findings are warnings. Validation is pure: it never mutates the graph
// and the same input yields the same issues.
func Validate(g *Graph, opts ...ValidateOption) []Issue {
	var o validateOptions
	for _, opt := range opts {
		opt(&o)
	}
	var issues []Issue
	if g == nil {
		return []Issue{{Code: CodeMissingStart, Severity: SeverityError, Message: "graph is nil"}}
	}

	seen := make(map[string]bool, len(g.Nodes))
	startCount := 0
	endCount := 0
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if seen[n.ID] {
			issues = append(issues, Issue{
				Code: CodeDuplicateNodeID, Severity: SeverityError, NodeID: n.ID,
				Message: "duplicate node id",
			})
			continue
		}
		seen[n.ID] = true
		if !knownNodeTypes[n.Type] {
			issues = append(issues, Issue{
				Code: CodeUnknownNodeType, Severity: SeverityError, NodeID: n.ID,
				Message: fmt.Sprintf("unknown node type %q", n.Type),
			})
			continue
		}
		switch n.Type {
		case NodeTypeStart:
			startCount++
		case NodeTypeEnd:
			endCount++
		}
		issues = append(issues, validateNodeConfig(n, &o)...)
	}

	if startCount == 0 {
		issues = append(issues, Issue{
			Code: CodeMissingStart, Severity: SeverityError,
			Message: "graph has no start node",
		})
	}
	if startCount > 1 {
		issues = append(issues, Issue{
			Code: CodeMultipleStart, Severity: SeverityError,
			Message: fmt.Sprintf("graph has %d start nodes", startCount),
		})
	}
	if endCount == 0 {
		issues = append(issues, Issue{
			Code: CodeMissingEnd, Severity: SeverityWarning,
			Message: "graph has no end node",
		})
	}

	adjacency := make(map[string][]string)
	for _, e := range g.Edges {
		if !seen[e.Source] || !seen[e.Target] {
			issues = append(issues, Issue{
				Code: CodeDanglingEdge, Severity: SeverityError,
				Message: fmt.Sprintf("edge %s references missing node (%s -> %s)", e.ID, e.Source, e.Target),
			})
			continue
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}

	// Reachability from the start node (warning only).
	if startCount == 1 {
		var start string
		for i := range g.Nodes {
			if g.Nodes[i].Type == NodeTypeStart {
				start = g.Nodes[i].ID
				break
			}
		}
		visited := map[string]bool{}
		stack := []string{start}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[id] {
				continue
			}
			visited[id] = true
			stack = append(stack, adjacency[id]...)
		}
		for i := range g.Nodes {
			if !visited[g.Nodes[i].ID] && seen[g.Nodes[i].ID] {
				issues = append(issues, Issue{
					Code: CodeUnreachableNode, Severity: SeverityWarning,
					NodeID:  g.Nodes[i].ID,
					Message: "node is not reachable from start",
				})
			}
		}
	}

	return issues
}

// validateNodeConfig checks per-type executor configuration.
func validateNodeConfig(n *Node, o *validateOptions) []Issue {
	var issues []Issue
	invalid := func(msg string) {
		issues = append(issues, Issue{
			Code: CodeSchemaInvalid, Severity: SeverityError, NodeID: n.ID, Message: msg,
		})
	}
	switch n.Type {
	case NodeTypeIfElse:
		if _, ok := n.Config["conditions"].([]any); !ok {
			invalid("if_else requires a conditions list")
		}
	case NodeTypeWhile:
		if n.ConfigString("condition") == "" {
			invalid("while requires a condition expression")
		}
	case NodeTypeSetState:
		if _, ok := n.Config["assignments"].(map[string]any); !ok {
			invalid("set_state requires an assignments mapping")
		}
	case NodeTypeRouter:
		if n.ConfigString("route_key") == "" {
			invalid("router requires a route_key")
		}
	case NodeTypeClassify:
		if _, ok := n.Config["categories"].([]any); !ok {
			invalid("classify requires a categories list")
		}
		checkModel(n, o, &issues)
	case NodeTypeAgent, NodeTypeLLM:
		checkModel(n, o, &issues)
		if o.knownTools != nil {
			for _, t := range configStrings(n, "tools") {
				if !o.knownTools[t] {
					issues = append(issues, Issue{
						Code: CodeUnknownTool, Severity: SeverityError, NodeID: n.ID,
						Message: fmt.Sprintf("unknown tool %q", t),
					})
				}
			}
		}
	case NodeTypeTool:
		if name := n.ConfigString("tool"); name == "" {
			invalid("tool node requires a tool slug")
		} else if o.knownTools != nil && !o.knownTools[name] {
			issues = append(issues, Issue{
				Code: CodeUnknownTool, Severity: SeverityError, NodeID: n.ID,
				Message: fmt.Sprintf("unknown tool %q", name),
			})
		}
	case NodeTypeRAG, NodeTypeVectorSearch:
		if n.ConfigString("pipeline_id") == "" {
			invalid("rag node requires a pipeline_id")
		}
	case NodeTypeSpawnRun:
		if n.ConfigString("target_agent_id") == "" {
			invalid("spawn_run requires a target_agent_id")
		}
	case NodeTypeSpawnGroup:
		if _, ok := n.Config["targets"].([]any); !ok {
			invalid("spawn_group requires a targets list")
		}
	}
	return issues
}

func checkModel(n *Node, o *validateOptions, issues *[]Issue) {
	if o.knownModels == nil {
		return
	}
	if id := n.ConfigString("model_id"); id != "" && !o.knownModels[id] {
		*issues = append(*issues, Issue{
			Code: CodeUnknownModel, Severity: SeverityError, NodeID: n.ID,
			Message: fmt.Sprintf("unknown model %q", id),
		})
	}
}

// configStrings reads a []string config value tolerating []any.
func configStrings(n *Node, key string) []string {
	if n.Config == nil {
		return nil
	}
	switch v := n.Config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Compile validates a graph and produces its executable workflow.
// Warnings do not block compilation; any error-severity issue does.
func Compile(agentID string, version int, g *Graph, opts ...ValidateOption) (*Workflow, error) {
	issues := Validate(g, opts...)
	var fatal []Issue
	for _, is := range issues {
		if is.Severity == SeverityError {
			fatal = append(fatal, is)
		}
	}
	if len(fatal) > 0 {
		return nil, &CompileError{Issues: fatal}
	}

	wf := &Workflow{
		AgentID:    agentID,
		Version:    version,
		Graph:      g,
		nodes:      make(map[string]*Node, len(g.Nodes)),
		adjacency:  make(map[edgeKey][]string),
		interrupts: make(map[string]bool),
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		wf.nodes[n.ID] = n
		if n.Type == NodeTypeStart {
			wf.entry = n.ID
		}
		if interruptTypes[n.Type] {
			wf.interrupts[n.ID] = true
		}
	}
	for _, e := range g.Edges {
		k := edgeKey{Source: e.Source, Handle: e.SourceHandle}
		wf.adjacency[k] = append(wf.adjacency[k], e.Target)
	}
	return wf, nil
}

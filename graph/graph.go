//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package graph provides the workflow graph model, its compiler and the
// checkpointable execution engine that drives compiled workflows.
package graph

// NodeType enumerates the supported node types.
type NodeType string

const (
	NodeTypeStart         NodeType = "start"
	NodeTypeEnd           NodeType = "end"
	NodeTypeAgent         NodeType = "agent"
	NodeTypeLLM           NodeType = "llm"
	NodeTypeTool          NodeType = "tool"
	NodeTypeRAG           NodeType = "rag"
	NodeTypeVectorSearch  NodeType = "vector_search"
	NodeTypeTransform     NodeType = "transform"
	NodeTypeSetState      NodeType = "set_state"
	NodeTypeIfElse        NodeType = "if_else"
	NodeTypeClassify      NodeType = "classify"
	NodeTypeRouter        NodeType = "router"
	NodeTypeWhile         NodeType = "while"
	NodeTypeUserApproval  NodeType = "user_approval"
	NodeTypeHumanInput    NodeType = "human_input"
	NodeTypeSpawnRun      NodeType = "spawn_run"
	NodeTypeSpawnGroup    NodeType = "spawn_group"
	NodeTypeJoin          NodeType = "join"
	NodeTypeReplan        NodeType = "replan"
	NodeTypeCancelSubtree NodeType = "cancel_subtree"
)

// String implements fmt.Stringer.
func (nt NodeType) String() string { return string(nt) }

// interruptTypes are the node types that pause the run until resume.
var interruptTypes = map[NodeType]bool{
	NodeTypeUserApproval: true,
	NodeTypeHumanInput:   true,
}

// knownNodeTypes is the closed set accepted by the compiler.
var knownNodeTypes = map[NodeType]bool{
	NodeTypeStart: true, NodeTypeEnd: true, NodeTypeAgent: true,
	NodeTypeLLM: true, NodeTypeTool: true, NodeTypeRAG: true,
	NodeTypeVectorSearch: true, NodeTypeTransform: true,
	NodeTypeSetState: true, NodeTypeIfElse: true, NodeTypeClassify: true,
	NodeTypeRouter: true, NodeTypeWhile: true, NodeTypeUserApproval: true,
	NodeTypeHumanInput: true, NodeTypeSpawnRun: true,
	NodeTypeSpawnGroup: true, NodeTypeJoin: true, NodeTypeReplan: true,
	NodeTypeCancelSubtree: true,
}

// Position is the editor position of a node. It has no execution
// semantics.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one node of a user-defined workflow graph.
type Node struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type"`
	Position Position       `json:"position"`
	Config   map[string]any `json:"config,omitempty"`
	// InputMappings resolve over {state, upstream.<node_id>.<key>}
	// before the node executes.
	InputMappings map[string]string `json:"input_mappings,omitempty"`
}

// ConfigString reads a string config value.
func (n *Node) ConfigString(key string) string {
	if n.Config == nil {
		return ""
	}
	s, _ := n.Config[key].(string)
	return s
}

// ConfigInt reads an integer config value, accepting JSON numbers.
func (n *Node) ConfigInt(key string) int {
	if n.Config == nil {
		return 0
	}
	switch v := n.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// ConfigBool reads a boolean config value.
func (n *Node) ConfigBool(key string) bool {
	if n.Config == nil {
		return false
	}
	b, _ := n.Config[key].(bool)
	return b
}

// Edge is a directed edge between two nodes. SourceHandle selects a
// branch for routing nodes; an empty handle is the default edge.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
	TargetHandle string `json:"target_handle,omitempty"`
}

// Graph is a user-defined workflow graph as stored on an agent
// definition. It is plain data; Compile produces the executable form.
type Graph struct {
	SpecVersion string `json:"spec_version"`
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
}

// Node returns the node with the given id, if present.
func (g *Graph) Node(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

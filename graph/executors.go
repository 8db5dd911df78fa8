//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
)

// Branch names used by routing executors.
const (
	BranchElse    = "else"
	BranchDefault = "default"
	BranchLoop    = "loop"
	BranchExit    = "exit"
)

// ExecFunc executes one node. It receives a cloned state and the
// resolved input mappings, and returns a partial state delta. Executors
// must not mutate the state in place.
type ExecFunc func(ctx context.Context, s *State, n *Node, resolved map[string]any, ec *ExecContext) (*Delta, error)

// executors maps node types to their executor.
var executors = map[NodeType]ExecFunc{
	NodeTypeStart:         executeStart,
	NodeTypeEnd:           executeEnd,
	NodeTypeSetState:      executeSetState,
	NodeTypeTransform:     executeTransform,
	NodeTypeIfElse:        executeIfElse,
	NodeTypeRouter:        executeRouter,
	NodeTypeWhile:         executeWhile,
	NodeTypeUserApproval:  executeHumanInput,
	NodeTypeHumanInput:    executeHumanInput,
	NodeTypeAgent:         executeAgent,
	NodeTypeLLM:           executeAgent,
	NodeTypeClassify:      executeClassify,
	NodeTypeTool:          executeTool,
	NodeTypeRAG:           executeRAG,
	NodeTypeVectorSearch:  executeRAG,
	NodeTypeSpawnRun:      executeSpawnRun,
	NodeTypeSpawnGroup:    executeSpawnGroup,
	NodeTypeJoin:          executeJoin,
	NodeTypeReplan:        executeReplan,
	NodeTypeCancelSubtree: executeCancelSubtree,
}

// ExecutorFor returns the executor for a node type.
func ExecutorFor(nt NodeType) (ExecFunc, bool) {
	f, ok := executors[nt]
	return f, ok
}

// executeStart marks the run boundary. The node_start event is emitted
// by the engine; the executor itself contributes nothing.
func executeStart(_ context.Context, _ *State, _ *Node, _ map[string]any, _ *ExecContext) (*Delta, error) {
	return &Delta{}, nil
}

// executeEnd renders the run's final output from config.output_message.
func executeEnd(_ context.Context, s *State, n *Node, _ map[string]any, _ *ExecContext) (*Delta, error) {
	rendered := Interpolate(n.ConfigString("output_message"), s)
	return &Delta{
		FinalOutput: rendered,
		Output:      map[string]any{"final_output": rendered},
	}, nil
}

// executeSetState applies config.assignments to the user state. An
// assignment value is either a literal, a template string, or a map
// {"$expr": "<expression>"} evaluated over the state.
func executeSetState(_ context.Context, s *State, n *Node, resolved map[string]any, _ *ExecContext) (*Delta, error) {
	assignments, _ := n.Config["assignments"].(map[string]any)
	vars := make(map[string]any, len(assignments))
	for key, raw := range assignments {
		v, err := evalAssignment(raw, s, resolved)
		if err != nil {
			return nil, fmt.Errorf("set_state %s: assignment %q: %w", n.ID, key, err)
		}
		vars[key] = v
	}
	return &Delta{Vars: vars, Output: vars}, nil
}

func evalAssignment(raw any, s *State, resolved map[string]any) (any, error) {
	switch v := raw.(type) {
	case map[string]any:
		if code, ok := v["$expr"].(string); ok {
			return evalExpr(code, s, resolved)
		}
		return v, nil
	case string:
		return ResolveValue(v, s), nil
	default:
		return v, nil
	}
}

// executeTransform computes a value from config.expression or
// config.mappings and writes it to the node's context slot.
func executeTransform(_ context.Context, s *State, n *Node, resolved map[string]any, _ *ExecContext) (*Delta, error) {
	var result any
	if code := n.ConfigString("expression"); code != "" {
		v, err := evalExpr(code, s, resolved)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", n.ID, err)
		}
		result = v
	} else if mappings, ok := n.Config["mappings"].(map[string]any); ok {
		out := make(map[string]any, len(mappings))
		for key, raw := range mappings {
			if tmpl, ok := raw.(string); ok {
				out[key] = ResolveValue(tmpl, s)
			} else {
				out[key] = raw
			}
		}
		result = out
	} else {
		result = resolved
	}
	return &Delta{
		Context: map[string]any{n.ID: result},
		Output:  map[string]any{"transform_output": result},
	}, nil
}

// executeIfElse evaluates config.conditions in order and takes the
// first matching branch. The else branch is the default.
func executeIfElse(_ context.Context, s *State, n *Node, resolved map[string]any, _ *ExecContext) (*Delta, error) {
	conditions, _ := n.Config["conditions"].([]any)
	for i, raw := range conditions {
		cond, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		branch, _ := cond["branch"].(string)
		code, _ := cond["expression"].(string)
		if branch == "" || code == "" {
			continue
		}
		v, err := evalExpr(code, s, resolved)
		if err != nil {
			return nil, fmt.Errorf("if_else %s: condition %d: %w", n.ID, i, err)
		}
		if truthy(v) {
			return &Delta{
				BranchTaken: branch,
				Output:      map[string]any{"branch_taken": branch},
			}, nil
		}
	}
	return &Delta{
		BranchTaken: BranchElse,
		Output:      map[string]any{"branch_taken": BranchElse},
	}, nil
}

// executeRouter reads config.route_key from the resolved inputs (or the
// user state) and routes by its string value. Unmatched values fall
// through to the default edge in the engine.
func executeRouter(_ context.Context, s *State, n *Node, resolved map[string]any, _ *ExecContext) (*Delta, error) {
	key := n.ConfigString("route_key")
	var value any
	if v, ok := resolved[key]; ok {
		value = v
	} else if v, ok := s.Vars[key]; ok {
		value = v
	}
	branch := BranchDefault
	if value != nil {
		branch = stringify(value)
	}
	return &Delta{
		BranchTaken: branch,
		Output:      map[string]any{"branch_taken": branch, "route_value": value},
	}, nil
}

// executeWhile evaluates the loop predicate and emits loop or exit.
func executeWhile(_ context.Context, s *State, n *Node, resolved map[string]any, _ *ExecContext) (*Delta, error) {
	v, err := evalExpr(n.ConfigString("condition"), s, resolved)
	if err != nil {
		return nil, fmt.Errorf("while %s: %w", n.ID, err)
	}
	branch := BranchExit
	if truthy(v) {
		branch = BranchLoop
	}
	return &Delta{
		BranchTaken: branch,
		Output:      map[string]any{"branch_taken": branch},
	}, nil
}

// executeHumanInput consumes the armed resume payload. The engine
// pauses the run before this executor ever runs without one.
func executeHumanInput(_ context.Context, _ *State, n *Node, _ map[string]any, ec *ExecContext) (*Delta, error) {
	payload, ok := ec.takeResume()
	if !ok {
		return nil, fmt.Errorf("interrupt node %s executed without a resume payload", n.ID)
	}
	return &Delta{Vars: payload, Output: payload}, nil
}

// evalExpr compiles and runs an expression over the state environment.
func evalExpr(code string, s *State, resolved map[string]any) (any, error) {
	env := s.exprEnv(resolved)
	program, err := expr.Compile(code, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("run expression: %w", err)
	}
	return out, nil
}

// truthy mirrors expression truthiness: false, nil, zero numbers and
// empty strings are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case nil:
		return false
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"fmt"

	"github.com/agentrun/agentrun/tool/invoker"
)

// executeTool invokes the configured tool with the resolved inputs.
// Terminal failures under fail_fast escalate to the engine; under
// continue the error payload becomes the node output.
func executeTool(ctx context.Context, _ *State, n *Node, resolved map[string]any, ec *ExecContext) (*Delta, error) {
	slug := n.ConfigString("tool")
	def, ok := ec.Tools[slug]
	if !ok {
		return nil, fmt.Errorf("tool node %s: tool %q not registered", n.ID, slug)
	}
	input := resolved
	if input == nil {
		input = map[string]any{}
	}
	res, err := invoker.Invoke(ctx, def, input, &invoker.Context{
		RunID:   ec.RunID,
		NodeID:  n.ID,
		SpanID:  newSpanID(),
		Emitter: ec.Emitter,
		Breaker: ec.Breaker,
		Clock:   ec.Clock,
	})
	if err != nil {
		return nil, err
	}
	output := map[string]any{
		"tool_name":     slug,
		"attempt_count": res.Attempts,
	}
	if res.Failed() {
		output["error"] = res.ErrorMessage
		output["code"] = res.Code
	} else {
		output["tool_outputs"] = res.Output
	}
	return &Delta{
		Context: map[string]any{n.ID: res.Output},
		Output:  output,
	}, nil
}

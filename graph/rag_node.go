//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package graph

import (
	"context"
	"fmt"
)

// executeRAG queries the retrieval subsystem and stores normalized hits
// in the node's context slot, together with a short reasoning summary.
func executeRAG(ctx context.Context, s *State, n *Node, resolved map[string]any, ec *ExecContext) (*Delta, error) {
	if ec.RAG == nil {
		return nil, fmt.Errorf("rag node %s: no retrieval pipeline configured", n.ID)
	}
	pipelineID := n.ConfigString("pipeline_id")

	query := ""
	if v, ok := resolved["query"]; ok {
		query = stringify(v)
	}
	if query == "" {
		query = Interpolate(n.ConfigString("query"), s)
	}

	input := map[string]any{"query": query}
	if topK := n.ConfigInt("top_k"); topK > 0 {
		input["top_k"] = topK
	}
	for k, v := range resolved {
		if k != "query" {
			input[k] = v
		}
	}

	result, err := ec.RAG.Execute(ctx, pipelineID, input)
	if err != nil {
		return nil, fmt.Errorf("rag node %s: pipeline %s: %w", n.ID, pipelineID, err)
	}

	hits := make([]map[string]any, 0, len(result.Hits))
	for _, h := range result.Hits {
		hits = append(hits, map[string]any{
			"text":     h.Text,
			"score":    h.Score,
			"metadata": h.Metadata,
		})
	}
	summary := fmt.Sprintf("retrieved %d results for %q", len(hits), query)
	return &Delta{
		Context: map[string]any{n.ID: hits},
		Output: map[string]any{
			"results":   hits,
			"reasoning": summary,
		},
	}, nil
}

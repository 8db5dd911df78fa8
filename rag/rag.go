//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package rag defines the retrieval pipeline contract consumed by rag
// and vector_search nodes. Pipeline execution itself lives outside this
// module.
package rag

import "context"

// Hit is one normalized retrieval result.
type Hit struct {
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the output of a pipeline execution.
type Result struct {
	Hits []Hit `json:"results"`
}

// Pipeline executes retrieval pipelines by id.
type Pipeline interface {
	Execute(ctx context.Context, pipelineID string, input map[string]any) (*Result, error)
}

// PipelineFunc adapts a function to the Pipeline interface.
type PipelineFunc func(ctx context.Context, pipelineID string, input map[string]any) (*Result, error)

// Execute implements Pipeline.
func (f PipelineFunc) Execute(ctx context.Context, pipelineID string, input map[string]any) (*Result, error) {
	return f(ctx, pipelineID, input)
}

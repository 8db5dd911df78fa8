//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package tool defines the tool contracts used by agent nodes: the
// declaration surface offered to models, the callable interface, and
// the tool definition with its execution policy.
package tool

import "context"

// Declaration describes a tool to models and consumers.
type Declaration struct {
	// Name is the tool name, unique within a run's tool set.
	Name string `json:"name"`
	// Description tells the model when to use the tool.
	Description string `json:"description"`
	// InputSchema is the JSON Schema for the tool input.
	InputSchema map[string]any `json:"input_schema,omitempty"`
	// OutputSchema is the JSON Schema for the tool output.
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// Tool is the minimal interface implemented by all tools.
type Tool interface {
	// Declaration returns the tool's declaration.
	Declaration() *Declaration
}

// CallableTool is a tool that can be invoked with JSON arguments.
type CallableTool interface {
	Tool
	// Call executes the tool with the given JSON argument payload.
	Call(ctx context.Context, args []byte) (any, error)
}

// ImplementationType selects the dispatch variant for a tool.
type ImplementationType string

const (
	// ImplementationBuiltin runs an in-process handler.
	ImplementationBuiltin ImplementationType = "builtin"
	// ImplementationHTTP calls an HTTP endpoint.
	ImplementationHTTP ImplementationType = "http"
	// ImplementationRAG queries the retrieval subsystem.
	ImplementationRAG ImplementationType = "rag_retrieval"
	// ImplementationArtifact reads or writes run artifacts.
	ImplementationArtifact ImplementationType = "artifact"
	// ImplementationCustom is a caller-supplied handler.
	ImplementationCustom ImplementationType = "custom"
)

// Status values for a tool definition.
const (
	StatusActive     = "active"
	StatusDeprecated = "deprecated"
	StatusDisabled   = "disabled"
)

// FailurePolicy decides what a terminal tool failure does to the run.
type FailurePolicy string

const (
	// FailFast escalates the failure to the engine.
	FailFast FailurePolicy = "fail_fast"
	// Continue returns an error payload and lets the agent loop decide.
	Continue FailurePolicy = "continue"
)

// RetryConfig bounds the retry loop of a tool invocation.
type RetryConfig struct {
	MaxAttempts       int     `json:"max_attempts"`
	InitialDelayMs    int     `json:"initial_delay_ms"`
	MaxDelayMs        int     `json:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// ExecutionConfig is the per-tool execution policy.
type ExecutionConfig struct {
	TimeoutSeconds          float64       `json:"timeout_s"`
	Retry                   RetryConfig   `json:"retry"`
	FailurePolicy           FailurePolicy `json:"failure_policy"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold"`
}

// Handler is one dispatchable tool implementation variant.
type Handler interface {
	// Invoke executes the implementation with a validated input.
	Invoke(ctx context.Context, input map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

// Invoke implements Handler.
func (f HandlerFunc) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f(ctx, input)
}

// Definition is a registered tool with its contract and policy.
type Definition struct {
	ID           string             `json:"id"`
	Slug         string             `json:"slug"`
	Status       string             `json:"status"`
	Version      int                `json:"version"`
	InputSchema  map[string]any     `json:"input_schema,omitempty"`
	OutputSchema map[string]any     `json:"output_schema,omitempty"`
	Type         ImplementationType `json:"implementation_type"`
	Execution    ExecutionConfig    `json:"execution_config"`

	// ConcurrencyGroup serializes this tool with others sharing the
	// same group during parallel dispatch. Empty means no group.
	ConcurrencyGroup string `json:"concurrency_group,omitempty"`
	// IsPure marks side-effect-free tools.
	IsPure bool `json:"is_pure,omitempty"`

	// Handler is the bound implementation.
	Handler Handler `json:"-"`
}

// Declaration returns the declaration derived from the definition.
func (d *Definition) Declaration() *Declaration {
	return &Declaration{
		Name:         d.Slug,
		InputSchema:  d.InputSchema,
		OutputSchema: d.OutputSchema,
	}
}

// DefaultExecutionConfig returns the execution policy applied when a
// definition leaves fields unset.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		TimeoutSeconds: 30,
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialDelayMs:    100,
			MaxDelayMs:        5000,
			BackoffMultiplier: 2,
		},
		FailurePolicy:           Continue,
		CircuitBreakerThreshold: 5,
	}
}

//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

// Package function provides function-based tool implementations.
package function

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentrun/agentrun/tool"
)

// Tool wraps a typed Go function as a callable tool. Arguments arrive
// as JSON and are unmarshaled into I; the result O is returned as-is.
type Tool[I, O any] struct {
	name        string
	description string
	inputSchema map[string]any
	fn          func(context.Context, I) (O, error)
}

// Option configures a function tool.
type Option func(*config)

type config struct {
	name        string
	description string
	inputSchema map[string]any
}

// WithName sets the tool name. Names should match ^[a-zA-Z0-9_-]+$ for
// model API compatibility.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithDescription sets the tool description.
func WithDescription(description string) Option {
	return func(c *config) { c.description = description }
}

// WithInputSchema sets an explicit JSON Schema for the input.
func WithInputSchema(schema map[string]any) Option {
	return func(c *config) { c.inputSchema = schema }
}

// New creates a function tool from fn.
func New[I, O any](fn func(context.Context, I) (O, error), opts ...Option) *Tool[I, O] {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return &Tool[I, O]{
		name:        c.name,
		description: c.description,
		inputSchema: c.inputSchema,
		fn:          fn,
	}
}

// Declaration implements tool.Tool.
func (t *Tool[I, O]) Declaration() *tool.Declaration {
	return &tool.Declaration{
		Name:        t.name,
		Description: t.description,
		InputSchema: t.inputSchema,
	}
}

// Call implements tool.CallableTool.
func (t *Tool[I, O]) Call(ctx context.Context, args []byte) (any, error) {
	var input I
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, fmt.Errorf("unmarshal arguments for tool %s: %w", t.name, err)
		}
	}
	return t.fn(ctx, input)
}

// Invoke implements tool.Handler so function tools can back a builtin
// tool definition directly.
func (t *Tool[I, O]) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input for tool %s: %w", t.name, err)
	}
	out, err := t.Call(ctx, raw)
	if err != nil {
		return nil, err
	}
	return normalizeOutput(out)
}

// normalizeOutput coerces an arbitrary result into a map payload.
func normalizeOutput(out any) (map[string]any, error) {
	if m, ok := out.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		// Scalar or array results are wrapped.
		return map[string]any{"result": out}, nil
	}
	return m, nil
}

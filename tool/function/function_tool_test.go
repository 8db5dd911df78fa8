//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package function

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/tool"
)

type addInput struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addOutput struct {
	Sum int `json:"sum"`
}

func addTool() *Tool[addInput, addOutput] {
	return New(func(_ context.Context, in addInput) (addOutput, error) {
		return addOutput{Sum: in.A + in.B}, nil
	}, WithName("add"), WithDescription("adds two integers"))
}

func TestCallUnmarshalsArguments(t *testing.T) {
	out, err := addTool().Call(context.Background(), []byte(`{"a":2,"b":3}`))
	require.NoError(t, err)
	assert.Equal(t, addOutput{Sum: 5}, out)
}

func TestCallRejectsMalformedArguments(t *testing.T) {
	_, err := addTool().Call(context.Background(), []byte(`{"a":`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add")
}

func TestInvokeNormalizesStructResult(t *testing.T) {
	out, err := addTool().Invoke(context.Background(), map[string]any{"a": 4, "b": 6})
	require.NoError(t, err)
	assert.EqualValues(t, 10, out["sum"])
}

func TestInvokeWrapsScalarResult(t *testing.T) {
	ft := New(func(_ context.Context, _ struct{}) (int, error) {
		return 7, nil
	}, WithName("seven"))
	out, err := ft.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 7, out["result"])
}

func TestInvokePropagatesError(t *testing.T) {
	ft := New(func(_ context.Context, _ struct{}) (int, error) {
		return 0, errors.New("boom")
	}, WithName("broken"))
	_, err := ft.Invoke(context.Background(), nil)
	assert.EqualError(t, err, "boom")
}

func TestFunctionToolBacksDefinition(t *testing.T) {
	ft := addTool()
	def := &tool.Definition{
		ID:      "tool-add",
		Slug:    "add",
		Status:  tool.StatusActive,
		Type:    tool.ImplementationCustom,
		Handler: ft,
	}
	out, err := def.Handler.Invoke(context.Background(), map[string]any{"a": 1, "b": 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, out["sum"])

	decl := ft.Declaration()
	assert.Equal(t, "add", decl.Name)
	assert.Equal(t, "adds two integers", decl.Description)
}

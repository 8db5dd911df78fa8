//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func templateState() *State {
	s := NewState()
	s.Vars["name"] = "Ada"
	s.Vars["count"] = 3
	s.Context["notes"] = map[string]any{"topic": "graphs"}
	s.NodeOutputs["search"] = map[string]any{"hits": []any{"a", "b"}, "total": 2}
	s.LastAgentOutput = map[string]any{"verdict": "ok"}
	return s
}

func TestInterpolate(t *testing.T) {
	s := templateState()
	tests := []struct {
		tmpl string
		want string
	}{
		{"hello {{state.name}}", "hello Ada"},
		{"{{state.count}} items", "3 items"},
		{"topic={{context.notes.topic}}", "topic=graphs"},
		{"total={{upstream.search.total}}", "total=2"},
		{"v={{last_agent_output.verdict}}", "v=ok"},
		{"{{ state.name }} spaced", "Ada spaced"},
		{"missing [{{state.nope}}]", "missing []"},
		{"not a ref {state.name}", "not a ref {state.name}"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Interpolate(tt.tmpl, s), tt.tmpl)
	}
}

func TestResolveValueSingleRefKeepsType(t *testing.T) {
	s := templateState()

	v := ResolveValue("{{upstream.search}}", s)
	m, ok := v.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, 2, m["total"])

	assert.Equal(t, 3, ResolveValue("{{state.count}}", s))

	// Mixed templates stringify.
	assert.Equal(t, "count: 3", ResolveValue("count: {{state.count}}", s))

	// Unresolved single refs resolve to the empty string.
	assert.Equal(t, "", ResolveValue("{{state.ghost}}", s))

	// Non-template strings pass through.
	assert.Equal(t, "plain", ResolveValue("plain", s))
}

func TestResolveMappings(t *testing.T) {
	s := templateState()
	n := &Node{
		ID: "n1",
		InputMappings: map[string]string{
			"query": "about {{context.notes.topic}}",
			"hits":  "{{upstream.search.hits}}",
		},
	}
	resolved := ResolveMappings(n, s)
	assert.Equal(t, "about graphs", resolved["query"])
	assert.Equal(t, []any{"a", "b"}, resolved["hits"])

	assert.Nil(t, ResolveMappings(&Node{ID: "bare"}, s))
}

//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package graph

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/agentrun/agentrun/log"
)

// templateRef matches {{ path.to.value }} references.
var templateRef = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// Interpolate renders a template string over the state. References use
// {{state.<key>}}, {{context.<key>}} and {{upstream.<node_id>.<key>}}.
// Unresolved references render as the empty string.
func Interpolate(tmpl string, s *State) string {
	return templateRef.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := templateRef.FindStringSubmatch(m)[1]
		v, ok := lookupPath(path, s)
		if !ok {
			log.Debugf("graph: unresolved template ref %q", path)
			return ""
		}
		return stringify(v)
	})
}

// ResolveValue resolves a template to a raw value. When the template is
// exactly one reference the underlying value is returned unstringified;
// otherwise the interpolated string is returned.
func ResolveValue(tmpl string, s *State) any {
	trimmed := strings.TrimSpace(tmpl)
	if m := templateRef.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		if v, ok := lookupPath(m[1], s); ok {
			return v
		}
		log.Debugf("graph: unresolved template ref %q", m[1])
		return ""
	}
	return Interpolate(tmpl, s)
}

// ResolveMappings resolves a node's input mappings against the state.
func ResolveMappings(n *Node, s *State) map[string]any {
	if len(n.InputMappings) == 0 {
		return nil
	}
	out := make(map[string]any, len(n.InputMappings))
	for key, tmpl := range n.InputMappings {
		out[key] = ResolveValue(tmpl, s)
	}
	return out
}

// lookupPath walks a dotted reference over the state roots.
func lookupPath(path string, s *State) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any
	switch parts[0] {
	case "state":
		cur = s.Vars
	case "context":
		cur = s.Context
	case "upstream":
		cur = s.NodeOutputs
	case "last_agent_output":
		cur = s.LastAgentOutput
	default:
		return nil, false
	}
	for _, p := range parts[1:] {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// asMap views a value as a string-keyed map.
func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

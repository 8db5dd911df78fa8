//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package orchestration

import "errors"

// ErrPolicyDenied is the base error for tenant policy denials. The
// wrapped message names the violated limit.
var ErrPolicyDenied = errors.New("orchestration: policy denied")

// Policy deny reasons carried on orchestration.policy_deny events.
const (
	DenyScopeNotSubset        = "scope_not_subset"
	DenyMaxChildrenPerParent  = "max_children_per_parent"
	DenyMaxSubtreeDepth       = "max_subtree_depth"
	DenyMaxConcurrentChildren = "max_concurrent_children_per_root"
)

// Policy bounds the shape of an orchestration subtree. Zero values mean
// unlimited.
type Policy struct {
	MaxChildrenPerParent         int `json:"max_children_per_parent,omitempty"`
	MaxSubtreeDepth              int `json:"max_subtree_depth,omitempty"`
	MaxConcurrentChildrenPerRoot int `json:"max_concurrent_children_per_root,omitempty"`
}

// DefaultPolicy returns the limits applied when a tenant has none.
func DefaultPolicy() Policy {
	return Policy{
		MaxChildrenPerParent:         16,
		MaxSubtreeDepth:              4,
		MaxConcurrentChildrenPerRoot: 32,
	}
}

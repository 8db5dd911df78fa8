//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package orchestration

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ErrScopeNotSubset is returned when a requested scope set exceeds the
// parent grant's effective scopes.
var ErrScopeNotSubset = errors.New("orchestration: requested scopes exceed parent grant")

// DelegationGrant is the capability set carried by a run. Child grants
// are minted from the parent's and never widen it.
type DelegationGrant struct {
	ID              string   `json:"id"`
	PrincipalID     string   `json:"principal_id"`
	EffectiveScopes []string `json:"effective_scopes"`
	RunID           string   `json:"run_id,omitempty"`

	scopeSet map[string]bool
}

// NewGrant creates a root grant for a principal.
func NewGrant(principalID string, scopes []string) *DelegationGrant {
	return &DelegationGrant{
		ID:              uuid.New().String(),
		PrincipalID:     principalID,
		EffectiveScopes: normalizeScopes(scopes),
	}
}

// Has reports whether the grant carries a scope.
func (g *DelegationGrant) Has(scope string) bool {
	if g.scopeSet == nil {
		g.scopeSet = make(map[string]bool, len(g.EffectiveScopes))
		for _, s := range g.EffectiveScopes {
			g.scopeSet[s] = true
		}
	}
	return g.scopeSet[scope]
}

// MintChild derives a child grant limited to the requested scopes. The
// request must be a subset of the parent's effective scopes; an empty
// request inherits the parent's scopes unchanged.
func (g *DelegationGrant) MintChild(childRunID string, requested []string) (*DelegationGrant, error) {
	scopes := normalizeScopes(requested)
	if len(scopes) == 0 {
		scopes = append([]string(nil), g.EffectiveScopes...)
	} else {
		for _, s := range scopes {
			if !g.Has(s) {
				return nil, fmt.Errorf("%w: scope %q", ErrScopeNotSubset, s)
			}
		}
	}
	return &DelegationGrant{
		ID:              uuid.New().String(),
		PrincipalID:     g.PrincipalID,
		EffectiveScopes: scopes,
		RunID:           childRunID,
	}, nil
}

func normalizeScopes(scopes []string) []string {
	seen := make(map[string]bool, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

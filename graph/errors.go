//
// Copyright (C) 2025 The agentrun Authors.
//
// agentrun is licensed under the Apache License Version 2.0.
//

package graph

import "errors"

var (
	// ErrNoEntryNode is returned when a workflow has no start node.
	ErrNoEntryNode = errors.New("workflow has no entry node")
	// ErrNodeNotFound is returned when the driver reaches a missing node.
	ErrNodeNotFound = errors.New("node not found")
	// ErrNoOutgoingEdge is returned when a non-end node has no
	// applicable outgoing edge.
	ErrNoOutgoingEdge = errors.New("no outgoing edge")
	// ErrRunTimeout is returned when the run-level constraint expires.
	ErrRunTimeout = errors.New("run_timeout")
)

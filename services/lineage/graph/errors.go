// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the in-memory lineage graph store.
//
// The store holds node and edge tables plus derived adjacency and
// reverse-adjacency indices. Nodes represent data artifacts (datasets,
// features, models, jobs, ...) and edges represent how they derive from
// one another (derives_from, consumes, produces, ...).
//
// # Versioning Model
//
// Nodes are versioned type-2 style: re-registering an existing ID appends
// a new version record instead of overwriting the previous one. The full
// version history is retained, which is what makes asOf (time-travel)
// queries possible.
//
// # Derived Indices
//
// Adjacency and reverse-adjacency are derived from the edge table and carry
// no independent state. They are updated in the same mutation that changes
// the edge set and can always be rebuilt from (nodes, edges) alone.
//
// # Thread Safety
//
// Store is NOT safe for concurrent use on its own. It is designed for the
// single-writer/many-reader discipline enforced by the lineage service:
// all mutations happen under the service's write lock, reads under its
// read lock. A reader never observes updated nodes with stale indices;
// the critical section's exit is the only point where a new consistent
// state becomes visible.
package graph

import "errors"

// Sentinel errors for graph operations.
var (
	// ErrNodeNotFound is returned when a lookup or traversal references
	// a node ID that is not materialized in the store.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDanglingReference is returned when an edge endpoint does not
	// resolve to a materialized node and the integrity policy rejects it.
	ErrDanglingReference = errors.New("dangling edge reference")

	// ErrCycleDetected is returned when committing an edge would create
	// a path back to one of its own ancestors and the integrity policy
	// rejects it.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrInvalidNode is returned when upserting a node with an empty ID
	// or an unknown node type.
	ErrInvalidNode = errors.New("invalid node")

	// ErrInvalidEdge is returned when upserting an edge with missing
	// endpoints or an unknown edge type.
	ErrInvalidEdge = errors.New("invalid edge")

	// ErrMaxNodesExceeded is returned when the store has reached its
	// configured maximum node capacity.
	ErrMaxNodesExceeded = errors.New("maximum node count exceeded")

	// ErrMaxEdgesExceeded is returned when the store has reached its
	// configured maximum edge capacity.
	ErrMaxEdgesExceeded = errors.New("maximum edge count exceeded")
)

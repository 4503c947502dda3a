// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"fmt"
	"time"
)

// Traversal limits.
const (
	// DefaultTraverseDepth is the default maximum traversal depth.
	DefaultTraverseDepth = 5

	// MaxTraverseDepth is the hard cap on traversal depth.
	MaxTraverseDepth = 10

	// MaxResultNodes is the global result-node cap. Exceeding it truncates
	// the result rather than erroring.
	MaxResultNodes = 5000

	// contextCheckInterval is how often to check context during traversal.
	contextCheckInterval = 100
)

// Mode selects the traversal direction.
type Mode string

const (
	// ModeUpstream follows reverse adjacency (what this derives from).
	ModeUpstream Mode = "upstream"

	// ModeDownstream follows adjacency (what derives from this).
	ModeDownstream Mode = "downstream"

	// ModeBoth follows both directions.
	ModeBoth Mode = "both"

	// ModeWhy follows only explains edges, in both directions.
	ModeWhy Mode = "why"
)

// Valid reports whether m is a known traversal mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeUpstream, ModeDownstream, ModeBoth, ModeWhy:
		return true
	}
	return false
}

// TraverseRequest describes a bounded traversal query.
type TraverseRequest struct {
	// From is the starting node ID.
	From string

	// Mode is the traversal direction.
	Mode Mode

	// DepthMax bounds the traversal depth. Zero means DefaultTraverseDepth;
	// values above MaxTraverseDepth are clamped.
	DepthMax int

	// AsOf restricts the traversal to the graph state at a past instant:
	// only nodes whose first version and edges whose At are <= AsOf are
	// visible, and node attrs resolve to the version in effect at AsOf.
	// A read-side filter; the log is never rewritten.
	AsOf *time.Time

	// NodeTypes restricts visited nodes to the given types (empty = all).
	// The start node is always included.
	NodeTypes []NodeType

	// EdgeTypes restricts followed edges to the given types (empty = all).
	// Ignored in ModeWhy, which always follows explains edges only.
	EdgeTypes []EdgeType
}

// NodeView is a node as seen by a traversal, with version fields resolved
// to the requested asOf instant.
type NodeView struct {
	ID        string               `json:"id"`
	Type      NodeType             `json:"type"`
	Version   string               `json:"version"`
	AsOf      time.Time            `json:"asOf"`
	Attrs     map[string]AttrValue `json:"attrs,omitempty"`
	Synthetic bool                 `json:"synthetic,omitempty"`
	Depth     int                  `json:"depth"`
}

// TraverseResult contains the nodes and edges reached by a traversal.
type TraverseResult struct {
	// From is the starting node ID.
	From string `json:"from"`

	// Mode is the traversal mode that produced this result.
	Mode Mode `json:"mode"`

	// Nodes holds the visited nodes in BFS order, the start node first.
	Nodes []NodeView `json:"nodes"`

	// Edges holds every edge followed during the traversal.
	Edges []*Edge `json:"edges"`

	// Depth is the maximum depth reached.
	Depth int `json:"depth"`

	// Truncated is true if a depth/size cap was hit or the context was
	// cancelled. Not an error; the partial result is still valid.
	Truncated bool `json:"truncated"`
}

// Traverse runs a bounded breadth-first traversal.
//
// Description:
//
//	Walks the graph from req.From in the direction(s) implied by req.Mode,
//	honoring asOf and type filters. Iterative BFS with a visited set, so
//	it terminates on any graph, cyclic or not. The context is checked
//	cooperatively every contextCheckInterval dequeues; cancellation
//	truncates rather than errors.
//
// Outputs:
//
//	*TraverseResult - Visited nodes and edges with the Truncated flag.
//	error - ErrNodeNotFound if the start node does not exist (or is not
//	        visible at asOf); a validation error for a bad mode.
func (s *Store) Traverse(ctx context.Context, req TraverseRequest) (*TraverseResult, error) {
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("invalid traversal mode %q", req.Mode)
	}

	depthMax := req.DepthMax
	if depthMax <= 0 {
		depthMax = DefaultTraverseDepth
	}
	if depthMax > MaxTraverseDepth {
		depthMax = MaxTraverseDepth
	}

	start, ok := s.nodes[req.From]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, req.From)
	}
	if req.AsOf != nil && !start.VisibleAt(*req.AsOf) {
		return nil, fmt.Errorf("%w: %s not visible at %s", ErrNodeNotFound, req.From, req.AsOf.Format(time.RFC3339))
	}

	nodeFilter := makeTypeSet(req.NodeTypes)
	edgeFilter := makeEdgeTypeSet(req.EdgeTypes)
	if req.Mode == ModeWhy {
		edgeFilter = map[EdgeType]bool{EdgeExplains: true}
	}

	result := &TraverseResult{
		From:  req.From,
		Mode:  req.Mode,
		Nodes: make([]NodeView, 0, 16),
		Edges: make([]*Edge, 0, 16),
	}

	type queueItem struct {
		id    string
		depth int
	}
	visited := map[string]bool{req.From: true}
	queue := []queueItem{{req.From, 0}}
	checkCounter := 0

	for len(queue) > 0 {
		checkCounter++
		if checkCounter%contextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				result.Truncated = true
				return result, nil
			}
		}

		item := queue[0]
		queue = queue[1:]

		node := s.nodes[item.id]
		result.Nodes = append(result.Nodes, s.viewOf(node, req.AsOf, item.depth))
		if item.depth > result.Depth {
			result.Depth = item.depth
		}

		if len(result.Nodes) >= MaxResultNodes {
			result.Truncated = true
			break
		}
		if item.depth >= depthMax {
			result.Truncated = result.Truncated || s.hasFrontier(node.ID, req, edgeFilter, nodeFilter, visited)
			continue
		}

		follow := func(edge *Edge, next string) {
			if edgeFilter != nil && !edgeFilter[edge.Type] {
				return
			}
			if req.AsOf != nil && edge.At.After(*req.AsOf) {
				return
			}
			if visited[next] {
				return
			}
			neighbor, ok := s.nodes[next]
			if !ok {
				return
			}
			if req.AsOf != nil && !neighbor.VisibleAt(*req.AsOf) {
				return
			}
			if nodeFilter != nil && !nodeFilter[neighbor.Type] {
				return
			}
			visited[next] = true
			result.Edges = append(result.Edges, edge)
			queue = append(queue, queueItem{next, item.depth + 1})
		}

		if req.Mode == ModeDownstream || req.Mode == ModeBoth || req.Mode == ModeWhy {
			for _, edge := range s.out[item.id] {
				follow(edge, edge.To)
			}
		}
		if req.Mode == ModeUpstream || req.Mode == ModeBoth || req.Mode == ModeWhy {
			for _, edge := range s.in[item.id] {
				follow(edge, edge.From)
			}
		}
	}

	return result, nil
}

// viewOf resolves a node to the version visible at asOf.
func (s *Store) viewOf(node *Node, asOf *time.Time, depth int) NodeView {
	view := NodeView{
		ID:        node.ID,
		Type:      node.Type,
		Version:   node.Version,
		AsOf:      node.AsOf,
		Attrs:     node.Attrs,
		Synthetic: node.Synthetic,
		Depth:     depth,
	}
	if asOf != nil {
		if rec := node.VersionAt(*asOf); rec != nil {
			view.Version = rec.Version
			view.AsOf = rec.AsOf
			view.Attrs = rec.Attrs
		}
	}
	return view
}

// hasFrontier reports whether a node at the depth cap still had followable,
// unvisited neighbors, so the result can be flagged as truncated.
func (s *Store) hasFrontier(id string, req TraverseRequest, edgeFilter map[EdgeType]bool, nodeFilter map[NodeType]bool, visited map[string]bool) bool {
	check := func(edges []*Edge, neighborOf func(*Edge) string) bool {
		for _, edge := range edges {
			if edgeFilter != nil && !edgeFilter[edge.Type] {
				continue
			}
			if req.AsOf != nil && edge.At.After(*req.AsOf) {
				continue
			}
			next := neighborOf(edge)
			if visited[next] {
				continue
			}
			neighbor, ok := s.nodes[next]
			if !ok {
				continue
			}
			if req.AsOf != nil && !neighbor.VisibleAt(*req.AsOf) {
				continue
			}
			if nodeFilter != nil && !nodeFilter[neighbor.Type] {
				continue
			}
			return true
		}
		return false
	}
	if req.Mode == ModeDownstream || req.Mode == ModeBoth || req.Mode == ModeWhy {
		if check(s.out[id], func(e *Edge) string { return e.To }) {
			return true
		}
	}
	if req.Mode == ModeUpstream || req.Mode == ModeBoth || req.Mode == ModeWhy {
		if check(s.in[id], func(e *Edge) string { return e.From }) {
			return true
		}
	}
	return false
}

func makeTypeSet(types []NodeType) map[NodeType]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[NodeType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

func makeEdgeTypeSet(types []EdgeType) map[EdgeType]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[EdgeType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

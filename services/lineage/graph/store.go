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
	"fmt"
	"time"
)

// StoreOptions configures Store behavior and limits.
type StoreOptions struct {
	// MaxNodes is the maximum number of nodes the store can hold.
	// Default: 1,000,000
	MaxNodes int

	// MaxEdges is the maximum number of edges the store can hold.
	// Default: 10,000,000
	MaxEdges int
}

// DefaultStoreOptions returns sensible defaults for store configuration.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		MaxNodes: DefaultMaxNodes,
		MaxEdges: DefaultMaxEdges,
	}
}

// StoreOption is a functional option for configuring Store.
type StoreOption func(*StoreOptions)

// WithMaxNodes sets the maximum number of nodes the store can hold.
func WithMaxNodes(n int) StoreOption {
	return func(o *StoreOptions) {
		if n > 0 {
			o.MaxNodes = n
		}
	}
}

// WithMaxEdges sets the maximum number of edges the store can hold.
func WithMaxEdges(n int) StoreOption {
	return func(o *StoreOptions) {
		if n > 0 {
			o.MaxEdges = n
		}
	}
}

// Store is the in-memory lineage graph: node and edge tables plus derived
// adjacency indices.
//
// Thread Safety:
//
//	Store is NOT safe for concurrent use. The lineage service serializes
//	all mutations behind its write lock and runs reads under its read
//	lock; see the package documentation.
type Store struct {
	// nodes maps node ID to Node. The arena for all node state; edges
	// and indices refer to nodes only by ID, never by pointer, so cycles
	// and repaired references stay structurally representable.
	nodes map[string]*Node

	// edges maps the (from, to, type) composite key to the edge record.
	edges map[string]*Edge

	// out and in are the derived adjacency and reverse-adjacency lists.
	// Rebuildable from edges alone; updated in the same mutation.
	out map[string][]*Edge
	in  map[string][]*Edge

	// signature is the current graph signature (see signature.go).
	signature string

	// generation increments on every mutation that changes the node or
	// edge set. Cheap change detection for callers that poll.
	generation uint64

	options StoreOptions
}

// NewStore creates an empty lineage graph store.
func NewStore(opts ...StoreOption) *Store {
	options := DefaultStoreOptions()
	for _, opt := range opts {
		opt(&options)
	}

	s := &Store{
		nodes:   make(map[string]*Node),
		edges:   make(map[string]*Edge),
		out:     make(map[string][]*Edge),
		in:      make(map[string][]*Edge),
		options: options,
	}
	s.RecomputeSignature()
	return s
}

// NodeCount returns the number of nodes in the store.
func (s *Store) NodeCount() int {
	return len(s.nodes)
}

// EdgeCount returns the number of edges in the store.
func (s *Store) EdgeCount() int {
	return len(s.edges)
}

// Generation returns the mutation counter.
func (s *Store) Generation() uint64 {
	return s.generation
}

// GetNode retrieves a node by ID. The returned node must not be mutated.
func (s *Store) GetNode(id string) (*Node, bool) {
	node, ok := s.nodes[id]
	return node, ok
}

// HasNode reports whether a node with the given ID is materialized.
func (s *Store) HasNode(id string) bool {
	_, ok := s.nodes[id]
	return ok
}

// UpsertNode registers a node version.
//
// Description:
//
//	If the ID is new, creates the node with a single version record.
//	If the ID exists, this is a re-registration: a new type-2 version
//	record is appended and the current fields advance; prior versions
//	are retained in History, never discarded. The node's type follows
//	the latest registration, which is how a placeholder typed by a ref
//	guess gets corrected when the real event arrives. Re-registering a
//	synthetic placeholder with a real event clears the synthetic mark.
//
// Inputs:
//
//	id - Node ID. Must be non-empty.
//	typ - Node type. Must be a known type.
//	version - Opaque version string for this registration.
//	asOf - When this version became effective.
//	attrs - Attribute bag (may be nil). Stored as a deep copy.
//
// Outputs:
//
//	created - True if the node ID was new.
//	error - ErrInvalidNode or ErrMaxNodesExceeded.
func (s *Store) UpsertNode(id string, typ NodeType, version string, asOf time.Time, attrs map[string]AttrValue) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: empty id", ErrInvalidNode)
	}
	if !typ.Valid() {
		return false, fmt.Errorf("%w: unknown type %q", ErrInvalidNode, typ)
	}

	rec := NodeVersion{Version: version, AsOf: asOf, Attrs: CloneAttrs(attrs)}

	if existing, ok := s.nodes[id]; ok {
		existing.Type = typ
		existing.Version = version
		existing.AsOf = asOf
		existing.Attrs = CloneAttrs(attrs)
		existing.Synthetic = false
		existing.History = append(existing.History, rec)
		s.generation++
		return false, nil
	}

	if len(s.nodes) >= s.options.MaxNodes {
		return false, ErrMaxNodesExceeded
	}

	s.nodes[id] = &Node{
		ID:      id,
		Type:    typ,
		Version: version,
		AsOf:    asOf,
		Attrs:   CloneAttrs(attrs),
		History: []NodeVersion{rec},
	}
	s.generation++
	return true, nil
}

// AddSyntheticNode materializes a placeholder node.
//
// Description:
//
//	Used by the integrity policy for orphan repair and cycle breaking.
//	The node is marked Synthetic=true and carries version "0". If the ID
//	already exists this is a no-op: a real node is never downgraded to
//	a placeholder.
//
// Outputs:
//
//	created - True if a placeholder was materialized.
//	error - ErrMaxNodesExceeded if at capacity.
func (s *Store) AddSyntheticNode(id string, typ NodeType, asOf time.Time, attrs map[string]AttrValue) (bool, error) {
	if _, ok := s.nodes[id]; ok {
		return false, nil
	}
	if !typ.Valid() {
		typ = NodeArtifact
	}
	if len(s.nodes) >= s.options.MaxNodes {
		return false, ErrMaxNodesExceeded
	}

	rec := NodeVersion{Version: "0", AsOf: asOf, Attrs: CloneAttrs(attrs)}
	s.nodes[id] = &Node{
		ID:        id,
		Type:      typ,
		Version:   "0",
		AsOf:      asOf,
		Attrs:     CloneAttrs(attrs),
		Synthetic: true,
		History:   []NodeVersion{rec},
	}
	s.generation++
	return true, nil
}

// UpsertEdge commits a directed edge keyed by (from, to, type).
//
// Description:
//
//	Both endpoints must already be materialized; dangling endpoints are
//	resolved by the integrity policy before this call. Upserting an
//	existing triple refreshes Attrs but keeps the original At, so time
//	travel sees the edge from its first commit. Adjacency and reverse
//	adjacency are updated in the same mutation.
//
// Outputs:
//
//	created - True if the (from, to, type) triple was new.
//	error - ErrInvalidEdge, ErrNodeNotFound, or ErrMaxEdgesExceeded.
func (s *Store) UpsertEdge(from, to string, typ EdgeType, at time.Time, attrs map[string]AttrValue) (bool, error) {
	if from == "" || to == "" {
		return false, fmt.Errorf("%w: empty endpoint", ErrInvalidEdge)
	}
	if !typ.Valid() {
		return false, fmt.Errorf("%w: unknown type %q", ErrInvalidEdge, typ)
	}
	if _, ok := s.nodes[from]; !ok {
		return false, fmt.Errorf("%w: source %s", ErrNodeNotFound, from)
	}
	if _, ok := s.nodes[to]; !ok {
		return false, fmt.Errorf("%w: target %s", ErrNodeNotFound, to)
	}

	key := EdgeKey(from, to, typ)
	if existing, ok := s.edges[key]; ok {
		existing.Attrs = CloneAttrs(attrs)
		s.generation++
		return false, nil
	}

	if len(s.edges) >= s.options.MaxEdges {
		return false, ErrMaxEdgesExceeded
	}

	edge := &Edge{From: from, To: to, Type: typ, At: at, Attrs: CloneAttrs(attrs)}
	s.edges[key] = edge
	s.out[from] = append(s.out[from], edge)
	s.in[to] = append(s.in[to], edge)
	s.generation++
	return true, nil
}

// Outgoing returns the adjacency list for a node. Callers must not modify
// the returned slice.
func (s *Store) Outgoing(id string) []*Edge {
	return s.out[id]
}

// Incoming returns the reverse-adjacency list for a node. Callers must not
// modify the returned slice.
func (s *Store) Incoming(id string) []*Edge {
	return s.in[id]
}

// HasDownstream reports whether the node has at least one outgoing edge,
// i.e. active downstream consumers. Used for schema-drift detection.
func (s *Store) HasDownstream(id string) bool {
	return len(s.out[id]) > 0
}

// WouldCreateCycle reports whether committing the edge (from → to) would
// create a path from to back to from.
//
// Description:
//
//	Runs a bounded depth-first search forward from the proposed target
//	looking for the proposed source. The lookahead bound keeps the check
//	cheap on dense graphs; a cycle longer than the lookahead is not
//	detected, which the integrity policy accepts as a precision/cost
//	trade-off (traversals still terminate via their visited sets).
//
// Inputs:
//
//	from, to - The proposed edge endpoints.
//	lookahead - Maximum path length to explore. Values <= 0 mean 25.
func (s *Store) WouldCreateCycle(from, to string, lookahead int) bool {
	if lookahead <= 0 {
		lookahead = 25
	}
	if from == to {
		return true
	}

	type frame struct {
		id    string
		depth int
	}
	visited := map[string]bool{to: true}
	stack := []frame{{to, 0}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.depth >= lookahead {
			continue
		}
		for _, edge := range s.out[f.id] {
			if edge.To == from {
				return true
			}
			if visited[edge.To] {
				continue
			}
			visited[edge.To] = true
			stack = append(stack, frame{edge.To, f.depth + 1})
		}
	}
	return false
}

// State is a full materialization of the store, used for snapshots and
// for rebuilding from a snapshot. Nodes and edges are deep copies.
type State struct {
	// Nodes holds every node with full version history.
	Nodes []*Node `json:"nodes"`

	// Edges holds every edge record.
	Edges []*Edge `json:"edges"`

	// Signature is the graph signature over the node and edge sets.
	Signature string `json:"signature"`

	// Generation is the store's mutation counter at export time.
	Generation uint64 `json:"generation"`
}

// Export materializes the full graph state.
//
// Description:
//
//	Produces deep copies so the caller can serialize the state outside
//	the critical section. Runs under the service's read lock, bounded by
//	a single pass over the tables, which is what keeps snapshotting from
//	blocking ingestion longer than one mutation. The signature is derived
//	from the tables at export time, not read from the cached field, so an
//	exported state always verifies against its own contents.
func (s *Store) Export() *State {
	state := &State{
		Nodes:      make([]*Node, 0, len(s.nodes)),
		Edges:      make([]*Edge, 0, len(s.edges)),
		Signature:  ComputeSignature(s.nodes, s.edges),
		Generation: s.generation,
	}
	for _, node := range s.nodes {
		state.Nodes = append(state.Nodes, node.clone())
	}
	for _, edge := range s.edges {
		state.Edges = append(state.Edges, edge.clone())
	}
	return state
}

// ImportState replaces the store contents with a previously exported state.
//
// Description:
//
//	Used on startup to restore from a snapshot before tail replay. The
//	adjacency indices are rebuilt from the edge set; they carry no
//	independent state. The imported signature is recomputed, not trusted.
//
// Outputs:
//
//	error - Non-nil if the state references nodes that are not present.
func (s *Store) ImportState(state *State) error {
	nodes := make(map[string]*Node, len(state.Nodes))
	for _, node := range state.Nodes {
		nodes[node.ID] = node.clone()
	}

	edges := make(map[string]*Edge, len(state.Edges))
	out := make(map[string][]*Edge)
	in := make(map[string][]*Edge)
	for _, e := range state.Edges {
		if _, ok := nodes[e.From]; !ok {
			return fmt.Errorf("%w: edge source %s", ErrNodeNotFound, e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			return fmt.Errorf("%w: edge target %s", ErrNodeNotFound, e.To)
		}
		edge := e.clone()
		edges[edge.Key()] = edge
		out[edge.From] = append(out[edge.From], edge)
		in[edge.To] = append(in[edge.To], edge)
	}

	s.nodes = nodes
	s.edges = edges
	s.out = out
	s.in = in
	s.generation = state.Generation
	s.RecomputeSignature()
	return nil
}

// Stats contains store statistics.
type Stats struct {
	NodeCount      int              `json:"nodeCount"`
	EdgeCount      int              `json:"edgeCount"`
	SyntheticCount int              `json:"syntheticCount"`
	NodesByType    map[NodeType]int `json:"nodesByType"`
	EdgesByType    map[EdgeType]int `json:"edgesByType"`
	Signature      string           `json:"signature"`
	Generation     uint64           `json:"generation"`
}

// Stats returns statistics about the store.
func (s *Store) Stats() Stats {
	st := Stats{
		NodeCount:   len(s.nodes),
		EdgeCount:   len(s.edges),
		NodesByType: make(map[NodeType]int),
		EdgesByType: make(map[EdgeType]int),
		Signature:   s.signature,
		Generation:  s.generation,
	}
	for _, node := range s.nodes {
		st.NodesByType[node.Type]++
		if node.Synthetic {
			st.SyntheticCount++
		}
	}
	for _, edge := range s.edges {
		st.EdgesByType[edge.Type]++
	}
	return st
}

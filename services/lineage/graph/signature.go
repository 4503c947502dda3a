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
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// SignatureLength is the hex length of a graph signature (SHA-256).
const SignatureLength = 64

// Signature returns the current graph signature.
func (s *Store) Signature() string {
	return s.signature
}

// RecomputeSignature recomputes and stores the graph signature.
//
// Description:
//
//	The signature is a stable SHA-256 over the sorted node id@version set
//	and the sorted edge key set. Two stores hold structurally identical
//	graphs if and only if their signatures match, which is what makes
//	replay determinism and snapshot verification checkable byte-for-byte.
//
// Outputs:
//
//	string - The new signature, also retained on the store.
func (s *Store) RecomputeSignature() string {
	s.signature = ComputeSignature(s.nodes, s.edges)
	return s.signature
}

// ComputeSignature derives a graph signature from node and edge tables.
func ComputeSignature(nodes map[string]*Node, edges map[string]*Edge) string {
	nodeIDs := make([]string, 0, len(nodes))
	for id, node := range nodes {
		nodeIDs = append(nodeIDs, id+"@"+node.Version)
	}
	sort.Strings(nodeIDs)

	edgeKeys := make([]string, 0, len(edges))
	for key := range edges {
		edgeKeys = append(edgeKeys, key)
	}
	sort.Strings(edgeKeys)

	var b strings.Builder
	b.WriteString("nodes\n")
	for _, id := range nodeIDs {
		b.WriteString(id)
		b.WriteByte('\n')
	}
	b.WriteString("edges\n")
	for _, key := range edgeKeys {
		b.WriteString(key)
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// SignatureOfState derives the signature for an exported state. Used by the
// snapshot loader to verify a snapshot against its own recorded node and
// edge sets before trusting it.
func SignatureOfState(state *State) string {
	nodes := make(map[string]*Node, len(state.Nodes))
	for _, n := range state.Nodes {
		nodes[n.ID] = n
	}
	edges := make(map[string]*Edge, len(state.Edges))
	for _, e := range state.Edges {
		edges[e.Key()] = e
	}
	return ComputeSignature(nodes, edges)
}

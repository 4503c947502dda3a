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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return t0.Add(time.Duration(sec) * time.Second)
}

func mustNode(t *testing.T, s *Store, id string, typ NodeType, version string, asOf time.Time) {
	t.Helper()
	_, err := s.UpsertNode(id, typ, version, asOf, nil)
	require.NoError(t, err)
}

func mustEdge(t *testing.T, s *Store, from, to string, typ EdgeType, when time.Time) {
	t.Helper()
	_, err := s.UpsertEdge(from, to, typ, when, nil)
	require.NoError(t, err)
}

func TestStore_UpsertNode(t *testing.T) {
	s := NewStore()

	created, err := s.UpsertNode("ds#1", NodeDataset, "v1", at(0), map[string]AttrValue{
		"owner": StringAttr("ml-platform"),
	})
	require.NoError(t, err)
	assert.True(t, created)

	node, ok := s.GetNode("ds#1")
	require.True(t, ok)
	assert.Equal(t, NodeDataset, node.Type)
	assert.Equal(t, "v1", node.Version)
	assert.Equal(t, "ml-platform", node.Attrs["owner"].Str)
	assert.Len(t, node.History, 1)
}

func TestStore_UpsertNodeValidation(t *testing.T) {
	s := NewStore()

	_, err := s.UpsertNode("", NodeDataset, "v1", at(0), nil)
	assert.ErrorIs(t, err, ErrInvalidNode)

	_, err = s.UpsertNode("x", NodeType("widget"), "v1", at(0), nil)
	assert.ErrorIs(t, err, ErrInvalidNode)
}

func TestStore_ReRegistrationAppendsHistory(t *testing.T) {
	s := NewStore()
	mustNode(t, s, "ds#1", NodeDataset, "v1", at(0))

	created, err := s.UpsertNode("ds#1", NodeDataset, "v2", at(10), nil)
	require.NoError(t, err)
	assert.False(t, created)

	node, _ := s.GetNode("ds#1")
	assert.Equal(t, "v2", node.Version)
	require.Len(t, node.History, 2, "prior versions are never discarded")
	assert.Equal(t, "v1", node.History[0].Version)
	assert.Equal(t, "v2", node.History[1].Version)
}

func TestStore_MaxNodes(t *testing.T) {
	s := NewStore(WithMaxNodes(2))
	mustNode(t, s, "a", NodeDataset, "v1", at(0))
	mustNode(t, s, "b", NodeDataset, "v1", at(0))

	_, err := s.UpsertNode("c", NodeDataset, "v1", at(0), nil)
	assert.ErrorIs(t, err, ErrMaxNodesExceeded)

	// Re-registration of an existing node is still allowed at capacity.
	_, err = s.UpsertNode("a", NodeDataset, "v2", at(10), nil)
	assert.NoError(t, err)
}

func TestStore_AddSyntheticNode(t *testing.T) {
	s := NewStore()

	created, err := s.AddSyntheticNode("ds#ghost", NodeDataset, at(0), nil)
	require.NoError(t, err)
	assert.True(t, created)

	node, _ := s.GetNode("ds#ghost")
	assert.True(t, node.Synthetic)
	assert.Equal(t, "0", node.Version)

	// A real node is never downgraded to a placeholder.
	mustNode(t, s, "ds#real", NodeDataset, "v1", at(0))
	created, err = s.AddSyntheticNode("ds#real", NodeDataset, at(10), nil)
	require.NoError(t, err)
	assert.False(t, created)
	node, _ = s.GetNode("ds#real")
	assert.False(t, node.Synthetic)
}

func TestStore_RealRegistrationClearsSyntheticMark(t *testing.T) {
	s := NewStore()
	_, err := s.AddSyntheticNode("ds#1", NodeDataset, at(0), nil)
	require.NoError(t, err)

	mustNode(t, s, "ds#1", NodeDataset, "v1", at(10))

	node, _ := s.GetNode("ds#1")
	assert.False(t, node.Synthetic)
	assert.Equal(t, "v1", node.Version)
}

func TestStore_ReRegistrationUpdatesType(t *testing.T) {
	s := NewStore()
	_, err := s.AddSyntheticNode("x#1", NodeArtifact, at(0), nil)
	require.NoError(t, err)

	created, err := s.UpsertNode("x#1", NodeDataset, "v1", at(10), nil)
	require.NoError(t, err)
	assert.False(t, created)

	node, _ := s.GetNode("x#1")
	assert.Equal(t, NodeDataset, node.Type,
		"the real registration corrects a placeholder's guessed type")
	assert.False(t, node.Synthetic)
}

func TestStore_UpsertEdge(t *testing.T) {
	s := NewStore()
	mustNode(t, s, "ds#1", NodeDataset, "v1", at(0))
	mustNode(t, s, "ft#1", NodeFeature, "v1", at(10))

	created, err := s.UpsertEdge("ds#1", "ft#1", EdgeDerivesFrom, at(10), nil)
	require.NoError(t, err)
	assert.True(t, created)

	require.Len(t, s.Outgoing("ds#1"), 1)
	require.Len(t, s.Incoming("ft#1"), 1)
	assert.True(t, s.HasDownstream("ds#1"))
	assert.False(t, s.HasDownstream("ft#1"))
}

func TestStore_UpsertEdgeRequiresEndpoints(t *testing.T) {
	s := NewStore()
	mustNode(t, s, "ds#1", NodeDataset, "v1", at(0))

	_, err := s.UpsertEdge("ds#1", "ghost", EdgeDerivesFrom, at(0), nil)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = s.UpsertEdge("ghost", "ds#1", EdgeDerivesFrom, at(0), nil)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	_, err = s.UpsertEdge("", "ds#1", EdgeDerivesFrom, at(0), nil)
	assert.ErrorIs(t, err, ErrInvalidEdge)
}

func TestStore_ReUpsertEdgeKeepsOriginalAt(t *testing.T) {
	s := NewStore()
	mustNode(t, s, "a", NodeDataset, "v1", at(0))
	mustNode(t, s, "b", NodeDataset, "v1", at(0))
	mustEdge(t, s, "a", "b", EdgeDerivesFrom, at(5))

	created, err := s.UpsertEdge("a", "b", EdgeDerivesFrom, at(50), map[string]AttrValue{
		"refreshed": BoolAttr(true),
	})
	require.NoError(t, err)
	assert.False(t, created)

	edges := s.Outgoing("a")
	require.Len(t, edges, 1)
	assert.Equal(t, at(5), edges[0].At, "time travel must see the edge from its first commit")
	assert.True(t, edges[0].Attrs["refreshed"].Bool)
}

func TestStore_ParallelEdgesByType(t *testing.T) {
	s := NewStore()
	mustNode(t, s, "job#1", NodeJob, "v1", at(0))
	mustNode(t, s, "ds#1", NodeDataset, "v1", at(0))

	mustEdge(t, s, "job#1", "ds#1", EdgeProduces, at(0))
	mustEdge(t, s, "job#1", "ds#1", EdgeConsumes, at(0))

	assert.Equal(t, 2, s.EdgeCount(), "the (from, to, type) triple is the identity")
}

func TestStore_WouldCreateCycle(t *testing.T) {
	s := NewStore()
	mustNode(t, s, "a", NodeDataset, "v1", at(0))
	mustNode(t, s, "b", NodeFeature, "v1", at(0))
	mustNode(t, s, "c", NodeModel, "v1", at(0))
	mustEdge(t, s, "a", "b", EdgeDerivesFrom, at(0))
	mustEdge(t, s, "b", "c", EdgeDerivesFrom, at(0))

	assert.True(t, s.WouldCreateCycle("c", "a", 0), "c->a closes a->b->c")
	assert.True(t, s.WouldCreateCycle("b", "a", 0))
	assert.True(t, s.WouldCreateCycle("x", "x", 0), "self edge")
	assert.False(t, s.WouldCreateCycle("a", "c", 0), "forward shortcut is not a cycle")
	assert.False(t, s.WouldCreateCycle("a", "b", 10), "re-committing an existing edge direction")
}

func TestStore_WouldCreateCycleLookaheadBound(t *testing.T) {
	s := NewStore()
	// Chain n0 -> n1 -> ... -> n5.
	prev := ""
	for i := 0; i <= 5; i++ {
		id := string(rune('a' + i))
		mustNode(t, s, id, NodeDataset, "v1", at(0))
		if prev != "" {
			mustEdge(t, s, prev, id, EdgeDerivesFrom, at(0))
		}
		prev = id
	}

	assert.True(t, s.WouldCreateCycle("f", "a", 10))
	assert.False(t, s.WouldCreateCycle("f", "a", 2), "cycle longer than the lookahead is not detected")
}

func TestStore_SignatureIsOrderIndependent(t *testing.T) {
	build := func(order []string) *Store {
		s := NewStore()
		for _, id := range order {
			mustNode(t, s, id, NodeDataset, "v1", at(0))
		}
		// Same edge in both stores; only node insertion order differs.
		mustEdge(t, s, "x", "y", EdgeDerivesFrom, at(0))
		s.RecomputeSignature()
		return s
	}

	a := build([]string{"x", "y", "z"})
	b := build([]string{"z", "y", "x"})
	assert.Equal(t, a.Signature(), b.Signature())
	assert.Len(t, a.Signature(), SignatureLength)
}

func TestStore_SignatureTracksVersions(t *testing.T) {
	s := NewStore()
	mustNode(t, s, "ds#1", NodeDataset, "v1", at(0))
	sig1 := s.RecomputeSignature()

	mustNode(t, s, "ds#1", NodeDataset, "v2", at(10))
	sig2 := s.RecomputeSignature()

	assert.NotEqual(t, sig1, sig2, "the signature covers node versions")
}

func TestStore_ExportSignatureDerivedFromContents(t *testing.T) {
	s := NewStore()
	mustNode(t, s, "x", NodeDataset, "v1", at(0))
	mustNode(t, s, "y", NodeModel, "v1", at(0))
	mustEdge(t, s, "x", "y", EdgeConsumes, at(0))

	// No explicit recompute on the source store: the export must still
	// verify against its own contents.
	state := s.Export()
	assert.NotEmpty(t, state.Signature)
	assert.Equal(t, s.RecomputeSignature(), state.Signature)

	restored := NewStore()
	require.NoError(t, restored.ImportState(state))
	assert.Equal(t, state.Signature, restored.Signature())
}

func TestStore_ExportImportRoundTrip(t *testing.T) {
	s := NewStore()
	mustNode(t, s, "ds#1", NodeDataset, "v1", at(0))
	mustNode(t, s, "ds#1", NodeDataset, "v2", at(10))
	mustNode(t, s, "ft#1", NodeFeature, "v1", at(20))
	mustEdge(t, s, "ds#1", "ft#1", EdgeDerivesFrom, at(20))
	s.RecomputeSignature()

	state := s.Export()

	restored := NewStore()
	require.NoError(t, restored.ImportState(state))

	assert.Equal(t, s.NodeCount(), restored.NodeCount())
	assert.Equal(t, s.EdgeCount(), restored.EdgeCount())
	assert.Equal(t, s.Signature(), restored.Signature())

	node, ok := restored.GetNode("ds#1")
	require.True(t, ok)
	assert.Len(t, node.History, 2, "version history survives the round trip")

	// The restored adjacency indices work.
	assert.Len(t, restored.Outgoing("ds#1"), 1)
	assert.Len(t, restored.Incoming("ft#1"), 1)
}

func TestStore_ExportIsDeepCopy(t *testing.T) {
	s := NewStore()
	mustNode(t, s, "ds#1", NodeDataset, "v1", at(0))
	state := s.Export()

	state.Nodes[0].Version = "tampered"

	node, _ := s.GetNode("ds#1")
	assert.Equal(t, "v1", node.Version)
}

func TestStore_ImportRejectsDanglingEdges(t *testing.T) {
	s := NewStore()
	err := s.ImportState(&State{
		Nodes: []*Node{{ID: "a", Type: NodeDataset, Version: "v1"}},
		Edges: []*Edge{{From: "a", To: "ghost", Type: EdgeDerivesFrom}},
	})
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestStore_Stats(t *testing.T) {
	s := NewStore()
	mustNode(t, s, "ds#1", NodeDataset, "v1", at(0))
	mustNode(t, s, "ft#1", NodeFeature, "v1", at(0))
	_, err := s.AddSyntheticNode("ghost", NodeDataset, at(0), nil)
	require.NoError(t, err)
	mustEdge(t, s, "ds#1", "ft#1", EdgeDerivesFrom, at(0))

	stats := s.Stats()
	assert.Equal(t, 3, stats.NodeCount)
	assert.Equal(t, 1, stats.EdgeCount)
	assert.Equal(t, 1, stats.SyntheticCount)
	assert.Equal(t, 2, stats.NodesByType[NodeDataset])
	assert.Equal(t, 1, stats.EdgesByType[EdgeDerivesFrom])
}

func TestNode_VersionAt(t *testing.T) {
	node := &Node{
		ID: "ds#1", Type: NodeDataset, Version: "v3", AsOf: at(20),
		History: []NodeVersion{
			{Version: "v1", AsOf: at(0)},
			{Version: "v2", AsOf: at(10)},
			{Version: "v3", AsOf: at(20)},
		},
	}

	assert.Nil(t, node.VersionAt(at(-5)), "before first version")
	assert.Equal(t, "v1", node.VersionAt(at(0)).Version)
	assert.Equal(t, "v1", node.VersionAt(at(9)).Version)
	assert.Equal(t, "v2", node.VersionAt(at(15)).Version)
	assert.Equal(t, "v3", node.VersionAt(at(100)).Version)

	assert.False(t, node.VisibleAt(at(-1)))
	assert.True(t, node.VisibleAt(at(0)))
}

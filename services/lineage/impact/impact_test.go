// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package impact

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// buildTestGraph wires a small pipeline:
//
//	ds#1 → ft#1 → m#1 → art#1
//	ds#1 → job#1 → guard#1
func buildTestGraph(t *testing.T) *graph.Store {
	t.Helper()
	store := graph.NewStore()
	now := time.Now().UTC()

	nodes := []struct {
		id  string
		typ graph.NodeType
	}{
		{"ds#1", graph.NodeDataset},
		{"ft#1", graph.NodeFeature},
		{"m#1", graph.NodeModel},
		{"art#1", graph.NodeArtifact},
		{"job#1", graph.NodeJob},
		{"guard#1", graph.NodeGuard},
	}
	for _, n := range nodes {
		_, err := store.UpsertNode(n.id, n.typ, "aaaaaaaaaaaa", now, nil)
		require.NoError(t, err)
	}

	edges := []struct {
		from, to string
		typ      graph.EdgeType
	}{
		{"ds#1", "ft#1", graph.EdgeDerivesFrom},
		{"ft#1", "m#1", graph.EdgeConsumes},
		{"m#1", "art#1", graph.EdgeProduces},
		{"ds#1", "job#1", graph.EdgeConsumes},
		{"job#1", "guard#1", graph.EdgeEmits},
	}
	for _, e := range edges {
		_, err := store.UpsertEdge(e.from, e.to, e.typ, now, nil)
		require.NoError(t, err)
	}

	return store
}

func TestAnalyze(t *testing.T) {
	ctx := context.Background()

	t.Run("full radius at default depth", func(t *testing.T) {
		a := NewAnalyzer(buildTestGraph(t))

		report, err := a.Analyze(ctx, "ds#1", nil)
		require.NoError(t, err)

		assert.Equal(t, "ds#1", report.Target)
		assert.Len(t, report.Affected, 5)
		assert.False(t, report.Truncated)

		assert.Equal(t, []string{"m#1"}, report.Models)
		assert.Equal(t, []string{"art#1"}, report.Artifacts)
		assert.Equal(t, []string{"guard#1"}, report.Guards)

		assert.Equal(t, 1, report.CountsByType[graph.NodeFeature])
		assert.Equal(t, 1, report.CountsByType[graph.NodeJob])
	})

	t.Run("depth bounds the walk", func(t *testing.T) {
		a := NewAnalyzer(buildTestGraph(t))

		report, err := a.Analyze(ctx, "ds#1", &Options{Depth: 1})
		require.NoError(t, err)

		// Only the direct neighbors.
		assert.Len(t, report.Affected, 2)
		assert.Empty(t, report.Models)
		for _, aff := range report.Affected {
			assert.Equal(t, 1, aff.Depth)
		}
	})

	t.Run("depth is clamped to the maximum", func(t *testing.T) {
		a := NewAnalyzer(buildTestGraph(t))

		report, err := a.Analyze(ctx, "ds#1", &Options{Depth: 100})
		require.NoError(t, err)
		assert.Equal(t, MaxDepth, report.Depth)
	})

	t.Run("unknown target", func(t *testing.T) {
		a := NewAnalyzer(buildTestGraph(t))

		_, err := a.Analyze(ctx, "nope#1", nil)
		assert.ErrorIs(t, err, graph.ErrNodeNotFound)
	})

	t.Run("leaf target has empty radius", func(t *testing.T) {
		a := NewAnalyzer(buildTestGraph(t))

		report, err := a.Analyze(ctx, "art#1", nil)
		require.NoError(t, err)
		assert.Empty(t, report.Affected)
		assert.Empty(t, report.SamplePaths)
	})

	t.Run("cancelled context truncates", func(t *testing.T) {
		a := NewAnalyzer(buildTestGraph(t))

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		report, err := a.Analyze(cancelled, "ds#1", nil)
		require.NoError(t, err)
		assert.True(t, report.Truncated)
		assert.Equal(t, "timeout", report.TruncatedReason)
	})
}

func TestSamplePaths(t *testing.T) {
	ctx := context.Background()
	a := NewAnalyzer(buildTestGraph(t))

	report, err := a.Analyze(ctx, "ds#1", nil)
	require.NoError(t, err)

	require.NotEmpty(t, report.SamplePaths)
	assert.LessOrEqual(t, len(report.SamplePaths), maxSamplePaths)

	for _, path := range report.SamplePaths {
		assert.Equal(t, "ds#1", path[0])
		assert.Greater(t, len(path), 1)
		// Paths never exceed depth+1 nodes.
		assert.LessOrEqual(t, len(path), report.Depth+1)
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package impact computes the downstream blast radius of a lineage node.
package impact

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

const (
	// DefaultDepth is the default downstream traversal depth.
	DefaultDepth = 3

	// MaxDepth caps the requested traversal depth.
	MaxDepth = 10

	// MaxAffectedNodes caps the affected set before truncation.
	MaxAffectedNodes = 5000

	// maxSamplePaths is the number of representative paths reported.
	maxSamplePaths = 5

	// sampleBranching bounds fan-out while collecting sample paths.
	sampleBranching = 2
)

// Analyzer calculates what is affected downstream of a changed node.
//
// # Description
//
// Walks the graph's outgoing edges breadth-first from a target node and
// classifies everything reachable. Used both for the impact endpoint
// and for schema-drift alerts raised by the integrity policy.
//
// # Thread Safety
//
// Safe for concurrent use. The analyzer holds no mutable state; callers
// must hold the store's read lock for the duration of Analyze (the
// lineage service does this).
type Analyzer struct {
	store *graph.Store
}

// NewAnalyzer creates an analyzer over the given store.
func NewAnalyzer(store *graph.Store) *Analyzer {
	return &Analyzer{store: store}
}

// Options configures one analysis.
type Options struct {
	// Depth is the maximum downstream hops. Zero uses DefaultDepth;
	// values above MaxDepth are clamped.
	Depth int

	// Timeout bounds the analysis. Zero means no explicit timeout.
	Timeout time.Duration
}

// DefaultOptions returns the default analysis options.
func DefaultOptions() Options {
	return Options{Depth: DefaultDepth}
}

// Affected is one downstream node in the blast radius.
type Affected struct {
	ID    string         `json:"id"`
	Type  graph.NodeType `json:"type"`
	Depth int            `json:"depth"`
}

// Report is the result of a blast-radius analysis.
type Report struct {
	// Target is the analyzed node id.
	Target string `json:"target"`

	// Depth is the effective traversal depth used.
	Depth int `json:"depth"`

	// Affected lists every reachable downstream node, nearest first.
	Affected []Affected `json:"affected"`

	// CountsByType aggregates the affected set per node type.
	CountsByType map[graph.NodeType]int `json:"countsByType"`

	// Models, Artifacts, and Guards call out the classes that matter
	// most when deciding whether a change is safe to ship.
	Models    []string `json:"models,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
	Guards    []string `json:"guards,omitempty"`

	// SamplePaths holds up to five representative root-to-leaf paths
	// through the affected subgraph.
	SamplePaths [][]string `json:"samplePaths,omitempty"`

	// Truncated is true when limits or cancellation cut the walk short.
	Truncated bool `json:"truncated"`

	// TruncatedReason explains the truncation, empty otherwise.
	TruncatedReason string `json:"truncatedReason,omitempty"`
}

// Analyze calculates the blast radius for a target node.
//
// # Description
//
// Breadth-first walk over outgoing edges up to the configured depth,
// with the affected set capped at MaxAffectedNodes. Synthetic nodes are
// included; they mark repaired or broken regions worth flagging.
//
// # Inputs
//
//   - ctx: Context for timeout and cancellation.
//   - targetID: Node id to analyze.
//   - opts: Analysis options (nil uses defaults).
//
// # Outputs
//
//   - *Report: Analysis results. Nil only when the target is unknown.
//   - error: graph.ErrNodeNotFound if the target does not exist.
func (a *Analyzer) Analyze(ctx context.Context, targetID string, opts *Options) (*Report, error) {
	start := time.Now()
	options := DefaultOptions()
	if opts != nil {
		options = *opts
	}
	if options.Depth <= 0 {
		options.Depth = DefaultDepth
	}
	if options.Depth > MaxDepth {
		options.Depth = MaxDepth
	}

	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	if !a.store.HasNode(targetID) {
		return nil, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, targetID)
	}

	report := &Report{
		Target:       targetID,
		Depth:        options.Depth,
		Affected:     make([]Affected, 0),
		CountsByType: make(map[graph.NodeType]int),
	}

	visited := map[string]bool{targetID: true}
	frontier := []string{targetID}

	for depth := 1; depth <= options.Depth && len(frontier) > 0; depth++ {
		select {
		case <-ctx.Done():
			report.Truncated = true
			report.TruncatedReason = "timeout"
			a.finalize(ctx, report, visited, start)
			return report, nil
		default:
		}

		var next []string
		for _, id := range frontier {
			for _, edge := range a.store.Outgoing(id) {
				if visited[edge.To] {
					continue
				}
				visited[edge.To] = true

				node, ok := a.store.GetNode(edge.To)
				if !ok {
					continue
				}

				report.Affected = append(report.Affected, Affected{
					ID:    node.ID,
					Type:  node.Type,
					Depth: depth,
				})
				report.CountsByType[node.Type]++

				switch node.Type {
				case graph.NodeModel:
					report.Models = append(report.Models, node.ID)
				case graph.NodeArtifact:
					report.Artifacts = append(report.Artifacts, node.ID)
				case graph.NodeGuard:
					report.Guards = append(report.Guards, node.ID)
				}

				if len(report.Affected) >= MaxAffectedNodes {
					report.Truncated = true
					report.TruncatedReason = fmt.Sprintf("affected nodes exceeded limit (%d)", MaxAffectedNodes)
					a.finalize(ctx, report, visited, start)
					return report, nil
				}

				next = append(next, edge.To)
			}
		}
		frontier = next
	}

	a.finalize(ctx, report, visited, start)
	return report, nil
}

// finalize sorts callout lists, collects sample paths, and records metrics.
func (a *Analyzer) finalize(ctx context.Context, report *Report, visited map[string]bool, start time.Time) {
	sort.Strings(report.Models)
	sort.Strings(report.Artifacts)
	sort.Strings(report.Guards)

	report.SamplePaths = a.samplePaths(report.Target, report.Depth, visited)

	recordAnalysis(ctx, time.Since(start), len(report.Affected), report.Truncated)
}

// samplePaths collects up to maxSamplePaths representative paths via a
// bounded DFS. Fan-out at each node is capped at sampleBranching, so
// the samples favor depth over breadth.
func (a *Analyzer) samplePaths(target string, depthMax int, inRadius map[string]bool) [][]string {
	var paths [][]string
	path := []string{target}

	var dfs func(id string, depth int)
	dfs = func(id string, depth int) {
		if len(paths) >= maxSamplePaths {
			return
		}

		edges := a.store.Outgoing(id)
		taken := 0
		for _, edge := range edges {
			if depth >= depthMax || taken >= sampleBranching {
				break
			}
			if !inRadius[edge.To] {
				continue
			}
			// Avoid revisiting nodes already on this path.
			onPath := false
			for _, p := range path {
				if p == edge.To {
					onPath = true
					break
				}
			}
			if onPath {
				continue
			}

			taken++
			path = append(path, edge.To)
			dfs(edge.To, depth+1)
			path = path[:len(path)-1]
		}

		// Leaf of the sampled walk: emit the path if it goes anywhere.
		if taken == 0 && len(path) > 1 && len(paths) < maxSamplePaths {
			emitted := make([]string, len(path))
			copy(emitted, path)
			paths = append(paths, emitted)
		}
	}

	dfs(target, 0)
	return paths
}

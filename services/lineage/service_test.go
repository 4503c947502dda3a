// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lineage

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLineage/services/lineage/config"
	"github.com/AleutianAI/AleutianLineage/services/lineage/event"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/notify"
	"github.com/AleutianAI/AleutianLineage/services/lineage/policy"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Storage.InMemory = true
	cfg.Storage.SnapshotInterval = 0
	cfg.Ingest.RateLimit = 0
	return cfg
}

func newTestService(t *testing.T, cfg config.Config) *Service {
	t.Helper()
	svc, err := NewService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

// rawEvent builds a wire-form event at a fixed base time plus an offset,
// so event order and asOf instants are deterministic.
func rawEvent(kind, id string, offsetSec int, inputs ...event.Ref) event.RawEvent {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return event.RawEvent{
		Event:     kind,
		Timestamp: base.Add(time.Duration(offsetSec) * time.Second).Format(time.RFC3339),
		ID:        id,
		Source:    "airflow",
		Inputs:    inputs,
	}
}

func ref(refType, id string) event.Ref {
	return event.Ref{RefType: refType, ID: id}
}

// ingestPipeline loads ds#1 -> ft#1 -> m#1 into the service.
func ingestPipeline(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()

	for _, raw := range []event.RawEvent{
		rawEvent("dataset.registered", "ds#1", 0),
		rawEvent("feature.registered", "ft#1", 10, ref("dataset", "ds#1")),
		rawEvent("model.trained", "m#1", 20, ref("feature", "ft#1")),
	} {
		resp, err := svc.Ingest(ctx, raw)
		require.NoError(t, err)
		require.Equal(t, StatusCommitted, resp.Status)
	}
}

func TestService_IngestAssignsSequence(t *testing.T) {
	svc := newTestService(t, testConfig())
	ctx := context.Background()

	resp, err := svc.Ingest(ctx, rawEvent("dataset.registered", "ds#1", 0))
	require.NoError(t, err)

	assert.Equal(t, StatusCommitted, resp.Status)
	assert.Equal(t, uint64(1), resp.Seq)
	assert.Equal(t, "ds#1", resp.NodeID)
	assert.Len(t, resp.Version, 12)
	assert.NotEmpty(t, resp.Signature)

	resp2, err := svc.Ingest(ctx, rawEvent("feature.registered", "ft#1", 10, ref("dataset", "ds#1")))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), resp2.Seq)
}

func TestService_DuplicateIngestIsNoOp(t *testing.T) {
	svc := newTestService(t, testConfig())
	ctx := context.Background()
	raw := rawEvent("dataset.registered", "ds#1", 0)

	first, err := svc.Ingest(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, first.Status)

	second, err := svc.Ingest(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Zero(t, second.Seq)
	assert.Equal(t, first.Signature, second.Signature, "a duplicate must not mutate the graph")

	stats := svc.Stats()
	assert.Equal(t, 1, stats.Nodes)
	assert.Equal(t, int64(1), stats.EventsIngested)
	assert.Equal(t, int64(1), stats.Duplicates)
}

func TestService_SchemaInvalid(t *testing.T) {
	svc := newTestService(t, testConfig())
	ctx := context.Background()

	_, err := svc.Ingest(ctx, event.RawEvent{Event: "bogus.kind", Timestamp: "2026-03-01T12:00:00Z", ID: "x"})
	assert.ErrorIs(t, err, event.ErrSchemaInvalid)

	stats := svc.Stats()
	assert.Zero(t, stats.Nodes)
	assert.Zero(t, stats.Log.LastSeq, "malformed events must never reach the log")
}

func TestService_DownstreamQuery(t *testing.T) {
	svc := newTestService(t, testConfig())
	ingestPipeline(t, svc)

	result, err := svc.Query(context.Background(), QueryRequest{From: "ds#1", Mode: "downstream"})
	require.NoError(t, err)

	ids := make([]string, 0, len(result.Nodes))
	for _, n := range result.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"ds#1", "ft#1", "m#1"}, ids)
	assert.Len(t, result.Edges, 2)
	assert.False(t, result.Truncated)
}

func TestService_UpstreamQuery(t *testing.T) {
	svc := newTestService(t, testConfig())
	ingestPipeline(t, svc)

	result, err := svc.Query(context.Background(), QueryRequest{From: "m#1", Mode: "upstream"})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 3)
	assert.Equal(t, "m#1", result.Nodes[0].ID)
}

func TestService_QueryDefaultsToDownstream(t *testing.T) {
	svc := newTestService(t, testConfig())
	ingestPipeline(t, svc)

	result, err := svc.Query(context.Background(), QueryRequest{From: "ds#1"})
	require.NoError(t, err)
	assert.Equal(t, graph.ModeDownstream, result.Mode)
}

func TestService_QueryValidation(t *testing.T) {
	svc := newTestService(t, testConfig())
	ingestPipeline(t, svc)
	ctx := context.Background()

	tests := []struct {
		name string
		req  QueryRequest
	}{
		{"missing from", QueryRequest{Mode: "downstream"}},
		{"bad mode", QueryRequest{From: "ds#1", Mode: "sideways"}},
		{"bad asOf", QueryRequest{From: "ds#1", AsOf: "yesterday"}},
		{"bad node type", QueryRequest{From: "ds#1", NodeTypes: []string{"widget"}}},
		{"bad edge type", QueryRequest{From: "ds#1", EdgeTypes: []string{"points_at"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Query(ctx, tt.req)
			assert.Error(t, err)
		})
	}

	_, err := svc.Query(ctx, QueryRequest{From: "no-such-node"})
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestService_QueryAsOfExcludesLaterNodes(t *testing.T) {
	svc := newTestService(t, testConfig())
	ingestPipeline(t, svc)

	// Between ds#1 (t+0) and ft#1 (t+10).
	asOf := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC).Format(time.RFC3339)
	result, err := svc.Query(context.Background(), QueryRequest{From: "ds#1", AsOf: asOf})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)
	assert.Equal(t, "ds#1", result.Nodes[0].ID)
}

func TestService_OrphanRepair(t *testing.T) {
	svc := newTestService(t, testConfig())
	ctx := context.Background()

	// m#1 references a dataset nobody registered. Default policy
	// materializes a typed placeholder.
	resp, err := svc.Ingest(ctx, rawEvent("model.trained", "m#1", 0, ref("dataset", "ds#missing")))
	require.NoError(t, err)

	assert.Equal(t, StatusCommitted, resp.Status)
	assert.Equal(t, []string{"ds#missing"}, resp.Synthetic)
	assert.Empty(t, resp.Alerts, "repair_orphan is silent")

	svc.mu.RLock()
	node, ok := svc.store.GetNode("ds#missing")
	svc.mu.RUnlock()
	require.True(t, ok)
	assert.True(t, node.Synthetic)
	assert.Equal(t, graph.NodeDataset, node.Type)

	// A later real registration clears the placeholder mark.
	_, err = svc.Ingest(ctx, rawEvent("dataset.registered", "ds#missing", 10))
	require.NoError(t, err)

	svc.mu.RLock()
	node, _ = svc.store.GetNode("ds#missing")
	svc.mu.RUnlock()
	assert.False(t, node.Synthetic)
}

func TestService_DanglingErrorModeRejects(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.Dangling = policy.ModeError
	svc := newTestService(t, cfg)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, rawEvent("model.trained", "m#1", 0, ref("dataset", "ds#missing")))
	require.ErrorIs(t, err, ErrRejected)

	stats := svc.Stats()
	assert.Zero(t, stats.Nodes, "rejected events must not reach the index")
	assert.Zero(t, stats.Log.LastSeq, "rejected events must not reach the log")
	assert.Equal(t, int64(1), stats.Rejected)

	// The corrected resubmission gets the first sequence number.
	_, err = svc.Ingest(ctx, rawEvent("dataset.registered", "ds#missing", 5))
	require.NoError(t, err)
	resp, err := svc.Ingest(ctx, rawEvent("model.trained", "m#1", 10, ref("dataset", "ds#missing")))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), resp.Seq)
}

func TestService_DanglingWarnModeAlertsAndRepairs(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.Dangling = policy.ModeWarn
	svc := newTestService(t, cfg)

	resp, err := svc.Ingest(context.Background(),
		rawEvent("model.trained", "m#1", 0, ref("dataset", "ds#missing")))
	require.NoError(t, err)

	assert.Equal(t, []string{"ds#missing"}, resp.Synthetic)
	require.Len(t, resp.Alerts, 1)
	assert.Contains(t, resp.Alerts[0].Message, "dangling edge")
}

func TestService_CycleBreaking(t *testing.T) {
	svc := newTestService(t, testConfig())
	ctx := context.Background()

	_, err := svc.Ingest(ctx, rawEvent("dataset.registered", "ds#1", 0))
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, rawEvent("feature.registered", "ft#1", 10, ref("dataset", "ds#1")))
	require.NoError(t, err)

	// Re-registering ds#1 as derived from ft#1 would close ds#1 -> ft#1 -> ds#1.
	resp, err := svc.Ingest(ctx, rawEvent("dataset.registered", "ds#1", 20, ref("feature", "ft#1")))
	require.NoError(t, err)

	require.Len(t, resp.Synthetic, 1)
	breakerID := resp.Synthetic[0]
	assert.True(t, strings.HasPrefix(breakerID, cycleBreakerPrefix))
	require.Len(t, resp.Alerts, 1)
	assert.Contains(t, resp.Alerts[0].Message, "cycle broken")

	// The closing edge was redirected: downstream of ft#1 reaches the
	// breaker, not ds#1, so traversal cannot loop.
	result, err := svc.Query(ctx, QueryRequest{From: "ft#1", Mode: "downstream"})
	require.NoError(t, err)
	ids := make(map[string]bool, len(result.Nodes))
	for _, n := range result.Nodes {
		ids[n.ID] = true
	}
	assert.True(t, ids[breakerID])
	assert.False(t, ids["ds#1"])

	svc.mu.RLock()
	breaker, ok := svc.store.GetNode(breakerID)
	svc.mu.RUnlock()
	require.True(t, ok)
	assert.Equal(t, "ds#1", breaker.Attrs["intended_target"].Str)
}

func TestService_SchemaDriftAnalysis(t *testing.T) {
	svc := newTestService(t, testConfig())
	ctx := context.Background()
	ingestPipeline(t, svc)

	resp, err := svc.Ingest(ctx, rawEvent("dataset.schema.updated", "ds#1", 30))
	require.NoError(t, err)

	require.Equal(t, StatusCommitted, resp.Status, "warn_and_impact never blocks the update")
	require.Len(t, resp.Alerts, 1)
	assert.Contains(t, resp.Alerts[0].Message, "schema drift")
	assert.Contains(t, resp.Alerts[0].Message, "blast radius")
}

func TestService_SchemaDriftImpactNotification(t *testing.T) {
	notifier := notify.NewChannelNotifier(16, nil)
	svc, err := NewService(testConfig(), WithNotifier(notifier))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	ingestPipeline(t, svc)
	_, err = svc.Ingest(context.Background(), rawEvent("dataset.schema.updated", "ds#1", 30))
	require.NoError(t, err)

	select {
	case summary := <-notifier.Impacts():
		assert.Equal(t, "ds#1", summary.Source)
		assert.Equal(t, 2, summary.BlastRadius)
		assert.Equal(t, []string{"m#1"}, summary.Models)
	default:
		t.Fatal("expected an impact summary notification")
	}
}

func TestService_SchemaDriftNoConsumersIsSilent(t *testing.T) {
	svc := newTestService(t, testConfig())
	ctx := context.Background()

	_, err := svc.Ingest(ctx, rawEvent("dataset.registered", "ds#1", 0))
	require.NoError(t, err)

	resp, err := svc.Ingest(ctx, rawEvent("dataset.schema.updated", "ds#1", 10))
	require.NoError(t, err)
	assert.Empty(t, resp.Alerts)
}

func TestService_Impact(t *testing.T) {
	svc := newTestService(t, testConfig())
	ingestPipeline(t, svc)

	report, err := svc.Impact(context.Background(), "ds#1", 0)
	require.NoError(t, err)

	assert.Len(t, report.Affected, 2)
	assert.Equal(t, []string{"m#1"}, report.Models)

	_, err = svc.Impact(context.Background(), "no-such-node", 0)
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestService_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Ingest.RateLimit = 1
	cfg.Ingest.Burst = 1
	svc := newTestService(t, cfg)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, rawEvent("dataset.registered", "ds#1", 0))
	require.NoError(t, err)

	_, err = svc.Ingest(ctx, rawEvent("dataset.registered", "ds#2", 0))
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestService_ClosedService(t *testing.T) {
	svc := newTestService(t, testConfig())
	require.NoError(t, svc.Close())

	_, err := svc.Ingest(context.Background(), rawEvent("dataset.registered", "ds#1", 0))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = svc.Query(context.Background(), QueryRequest{From: "ds#1"})
	assert.ErrorIs(t, err, ErrClosed)

	assert.NoError(t, svc.Close(), "Close is idempotent")
}

func TestService_StatsReflectsGraph(t *testing.T) {
	svc := newTestService(t, testConfig())
	ingestPipeline(t, svc)

	stats := svc.Stats()
	assert.Equal(t, 3, stats.Nodes)
	assert.Equal(t, 2, stats.Edges)
	assert.Equal(t, int64(3), stats.EventsIngested)
	assert.Equal(t, uint64(3), stats.Log.LastSeq)
	assert.NotEmpty(t, stats.Signature)
}

func diskConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.SyncWrites = false
	cfg.Storage.SnapshotInterval = 0
	cfg.Ingest.RateLimit = 0
	return cfg
}

func TestService_RecoveryFromLogReplay(t *testing.T) {
	cfg := diskConfig(t)

	svc := newTestService(t, cfg)
	ingestPipeline(t, svc)
	wantSig := svc.Stats().Signature
	require.NoError(t, svc.Close())

	reopened := newTestService(t, cfg)
	stats := reopened.Stats()
	assert.Equal(t, 3, stats.Nodes)
	assert.Equal(t, 2, stats.Edges)
	assert.Equal(t, wantSig, stats.Signature, "replay must reproduce the exact graph")
	assert.Equal(t, uint64(3), stats.Log.LastSeq)
}

func TestService_RecoveryFromSnapshotPlusTail(t *testing.T) {
	cfg := diskConfig(t)
	ctx := context.Background()

	svc := newTestService(t, cfg)
	ingestPipeline(t, svc)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.LastSeq)
	assert.NotEmpty(t, snap.Path)

	// Tail entries after the checkpoint.
	_, err = svc.Ingest(ctx, rawEvent("artifact.published", "art#1", 30, ref("model", "m#1")))
	require.NoError(t, err)
	wantSig := svc.Stats().Signature
	require.NoError(t, svc.Close())

	reopened := newTestService(t, cfg)
	stats := reopened.Stats()
	assert.Equal(t, 4, stats.Nodes)
	assert.Equal(t, wantSig, stats.Signature)

	// Sequence numbering continues where the log left off.
	resp, err := reopened.Ingest(ctx, rawEvent("dataset.registered", "ds#2", 40))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), resp.Seq)
}

func TestService_RecoveryRejectsReplayedDuplicates(t *testing.T) {
	cfg := diskConfig(t)
	ctx := context.Background()
	raw := rawEvent("dataset.registered", "ds#1", 0)

	svc := newTestService(t, cfg)
	_, err := svc.Ingest(ctx, raw)
	require.NoError(t, err)
	_, err = svc.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	// The dedup index survives the checkpoint: resubmitting after
	// restart is still a duplicate.
	reopened := newTestService(t, cfg)
	resp, err := reopened.Ingest(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, resp.Status)
}

func TestService_SnapshotDisabledInMemory(t *testing.T) {
	svc := newTestService(t, testConfig())
	_, err := svc.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestService_ConcurrentIngestAndQuery(t *testing.T) {
	svc := newTestService(t, testConfig())
	ctx := context.Background()
	ingestPipeline(t, svc)

	done := make(chan error, 20)
	for i := 0; i < 10; i++ {
		go func(n int) {
			_, err := svc.Ingest(ctx, rawEvent("dataset.registered", fmt.Sprintf("ds#c%d", n), 100+n))
			done <- err
		}(i)
		go func() {
			_, err := svc.Query(ctx, QueryRequest{From: "ds#1"})
			done <- err
		}()
	}
	for i := 0; i < 20; i++ {
		assert.NoError(t, <-done)
	}

	assert.Equal(t, 13, svc.Stats().Nodes)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lineage is the lineage service: a durable, append-only record of
// ML pipeline provenance with a queryable in-memory graph index.
//
// The service composes the subpackages into a single write path and a
// single read path. Writes (Ingest) run behind an exclusive lock:
// normalize, dedup against the append log, precheck integrity policy,
// append, then apply to the graph index. Reads (Query, Impact, Stats)
// run behind the shared lock, with traversal results served through a
// TTL + LRU cache. Recovery on startup restores the newest usable
// snapshot and replays the log tail over it.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianLineage/services/lineage/cache"
	"github.com/AleutianAI/AleutianLineage/services/lineage/config"
	"github.com/AleutianAI/AleutianLineage/services/lineage/event"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/impact"
	"github.com/AleutianAI/AleutianLineage/services/lineage/notify"
	"github.com/AleutianAI/AleutianLineage/services/lineage/policy"
	"github.com/AleutianAI/AleutianLineage/services/lineage/snapshot"
	"github.com/AleutianAI/AleutianLineage/services/lineage/wal"
)

// cycleBreakerPrefix namespaces the synthetic nodes that replace the
// closing edge of a detected cycle.
const cycleBreakerPrefix = "cycle-breaker:"

// Service is the lineage graph service.
//
// Description:
//
//	Owns the append log, the graph index, the policy engine, the impact
//	analyzer, and the query cache. All graph mutations are serialized
//	behind mu; the store itself is not concurrency-safe.
//
// Thread Safety: Safe for concurrent use from multiple goroutines.
type Service struct {
	mu sync.RWMutex

	store    *graph.Store
	log      *wal.Log
	engine   *policy.Engine
	analyzer *impact.Analyzer
	queries  *cache.QueryCache
	notifier notify.Notifier

	// limiter admits ingest requests. Nil when rate limiting is disabled.
	limiter *rate.Limiter

	compactor *snapshot.Compactor

	cfg       config.Config
	logger    *slog.Logger
	startedAt time.Time

	eventsIngested atomic.Int64
	duplicates     atomic.Int64
	rejected       atomic.Int64
	closed         atomic.Bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNotifier sets the lifecycle notifier. Default: NopNotifier.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// NewService creates a lineage service and recovers state from disk.
//
// Description:
//
//	Opens the append log, restores the newest usable snapshot, replays
//	the log tail, and starts the periodic snapshot compactor. The
//	returned service is ready to serve. Callers must Close() it to
//	release the log.
//
// Inputs:
//
//	cfg - Service configuration. Must pass Validate().
//	opts - Optional logger and notifier overrides.
func NewService(cfg config.Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		logger:    slog.Default(),
		notifier:  notify.NopNotifier{},
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "lineage"))

	engine, err := policy.NewEngine(cfg.Policy, s.logger)
	if err != nil {
		return nil, err
	}
	s.engine = engine

	log, err := wal.Open(wal.Config{
		Path:        cfg.Storage.DataDir,
		SyncWrites:  cfg.Storage.SyncWrites,
		MaxLogBytes: cfg.Storage.MaxLogBytes,
		InMemory:    cfg.Storage.InMemory,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open append log: %w", err)
	}
	s.log = log

	s.store = graph.NewStore()
	s.analyzer = impact.NewAnalyzer(s.store)
	s.queries = cache.NewQueryCache(
		cache.WithMaxEntries(cfg.Query.CacheMaxEntries),
		cache.WithMaxAge(cfg.Query.CacheTTL),
		cache.WithComputeTimeout(cfg.Query.ComputeTimeout),
	)
	if cfg.Ingest.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Ingest.RateLimit), cfg.Ingest.Burst)
	}

	if err := s.recover(context.Background()); err != nil {
		log.Close()
		return nil, fmt.Errorf("recover: %w", err)
	}

	if cfg.Storage.SnapshotInterval > 0 && !cfg.Storage.InMemory {
		compactor, err := snapshot.NewCompactor(
			cfg.Storage.SnapshotInterval,
			cfg.Storage.SnapshotDirOrDefault(),
			cfg.Storage.SnapshotKeep,
			s.snapshotAndCheckpoint,
			s.logger,
		)
		if err != nil {
			log.Close()
			return nil, err
		}
		s.compactor = compactor
		compactor.Start()
	}

	return s, nil
}

// recover restores the graph index from the newest snapshot plus the
// log tail. Holds no locks; runs before the service is shared.
func (s *Service) recover(ctx context.Context) error {
	start := time.Now()

	var snapSeq uint64
	if !s.cfg.Storage.InMemory {
		snap, err := snapshot.LoadLatest(s.cfg.Storage.SnapshotDirOrDefault(), s.logger)
		switch {
		case err == nil:
			if err := s.store.ImportState(&snap.State); err != nil {
				return fmt.Errorf("import snapshot: %w", err)
			}
			snapSeq = snap.LastSeq
		case errors.Is(err, snapshot.ErrNoSnapshot):
			// First boot or all snapshots unusable. Full replay below.
		default:
			return err
		}
	}

	entries, err := s.log.Replay(ctx)
	if err != nil {
		return fmt.Errorf("replay log: %w", err)
	}

	replayed := 0
	for i := range entries {
		e := &entries[i]
		if e.Seq <= snapSeq {
			// The snapshot already covers this entry. Happens when the
			// snapshot was taken without a subsequent checkpoint.
			continue
		}
		if _, err := s.applyLocked(ctx, &e.Event, e.Seq, false); err != nil {
			return fmt.Errorf("replay entry seq=%d: %w", e.Seq, err)
		}
		replayed++
	}

	s.logger.Info("recovery complete",
		slog.Uint64("snapshot_seq", snapSeq),
		slog.Int("replayed", replayed),
		slog.Int("nodes", s.store.NodeCount()),
		slog.Int("edges", s.store.EdgeCount()),
		slog.Duration("took", time.Since(start)))
	return nil
}

// Ingest admits one raw lineage event.
//
// Description:
//
//	Rate-limits, normalizes, and dedups the event, then prechecks the
//	integrity policy so that events a policy rejects are never appended
//	to the log. Accepted events are appended first and applied to the
//	graph index second; the log is the source of truth.
//
// Outputs:
//
//	*IngestResponse - Outcome, sequence number, and any policy alerts.
//	error - event.ErrSchemaInvalid, ErrRateLimited, ErrRejected, or
//	        ErrClosed.
func (s *Service) Ingest(ctx context.Context, raw event.RawEvent) (*IngestResponse, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return nil, ErrRateLimited
	}

	ev, err := event.Normalize(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen, err := s.log.Seen(ctx, ev.Hash)
	if err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	}
	if seen {
		s.duplicates.Add(1)
		return &IngestResponse{
			Status:    StatusDuplicate,
			NodeID:    ev.NodeID,
			Signature: s.store.Signature(),
		}, nil
	}

	if reason := s.precheckLocked(ev); reason != "" {
		s.rejected.Add(1)
		s.notifier.AlertRaised(notify.Alert{
			Severity:  notify.SeverityError,
			Message:   reason,
			NodeID:    ev.NodeID,
			EventHash: ev.Hash,
			At:        time.Now(),
		})
		return nil, fmt.Errorf("%w: %s", ErrRejected, reason)
	}

	seq, err := s.log.Append(ctx, ev)
	if err != nil {
		if errors.Is(err, wal.ErrDuplicateEvent) {
			s.duplicates.Add(1)
			return &IngestResponse{
				Status:    StatusDuplicate,
				NodeID:    ev.NodeID,
				Signature: s.store.Signature(),
			}, nil
		}
		return nil, fmt.Errorf("append: %w", err)
	}

	applied, err := s.applyLocked(ctx, ev, seq, true)
	if err != nil {
		// The entry is durable but the index mutation failed. Replay
		// will hit the same entry on restart, so surface loudly.
		s.logger.Error("applying committed event failed",
			slog.Uint64("seq", seq),
			slog.String("node_id", ev.NodeID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("apply event: %w", err)
	}

	s.eventsIngested.Add(1)
	return &IngestResponse{
		Status:    StatusCommitted,
		Seq:       seq,
		NodeID:    ev.NodeID,
		Version:   ev.Version,
		Signature: s.store.Signature(),
		Synthetic: applied.synthetic,
		Alerts:    applied.alerts,
	}, nil
}

// precheckLocked evaluates policy conditions that reject the whole event,
// before anything is appended. Returns the rejection reason, or "" to
// proceed. Caller holds the write lock.
func (s *Service) precheckLocked(ev *event.NormalizedEvent) string {
	for _, spec := range append(append([]event.EdgeSpec{}, ev.Inbound...), ev.Outbound...) {
		if !s.store.HasNode(spec.FarID) && spec.FarID != ev.NodeID {
			if d := s.engine.DanglingEdge(spec.From, spec.To, spec.FarID); d.Action == policy.ActionReject {
				return d.Alert
			}
			// A missing endpoint is repaired or skipped; it cannot also
			// close a cycle.
			continue
		}
		if s.store.WouldCreateCycle(spec.From, spec.To, 0) {
			if d := s.engine.CycleEdge(spec.From, spec.To); d.Action == policy.ActionReject {
				return d.Alert
			}
		}
	}

	if ev.Kind == event.KindDatasetSchemaUpdated && s.store.HasNode(ev.NodeID) {
		if consumers := len(s.store.Outgoing(ev.NodeID)); consumers > 0 {
			if d := s.engine.SchemaDrift(ev.NodeID, consumers); d.Action == policy.ActionReject {
				return d.Alert
			}
		}
	}
	return ""
}

// applyResult is what applyLocked reports back to the ingest path.
type applyResult struct {
	synthetic []string
	alerts    []notify.Alert

	// impact is set when drift policy ran a blast-radius analysis.
	impact *notify.ImpactSummary
}

// applyLocked applies one normalized event to the graph index.
//
// Description:
//
//	The single mutation path, shared by live ingest and replay. Replay
//	runs with notifyOut=false so recovery does not re-emit alerts and
//	index updates for history. Policy decisions are re-evaluated here
//	(not persisted in the log entry), so replay under a changed policy
//	converges on the current policy's repairs. Rejection decisions
//	never fire here: live ingest prechecks them before appending, and
//	on replay a previously committed event downgrades to a skip.
func (s *Service) applyLocked(ctx context.Context, ev *event.NormalizedEvent, seq uint64, notifyOut bool) (applyResult, error) {
	var result applyResult

	if _, err := s.store.UpsertNode(ev.NodeID, ev.NodeType, ev.Version, ev.Timestamp, ev.Attrs); err != nil {
		return result, err
	}

	for _, spec := range append(append([]event.EdgeSpec{}, ev.Inbound...), ev.Outbound...) {
		keep, err := s.resolveEdgeLocked(ev, spec, &result)
		if err != nil {
			return result, err
		}
		if !keep {
			continue
		}
		if _, err := s.store.UpsertEdge(spec.From, spec.To, spec.Type, ev.Timestamp, nil); err != nil {
			return result, err
		}
	}

	if ev.Kind == event.KindDatasetSchemaUpdated {
		s.checkDriftLocked(ctx, ev, &result)
	}

	sig := s.store.RecomputeSignature()

	if notifyOut {
		s.notifier.IndexUpdated(notify.IndexUpdate{
			Seq:       seq,
			NodeID:    ev.NodeID,
			Nodes:     s.store.NodeCount(),
			Edges:     s.store.EdgeCount(),
			Signature: sig,
		})
		if result.impact != nil {
			s.notifier.ImpactReady(*result.impact)
		}
		for _, a := range result.alerts {
			s.notifier.AlertRaised(a)
		}
	}
	return result, nil
}

// resolveEdgeLocked runs the dangling and cycle policies for one edge.
// Returns keep=false when the edge should be dropped, and may rewrite
// spec endpoints indirectly by materializing synthetic nodes. The edge
// itself is upserted by the caller unless a cycle breaker replaced it.
func (s *Service) resolveEdgeLocked(ev *event.NormalizedEvent, spec event.EdgeSpec, result *applyResult) (bool, error) {
	if !s.store.HasNode(spec.FarID) {
		d := s.engine.DanglingEdge(spec.From, spec.To, spec.FarID)
		switch d.Action {
		case policy.ActionRepair, policy.ActionCommit:
			// Edge endpoints must be materialized, so warn mode also
			// creates the placeholder; the alert is what distinguishes it.
			if _, err := s.store.AddSyntheticNode(spec.FarID, spec.FarRefType, ev.Timestamp, nil); err != nil {
				return false, err
			}
			result.synthetic = append(result.synthetic, spec.FarID)
			if d.Alert != "" {
				result.alerts = append(result.alerts, s.alert(notify.SeverityWarning, d.Alert, ev))
			}
		default: // ActionSkip, and ActionReject downgraded on replay
			if d.Alert != "" {
				result.alerts = append(result.alerts, s.alert(notify.SeverityWarning, d.Alert, ev))
			}
			return false, nil
		}
	}

	if s.store.WouldCreateCycle(spec.From, spec.To, 0) {
		d := s.engine.CycleEdge(spec.From, spec.To)
		switch d.Action {
		case policy.ActionBreak:
			return false, s.breakCycleLocked(ev, spec, result)
		case policy.ActionCommit:
			result.alerts = append(result.alerts, s.alert(notify.SeverityWarning, d.Alert, ev))
			return true, nil
		default:
			if d.Alert != "" {
				result.alerts = append(result.alerts, s.alert(notify.SeverityWarning, d.Alert, ev))
			}
			return false, nil
		}
	}
	return true, nil
}

// breakCycleLocked redirects a cycle-closing edge into a synthetic
// breaker node. The breaker records the intended target so the original
// reference survives for audit, without the edge entering the adjacency
// cycle.
func (s *Service) breakCycleLocked(ev *event.NormalizedEvent, spec event.EdgeSpec, result *applyResult) error {
	breakerID := cycleBreakerPrefix + spec.From + "->" + spec.To

	targetType := graph.NodeDataset
	if target, ok := s.store.GetNode(spec.To); ok {
		targetType = target.Type
	}
	attrs := map[string]graph.AttrValue{
		"intended_target": graph.StringAttr(spec.To),
	}
	if _, err := s.store.AddSyntheticNode(breakerID, targetType, ev.Timestamp, attrs); err != nil {
		return err
	}
	if _, err := s.store.UpsertEdge(spec.From, breakerID, spec.Type, ev.Timestamp, nil); err != nil {
		return err
	}
	result.synthetic = append(result.synthetic, breakerID)
	result.alerts = append(result.alerts, s.alert(notify.SeverityWarning,
		fmt.Sprintf("cycle broken: edge %s->%s redirected to %s", spec.From, spec.To, breakerID), ev))
	return nil
}

// checkDriftLocked runs the schema drift policy after a schema update is
// applied, running blast-radius analysis when the policy asks for it.
func (s *Service) checkDriftLocked(ctx context.Context, ev *event.NormalizedEvent, result *applyResult) {
	consumers := len(s.store.Outgoing(ev.NodeID))
	if consumers == 0 {
		return
	}

	d := s.engine.SchemaDrift(ev.NodeID, consumers)
	if d.Action != policy.ActionAnalyze {
		if d.Alert != "" {
			result.alerts = append(result.alerts, s.alert(notify.SeverityWarning, d.Alert, ev))
		}
		return
	}

	report, err := s.analyzer.Analyze(ctx, ev.NodeID, nil)
	if err != nil {
		s.logger.Warn("drift impact analysis failed",
			slog.String("node_id", ev.NodeID), slog.String("error", err.Error()))
		result.alerts = append(result.alerts, s.alert(notify.SeverityWarning, d.Alert, ev))
		return
	}
	result.impact = &notify.ImpactSummary{
		Source:      ev.NodeID,
		BlastRadius: len(report.Affected),
		Models:      report.Models,
		Artifacts:   report.Artifacts,
		Guards:      report.Guards,
		PathSample:  report.SamplePaths,
	}
	result.alerts = append(result.alerts, s.alert(notify.SeverityWarning,
		fmt.Sprintf("%s; blast radius: %d nodes (%d models, %d artifacts)",
			d.Alert, len(report.Affected), len(report.Models), len(report.Artifacts)), ev))
}

func (s *Service) alert(sev notify.Severity, msg string, ev *event.NormalizedEvent) notify.Alert {
	return notify.Alert{
		Severity:  sev,
		Message:   msg,
		NodeID:    ev.NodeID,
		EventHash: ev.Hash,
		At:        time.Now(),
	}
}

// Query runs a bounded lineage traversal, served through the query cache.
//
// Outputs:
//
//	*QueryResponse - The traversal result. Cached results may be up to the
//	                 cache TTL stale relative to concurrent ingestion.
//	error - A validation error for bad parameters, graph.ErrNodeNotFound
//	        for an unknown start node, or ErrClosed.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	treq, err := parseQuery(req)
	if err != nil {
		return nil, err
	}

	key := cache.Key(&treq)
	result, cached, err := s.queries.GetOrCompute(ctx, key, func(ctx context.Context) (*graph.TraverseResult, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.store.Traverse(ctx, treq)
	})
	if err != nil {
		return nil, err
	}
	return &QueryResponse{TraverseResult: result, Cached: cached}, nil
}

// parseQuery converts the wire request into a graph traversal request.
func parseQuery(req QueryRequest) (graph.TraverseRequest, error) {
	treq := graph.TraverseRequest{
		From:     req.From,
		Mode:     graph.ModeDownstream,
		DepthMax: req.Depth,
	}
	if req.From == "" {
		return treq, errors.New("from is required")
	}
	if req.Mode != "" {
		treq.Mode = graph.Mode(req.Mode)
		if !treq.Mode.Valid() {
			return treq, fmt.Errorf("invalid mode %q", req.Mode)
		}
	}
	if req.AsOf != "" {
		asOf, err := time.Parse(time.RFC3339, req.AsOf)
		if err != nil {
			return treq, fmt.Errorf("invalid asOf: %w", err)
		}
		treq.AsOf = &asOf
	}
	for _, t := range req.NodeTypes {
		nt := graph.NodeType(t)
		if !nt.Valid() {
			return treq, fmt.Errorf("invalid node type %q", t)
		}
		treq.NodeTypes = append(treq.NodeTypes, nt)
	}
	for _, t := range req.EdgeTypes {
		et := graph.EdgeType(t)
		if !et.Valid() {
			return treq, fmt.Errorf("invalid edge type %q", t)
		}
		treq.EdgeTypes = append(treq.EdgeTypes, et)
	}
	return treq, nil
}

// Impact runs blast-radius analysis for a node.
//
// Inputs:
//
//	targetID - The node whose downstream radius to compute.
//	depth - BFS depth. Zero uses the default; oversize values clamp.
func (s *Service) Impact(ctx context.Context, targetID string, depth int) (*impact.Report, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.analyzer.Analyze(ctx, targetID, &impact.Options{Depth: depth})
}

// Snapshot exports the graph state to disk and checkpoints the log.
//
// Description:
//
//	The export runs under the read lock so it is consistent with a
//	single log sequence number; serialization and the disk write happen
//	outside the lock. The checkpoint truncates log entries the snapshot
//	covers while keeping the dedup index intact.
func (s *Service) Snapshot(ctx context.Context) (*SnapshotResponse, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.cfg.Storage.InMemory {
		return nil, errors.New("snapshots are disabled for in-memory storage")
	}

	start := time.Now()

	s.mu.RLock()
	state := s.store.Export()
	lastSeq := s.log.LastSeq()
	s.mu.RUnlock()

	path, err := snapshot.Save(state, lastSeq, s.cfg.Storage.SnapshotDirOrDefault())
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	if err := s.log.Checkpoint(ctx, lastSeq); err != nil {
		// The snapshot is good; the log is just longer than it needs to
		// be. The next snapshot retries the checkpoint.
		s.logger.Warn("checkpoint after snapshot failed",
			slog.Uint64("last_seq", lastSeq), slog.String("error", err.Error()))
	}

	return &SnapshotResponse{
		Path:      path,
		LastSeq:   lastSeq,
		Signature: state.Signature,
		TookMs:    time.Since(start).Milliseconds(),
	}, nil
}

// snapshotAndCheckpoint adapts Snapshot for the compactor.
func (s *Service) snapshotAndCheckpoint(ctx context.Context) error {
	_, err := s.Snapshot(ctx)
	return err
}

// Stats reports service-wide statistics.
func (s *Service) Stats() StatsResponse {
	s.mu.RLock()
	graphStats := s.store.Stats()
	s.mu.RUnlock()

	return StatsResponse{
		Nodes:          graphStats.NodeCount,
		Edges:          graphStats.EdgeCount,
		Synthetic:      graphStats.SyntheticCount,
		Generation:     graphStats.Generation,
		Signature:      graphStats.Signature,
		EventsIngested: s.eventsIngested.Load(),
		Duplicates:     s.duplicates.Load(),
		Rejected:       s.rejected.Load(),
		Log:            s.log.Stats(),
		QueryCache:     s.queries.Stats(),
		UptimeSeconds:  uptime(s.startedAt),
	}
}

// Health reports liveness.
func (s *Service) Health() HealthResponse {
	status := "ok"
	if s.closed.Load() {
		status = "closed"
	}
	return HealthResponse{
		Status:        status,
		Version:       ServiceVersion,
		LastSeq:       s.log.LastSeq(),
		UptimeSeconds: uptime(s.startedAt),
	}
}

// Close stops background work and releases the append log. Idempotent.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.compactor != nil {
		s.compactor.Stop()
	}
	s.queries.Clear()
	return s.log.Close()
}

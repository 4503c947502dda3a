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
	"time"

	"github.com/AleutianAI/AleutianLineage/services/lineage/cache"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/notify"
	"github.com/AleutianAI/AleutianLineage/services/lineage/wal"
)

// ServiceVersion is the lineage service version.
const ServiceVersion = "0.1.0"

// Ingest statuses.
const (
	// StatusCommitted means the event was appended and applied.
	StatusCommitted = "committed"

	// StatusDuplicate means the event's hash was already recorded; the
	// submission was a no-op.
	StatusDuplicate = "duplicate"
)

// IngestResponse is the result of one event submission.
type IngestResponse struct {
	// Status is committed or duplicate.
	Status string `json:"status"`

	// Seq is the assigned log sequence number (zero for duplicates).
	Seq uint64 `json:"seq,omitempty"`

	// NodeID and Version identify the primary node the event touched.
	NodeID  string `json:"nodeId"`
	Version string `json:"version,omitempty"`

	// Signature is the graph signature after the event (or current, for
	// duplicates).
	Signature string `json:"signature"`

	// Synthetic lists placeholder nodes materialized by policy repair.
	Synthetic []string `json:"synthetic,omitempty"`

	// Alerts carries policy alerts raised while applying the event.
	Alerts []notify.Alert `json:"alerts,omitempty"`
}

// QueryRequest is the wire form of a traversal query.
type QueryRequest struct {
	// From is the start node id. Required.
	From string `json:"from" binding:"required"`

	// Mode is upstream, downstream, both, or why. Default: downstream.
	Mode string `json:"mode,omitempty"`

	// Depth bounds the traversal. Zero uses the default.
	Depth int `json:"depth,omitempty"`

	// AsOf is an RFC3339 instant for time-travel queries.
	AsOf string `json:"asOf,omitempty"`

	// NodeTypes and EdgeTypes restrict the traversal (empty = all).
	NodeTypes []string `json:"nodeTypes,omitempty"`
	EdgeTypes []string `json:"edgeTypes,omitempty"`
}

// QueryResponse is a traversal result plus cache provenance.
type QueryResponse struct {
	*graph.TraverseResult

	// Cached is true when the result was served from the query cache and
	// may lag the live index by up to the cache TTL.
	Cached bool `json:"cached"`
}

// StatsResponse reports service-wide statistics.
type StatsResponse struct {
	// Nodes and Edges are current graph index sizes.
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`

	// Synthetic is the count of policy-materialized placeholder nodes.
	Synthetic int `json:"synthetic"`

	// Generation increments on every applied event.
	Generation uint64 `json:"generation"`

	// Signature is the current graph signature.
	Signature string `json:"signature"`

	// EventsIngested, Duplicates, and Rejected count ingest outcomes
	// since start.
	EventsIngested int64 `json:"eventsIngested"`
	Duplicates     int64 `json:"duplicates"`
	Rejected       int64 `json:"rejected"`

	// Log reports append-log statistics.
	Log wal.Stats `json:"log"`

	// QueryCache reports traversal cache statistics.
	QueryCache cache.Stats `json:"queryCache"`

	// UptimeSeconds is seconds since the service started.
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// SnapshotResponse is the result of an explicit snapshot request.
type SnapshotResponse struct {
	// Path is where the snapshot was written.
	Path string `json:"path"`

	// LastSeq is the log sequence number the snapshot covers.
	LastSeq uint64 `json:"lastSeq"`

	// Signature is the snapshotted graph signature.
	Signature string `json:"signature"`

	// TookMs is the wall time spent writing the snapshot.
	TookMs int64 `json:"tookMs"`
}

// HealthResponse is the health check payload. LastSeq is the recovery
// watermark: everything at or below it is applied to the index.
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	LastSeq       uint64  `json:"lastSeq"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// ErrorResponse is the error payload for all endpoints.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// uptime converts a start time into whole seconds for responses.
func uptime(startedAt time.Time) float64 {
	return time.Since(startedAt).Seconds()
}

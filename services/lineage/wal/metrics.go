// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wal

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for log operations.
var (
	tracer = otel.Tracer("aleutian.lineage.wal")
	meter  = otel.Meter("aleutian.lineage.wal")
)

// Metrics for log operations.
var (
	appendTotal     metric.Int64Counter
	appendBytes     metric.Int64Counter
	replayEntries   metric.Int64Counter
	replayCorrupted metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		appendTotal, err = meter.Int64Counter(
			"lineage_wal_appends_total",
			metric.WithDescription("Total number of entries appended to the lineage log"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		appendBytes, err = meter.Int64Counter(
			"lineage_wal_append_bytes_total",
			metric.WithDescription("Total bytes appended to the lineage log"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		replayEntries, err = meter.Int64Counter(
			"lineage_wal_replay_entries_total",
			metric.WithDescription("Total number of entries replayed at recovery"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		replayCorrupted, err = meter.Int64Counter(
			"lineage_wal_replay_corrupted_total",
			metric.WithDescription("Total number of corrupted entries encountered during replay"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordAppend records a successful append.
func recordAppend(ctx context.Context, bytes int) {
	if err := initMetrics(); err != nil {
		return
	}
	appendTotal.Add(ctx, 1)
	appendBytes.Add(ctx, int64(bytes))
}

// recordReplay records the outcome of a replay pass.
func recordReplay(ctx context.Context, entries, corrupted int) {
	if err := initMetrics(); err != nil {
		return
	}
	replayEntries.Add(ctx, int64(entries))
	if corrupted > 0 {
		replayCorrupted.Add(ctx, int64(corrupted))
	}
}

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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("aleutian.lineage.impact")

// Metrics for impact analysis.
var (
	analysisTotal    metric.Int64Counter
	analysisLatency  metric.Float64Histogram
	analysisAffected metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		analysisTotal, err = meter.Int64Counter(
			"lineage_impact_analyses_total",
			metric.WithDescription("Total number of blast-radius analyses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analysisLatency, err = meter.Float64Histogram(
			"lineage_impact_duration_seconds",
			metric.WithDescription("Duration of blast-radius analyses"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analysisAffected, err = meter.Int64Histogram(
			"lineage_impact_affected_nodes",
			metric.WithDescription("Number of affected nodes per analysis"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordAnalysis records the outcome of one analysis.
func recordAnalysis(ctx context.Context, duration time.Duration, affected int, truncated bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("truncated", truncated))
	analysisTotal.Add(ctx, 1, attrs)
	analysisLatency.Record(ctx, duration.Seconds(), attrs)
	analysisAffected.Record(ctx, int64(affected))
}

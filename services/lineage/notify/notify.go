// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers lineage lifecycle signals to interested
// consumers without blocking the ingest path.
package notify

import (
	"log/slog"
	"time"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is an integrity or policy alert raised during ingest.
type Alert struct {
	// Severity is the alert class.
	Severity Severity `json:"severity"`

	// Message is the human-readable alert text.
	Message string `json:"message"`

	// NodeID is the node the alert concerns, when applicable.
	NodeID string `json:"nodeId,omitempty"`

	// EventHash is the canonical hash of the triggering event.
	EventHash string `json:"eventHash,omitempty"`

	// At is when the alert was raised.
	At time.Time `json:"at"`
}

// ImpactSummary signals a completed schema-drift impact analysis.
type ImpactSummary struct {
	// Source is the node whose schema drifted.
	Source string `json:"source"`

	// BlastRadius is the count of affected downstream nodes.
	BlastRadius int `json:"blastRadius"`

	// Models, Artifacts, and Guards call out the affected classes that
	// matter most to consumers deciding what to rebuild or review.
	Models    []string `json:"models,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
	Guards    []string `json:"guards,omitempty"`

	// PathSample holds representative impact paths, not an exhaustive set.
	PathSample [][]string `json:"pathSample,omitempty"`
}

// IndexUpdate signals that an event was applied to the graph index.
type IndexUpdate struct {
	// Seq is the log sequence number of the applied event.
	Seq uint64 `json:"seq"`

	// NodeID is the primary node the event touched.
	NodeID string `json:"nodeId"`

	// Nodes and Edges are the index sizes after the update.
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`

	// Signature is the graph signature after the update.
	Signature string `json:"signature"`
}

// Notifier receives lineage lifecycle signals.
//
// Implementations must not block: the lineage service calls these
// while holding its write lock.
type Notifier interface {
	// IndexUpdated is called after an event commits to the graph.
	IndexUpdated(update IndexUpdate)

	// ImpactReady is called after a drift-triggered impact analysis.
	ImpactReady(summary ImpactSummary)

	// AlertRaised is called when a policy decision raises an alert.
	AlertRaised(alert Alert)
}

// NopNotifier discards all signals.
type NopNotifier struct{}

func (NopNotifier) IndexUpdated(IndexUpdate)  {}
func (NopNotifier) ImpactReady(ImpactSummary) {}
func (NopNotifier) AlertRaised(Alert)         {}

// ChannelNotifier forwards signals onto buffered channels, dropping
// when a consumer falls behind. Dropped signals are counted and logged.
//
// Thread Safety: Safe for concurrent use.
type ChannelNotifier struct {
	updates chan IndexUpdate
	impacts chan ImpactSummary
	alerts  chan Alert
	logger  *slog.Logger
}

// NewChannelNotifier creates a notifier with the given buffer size per
// channel. A zero or negative size uses 64.
func NewChannelNotifier(buffer int, logger *slog.Logger) *ChannelNotifier {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelNotifier{
		updates: make(chan IndexUpdate, buffer),
		impacts: make(chan ImpactSummary, buffer),
		alerts:  make(chan Alert, buffer),
		logger:  logger.With(slog.String("component", "notify")),
	}
}

// Updates returns the index update channel.
func (n *ChannelNotifier) Updates() <-chan IndexUpdate {
	return n.updates
}

// Impacts returns the impact summary channel.
func (n *ChannelNotifier) Impacts() <-chan ImpactSummary {
	return n.impacts
}

// Alerts returns the alert channel.
func (n *ChannelNotifier) Alerts() <-chan Alert {
	return n.alerts
}

// IndexUpdated forwards the update, dropping it if the buffer is full.
func (n *ChannelNotifier) IndexUpdated(update IndexUpdate) {
	select {
	case n.updates <- update:
	default:
		n.logger.Warn("dropping index update, consumer behind",
			slog.Uint64("seq", update.Seq))
	}
}

// ImpactReady forwards the summary, dropping it if the buffer is full.
func (n *ChannelNotifier) ImpactReady(summary ImpactSummary) {
	select {
	case n.impacts <- summary:
	default:
		n.logger.Warn("dropping impact summary, consumer behind",
			slog.String("source", summary.Source))
	}
}

// AlertRaised forwards the alert, dropping it if the buffer is full.
func (n *ChannelNotifier) AlertRaised(alert Alert) {
	select {
	case n.alerts <- alert:
	default:
		n.logger.Warn("dropping alert, consumer behind",
			slog.String("message", alert.Message))
	}
}

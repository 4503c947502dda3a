// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelNotifier_Delivers(t *testing.T) {
	n := NewChannelNotifier(4, slog.Default())

	n.IndexUpdated(IndexUpdate{Seq: 7, NodeID: "ds#1", Signature: "abc"})
	n.ImpactReady(ImpactSummary{Source: "ds#1", BlastRadius: 3, Models: []string{"m#1"}})
	n.AlertRaised(Alert{Severity: SeverityWarning, Message: "orphan repaired", NodeID: "ds#ghost", At: time.Now()})

	select {
	case update := <-n.Updates():
		assert.Equal(t, uint64(7), update.Seq)
		assert.Equal(t, "ds#1", update.NodeID)
	default:
		t.Fatal("expected a buffered index update")
	}

	select {
	case summary := <-n.Impacts():
		assert.Equal(t, "ds#1", summary.Source)
		assert.Equal(t, 3, summary.BlastRadius)
	default:
		t.Fatal("expected a buffered impact summary")
	}

	select {
	case alert := <-n.Alerts():
		assert.Equal(t, SeverityWarning, alert.Severity)
		assert.Equal(t, "orphan repaired", alert.Message)
	default:
		t.Fatal("expected a buffered alert")
	}
}

func TestChannelNotifier_DropsWhenFull(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	n := NewChannelNotifier(1, logger)

	// The second of each must drop rather than block the ingest path.
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.IndexUpdated(IndexUpdate{Seq: 1})
		n.IndexUpdated(IndexUpdate{Seq: 2})
		n.AlertRaised(Alert{Message: "first"})
		n.AlertRaised(Alert{Message: "second"})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notifier blocked with a full buffer")
	}

	update := <-n.Updates()
	assert.Equal(t, uint64(1), update.Seq)
	alert := <-n.Alerts()
	assert.Equal(t, "first", alert.Message)

	assert.Len(t, n.Updates(), 0)
	assert.Len(t, n.Alerts(), 0)
	assert.Contains(t, buf.String(), "dropping index update")
	assert.Contains(t, buf.String(), "dropping alert")
}

func TestChannelNotifier_DefaultBuffer(t *testing.T) {
	n := NewChannelNotifier(0, nil)
	require.NotNil(t, n)

	for i := 0; i < 64; i++ {
		n.IndexUpdated(IndexUpdate{Seq: uint64(i)})
	}
	assert.Len(t, n.Updates(), 64)
}

func TestNopNotifier(t *testing.T) {
	var n Notifier = NopNotifier{}
	// Must be callable without consumers and without effect.
	n.IndexUpdated(IndexUpdate{Seq: 1})
	n.ImpactReady(ImpactSummary{Source: "ds#1"})
	n.AlertRaised(Alert{Message: "ignored"})
}

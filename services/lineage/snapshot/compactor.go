// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SnapshotFunc takes a snapshot and checkpoints the log behind it.
// The lineage service supplies this.
type SnapshotFunc func(ctx context.Context) error

// Compactor periodically snapshots the graph and prunes old files.
//
// Thread Safety: Safe for concurrent use after creation.
type Compactor struct {
	interval time.Duration
	dir      string
	keep     int
	fn       SnapshotFunc
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

// NewCompactor creates a compactor. Call Start() to begin the loop and
// Stop() to halt it.
//
// Inputs:
//
//	interval - Snapshot cadence. Must be positive.
//	dir - Snapshot directory (pruned after each snapshot).
//	keep - Snapshots to retain. Must be at least 1.
//	fn - Snapshot function. Must not be nil.
//	logger - Optional logger for compaction events.
func NewCompactor(interval time.Duration, dir string, keep int, fn SnapshotFunc, logger *slog.Logger) (*Compactor, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if keep < 1 {
		return nil, errors.New("keep must be at least 1")
	}
	if fn == nil {
		return nil, errors.New("snapshot function must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Compactor{
		interval: interval,
		dir:      dir,
		keep:     keep,
		fn:       fn,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger.With(slog.String("component", "compactor")),
	}, nil
}

// Start begins periodic compaction.
func (c *Compactor) Start() {
	go c.run()
}

// Stop signals the compaction goroutine to stop and waits for it to finish.
func (c *Compactor) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Compactor) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.compact()
		}
	}
}

func (c *Compactor) compact() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	if err := c.fn(ctx); err != nil {
		c.logger.Warn("periodic snapshot failed", slog.String("error", err.Error()))
		return
	}

	removed, err := Prune(c.dir, c.keep)
	if err != nil {
		c.logger.Warn("snapshot prune failed", slog.String("error", err.Error()))
	}
	if removed > 0 {
		c.logger.Debug("pruned snapshots", slog.Int("removed", removed))
	}
}

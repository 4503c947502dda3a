// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot persists point-in-time copies of the lineage graph.
//
// Snapshots bound recovery time: on restart the service loads the most
// recent valid snapshot and replays only the log tail past its sequence
// number. Files are written atomically (temp + fsync + rename) and are
// verified against the graph signature on load, falling back to older
// snapshots when verification fails.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// Version is the on-disk snapshot format version.
const Version = 1

var (
	// ErrNoSnapshot is returned when no usable snapshot exists.
	ErrNoSnapshot = errors.New("no snapshot found")

	// ErrCorrupted is returned when a snapshot fails to parse.
	ErrCorrupted = errors.New("snapshot corrupted")

	// ErrSignatureMismatch is returned when a snapshot's stored signature
	// does not match the signature recomputed from its contents.
	ErrSignatureMismatch = errors.New("snapshot signature mismatch")
)

// Snapshot is a point-in-time copy of the graph plus recovery metadata.
type Snapshot struct {
	// Version is the format version for forward-compat checks.
	Version int `json:"version"`

	// CreatedAt is the snapshot wall time (UTC).
	CreatedAt time.Time `json:"created_at"`

	// LastSeq is the log sequence number the snapshot covers. Replay
	// resumes after this sequence.
	LastSeq uint64 `json:"last_seq"`

	// Signature is the graph signature at snapshot time. Verified on load.
	Signature string `json:"signature"`

	// State is the exported graph.
	State graph.State `json:"state"`
}

const filePrefix = "snapshot-"

// fileName generates the snapshot filename for a creation time.
func fileName(createdAt time.Time) string {
	return fmt.Sprintf("%s%d.json", filePrefix, createdAt.UnixMilli())
}

// Save writes a snapshot atomically into dir.
//
// Description:
//
//	Serializes the state to "snapshot-{unixmilli}.json" via a temp file,
//	fsync, and rename, so a crash mid-write never leaves a truncated
//	snapshot under the final name.
//
// Inputs:
//
//	state - Exported graph state. Must not be nil; Signature must be set.
//	lastSeq - Log sequence number the state covers.
//	dir - Snapshot directory. Created if absent.
//
// Outputs:
//
//	string - Path of the written snapshot.
//	error - Non-nil if serialization or any file operation fails.
func Save(state *graph.State, lastSeq uint64, dir string) (string, error) {
	if state == nil {
		return "", errors.New("state must not be nil")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}

	snap := Snapshot{
		Version:   Version,
		CreatedAt: time.Now().UTC(),
		LastSeq:   lastSeq,
		Signature: state.Signature,
		State:     *state,
	}

	data, err := json.Marshal(&snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	path := filepath.Join(dir, fileName(snap.CreatedAt))

	tempFile, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return "", fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return "", fmt.Errorf("close snapshot: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return "", fmt.Errorf("rename snapshot: %w", err)
	}

	success = true
	return path, nil
}

// Load reads and verifies a single snapshot file.
//
// Outputs:
//
//	*Snapshot - The loaded snapshot. Never nil on success.
//	error - ErrCorrupted on parse failure, ErrSignatureMismatch when the
//	        recomputed signature differs from the stored one.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if snap.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, snap.Version)
	}

	computed := graph.SignatureOfState(&snap.State)
	if computed != snap.Signature {
		return nil, fmt.Errorf("%w: stored=%s computed=%s", ErrSignatureMismatch, snap.Signature, computed)
	}

	return &snap, nil
}

// LoadLatest loads the most recent valid snapshot in dir.
//
// Description:
//
//	Tries snapshot files newest-first. Corrupted or signature-mismatched
//	files are logged and skipped; recovery falls back to the next older
//	one. Returns ErrNoSnapshot when the directory is empty, absent, or
//	contains only invalid snapshots.
//
// Inputs:
//
//	dir - Snapshot directory.
//	logger - Logger for skipped files. Nil uses slog.Default().
func LoadLatest(dir string, logger *slog.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = slog.Default()
	}

	paths, err := list(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, ErrNoSnapshot
	}

	// Newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	for _, path := range paths {
		snap, err := Load(path)
		if err != nil {
			logger.Warn("skipping unusable snapshot",
				slog.String("path", path),
				slog.String("error", err.Error()))
			continue
		}
		return snap, nil
	}

	return nil, ErrNoSnapshot
}

// Prune removes all but the newest keep snapshots.
//
// Inputs:
//
//	dir - Snapshot directory.
//	keep - Number of snapshots to retain. Must be at least 1.
//
// Outputs:
//
//	int - Number of files removed.
//	error - First removal error encountered, if any.
func Prune(dir string, keep int) (int, error) {
	if keep < 1 {
		return 0, errors.New("keep must be at least 1")
	}

	paths, err := list(dir)
	if err != nil {
		return 0, err
	}

	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	if len(paths) <= keep {
		return 0, nil
	}

	removed := 0
	var firstErr error
	for _, path := range paths[keep:] {
		if err := os.Remove(path); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// list returns snapshot file paths in dir, in name order. Missing
// directories yield an empty list.
//
// Snapshot filenames embed fixed-width millisecond timestamps, so name
// order is creation order.
func list(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths, nil
}

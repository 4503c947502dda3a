// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wal implements the durable append-only lineage log.
//
// Every accepted event is written here before it mutates the in-memory
// graph, which makes the log the source of truth for crash recovery.
// Entries are write-once: nothing in the service rewrites or deletes a
// committed entry except checkpoint truncation after a snapshot.
//
// Key format: "wal:{YYYYMMDD}:{seq:016d}" (date partition from the
// entry's recorded time, UTC). Sequence numbers are globally monotonic,
// so lexical key order is append order across partitions.
//
// Value format: [4-byte CRC32 IEEE][JSON-encoded entry]
//
// A parallel idempotency index "seen:{hash}" maps canonical event
// hashes to their sequence number. The seen index survives checkpoint
// truncation so duplicate submissions stay no-ops across restarts.
package wal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianLineage/services/lineage/event"
	"github.com/AleutianAI/AleutianLineage/services/lineage/storage/badger"
	dgbadger "github.com/dgraph-io/badger/v4"
)

var (
	// ErrLogClosed is returned when operations are called on a closed log.
	ErrLogClosed = errors.New("lineage log is closed")

	// ErrLogCorrupted is returned when an entry fails its integrity check.
	ErrLogCorrupted = errors.New("lineage log entry corrupted (CRC mismatch)")

	// ErrLogFull is returned when the log exceeds MaxLogBytes.
	ErrLogFull = errors.New("lineage log size limit exceeded")

	// ErrSequenceGap is returned when replay detects missing sequence numbers.
	ErrSequenceGap = errors.New("lineage log sequence gap detected")

	// ErrDuplicateEvent is returned when an entry's hash is already indexed.
	ErrDuplicateEvent = errors.New("event already recorded")

	// ErrNilEntry is returned when attempting to append a nil entry.
	ErrNilEntry = errors.New("entry must not be nil")
)

// Entry is one committed lineage event in the log.
type Entry struct {
	// Seq is the globally monotonic sequence number, assigned on append.
	Seq uint64 `json:"seq"`

	// RecordedAt is the commit wall time (UTC). Drives the key's date
	// partition.
	RecordedAt time.Time `json:"recorded_at"`

	// Event is the normalized event this entry commits.
	Event event.NormalizedEvent `json:"event"`
}

// Config configures the lineage log.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent mode.
	Path string

	// SyncWrites enables synchronous writes.
	// MUST be true for crash-atomicity. Default: true.
	SyncWrites bool

	// MaxLogBytes triggers ErrLogFull when exceeded.
	// Default: 1GB. Set to 0 to disable the limit.
	MaxLogBytes int64

	// SkipCorrupted continues replay past corrupted entries.
	// Corrupted entries are logged and skipped.
	// Default: false (fail fast).
	SkipCorrupted bool

	// InMemory uses in-memory BadgerDB (for testing).
	InMemory bool

	// Logger for log operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		SyncWrites:  true,
		MaxLogBytes: 1 << 30, // 1GB
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return errors.New("path is required for persistent log")
	}
	if c.MaxLogBytes < 0 {
		return errors.New("max_log_bytes must be non-negative")
	}
	return nil
}

// EntryOrError is used for streaming replay.
type EntryOrError struct {
	// Entry is the decoded entry (zero value if Err is set).
	Entry Entry

	// Seq is the sequence number parsed from the key.
	Seq uint64

	// Err is set if decoding failed.
	Err error

	// Skipped is true if the entry was corrupted and skipped per config.
	Skipped bool
}

// Stats contains log statistics.
type Stats struct {
	// LastSeq is the most recent sequence number.
	LastSeq uint64

	// TotalBytes is the approximate size of log data since the last
	// checkpoint.
	TotalBytes int64

	// LastCheckpoint is when the last checkpoint occurred.
	LastCheckpoint time.Time

	// CorruptedCount is the number of corrupted entries encountered.
	CorruptedCount int64
}

// Log is the BadgerDB-backed append-only lineage log.
//
// Description:
//
//	Appends entries synchronously with CRC checksums and maintains the
//	seen-hash idempotency index in the same transaction. On restart,
//	Replay returns all entries since the last checkpoint in order.
//
// Thread Safety: Safe for concurrent use from multiple goroutines,
// though the lineage service serializes appends behind its write lock.
type Log struct {
	db     *badger.DB
	config Config
	logger *slog.Logger

	seqNum         atomic.Uint64
	totalBytes     atomic.Int64
	corruptedCount atomic.Int64
	lastCheckpoint atomic.Int64 // Unix timestamp
	closed         atomic.Bool
}

// Open opens (or creates) the lineage log.
//
// Inputs:
//
//	config - Log configuration. Must pass Validate().
//
// Outputs:
//
//	*Log - Ready-to-use log, sequence counter restored from disk.
//	error - Non-nil if BadgerDB initialization fails.
func Open(config Config) (*Log, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	l := &Log{
		config: config,
		logger: config.Logger.With(slog.String("component", "wal")),
	}

	db, err := badger.OpenDB(badger.Config{
		Path:           config.Path,
		InMemory:       config.InMemory,
		SyncWrites:     config.SyncWrites,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
		Logger:         config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	l.db = db

	if err := l.initSeqNum(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sequence number: %w", err)
	}

	l.logger.Info("lineage log opened",
		slog.String("path", config.Path),
		slog.Bool("sync_writes", config.SyncWrites),
		slog.Uint64("last_seq", l.seqNum.Load()))

	return l, nil
}

const (
	entryPrefix     = "wal:"
	seenPrefix      = "seen:"
	checkpointKeyID = "checkpoint:latest"

	// 8 for YYYYMMDD, 1 for the separator, 16 for the sequence number.
	keySuffixLen = 8 + 1 + 16
)

// entryKey generates the key for a sequence number within a date partition.
func entryKey(recordedAt time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016d", entryPrefix, recordedAt.UTC().Format("20060102"), seq))
}

// seenKey generates the idempotency index key for a canonical event hash.
func seenKey(hash string) []byte {
	return []byte(seenPrefix + hash)
}

// parseSeq extracts the sequence number from an entry key.
func parseSeq(key []byte) (uint64, bool) {
	if len(key) != len(entryPrefix)+keySuffixLen {
		return 0, false
	}
	var seq uint64
	if _, err := fmt.Sscanf(string(key[len(key)-16:]), "%016d", &seq); err != nil {
		return 0, false
	}
	return seq, true
}

// initSeqNum scans for the highest existing sequence number.
func (l *Log) initSeqNum() error {
	var maxSeq uint64

	err := l.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the last possible key with our prefix.
		seekKey := append([]byte(entryPrefix), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seekKey)

		if it.ValidForPrefix([]byte(entryPrefix)) {
			if seq, ok := parseSeq(it.Item().Key()); ok {
				maxSeq = seq
			}
		}
		return nil
	})

	if err != nil {
		return err
	}

	l.seqNum.Store(maxSeq)
	return nil
}

// encodeEntry encodes an entry with a CRC32 checksum prefix.
func encodeEntry(e *Entry) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}

	crc := crc32.ChecksumIEEE(payload)
	result := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(result[:4], crc)
	copy(result[4:], payload)

	return result, nil
}

// decodeEntry decodes an entry and validates its checksum.
func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	if len(data) < 5 { // 4-byte CRC + at least 1 byte payload
		return e, fmt.Errorf("%w: entry too short", ErrLogCorrupted)
	}

	storedCRC := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	computedCRC := crc32.ChecksumIEEE(payload)

	if storedCRC != computedCRC {
		return e, fmt.Errorf("%w: stored=%08x computed=%08x", ErrLogCorrupted, storedCRC, computedCRC)
	}

	if err := json.Unmarshal(payload, &e); err != nil {
		return e, fmt.Errorf("json decode: %w", err)
	}

	return e, nil
}

// Append commits a normalized event to the log.
//
// Description:
//
//	Writes the entry and its seen-hash index key in a single synchronous
//	transaction, so durability and idempotency commit atomically. The
//	assigned sequence number is written back into ev's enclosing entry.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	ev - The normalized event to persist.
//
// Outputs:
//
//	uint64 - The assigned sequence number.
//	error - ErrDuplicateEvent if the hash is already indexed, ErrLogFull
//	        if the size limit is exceeded, or the underlying write error.
//
// Performance: ~100-200µs per append (BadgerDB sync write + CRC).
func (l *Log) Append(ctx context.Context, ev *event.NormalizedEvent) (uint64, error) {
	if ev == nil {
		return 0, ErrNilEntry
	}
	if l.closed.Load() {
		return 0, ErrLogClosed
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	ctx, span := tracer.Start(ctx, "wal.Append",
		trace.WithAttributes(
			attribute.String("event.kind", string(ev.Kind)),
			attribute.String("event.hash", ev.Hash),
		),
	)
	defer span.End()

	if l.config.MaxLogBytes > 0 && l.totalBytes.Load() >= l.config.MaxLogBytes {
		span.SetStatus(codes.Error, "log full")
		return 0, ErrLogFull
	}

	seq := l.seqNum.Add(1)
	entry := Entry{
		Seq:        seq,
		RecordedAt: time.Now().UTC(),
		Event:      *ev,
	}

	data, err := encodeEntry(&entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return 0, fmt.Errorf("encode entry: %w", err)
	}

	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)

	err = l.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if _, err := txn.Get(seenKey(ev.Hash)); err == nil {
			return ErrDuplicateEvent
		} else if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(entryKey(entry.RecordedAt, seq), data); err != nil {
			return err
		}
		return txn.Set(seenKey(ev.Hash), seqBytes)
	})
	if err != nil {
		// Appends are serialized by the service's write lock, so the
		// reserved number can be returned on failure. A burned number
		// would read as a gap on replay.
		l.seqNum.CompareAndSwap(seq, seq-1)
		if errors.Is(err, ErrDuplicateEvent) {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return 0, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return 0, fmt.Errorf("write entry: %w", err)
	}

	l.totalBytes.Add(int64(len(data)))
	recordAppend(ctx, len(data))

	span.SetAttributes(
		attribute.Int64("seq", int64(seq)),
		attribute.Int("entry_bytes", len(data)),
	)

	l.logger.Debug("entry appended",
		slog.Uint64("seq", seq),
		slog.String("kind", string(ev.Kind)),
		slog.Int("bytes", len(data)))

	return seq, nil
}

// Seen reports whether an event hash is already indexed.
func (l *Log) Seen(ctx context.Context, hash string) (bool, error) {
	if l.closed.Load() {
		return false, ErrLogClosed
	}

	var found bool
	err := l.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		_, err := txn.Get(seenKey(hash))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// Replay returns all entries since the last checkpoint, in order.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//
// Outputs:
//
//	[]Entry - Entries in sequence order. Empty if the log is empty.
//	error - Non-nil on read failure, corruption (unless SkipCorrupted),
//	        or a sequence gap.
//
// Usage: Called once at service start to rebuild the graph index.
func (l *Log) Replay(ctx context.Context) ([]Entry, error) {
	if l.closed.Load() {
		return nil, ErrLogClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ctx, span := tracer.Start(ctx, "wal.Replay")
	defer span.End()

	checkpointSeq, err := l.getCheckpointSeq()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	var entries []Entry
	var lastSeq uint64
	corrupted := 0

	prefix := []byte(entryPrefix)
	err = l.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			seq, ok := parseSeq(item.Key())
			if !ok {
				continue // Skip malformed keys
			}
			if seq <= checkpointSeq {
				continue
			}

			if lastSeq > 0 && seq != lastSeq+1 {
				if !l.config.SkipCorrupted {
					return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, lastSeq+1, seq)
				}
				l.logger.Warn("sequence gap detected",
					slog.Uint64("expected", lastSeq+1),
					slog.Uint64("got", seq))
			}
			lastSeq = seq

			err := item.Value(func(val []byte) error {
				entry, err := decodeEntry(val)
				if err != nil {
					if errors.Is(err, ErrLogCorrupted) {
						corrupted++
						l.corruptedCount.Add(1)
						if l.config.SkipCorrupted {
							l.logger.Warn("skipping corrupted entry",
								slog.Uint64("seq", seq),
								slog.String("error", err.Error()))
							return nil
						}
					}
					return err
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay failed")
		return nil, fmt.Errorf("replay: %w", err)
	}

	recordReplay(ctx, len(entries), corrupted)
	span.SetAttributes(
		attribute.Int("entry_count", len(entries)),
		attribute.Int("corrupted_count", corrupted),
		attribute.Int64("checkpoint_seq", int64(checkpointSeq)),
	)

	l.logger.Info("replay completed",
		slog.Int("entry_count", len(entries)),
		slog.Int("corrupted", corrupted),
		slog.Uint64("checkpoint_seq", checkpointSeq))

	return entries, nil
}

// ReplayStream returns a channel for streaming replay (low memory).
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//
// Outputs:
//
//	<-chan EntryOrError - Channel yielding entries or errors. Closed
//	        when replay finishes.
//	error - Non-nil if replay cannot start.
//
// Usage: For logs too large to load into memory at once.
func (l *Log) ReplayStream(ctx context.Context) (<-chan EntryOrError, error) {
	if l.closed.Load() {
		return nil, ErrLogClosed
	}

	ch := make(chan EntryOrError, 100)

	go func() {
		defer close(ch)

		_, span := tracer.Start(ctx, "wal.ReplayStream")
		defer span.End()

		checkpointSeq, err := l.getCheckpointSeq()
		if err != nil {
			span.RecordError(err)
			ch <- EntryOrError{Err: fmt.Errorf("get checkpoint: %w", err)}
			return
		}

		var lastSeq uint64
		count := 0

		prefix := []byte(entryPrefix)
		err = l.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
			opts := dgbadger.DefaultIteratorOptions
			opts.PrefetchValues = true

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}

				item := it.Item()
				seq, ok := parseSeq(item.Key())
				if !ok {
					continue
				}
				if seq <= checkpointSeq {
					continue
				}

				if lastSeq > 0 && seq != lastSeq+1 {
					if !l.config.SkipCorrupted {
						err := fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, lastSeq+1, seq)
						ch <- EntryOrError{Seq: seq, Err: err}
						return err
					}
					l.logger.Warn("sequence gap detected in stream",
						slog.Uint64("expected", lastSeq+1),
						slog.Uint64("got", seq))
				}
				lastSeq = seq

				err := item.Value(func(val []byte) error {
					entry, err := decodeEntry(val)
					if err != nil {
						if errors.Is(err, ErrLogCorrupted) && l.config.SkipCorrupted {
							l.corruptedCount.Add(1)
							ch <- EntryOrError{Seq: seq, Err: err, Skipped: true}
							return nil
						}
						ch <- EntryOrError{Seq: seq, Err: err}
						return nil
					}
					ch <- EntryOrError{Entry: entry, Seq: seq}
					count++
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})

		if err != nil {
			span.RecordError(err)
			ch <- EntryOrError{Err: err}
		}

		span.SetAttributes(
			attribute.Int("entry_count", count),
			attribute.Int64("last_seq", int64(lastSeq)),
		)
	}()

	return ch, nil
}

// Checkpoint marks a position and truncates entries at or below it.
//
// Description:
//
//	Writes the checkpoint marker for upTo, then deletes entries at or
//	below it. The caller passes the sequence number its snapshot covers;
//	entries appended after the snapshot was exported survive. The
//	seen-hash index is NOT truncated; idempotency outlives snapshot
//	compaction. Truncation failure is logged but does not fail the
//	checkpoint, since the marker is already durable.
//
// Usage: Called after a snapshot has been durably written.
func (l *Log) Checkpoint(ctx context.Context, upTo uint64) error {
	if l.closed.Load() {
		return ErrLogClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ctx, span := tracer.Start(ctx, "wal.Checkpoint")
	defer span.End()

	currentSeq := upTo
	checkpointData := make([]byte, 8)
	binary.BigEndian.PutUint64(checkpointData, currentSeq)

	err := l.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set([]byte(checkpointKeyID), checkpointData)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkpoint failed")
		return fmt.Errorf("write checkpoint: %w", err)
	}

	l.lastCheckpoint.Store(time.Now().Unix())

	deletedCount := 0
	prefix := []byte(entryPrefix)
	err = l.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			seq, ok := parseSeq(key)
			if !ok {
				continue
			}
			if seq <= currentSeq {
				if err := txn.Delete(key); err != nil {
					return err
				}
				deletedCount++
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		l.logger.Warn("checkpoint truncation failed", slog.String("error", err.Error()))
	}

	l.totalBytes.Store(0)

	span.SetAttributes(
		attribute.Int64("checkpoint_seq", int64(currentSeq)),
		attribute.Int("deleted_entries", deletedCount),
	)

	l.logger.Info("checkpoint created",
		slog.Uint64("seq", currentSeq),
		slog.Int("deleted", deletedCount))

	return nil
}

// getCheckpointSeq returns the last checkpoint sequence number.
func (l *Log) getCheckpointSeq() (uint64, error) {
	var checkpointSeq uint64

	err := l.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte(checkpointKeyID))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil // No checkpoint yet
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				checkpointSeq = binary.BigEndian.Uint64(val)
			}
			return nil
		})
	})

	return checkpointSeq, err
}

// LastSeq returns the most recent sequence number.
func (l *Log) LastSeq() uint64 {
	return l.seqNum.Load()
}

// Sync flushes pending writes.
func (l *Log) Sync() error {
	if l.closed.Load() {
		return ErrLogClosed
	}
	return l.db.Sync()
}

// Close syncs and releases resources.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil // Already closed
	}

	l.logger.Info("closing lineage log")

	if err := l.db.Sync(); err != nil {
		l.logger.Warn("sync before close failed", slog.String("error", err.Error()))
	}
	return l.db.Close()
}

// Stats returns log statistics.
func (l *Log) Stats() Stats {
	lastCP := l.lastCheckpoint.Load()
	var lastCPTime time.Time
	if lastCP > 0 {
		lastCPTime = time.Unix(lastCP, 0)
	}

	return Stats{
		LastSeq:        l.seqNum.Load(),
		TotalBytes:     l.totalBytes.Load(),
		LastCheckpoint: lastCPTime,
		CorruptedCount: l.corruptedCount.Load(),
	}
}

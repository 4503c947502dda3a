// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy decides how the lineage store handles malformed input:
// dangling edge references, cycles, and schema drift.
//
// The engine is purely reactive: it holds no storage, only decision
// logic consulted by the ingest path. Each condition is independently
// configurable. Resolution order within one event is deterministic:
// dangling-edge repair always precedes cycle detection, so a repaired
// orphan that closes a loop is handled by the cycle policy on the same
// edge, never re-litigated.
package policy

import (
	"fmt"
	"log/slog"
)

// Mode is a policy mode for one malformed-input condition.
type Mode string

const (
	// ModeWarn commits the offending mutation and emits an alert.
	ModeWarn Mode = "warn"

	// ModeError rejects the whole event.
	ModeError Mode = "error"

	// ModeIgnore commits (or silently drops the offending edge) without
	// any alert.
	ModeIgnore Mode = "ignore"

	// ModeRepairOrphan materializes a synthetic placeholder node so a
	// dangling edge can commit without violating node existence.
	ModeRepairOrphan Mode = "repair_orphan"

	// ModeBreakWithVirtualNode splits a would-be loop with a synthetic
	// cycle-breaker node so traversals stay guaranteed to terminate.
	ModeBreakWithVirtualNode Mode = "break_with_virtual_node"

	// ModeWarnAndImpact emits an alert and triggers blast-radius analysis.
	ModeWarnAndImpact Mode = "warn_and_impact"
)

// Config holds one mode per condition.
type Config struct {
	// Dangling handles edges whose endpoint node is absent.
	// Allowed: repair_orphan (default), warn, error, ignore.
	Dangling Mode `yaml:"dangling"`

	// Cycle handles edges that would create a path back to an ancestor.
	// Allowed: break_with_virtual_node (default), warn, error, ignore.
	Cycle Mode `yaml:"cycle"`

	// Drift handles dataset.schema.updated on nodes with downstream
	// consumers. Allowed: warn_and_impact (default), error, ignore.
	Drift Mode `yaml:"drift"`
}

// DefaultConfig returns the default policy configuration.
func DefaultConfig() Config {
	return Config{
		Dangling: ModeRepairOrphan,
		Cycle:    ModeBreakWithVirtualNode,
		Drift:    ModeWarnAndImpact,
	}
}

// Validate checks every mode against its condition's allowed set.
func (c Config) Validate() error {
	switch c.Dangling {
	case ModeRepairOrphan, ModeWarn, ModeError, ModeIgnore:
	default:
		return fmt.Errorf("invalid dangling policy %q", c.Dangling)
	}
	switch c.Cycle {
	case ModeBreakWithVirtualNode, ModeWarn, ModeError, ModeIgnore:
	default:
		return fmt.Errorf("invalid cycle policy %q", c.Cycle)
	}
	switch c.Drift {
	case ModeWarnAndImpact, ModeError, ModeIgnore:
	default:
		return fmt.Errorf("invalid drift policy %q", c.Drift)
	}
	return nil
}

// Action is what the ingest path should do about a condition.
type Action int

const (
	// ActionCommit commits the mutation as-is.
	ActionCommit Action = iota

	// ActionRepair materializes a synthetic placeholder, then commits.
	ActionRepair

	// ActionBreak redirects the edge into a synthetic cycle breaker.
	ActionBreak

	// ActionReject rejects the whole event.
	ActionReject

	// ActionSkip drops the offending edge but keeps the rest of the event.
	ActionSkip

	// ActionAnalyze commits and triggers blast-radius analysis.
	ActionAnalyze
)

// Decision is the engine's resolution of one condition.
type Decision struct {
	// Action tells the ingest path what to do.
	Action Action

	// Alert is a human-readable alert message, empty when no alert
	// should be emitted.
	Alert string
}

// Engine resolves integrity conditions per the configured modes.
//
// Thread Safety: Safe for concurrent use (immutable after creation).
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates a policy engine.
//
// Inputs:
//
//	cfg - Policy configuration. Must pass Validate().
//	logger - Logger for policy decisions. Nil uses slog.Default().
func NewEngine(cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger.With(slog.String("component", "policy"))}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// DanglingEdge resolves an edge whose endpoint is not materialized.
func (e *Engine) DanglingEdge(from, to, missing string) Decision {
	switch e.cfg.Dangling {
	case ModeRepairOrphan:
		e.logger.Debug("repairing dangling edge",
			slog.String("from", from), slog.String("to", to), slog.String("missing", missing))
		return Decision{Action: ActionRepair}
	case ModeWarn:
		return Decision{
			Action: ActionCommit,
			Alert:  fmt.Sprintf("dangling edge %s->%s: node %s not registered", from, to, missing),
		}
	case ModeError:
		return Decision{
			Action: ActionReject,
			Alert:  fmt.Sprintf("rejected event: dangling edge %s->%s (missing %s)", from, to, missing),
		}
	default: // ModeIgnore
		return Decision{Action: ActionSkip}
	}
}

// CycleEdge resolves an edge that would create a cycle.
func (e *Engine) CycleEdge(from, to string) Decision {
	switch e.cfg.Cycle {
	case ModeBreakWithVirtualNode:
		e.logger.Debug("breaking cycle with virtual node",
			slog.String("from", from), slog.String("to", to))
		return Decision{Action: ActionBreak}
	case ModeWarn:
		return Decision{
			Action: ActionCommit,
			Alert:  fmt.Sprintf("edge %s->%s closes a cycle", from, to),
		}
	case ModeError:
		return Decision{
			Action: ActionReject,
			Alert:  fmt.Sprintf("rejected event: edge %s->%s would create a cycle", from, to),
		}
	default: // ModeIgnore
		return Decision{Action: ActionSkip}
	}
}

// SchemaDrift resolves a schema update on a node with downstream consumers.
func (e *Engine) SchemaDrift(nodeID string, consumers int) Decision {
	switch e.cfg.Drift {
	case ModeWarnAndImpact:
		return Decision{
			Action: ActionAnalyze,
			Alert:  fmt.Sprintf("schema drift on %s with %d active downstream consumers", nodeID, consumers),
		}
	case ModeError:
		return Decision{
			Action: ActionReject,
			Alert:  fmt.Sprintf("rejected schema update on %s: %d active downstream consumers", nodeID, consumers),
		}
	default: // ModeIgnore
		return Decision{Action: ActionCommit}
	}
}

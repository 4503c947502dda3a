// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package event validates and canonicalizes inbound lineage events.
//
// The normalizer turns a raw event from the bus into a (node, inbound
// edges, outbound edges) triple plus a content-addressed idempotency hash.
// Normalization is a pure function; persistence and graph mutation happen
// downstream in the lineage service.
package event

import (
	"errors"
	"time"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// ErrSchemaInvalid is returned for malformed inbound events: unknown kind,
// missing required fields, bad timestamps, or invalid refTypes. Such events
// are dropped and never retried; the caller must resubmit a corrected one.
var ErrSchemaInvalid = errors.New("event schema invalid")

// Kind identifies one of the fixed lineage event kinds.
type Kind string

// The nine lineage event kinds accepted from upstream collaborators.
const (
	KindDatasetRegistered    Kind = "dataset.registered"
	KindDatasetSchemaUpdated Kind = "dataset.schema.updated"
	KindFeatureRegistered    Kind = "feature.registered"
	KindModelTrained         Kind = "model.trained"
	KindJobCompleted         Kind = "job.completed"
	KindPolicyUpdated        Kind = "policy.updated"
	KindDecisionRecorded     Kind = "decision.recorded"
	KindArtifactPublished    Kind = "artifact.published"
	KindGuardTriggered       Kind = "guard.triggered"
)

// kindNodeTypes maps each event kind to the node type it registers.
var kindNodeTypes = map[Kind]graph.NodeType{
	KindDatasetRegistered:    graph.NodeDataset,
	KindDatasetSchemaUpdated: graph.NodeDataset,
	KindFeatureRegistered:    graph.NodeFeature,
	KindModelTrained:         graph.NodeModel,
	KindJobCompleted:         graph.NodeJob,
	KindPolicyUpdated:        graph.NodePolicy,
	KindDecisionRecorded:     graph.NodeDecision,
	KindArtifactPublished:    graph.NodeArtifact,
	KindGuardTriggered:       graph.NodeGuard,
}

// Valid reports whether k is one of the fixed event kinds.
func (k Kind) Valid() bool {
	_, ok := kindNodeTypes[k]
	return ok
}

// NodeType returns the node type this event kind registers.
func (k Kind) NodeType() graph.NodeType {
	return kindNodeTypes[k]
}

// Ref is an input or output reference carried by a raw event.
type Ref struct {
	// RefType declares the node type of the referenced entity.
	RefType string `json:"refType"`

	// ID identifies the referenced entity. Inputs use ID.
	ID string `json:"id,omitempty"`

	// Path identifies the referenced entity by path. Outputs may use
	// Path instead of ID (published artifacts, written datasets).
	Path string `json:"path,omitempty"`
}

// Target returns the reference identity: ID if set, otherwise Path.
func (r Ref) Target() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Path
}

// RawEvent is the wire form of an inbound lineage event.
type RawEvent struct {
	// Event is the event kind, e.g. "dataset.registered".
	Event string `json:"event"`

	// Timestamp is the ISO-8601 time the event occurred.
	Timestamp string `json:"timestamp"`

	// ID identifies the entity this event primarily describes.
	ID string `json:"id"`

	// Source names the emitting collaborator (optional).
	Source string `json:"source,omitempty"`

	// Inputs lists the entities this one derives from.
	Inputs []Ref `json:"inputs,omitempty"`

	// Outputs lists the entities this one produced.
	Outputs []Ref `json:"outputs,omitempty"`

	// Tags is a free-form attribute bag.
	Tags map[string]graph.AttrValue `json:"tags,omitempty"`
}

// EdgeSpec is a derived edge plus the refType its far endpoint declared,
// which the integrity policy uses to type orphan placeholders.
type EdgeSpec struct {
	// From and To are the edge endpoints.
	From string `json:"from"`
	To   string `json:"to"`

	// Type is the inferred edge type.
	Type graph.EdgeType `json:"type"`

	// FarID and FarRefType describe the endpoint that came from the
	// event's inputs/outputs list, the one that may need repair.
	FarID      string         `json:"farId"`
	FarRefType graph.NodeType `json:"farRefType"`
}

// NormalizedEvent is the canonical form of an accepted event.
type NormalizedEvent struct {
	// Kind is the validated event kind.
	Kind Kind `json:"kind"`

	// Hash is the content-addressed idempotency hash (SHA-256 hex of the
	// canonical event form). The dedup key for the append log.
	Hash string `json:"hash"`

	// Timestamp is the parsed event time.
	Timestamp time.Time `json:"timestamp"`

	// Source names the emitting collaborator.
	Source string `json:"source,omitempty"`

	// NodeID, NodeType, Version, and Attrs describe the primary node.
	NodeID   string                     `json:"nodeId"`
	NodeType graph.NodeType             `json:"nodeType"`
	Version  string                     `json:"version"`
	Attrs    map[string]graph.AttrValue `json:"attrs,omitempty"`

	// Inbound holds one edge per input (input → node).
	Inbound []EdgeSpec `json:"inbound,omitempty"`

	// Outbound holds one edge per output (node → output).
	Outbound []EdgeSpec `json:"outbound,omitempty"`

	// Raw is the validated raw event, retained for the append log so
	// replay re-derives the same normalized form.
	Raw RawEvent `json:"raw"`
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Default configuration values.
const (
	// DefaultMaxNodes is the default maximum number of nodes the store can hold.
	DefaultMaxNodes = 1_000_000

	// DefaultMaxEdges is the default maximum number of edges the store can hold.
	DefaultMaxEdges = 10_000_000
)

// NodeType classifies a lineage node.
type NodeType string

// Node types, one per artifact class the store tracks.
const (
	NodeDataset    NodeType = "dataset"
	NodeFeature    NodeType = "feature"
	NodeModel      NodeType = "model"
	NodeJob        NodeType = "job"
	NodePolicy     NodeType = "policy"
	NodeDecision   NodeType = "decision"
	NodeArtifact   NodeType = "artifact"
	NodeEvent      NodeType = "event"
	NodeFlag       NodeType = "flag"
	NodeExperiment NodeType = "experiment"
	NodeGuard      NodeType = "guard"
)

var knownNodeTypes = map[NodeType]bool{
	NodeDataset:    true,
	NodeFeature:    true,
	NodeModel:      true,
	NodeJob:        true,
	NodePolicy:     true,
	NodeDecision:   true,
	NodeArtifact:   true,
	NodeEvent:      true,
	NodeFlag:       true,
	NodeExperiment: true,
	NodeGuard:      true,
}

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	return knownNodeTypes[t]
}

// EdgeType classifies a lineage relationship.
type EdgeType string

// Edge types drawn from a fixed enumeration.
const (
	EdgeDerivesFrom EdgeType = "derives_from"
	EdgeConsumes    EdgeType = "consumes"
	EdgeProduces    EdgeType = "produces"
	EdgeGoverns     EdgeType = "governs"
	EdgeEmits       EdgeType = "emits"
	EdgeLinksTo     EdgeType = "links_to"
	EdgeDependsOn   EdgeType = "depends_on"
	EdgeExplains    EdgeType = "explains"
)

var knownEdgeTypes = map[EdgeType]bool{
	EdgeDerivesFrom: true,
	EdgeConsumes:    true,
	EdgeProduces:    true,
	EdgeGoverns:     true,
	EdgeEmits:       true,
	EdgeLinksTo:     true,
	EdgeDependsOn:   true,
	EdgeExplains:    true,
}

// Valid reports whether t is one of the known edge types.
func (t EdgeType) Valid() bool {
	return knownEdgeTypes[t]
}

// AttrKind is the fixed value-kind enumeration for attribute values.
type AttrKind int

const (
	// AttrString holds a string value.
	AttrString AttrKind = iota

	// AttrNumber holds a float64 value.
	AttrNumber

	// AttrBool holds a boolean value.
	AttrBool

	// AttrMap holds a nested attribute map.
	AttrMap
)

// AttrValue is a typed attribute value.
//
// Description:
//
//	Attributes carry source-specific metadata on nodes and edges. The
//	value kind is explicit: consumers switch on Kind, never on ad hoc
//	field presence. JSON round-trips to the natural JSON value.
type AttrValue struct {
	Kind AttrKind
	Str  string
	Num  float64
	Bool bool
	Map  map[string]AttrValue
}

// StringAttr returns a string-kinded attribute value.
func StringAttr(s string) AttrValue { return AttrValue{Kind: AttrString, Str: s} }

// NumberAttr returns a number-kinded attribute value.
func NumberAttr(n float64) AttrValue { return AttrValue{Kind: AttrNumber, Num: n} }

// BoolAttr returns a bool-kinded attribute value.
func BoolAttr(b bool) AttrValue { return AttrValue{Kind: AttrBool, Bool: b} }

// MapAttr returns a map-kinded attribute value.
func MapAttr(m map[string]AttrValue) AttrValue { return AttrValue{Kind: AttrMap, Map: m} }

// MarshalJSON encodes the value as its natural JSON form.
func (v AttrValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case AttrString:
		return json.Marshal(v.Str)
	case AttrNumber:
		return json.Marshal(v.Num)
	case AttrBool:
		return json.Marshal(v.Bool)
	case AttrMap:
		if v.Map == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Map)
	default:
		return nil, fmt.Errorf("unknown attr kind %d", v.Kind)
	}
}

// UnmarshalJSON decodes a JSON string, number, bool, or object into the
// corresponding attribute kind. Other JSON values (arrays, null) are
// rejected; the attribute bag has a fixed value-kind enumeration.
func (v *AttrValue) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	switch val := raw.(type) {
	case string:
		*v = StringAttr(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return fmt.Errorf("attr number: %w", err)
		}
		*v = NumberAttr(f)
	case bool:
		*v = BoolAttr(val)
	case map[string]any:
		m := make(map[string]AttrValue, len(val))
		for k := range val {
			var nested AttrValue
			sub, err := json.Marshal(val[k])
			if err != nil {
				return err
			}
			if err := nested.UnmarshalJSON(sub); err != nil {
				return fmt.Errorf("attr %q: %w", k, err)
			}
			m[k] = nested
		}
		*v = MapAttr(m)
	default:
		return fmt.Errorf("unsupported attr value %T", raw)
	}
	return nil
}

// CloneAttrs deep-copies an attribute map. Returns nil for nil input.
func CloneAttrs(attrs map[string]AttrValue) map[string]AttrValue {
	if attrs == nil {
		return nil
	}
	out := make(map[string]AttrValue, len(attrs))
	for k, v := range attrs {
		if v.Kind == AttrMap {
			v.Map = CloneAttrs(v.Map)
		}
		out[k] = v
	}
	return out
}

// NodeVersion is one type-2 version record of a node.
type NodeVersion struct {
	// Version is the opaque version string in effect from AsOf onward.
	Version string `json:"version"`

	// AsOf is when this version became effective.
	AsOf time.Time `json:"asOf"`

	// Attrs is the attribute bag carried by this version.
	Attrs map[string]AttrValue `json:"attrs,omitempty"`
}

// Node is a lineage graph node.
//
// The exported fields describe the node's current version. History holds
// every version in effective order, the current one last. History is never
// truncated; node identity is permanent for audit purposes.
type Node struct {
	// ID is the globally unique identifier of the logical entity.
	ID string `json:"id"`

	// Type classifies the artifact.
	Type NodeType `json:"type"`

	// Version is the current opaque version string.
	Version string `json:"version"`

	// AsOf is when the current version became effective.
	AsOf time.Time `json:"asOf"`

	// Attrs is the current attribute bag.
	Attrs map[string]AttrValue `json:"attrs,omitempty"`

	// Synthetic marks placeholder nodes created by the integrity policy
	// (orphan repairs and cycle breakers).
	Synthetic bool `json:"synthetic,omitempty"`

	// History holds all version records in effective order.
	History []NodeVersion `json:"history,omitempty"`
}

// FirstSeen returns the effective time of the node's earliest version.
func (n *Node) FirstSeen() time.Time {
	if len(n.History) == 0 {
		return n.AsOf
	}
	return n.History[0].AsOf
}

// VisibleAt reports whether the node existed at the given instant.
func (n *Node) VisibleAt(asOf time.Time) bool {
	return !n.FirstSeen().After(asOf)
}

// VersionAt returns the version record in effect at the given instant.
//
// Outputs:
//
//	*NodeVersion - The record, or nil if no version was effective yet.
func (n *Node) VersionAt(asOf time.Time) *NodeVersion {
	for i := len(n.History) - 1; i >= 0; i-- {
		if !n.History[i].AsOf.After(asOf) {
			return &n.History[i]
		}
	}
	return nil
}

// clone deep-copies the node.
func (n *Node) clone() *Node {
	out := *n
	out.Attrs = CloneAttrs(n.Attrs)
	if n.History != nil {
		out.History = make([]NodeVersion, len(n.History))
		for i, v := range n.History {
			v.Attrs = CloneAttrs(v.Attrs)
			out.History[i] = v
		}
	}
	return &out
}

// Edge is a directed lineage relationship.
//
// Edges are identified by the (From, To, Type) triple; upserting the same
// triple refreshes Attrs but keeps the original At timestamp, so asOf
// filtering sees the edge from its first commit.
type Edge struct {
	// From is the source node ID.
	From string `json:"from"`

	// To is the target node ID.
	To string `json:"to"`

	// Type is the relationship type.
	Type EdgeType `json:"type"`

	// At is when the edge became valid.
	At time.Time `json:"at"`

	// Attrs is the attribute bag.
	Attrs map[string]AttrValue `json:"attrs,omitempty"`
}

// Key returns the composite identity of the edge.
func (e *Edge) Key() string {
	return EdgeKey(e.From, e.To, e.Type)
}

// EdgeKey builds the composite edge identity for a (from, to, type) triple.
func EdgeKey(from, to string, typ EdgeType) string {
	return from + "->" + to + "#" + string(typ)
}

// clone copies the edge.
func (e *Edge) clone() *Edge {
	out := *e
	out.Attrs = CloneAttrs(e.Attrs)
	return &out
}

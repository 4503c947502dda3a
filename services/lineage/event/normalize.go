// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// versionLength is the hex length of a derived node version string.
const versionLength = 12

// Normalize validates and canonicalizes a raw lineage event.
//
// Description:
//
//	Validates required fields and enumerations, computes the idempotency
//	hash over the canonical event form, and derives the primary node plus
//	the inbound/outbound edge set. Pure function; no side effects.
//
// Inputs:
//
//	raw - The wire-form event.
//
// Outputs:
//
//	*NormalizedEvent - The canonical form. Nil on rejection.
//	error - ErrSchemaInvalid (wrapped with the specific failure) if the
//	        event is malformed. Malformed events are dropped, not retried.
func Normalize(raw RawEvent) (*NormalizedEvent, error) {
	kind := Kind(raw.Event)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown event kind %q", ErrSchemaInvalid, raw.Event)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrSchemaInvalid)
	}
	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q: %v", ErrSchemaInvalid, raw.Timestamp, err)
	}

	for i, ref := range raw.Inputs {
		if ref.Target() == "" {
			return nil, fmt.Errorf("%w: input %d has no id", ErrSchemaInvalid, i)
		}
		if !graph.NodeType(ref.RefType).Valid() {
			return nil, fmt.Errorf("%w: input %d refType %q", ErrSchemaInvalid, i, ref.RefType)
		}
	}
	for i, ref := range raw.Outputs {
		if ref.Target() == "" {
			return nil, fmt.Errorf("%w: output %d has no id or path", ErrSchemaInvalid, i)
		}
		if !graph.NodeType(ref.RefType).Valid() {
			return nil, fmt.Errorf("%w: output %d refType %q", ErrSchemaInvalid, i, ref.RefType)
		}
	}

	hash, err := CanonicalHash(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalize: %v", ErrSchemaInvalid, err)
	}

	nodeType := kind.NodeType()
	ev := &NormalizedEvent{
		Kind:      kind,
		Hash:      hash,
		Timestamp: ts.UTC(),
		Source:    raw.Source,
		NodeID:    raw.ID,
		NodeType:  nodeType,
		Version:   hash[:versionLength],
		Attrs:     buildAttrs(raw),
		Raw:       raw,
	}

	for _, ref := range raw.Inputs {
		refType := graph.NodeType(ref.RefType)
		ev.Inbound = append(ev.Inbound, EdgeSpec{
			From:       ref.Target(),
			To:         raw.ID,
			Type:       InferEdgeType(refType, nodeType),
			FarID:      ref.Target(),
			FarRefType: refType,
		})
	}
	for _, ref := range raw.Outputs {
		refType := graph.NodeType(ref.RefType)
		ev.Outbound = append(ev.Outbound, EdgeSpec{
			From:       raw.ID,
			To:         ref.Target(),
			Type:       inferOutboundEdgeType(nodeType, refType),
			FarID:      ref.Target(),
			FarRefType: refType,
		})
	}

	return ev, nil
}

// CanonicalHash computes the content-addressed idempotency hash of an event.
//
// Description:
//
//	Hashes the canonical JSON form: struct field order is fixed by the
//	RawEvent declaration and encoding/json sorts map keys, so two events
//	with identical content always produce identical bytes. The hash is
//	the dedup key consulted before appending to the log.
func CanonicalHash(raw RawEvent) (string, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// buildAttrs merges tags and source into the node attribute bag.
func buildAttrs(raw RawEvent) map[string]graph.AttrValue {
	if len(raw.Tags) == 0 && raw.Source == "" {
		return nil
	}
	attrs := make(map[string]graph.AttrValue, len(raw.Tags)+1)
	for k, v := range raw.Tags {
		attrs[k] = v
	}
	if raw.Source != "" {
		attrs["source"] = graph.StringAttr(raw.Source)
	}
	return attrs
}

// InferEdgeType types an inbound edge from the input's declared refType and
// the node type the event registers.
//
// The mapping is deterministic: data-shaped inputs into a same-or-richer
// data artifact derive; data into compute is consumed; governance inputs
// govern; models emit decisions; decision inputs explain; everything else
// depends_on.
func InferEdgeType(inputRefType, nodeType graph.NodeType) graph.EdgeType {
	switch inputRefType {
	case graph.NodePolicy, graph.NodeGuard, graph.NodeFlag:
		return graph.EdgeGoverns
	case graph.NodeDecision:
		return graph.EdgeExplains
	case graph.NodeEvent, graph.NodeExperiment:
		return graph.EdgeLinksTo
	}

	switch {
	case inputRefType == graph.NodeDataset && nodeType == graph.NodeDataset,
		inputRefType == graph.NodeDataset && nodeType == graph.NodeFeature,
		inputRefType == graph.NodeFeature && nodeType == graph.NodeFeature:
		return graph.EdgeDerivesFrom
	case nodeType == graph.NodeModel || nodeType == graph.NodeJob:
		return graph.EdgeConsumes
	case inputRefType == graph.NodeModel && nodeType == graph.NodeDecision:
		return graph.EdgeEmits
	}
	return graph.EdgeDependsOn
}

// inferOutboundEdgeType types an outbound edge from the node type to the
// output's declared refType.
func inferOutboundEdgeType(nodeType, outputRefType graph.NodeType) graph.EdgeType {
	switch {
	case outputRefType == graph.NodeEvent:
		return graph.EdgeEmits
	case nodeType == graph.NodeDecision:
		return graph.EdgeExplains
	case nodeType == graph.NodeJob || nodeType == graph.NodeModel || nodeType == graph.NodeDataset:
		return graph.EdgeProduces
	}
	return graph.EdgeLinksTo
}

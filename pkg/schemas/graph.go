// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schemas

// Concept is a named entity extracted from a turn, scoped to one
// session. Concepts are deduplicated by lower(trim(canonical_name)).
type Concept struct {
	NodeID          string   `json:"node_id"`
	CanonicalName   string   `json:"canonical_name"`
	Aliases         []string `json:"aliases"`
	Domain          string   `json:"domain"`
	Confidence      float64  `json:"confidence"`
	EvidenceTurnIDs []string `json:"evidence_turn_ids"`
}

// NewConcept builds a concept with a fresh node id and the contract
// defaults (domain "general", confidence 0.5).
func NewConcept(canonicalName string) Concept {
	return Concept{
		NodeID:          NewID("node"),
		CanonicalName:   canonicalName,
		Aliases:         []string{},
		Domain:          "general",
		Confidence:      0.5,
		EvidenceTurnIDs: []string{},
	}
}

// Relation is a typed directed edge between two concepts in the same
// session scope. Deduplicated by (source, target, relation_type).
type Relation struct {
	EdgeID          string       `json:"edge_id"`
	SourceNodeID    string       `json:"source_node_id"`
	TargetNodeID    string       `json:"target_node_id"`
	RelationType    RelationType `json:"relation_type"`
	Confidence      float64      `json:"confidence"`
	EvidenceTurnIDs []string     `json:"evidence_turn_ids"`
}

// NewRelation builds a relation with a fresh edge id.
func NewRelation(sourceNodeID, targetNodeID string, relationType RelationType) Relation {
	return Relation{
		EdgeID:          NewID("edge"),
		SourceNodeID:    sourceNodeID,
		TargetNodeID:    targetNodeID,
		RelationType:    relationType,
		Confidence:      0.5,
		EvidenceTurnIDs: []string{},
	}
}

// GraphUpsertRequest merges a batch of concepts and relations into a
// session graph.
type GraphUpsertRequest struct {
	TenantID  string     `json:"tenant_id"`
	SessionID string     `json:"session_id" binding:"required"`
	Concepts  []Concept  `json:"concepts"`
	Relations []Relation `json:"relations"`
}

// GraphUpsertResponse carries the merge counters for one upsert call.
type GraphUpsertResponse struct {
	TenantID    string `json:"tenant_id"`
	SessionID   string `json:"session_id"`
	AddedNodes  int    `json:"added_nodes"`
	MergedNodes int    `json:"merged_nodes"`
	AddedEdges  int    `json:"added_edges"`
	MergedEdges int    `json:"merged_edges"`
}

// GraphSnapshot is a point-in-time copy of a session graph.
type GraphSnapshot struct {
	TenantID  string     `json:"tenant_id"`
	SessionID string     `json:"session_id"`
	Concepts  []Concept  `json:"concepts"`
	Relations []Relation `json:"relations"`
}

// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store implements the per-session knowledge graph repository.
//
// # Description
//
// The repository keeps one graph per (tenant, session) scope. Upserts
// merge rather than overwrite: concepts are deduplicated by normalized
// canonical name, relations by (source, target, type) after remapping
// their endpoints onto canonical node ids. Merging unions alias and
// evidence sets and keeps the maximum confidence, which makes upserts
// idempotent and commutative over sets of contributions.
//
// # Thread Safety
//
// Writes are serialized per scope with an exclusive lock; reads return
// deep-copied snapshots so callers never observe concurrent mutation.
package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Esoteriker/openTree/pkg/schemas"
)

// Repository is the pluggable graph storage contract.
type Repository interface {
	// Upsert merges one payload into the scoped session graph and
	// reports how many entities were added versus merged.
	Upsert(payload schemas.GraphUpsertRequest) schemas.GraphUpsertResponse

	// Snapshot returns a deep copy of the scoped graph, or false when
	// the scope has never been written.
	Snapshot(tenantID, sessionID string) (schemas.GraphSnapshot, bool)

	// IsReady reports backend liveness for the /ready endpoint.
	IsReady() (bool, string)
}

// NewRepository selects a repository backend by name. Only "memory" is
// implemented; unknown names are a configuration error.
func NewRepository(backend string) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unknown graph backend %q", backend)
	}
}

// relationKey deduplicates edges after endpoint remapping.
type relationKey struct {
	src     string
	dst     string
	relType string
}

// sessionGraph holds one scope's entities behind its own lock.
type sessionGraph struct {
	mu        sync.Mutex
	concepts  map[string]*schemas.Concept
	relations map[relationKey]*schemas.Relation
}

// MemoryRepository is the in-memory Repository used by default and in
// tests. Scopes are created lazily on first upsert.
type MemoryRepository struct {
	mu     sync.Mutex
	scopes map[string]*sessionGraph
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{scopes: make(map[string]*sessionGraph)}
}

func scopeKey(tenantID, sessionID string) string {
	return tenantID + ":" + sessionID
}

// normalizeName is the concept identity key. Concepts whose canonical
// name normalizes to the empty string are skipped by Upsert.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// scope returns the session graph for the key, creating it when create
// is set.
func (r *MemoryRepository) scope(key string, create bool) *sessionGraph {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.scopes[key]
	if !ok && create {
		g = &sessionGraph{
			concepts:  make(map[string]*schemas.Concept),
			relations: make(map[relationKey]*schemas.Relation),
		}
		r.scopes[key] = g
	}
	return g
}

// Upsert merges the payload into its scope.
//
// # Description
//
// Concepts are matched by normalized canonical name. A match unions
// aliases and evidence turn ids (sorted, deduplicated), keeps the
// maximum confidence, and records an id remap from the incoming node
// id to the canonical one. Relations are rewritten through that remap
// before deduplication on (source, target, type); a relation whose
// endpoint did not resolve to a canonical id is dropped.
//
// # Inputs
//
//   - payload: Upsert request with tenant and session already resolved.
//
// # Outputs
//
//   - schemas.GraphUpsertResponse: Added/merged counters for the call.
func (r *MemoryRepository) Upsert(payload schemas.GraphUpsertRequest) schemas.GraphUpsertResponse {
	g := r.scope(scopeKey(payload.TenantID, payload.SessionID), true)
	g.mu.Lock()
	defer g.mu.Unlock()

	idMap := make(map[string]string, len(payload.Concepts))
	addedNodes := 0
	mergedNodes := 0
	for _, concept := range payload.Concepts {
		key := normalizeName(concept.CanonicalName)
		if key == "" {
			continue
		}
		if existing, ok := g.concepts[key]; ok {
			mergedNodes++
			existing.Aliases = sortedUnion(existing.Aliases, concept.Aliases)
			existing.EvidenceTurnIDs = sortedUnion(existing.EvidenceTurnIDs, concept.EvidenceTurnIDs)
			if concept.Confidence > existing.Confidence {
				existing.Confidence = concept.Confidence
			}
			idMap[concept.NodeID] = existing.NodeID
		} else {
			addedNodes++
			stored := copyConcept(concept)
			g.concepts[key] = &stored
			idMap[concept.NodeID] = concept.NodeID
		}
	}

	addedEdges := 0
	mergedEdges := 0
	for _, relation := range payload.Relations {
		srcID, srcOK := idMap[relation.SourceNodeID]
		dstID, dstOK := idMap[relation.TargetNodeID]
		if !srcOK || !dstOK || srcID == "" || dstID == "" {
			continue
		}

		key := relationKey{src: srcID, dst: dstID, relType: string(relation.RelationType)}
		if existing, ok := g.relations[key]; ok {
			mergedEdges++
			if relation.Confidence > existing.Confidence {
				existing.Confidence = relation.Confidence
			}
			existing.EvidenceTurnIDs = sortedUnion(existing.EvidenceTurnIDs, relation.EvidenceTurnIDs)
		} else {
			addedEdges++
			stored := copyRelation(relation)
			stored.SourceNodeID = srcID
			stored.TargetNodeID = dstID
			g.relations[key] = &stored
		}
	}

	return schemas.GraphUpsertResponse{
		TenantID:    payload.TenantID,
		SessionID:   payload.SessionID,
		AddedNodes:  addedNodes,
		MergedNodes: mergedNodes,
		AddedEdges:  addedEdges,
		MergedEdges: mergedEdges,
	}
}

// Snapshot deep-copies the scoped graph in deterministic order:
// concepts sorted by normalized canonical name, relations by
// (source, target, type).
func (r *MemoryRepository) Snapshot(tenantID, sessionID string) (schemas.GraphSnapshot, bool) {
	g := r.scope(scopeKey(tenantID, sessionID), false)
	if g == nil {
		return schemas.GraphSnapshot{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	conceptKeys := make([]string, 0, len(g.concepts))
	for key := range g.concepts {
		conceptKeys = append(conceptKeys, key)
	}
	sort.Strings(conceptKeys)

	concepts := make([]schemas.Concept, 0, len(conceptKeys))
	for _, key := range conceptKeys {
		concepts = append(concepts, copyConcept(*g.concepts[key]))
	}

	relationKeys := make([]relationKey, 0, len(g.relations))
	for key := range g.relations {
		relationKeys = append(relationKeys, key)
	}
	sort.Slice(relationKeys, func(i, j int) bool {
		a, b := relationKeys[i], relationKeys[j]
		if a.src != b.src {
			return a.src < b.src
		}
		if a.dst != b.dst {
			return a.dst < b.dst
		}
		return a.relType < b.relType
	})

	relations := make([]schemas.Relation, 0, len(relationKeys))
	for _, key := range relationKeys {
		relations = append(relations, copyRelation(*g.relations[key]))
	}

	return schemas.GraphSnapshot{
		TenantID:  tenantID,
		SessionID: sessionID,
		Concepts:  concepts,
		Relations: relations,
	}, true
}

// IsReady always succeeds for the in-memory backend.
func (r *MemoryRepository) IsReady() (bool, string) {
	return true, "memory graph repository ready"
}

// sortedUnion merges two string sets into a sorted slice. The result is
// never nil so snapshots marshal as [] rather than null.
func sortedUnion(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		seen[v] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func copyConcept(c schemas.Concept) schemas.Concept {
	c.Aliases = append([]string{}, c.Aliases...)
	c.EvidenceTurnIDs = append([]string{}, c.EvidenceTurnIDs...)
	return c
}

func copyRelation(rel schemas.Relation) schemas.Relation {
	rel.EvidenceTurnIDs = append([]string{}, rel.EvidenceTurnIDs...)
	return rel
}

var _ Repository = (*MemoryRepository)(nil)

// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backends

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/Esoteriker/openTree/pkg/schemas"
)

const (
	phraseConfidence   = 0.72
	tokenConfidence    = 0.58
	relationConfidence = 0.6
	corefConfidence    = 0.67

	minTokenLength = 5
	memoryCapacity = 50
)

var (
	// Capitalized multi-word phrases ("Gradient Descent") are the
	// strongest concept signal.
	phrasePattern = regexp.MustCompile(`(?:[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+)`)

	tokenPattern   = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_\-]{2,}`)
	pronounPattern = regexp.MustCompile(`\b(this|that|it|they|these|those)\b`)
)

var tokenStopwords = map[string]struct{}{
	"what": {}, "when": {}, "where": {}, "which": {}, "with": {},
	"that": {}, "this": {}, "from": {}, "into": {},
}

// Relation markers are plain substring matches checked in priority
// order: causal beats chronology beats contrast beats dependency beats
// definition. "is" intentionally matches inside longer words.
var relationMarkers = []struct {
	relationType schemas.RelationType
	markers      []string
}{
	{schemas.RelationCausal, []string{"because", "leads to", "causes"}},
	{schemas.RelationChronology, []string{"before", "after", "then"}},
	{schemas.RelationContrast, []string{"however", "while", "in contrast"}},
	{schemas.RelationDependency, []string{"depends on", "require"}},
	{schemas.RelationDefinition, []string{"is", "means"}},
}

// HeuristicBackend extracts entities with regex and marker matching.
// It remembers the concept names seen per tenant/session scope so
// pronouns can resolve to the most recent concept of earlier turns.
type HeuristicBackend struct {
	mu     sync.Mutex
	memory map[string][]string
}

// NewHeuristic creates a heuristic backend with empty memory.
func NewHeuristic() *HeuristicBackend {
	return &HeuristicBackend{memory: make(map[string][]string)}
}

func memoryKey(tenantID, sessionID string) string {
	return tenantID + ":" + sessionID
}

// ParseTurn extracts entities from the payload's turn and then records
// this turn's concept names in session memory for later coreference.
func (b *HeuristicBackend) ParseTurn(_ context.Context, payload schemas.ParseTurnRequest) schemas.ParseTurnResponse {
	turn := payload.Turn
	concepts := b.extractConcepts(turn.Content, turn.TurnID)
	relations := b.extractRelations(turn.Content, concepts, turn.TurnID)
	coreferences := b.resolveCoreferences(payload.TenantID, payload.SessionID, turn.Content)
	gaps := b.buildGaps(payload.SessionID, turn.Content, concepts, coreferences)

	if len(concepts) > 0 {
		b.remember(payload.TenantID, payload.SessionID, concepts)
	}

	return schemas.ParseTurnResponse{
		TenantID:      payload.TenantID,
		SessionID:     payload.SessionID,
		TurnID:        turn.TurnID,
		Concepts:      concepts,
		Relations:     relations,
		Coreferences:  coreferences,
		KnowledgeGaps: gaps,
	}
}

// extractConcepts finds capitalized phrases first, then long tokens,
// deduplicating case-insensitively across both passes.
func (b *HeuristicBackend) extractConcepts(text, turnID string) []schemas.Concept {
	concepts := make([]schemas.Concept, 0, 8)
	seen := make(map[string]struct{})

	for _, phrase := range phrasePattern.FindAllString(text, -1) {
		key := strings.ToLower(phrase)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		concept := schemas.NewConcept(phrase)
		concept.Confidence = phraseConfidence
		concept.EvidenceTurnIDs = []string{turnID}
		concepts = append(concepts, concept)
	}

	for _, token := range tokenPattern.FindAllString(text, -1) {
		low := strings.ToLower(token)
		if _, ok := seen[low]; ok {
			continue
		}
		if _, ok := tokenStopwords[low]; ok {
			continue
		}
		if len(low) < minTokenLength {
			continue
		}
		seen[low] = struct{}{}
		concept := schemas.NewConcept(token)
		concept.Confidence = tokenConfidence
		concept.EvidenceTurnIDs = []string{turnID}
		concepts = append(concepts, concept)
	}

	return concepts
}

// extractRelations links the first two concepts when the text carries
// a relation marker.
func (b *HeuristicBackend) extractRelations(text string, concepts []schemas.Concept, turnID string) []schemas.Relation {
	relations := make([]schemas.Relation, 0, 1)
	if len(concepts) < 2 {
		return relations
	}

	low := strings.ToLower(text)
	for _, group := range relationMarkers {
		for _, marker := range group.markers {
			if !strings.Contains(low, marker) {
				continue
			}
			relation := schemas.NewRelation(concepts[0].NodeID, concepts[1].NodeID, group.relationType)
			relation.Confidence = relationConfidence
			relation.EvidenceTurnIDs = []string{turnID}
			return append(relations, relation)
		}
	}

	return relations
}

// resolveCoreferences maps every pronoun mention in the text to the
// most recent remembered concept name. Mentions stay unresolved on a
// first turn because memory only holds earlier turns.
func (b *HeuristicBackend) resolveCoreferences(tenantID, sessionID, text string) []schemas.Coreference {
	coreferences := make([]schemas.Coreference, 0, 2)

	mentions := pronounPattern.FindAllString(strings.ToLower(text), -1)
	if len(mentions) == 0 {
		return coreferences
	}

	b.mu.Lock()
	memory := b.memory[memoryKey(tenantID, sessionID)]
	var antecedent string
	if len(memory) > 0 {
		antecedent = memory[len(memory)-1]
	}
	b.mu.Unlock()

	if antecedent == "" {
		return coreferences
	}

	for _, mention := range mentions {
		coreferences = append(coreferences, schemas.Coreference{
			Mention:    mention,
			ResolvedTo: antecedent,
			Confidence: corefConfidence,
		})
	}
	return coreferences
}

func (b *HeuristicBackend) buildGaps(sessionID, text string, concepts []schemas.Concept, coreferences []schemas.Coreference) []schemas.KnowledgeGap {
	gaps := make([]schemas.KnowledgeGap, 0, 3)
	low := strings.ToLower(text)

	if pronounPattern.MatchString(low) && len(coreferences) == 0 {
		gaps = append(gaps, schemas.NewKnowledgeGap(sessionID, schemas.GapAmbiguousReference, 3,
			"Pronoun reference is unresolved in current context."))
	}

	if strings.Contains(text, "?") && len(concepts) <= 1 {
		gaps = append(gaps, schemas.NewKnowledgeGap(sessionID, schemas.GapMissingPrerequisite, 2,
			"Question appears underspecified; prerequisite concepts are missing."))
	}

	if len(concepts) >= 3 && !strings.Contains(low, "because") && strings.Contains(low, "why") {
		gaps = append(gaps, schemas.NewKnowledgeGap(sessionID, schemas.GapWeakEvidence, 1,
			"Claim includes multiple concepts but little explicit evidence linkage."))
	}

	return gaps
}

// remember appends this turn's concept names to session memory,
// keeping only the most recent entries.
func (b *HeuristicBackend) remember(tenantID, sessionID string, concepts []schemas.Concept) {
	names := make([]string, 0, len(concepts))
	for _, c := range concepts {
		names = append(names, c.CanonicalName)
	}

	key := memoryKey(tenantID, sessionID)

	b.mu.Lock()
	defer b.mu.Unlock()

	memory := append(b.memory[key], names...)
	if len(memory) > memoryCapacity {
		memory = memory[len(memory)-memoryCapacity:]
	}
	b.memory[key] = memory
}

var _ Backend = (*HeuristicBackend)(nil)

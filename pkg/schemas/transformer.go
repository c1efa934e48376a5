// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schemas

// Transformer inference wire contract. The parser's transformer
// backend POSTs an InferParseRequest to the inference endpoint and
// maps the InferParseResponse back onto graph node ids; the mock
// inference service implements the server side.
//
// Names here are model-facing: concepts and relation endpoints are
// canonical names, not node ids.

// InferConcept is a concept extracted by the model.
type InferConcept struct {
	CanonicalName string   `json:"canonical_name"`
	Aliases       []string `json:"aliases,omitempty"`
	Domain        string   `json:"domain,omitempty"`
	Confidence    float64  `json:"confidence"`
}

// InferRelation links two concepts by canonical name.
type InferRelation struct {
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	RelationType string  `json:"relation_type"`
	Confidence   float64 `json:"confidence"`
}

// InferCoreference resolves a mention to its antecedent.
type InferCoreference struct {
	Mention    string  `json:"mention"`
	ResolvedTo string  `json:"resolved_to"`
	Confidence float64 `json:"confidence"`
}

// InferGap is a knowledge gap flagged by the model.
type InferGap struct {
	GapType     string `json:"gap_type"`
	Priority    int    `json:"priority"`
	Description string `json:"description"`
}

// InferParseRequest asks the model to parse one turn in context.
type InferParseRequest struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	Turn      Turn   `json:"turn" binding:"required"`
	History   []Turn `json:"history"`
}

// InferParseResponse is the model's extraction plus a banner
// identifying which model produced it.
type InferParseResponse struct {
	Model         string             `json:"model,omitempty"`
	Version       string             `json:"version,omitempty"`
	Concepts      []InferConcept     `json:"concepts"`
	Relations     []InferRelation    `json:"relations"`
	Coreferences  []InferCoreference `json:"coreferences"`
	KnowledgeGaps []InferGap         `json:"knowledge_gaps"`
}

// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package schemas

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

// RelationType classifies a directed edge between two concepts.
type RelationType string

const (
	RelationCausal     RelationType = "causal"
	RelationChronology RelationType = "chronology"
	RelationContrast   RelationType = "contrast"
	RelationDependency RelationType = "dependency"
	RelationDefinition RelationType = "definition"
	RelationExample    RelationType = "example"
)

// ParseRelationType maps a wire value to a RelationType. The second
// return is false when the value is not a known relation type.
func ParseRelationType(s string) (RelationType, bool) {
	switch RelationType(s) {
	case RelationCausal, RelationChronology, RelationContrast,
		RelationDependency, RelationDefinition, RelationExample:
		return RelationType(s), true
	}
	return "", false
}

// GapType classifies a detected knowledge gap.
type GapType string

const (
	GapMissingPrerequisite GapType = "missing_prerequisite"
	GapWeakEvidence        GapType = "weak_evidence"
	GapAmbiguousReference  GapType = "ambiguous_reference"
	GapUnresolvedBranch    GapType = "unresolved_branch"
)

// ParseGapType maps a wire value to a GapType. The second return is
// false when the value is not a known gap type.
func ParseGapType(s string) (GapType, bool) {
	switch GapType(s) {
	case GapMissingPrerequisite, GapWeakEvidence,
		GapAmbiguousReference, GapUnresolvedBranch:
		return GapType(s), true
	}
	return "", false
}

// AsyncJobStatus is the lifecycle state of an async turn job.
// Transitions are monotonic: queued -> processing -> {completed, failed}.
type AsyncJobStatus string

const (
	JobQueued     AsyncJobStatus = "queued"
	JobProcessing AsyncJobStatus = "processing"
	JobCompleted  AsyncJobStatus = "completed"
	JobFailed     AsyncJobStatus = "failed"
)

// Terminal reports whether the status is one of the sticky end states.
func (s AsyncJobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package schemas provides the shared domain model for the openTree
// services: sessions, turns, extracted graph entities, knowledge gaps,
// suggestions, and the async job lifecycle.
//
// Every identifier in the system is an opaque string of the form
// <prefix>_<12 hex chars> (sess_, turn_, node_, edge_, gap_, job_).
// Timestamps are UTC with millisecond resolution.
//
// The types here are the wire contract between the dialogue, parser,
// graph, and suggestion services; field names are stable.
package schemas

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns an opaque identifier of the form <prefix>_<12-hex>.
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// UTCNow returns the current time in UTC truncated to millisecond
// resolution, which is the precision the wire contract guarantees.
func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

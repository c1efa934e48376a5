// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package backends implements the parser extraction backends.
//
// The heuristic backend is pure string matching and always available.
// The transformer backend delegates to an external inference endpoint
// and falls back to the heuristic whenever the model call fails or
// returns no concepts, so a parse request never errors on model
// trouble.
package backends

import (
	"context"
	"strings"
	"time"

	"github.com/Esoteriker/openTree/pkg/schemas"
)

// Backend extracts graph entities from one dialogue turn.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the HTTP handler
// calls ParseTurn from many goroutines.
type Backend interface {
	// ParseTurn extracts concepts, relations, coreferences, and
	// knowledge gaps from the payload's turn. It never fails; backends
	// with external dependencies degrade to the heuristic instead.
	ParseTurn(ctx context.Context, payload schemas.ParseTurnRequest) schemas.ParseTurnResponse
}

// Build selects a backend. "transformer" with a non-empty inference
// URL gets the transformer backend with a heuristic fallback; anything
// else gets the heuristic.
func Build(backendName, inferenceURL string, timeout time.Duration) Backend {
	heuristic := NewHeuristic()
	if strings.ToLower(backendName) == "transformer" && inferenceURL != "" {
		return NewTransformer(inferenceURL, timeout, heuristic)
	}
	return heuristic
}

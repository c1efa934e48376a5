// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command opentree launches the openTree conversational knowledge
// graph services.
//
// Each service reads its configuration from environment variables; an
// optional YAML file passed with --config overrides individual values
// on top of the environment.
//
// # Environment Variables
//
//   - DIALOGUE_SERVICE_PORT / PARSER_SERVICE_PORT / GRAPH_SERVICE_PORT /
//     SUGGESTION_SERVICE_PORT / INFERENCE_SERVICE_PORT: listen ports
//     (defaults: 8101-8105)
//   - AUTH_MODE: none, api_key, or jwt (default: none)
//   - EVENT_BUS_BACKEND: inmemory or redis (default: inmemory)
//   - SESSION_STORE_BACKEND: memory or postgres (default: memory)
//   - JOB_STORE_BACKEND: memory, redis, or badger (default: memory)
//   - ASYNC_PIPELINE_ENABLED: enable the event-driven turn pipeline
//   - CONTENT_ENCRYPTION_KEY: 64 hex chars; empty stores plaintext
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//
// # Usage
//
//	# Build
//	go build -o opentree ./cmd/opentree
//
//	# Run one service
//	./opentree serve dialogue
//
//	# Run the full stack in one process (development)
//	./opentree serve all
//
//	# Generate a content encryption key
//	./opentree keygen
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

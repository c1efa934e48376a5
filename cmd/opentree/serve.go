// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Esoteriker/openTree/pkg/config"
	"github.com/Esoteriker/openTree/pkg/crypto"
	"github.com/Esoteriker/openTree/pkg/eventbus"
	"github.com/Esoteriker/openTree/pkg/logging"
	"github.com/Esoteriker/openTree/pkg/persistence"
	"github.com/Esoteriker/openTree/pkg/security"
	"github.com/Esoteriker/openTree/services/dialogue"
	"github.com/Esoteriker/openTree/services/graph"
	"github.com/Esoteriker/openTree/services/inference"
	"github.com/Esoteriker/openTree/services/parser"
	"github.com/Esoteriker/openTree/services/suggestion"
)

// runnable is the lifecycle surface every service package exposes.
type runnable interface {
	Run() error
}

// allServices is the startup order for `serve all`: downstream
// services first so the dialogue orchestrator's dependencies are
// listening before it accepts traffic.
var allServices = []string{"inference", "parser", "graph", "suggestion", "dialogue"}

func runServe(cmd *cobra.Command, args []string) {
	settings := config.Load()
	if configFile != "" {
		if err := applyOverlay(&settings, configFile); err != nil {
			log.Fatalf("Error loading config file %s: %v", configFile, err)
		}
	}

	names := []string{args[0]}
	logService := args[0]
	if args[0] == "all" {
		names = allServices
		logService = "opentree"
	}

	jsonLogs := !isatty.IsTerminal(os.Stderr.Fd())
	if logJSON {
		jsonLogs = true
	}
	if logText {
		jsonLogs = false
	}
	stopLogging := logging.Setup(logService, settings.LogLevel, jsonLogs)
	defer stopLogging()

	services := make(map[string]runnable, len(names))
	for _, name := range names {
		svc, err := buildService(name, settings)
		if err != nil {
			log.Fatalf("Error creating %s service: %v", name, err)
		}
		services[name] = svc
	}

	var g errgroup.Group
	for _, name := range names {
		name := name
		svc := services[name]
		g.Go(func() error {
			if err := svc.Run(); err != nil {
				slog.Error("Service stopped", "service", name, "error", err)
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Serve error: %v", err)
	}
}

// buildService wires the backends selected by the settings into the
// named service. The dialogue orchestrator gets real stores, the event
// bus, and the content cipher; the stateless services only need the
// shared authenticator.
func buildService(name string, settings config.Settings) (runnable, error) {
	auth := security.NewAuthenticator(settings)

	switch name {
	case "dialogue":
		sessions, err := persistence.NewSessionStore(settings)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		jobs, err := persistence.NewJobStore(settings)
		if err != nil {
			return nil, fmt.Errorf("job store: %w", err)
		}
		bus, err := eventbus.New(settings)
		if err != nil {
			return nil, fmt.Errorf("event bus: %w", err)
		}
		cipher, err := crypto.NewContentCipher(settings.ContentEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("content cipher: %w", err)
		}
		return dialogue.New(dialogue.FromSettings(settings), &dialogue.Options{
			Sessions: sessions,
			Jobs:     jobs,
			Bus:      bus,
			Cipher:   cipher,
			Auth:     auth,
		})
	case "parser":
		return parser.New(parser.FromSettings(settings), &parser.Options{Auth: auth})
	case "graph":
		return graph.New(graph.FromSettings(settings), &graph.Options{Auth: auth})
	case "suggestion":
		return suggestion.New(suggestion.FromSettings(settings), &suggestion.Options{Auth: auth})
	case "inference":
		return inference.New(inference.FromSettings(settings), nil)
	default:
		return nil, fmt.Errorf("unknown service %q", name)
	}
}

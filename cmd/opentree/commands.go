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

	"github.com/spf13/cobra"

	"github.com/Esoteriker/openTree/pkg/crypto"
)

var (
	configFile string
	logJSON    bool
	logText    bool

	rootCmd = &cobra.Command{
		Use:   "opentree",
		Short: "Run and administer the openTree conversational knowledge graph services",
		Long: `openTree turns conversations into per-session knowledge graphs.
The serve command starts one service (or all of them) configured from
the environment, optionally overlaid with a YAML file.`,
	}

	serveCmd = &cobra.Command{
		Use:       "serve [service]",
		Short:     "Start a service: dialogue, parser, graph, suggestion, inference, or all",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"dialogue", "parser", "graph", "suggestion", "inference", "all"},
		Run:       runServe, // Defined in serve.go
	}

	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh content encryption key (for CONTENT_ENCRYPTION_KEY)",
		Run:   runKeygen,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to a YAML file overriding individual environment settings")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&logJSON, "log-json", false,
		"Force JSON log output (default: JSON when stderr is not a terminal)")
	serveCmd.Flags().BoolVar(&logText, "log-text", false,
		"Force human-readable log output")

	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) {
	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatalf("Error generating key: %v", err)
	}
	// Bare key on stdout so it can be piped into an env file.
	fmt.Println(key)
}

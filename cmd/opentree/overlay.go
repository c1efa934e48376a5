// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Esoteriker/openTree/pkg/config"
)

// overlay mirrors the settings an operator typically pins in a config
// file. Every field is a pointer: only keys present in the file
// override the environment. Credentials and the content encryption
// key are environment-only.
type overlay struct {
	DialoguePort   *int `yaml:"dialogue_port"`
	ParserPort     *int `yaml:"parser_port"`
	GraphPort      *int `yaml:"graph_port"`
	SuggestionPort *int `yaml:"suggestion_port"`
	InferencePort  *int `yaml:"inference_port"`

	ParserServiceURL     *string `yaml:"parser_service_url"`
	GraphServiceURL      *string `yaml:"graph_service_url"`
	SuggestionServiceURL *string `yaml:"suggestion_service_url"`

	DefaultTenantID *string `yaml:"default_tenant_id"`
	AuthMode        *string `yaml:"auth_mode"`

	ParserBackend *string `yaml:"parser_backend"`
	GraphBackend  *string `yaml:"graph_backend"`

	EventBusBackend      *string `yaml:"event_bus_backend"`
	RedisURL             *string `yaml:"redis_url"`
	AsyncPipelineEnabled *bool   `yaml:"async_pipeline_enabled"`

	SessionStoreBackend *string `yaml:"session_store_backend"`
	JobStoreBackend     *string `yaml:"job_store_backend"`
	PostgresDSN         *string `yaml:"postgres_dsn"`
	BadgerJobDir        *string `yaml:"badger_job_dir"`

	OTelEndpoint *string `yaml:"otel_endpoint"`
	LogLevel     *string `yaml:"log_level"`
}

// applyOverlay layers the YAML file at path over the environment-built
// settings.
func applyOverlay(settings *config.Settings, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var o overlay
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	o.apply(settings)
	return nil
}

func (o overlay) apply(s *config.Settings) {
	setInt(&s.DialoguePort, o.DialoguePort)
	setInt(&s.ParserPort, o.ParserPort)
	setInt(&s.GraphPort, o.GraphPort)
	setInt(&s.SuggestionPort, o.SuggestionPort)
	setInt(&s.InferencePort, o.InferencePort)

	setString(&s.ParserServiceURL, o.ParserServiceURL)
	setString(&s.GraphServiceURL, o.GraphServiceURL)
	setString(&s.SuggestionServiceURL, o.SuggestionServiceURL)

	setString(&s.DefaultTenantID, o.DefaultTenantID)
	setString(&s.AuthMode, o.AuthMode)

	setString(&s.ParserBackend, o.ParserBackend)
	setString(&s.GraphBackend, o.GraphBackend)

	setString(&s.EventBusBackend, o.EventBusBackend)
	setString(&s.RedisURL, o.RedisURL)
	if o.AsyncPipelineEnabled != nil {
		s.AsyncPipelineEnabled = *o.AsyncPipelineEnabled
	}

	setString(&s.SessionStoreBackend, o.SessionStoreBackend)
	setString(&s.JobStoreBackend, o.JobStoreBackend)
	setString(&s.PostgresDSN, o.PostgresDSN)
	setString(&s.BadgerJobDir, o.BadgerJobDir)

	setString(&s.OTelEndpoint, o.OTelEndpoint)
	setString(&s.LogLevel, o.LogLevel)
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

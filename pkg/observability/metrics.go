// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and request instrumentation for
// the openTree services.
//
// # Description
//
// This package implements Prometheus metrics shared by all services.
// Metrics include:
//   - HTTP request counters and latency histograms (by service, route, status)
//   - Sync pipeline stage counters and latencies (parse, graph, suggest)
//   - Async job outcomes and retry attempts
//   - Event bus publish/consume counters
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint on every service. Use with
// Prometheus + Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "opentree"

// Subsystems group related metrics
const (
	httpSubsystem     = "http"
	pipelineSubsystem = "pipeline"
	eventsSubsystem   = "events"
)

// Metrics holds all Prometheus metrics for the openTree services.
//
// # Description
//
// Provides counters and histograms for monitoring request handling, the
// sync turn pipeline, and the async worker. Obtain the shared instance
// via Init(); all services in a process record into the same registry.
//
// # Fields
//
//   - RequestsTotal: Counter of HTTP requests by service, route, and status
//   - RequestDurationSeconds: Histogram of HTTP request latency
//   - PipelineCallsTotal: Counter of downstream pipeline calls by stage
//   - PipelineStageDurationSeconds: Histogram of pipeline stage latency
//   - AsyncJobsTotal: Counter of async job status transitions
//   - AsyncJobAttemptsTotal: Counter of async processing attempts
//   - EventsPublishedTotal: Counter of events published by topic
//   - EventsConsumedTotal: Counter of events consumed by topic
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// RequestsTotal counts HTTP requests by service, method, route, and status.
	// Labels: service (dialogue, parser, ...), method, path (route template), status
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures HTTP request latency.
	// Labels: service, method, path (route template)
	RequestDurationSeconds *prometheus.HistogramVec

	// PipelineCallsTotal counts downstream calls made by the sync pipeline.
	// Labels: stage (parse, graph, suggest), status (success, error)
	PipelineCallsTotal *prometheus.CounterVec

	// PipelineStageDurationSeconds measures pipeline stage latency.
	// Labels: stage (parse, graph, suggest)
	PipelineStageDurationSeconds *prometheus.HistogramVec

	// AsyncJobsTotal counts async job status transitions.
	// Labels: status (queued, processing, completed, failed)
	AsyncJobsTotal *prometheus.CounterVec

	// AsyncJobAttemptsTotal counts individual async processing attempts,
	// including retries.
	AsyncJobAttemptsTotal prometheus.Counter

	// EventsPublishedTotal counts events published to the bus.
	// Labels: topic
	EventsPublishedTotal *prometheus.CounterVec

	// EventsConsumedTotal counts events consumed from the bus.
	// Labels: topic
	EventsConsumedTotal *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Init returns the process-wide metrics instance, creating and registering
// it on first call.
//
// # Description
//
// Registers all metrics against the default Prometheus registry exactly
// once. Safe to call from every service constructor; when several services
// share a process (serve all) they share one instance.
//
// # Outputs
//
//   - *Metrics: The shared metrics instance.
func Init() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = newMetrics()
	})
	return defaultMetrics
}

func newMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "requests_total",
				Help:      "Total HTTP requests by service, method, route, and status",
			},
			[]string{"service", "method", "path", "status"},
		),

		RequestDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: httpSubsystem,
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"service", "method", "path"},
		),

		PipelineCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "calls_total",
				Help:      "Total downstream pipeline calls by stage and status",
			},
			[]string{"stage", "status"},
		),

		PipelineStageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage latency in seconds",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"stage"},
		),

		AsyncJobsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "async_jobs_total",
				Help:      "Total async job status transitions",
			},
			[]string{"status"},
		),

		AsyncJobAttemptsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "async_job_attempts_total",
				Help:      "Total async processing attempts including retries",
			},
		),

		EventsPublishedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: eventsSubsystem,
				Name:      "published_total",
				Help:      "Total events published to the bus by topic",
			},
			[]string{"topic"},
		),

		EventsConsumedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: eventsSubsystem,
				Name:      "consumed_total",
				Help:      "Total events consumed from the bus by topic",
			},
			[]string{"topic"},
		),
	}
}

// =============================================================================
// Pipeline Stage Names
// =============================================================================

// Stage identifies a sync pipeline stage for metrics labeling.
type Stage string

const (
	// StageParse is the parser service call.
	StageParse Stage = "parse"

	// StageGraph is the graph upsert call.
	StageGraph Stage = "graph"

	// StageSuggest is the suggestion ranking call.
	StageSuggest Stage = "suggest"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed HTTP request.
//
// # Inputs
//
//   - service: The service that handled the request.
//   - method: The HTTP method.
//   - path: The matched route template.
//   - status: The HTTP status code.
//   - seconds: Wall-clock handling time in seconds.
func (m *Metrics) RecordRequest(service, method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDurationSeconds.WithLabelValues(service, method, path).Observe(seconds)
}

// RecordPipelineCall records one downstream call made by the sync pipeline.
//
// # Inputs
//
//   - stage: The pipeline stage that ran.
//   - seconds: Call duration in seconds.
//   - success: Whether the call succeeded.
func (m *Metrics) RecordPipelineCall(stage Stage, seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.PipelineCallsTotal.WithLabelValues(string(stage), status).Inc()
	m.PipelineStageDurationSeconds.WithLabelValues(string(stage)).Observe(seconds)
}

// RecordAsyncJob records an async job status transition.
//
// # Inputs
//
//   - status: The status the job moved to.
func (m *Metrics) RecordAsyncJob(status string) {
	if m == nil {
		return
	}
	m.AsyncJobsTotal.WithLabelValues(status).Inc()
}

// RecordAsyncAttempt increments the async attempt counter.
func (m *Metrics) RecordAsyncAttempt() {
	if m == nil {
		return
	}
	m.AsyncJobAttemptsTotal.Inc()
}

// RecordEventPublished increments the publish counter for a topic.
func (m *Metrics) RecordEventPublished(topic string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(topic).Inc()
}

// RecordEventsConsumed adds consumed message counts for a topic.
func (m *Metrics) RecordEventsConsumed(topic string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.EventsConsumedTotal.WithLabelValues(topic).Add(float64(count))
}

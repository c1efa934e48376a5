// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dialogue provides the conversation orchestrator.
//
// The service owns sessions and turns, drives each turn through the
// parse => graph upsert => suggest pipeline (synchronously on the
// request or asynchronously through the event bus worker), and proxies
// session graph reads. Turn content is encrypted at rest when a key is
// configured.
package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Esoteriker/openTree/pkg/config"
	"github.com/Esoteriker/openTree/pkg/crypto"
	"github.com/Esoteriker/openTree/pkg/eventbus"
	"github.com/Esoteriker/openTree/pkg/observability"
	"github.com/Esoteriker/openTree/pkg/persistence"
	"github.com/Esoteriker/openTree/pkg/security"
	"github.com/Esoteriker/openTree/services/dialogue/handlers"
	"github.com/Esoteriker/openTree/services/dialogue/pipeline"
	"github.com/Esoteriker/openTree/services/dialogue/routes"
	"github.com/Esoteriker/openTree/services/dialogue/worker"
)

const serviceName = "dialogue-service"

// Service defines the dialogue service lifecycle.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run() blocks and
// should only be called once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// Config holds dialogue service configuration. Zero values use
// defaults.
type Config struct {
	// Port is the HTTP server port. Default: 8101
	Port int

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Default: "" (gin reads GIN_MODE itself)
	GinMode string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "opentree-otel-collector:4317"
	OTelEndpoint string

	// Downstream base URLs.
	// Defaults: http://127.0.0.1:{8102,8103,8104}
	ParserURL     string
	GraphURL      string
	SuggestionURL string

	// PipelineTimeout bounds each downstream call. Default: 2s
	PipelineTimeout time.Duration

	// HistoryWindow is how many prior turns feed the pipeline.
	// Default: 12
	HistoryWindow int

	// AsyncEnabled turns on the async turn endpoint and the worker.
	AsyncEnabled bool

	// ConsumerGroup names the worker's bus consumer group.
	// Default: "dialogue-service"
	ConsumerGroup string

	// RetryMaxAttempts and RetryBaseDelay shape the worker's retry
	// schedule. Defaults: 3 attempts, 250ms base.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	// SessionBackend and JobBackend are the backend names reported by
	// /health. They do not select the stores; Options does.
	SessionBackend string
	JobBackend     string
}

// FromSettings maps the shared environment settings onto a Config.
func FromSettings(s config.Settings) Config {
	return Config{
		Port:             s.DialoguePort,
		OTelEndpoint:     s.OTelEndpoint,
		ParserURL:        s.ParserServiceURL,
		GraphURL:         s.GraphServiceURL,
		SuggestionURL:    s.SuggestionServiceURL,
		AsyncEnabled:     s.AsyncPipelineEnabled,
		ConsumerGroup:    s.EventBusConsumerGroup,
		RetryMaxAttempts: s.AsyncRetryMax,
		RetryBaseDelay:   s.AsyncRetryBaseDelay,
		SessionBackend:   s.SessionStoreBackend,
		JobBackend:       s.JobStoreBackend,
	}
}

// Options carries injectable collaborators. Nil fields get in-process
// defaults (memory stores, in-memory bus, identity cipher), so tests
// can swap in exactly the pieces they care about. Ownership of the
// stores and the bus transfers to the service; they are closed when
// Run returns.
type Options struct {
	// Sessions persists sessions and turns. Nil gets a memory store.
	Sessions persistence.SessionStore

	// Jobs persists async jobs. Nil gets a memory store.
	Jobs persistence.JobStore

	// Bus transports the turn.* events. Nil gets an in-memory bus.
	Bus eventbus.Bus

	// Cipher encrypts turn content at rest. Nil gets the identity
	// cipher (plaintext).
	Cipher *crypto.ContentCipher

	// Pipeline overrides the downstream HTTP composition.
	Pipeline pipeline.Executor

	// Auth resolves tenant identity. Nil gets a passthrough
	// authenticator with the "public" default tenant.
	Auth *security.Authenticator

	// Metrics records request metrics. Nil uses the shared instance.
	Metrics *observability.Metrics
}

type service struct {
	config        Config
	deps          handlers.Deps
	auth          *security.Authenticator
	router        *gin.Engine
	worker        *worker.Worker
	tracerCleanup func(context.Context)
}

// New creates a dialogue Service.
//
// # Description
//
// Applies configuration defaults, initializes tracing and metrics,
// fills in default collaborators for any nil Options field, registers
// routes, and, when the async pipeline is enabled, starts the turn
// event worker. If opts is nil every collaborator uses its default.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Collaborator overrides. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run dialogue service
//   - error: Non-nil if initialization fails
func New(cfg Config, opts *Options) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}

	var o Options
	if opts != nil {
		o = *opts
	}

	cleanup, err := s.initTracer()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	metrics := o.Metrics
	if metrics == nil {
		metrics = observability.Init()
	}

	sessions := o.Sessions
	if sessions == nil {
		sessions = persistence.NewMemorySessionStore()
	}
	jobs := o.Jobs
	if jobs == nil {
		jobs = persistence.NewMemoryJobStore()
	}
	bus := o.Bus
	if bus == nil {
		bus = eventbus.NewInMemoryBus()
	}

	contentCipher := o.Cipher
	if contentCipher == nil {
		contentCipher, _ = crypto.NewContentCipher("")
	}

	executor := o.Pipeline
	if executor == nil {
		executor = pipeline.NewClient(
			s.config.ParserURL,
			s.config.GraphURL,
			s.config.SuggestionURL,
			s.config.PipelineTimeout,
			metrics,
		)
	}

	s.auth = o.Auth
	if s.auth == nil {
		s.auth = security.NewAuthenticator(config.Settings{
			DefaultTenantID: "public",
			AuthMode:        "none",
		})
	}

	s.deps = handlers.Deps{
		Sessions:       sessions,
		Jobs:           jobs,
		Bus:            bus,
		Cipher:         contentCipher,
		Pipeline:       executor,
		Metrics:        metrics,
		HistoryWindow:  s.config.HistoryWindow,
		AsyncEnabled:   s.config.AsyncEnabled,
		ParserURL:      s.config.ParserURL,
		GraphURL:       s.config.GraphURL,
		SuggestionURL:  s.config.SuggestionURL,
		SessionBackend: s.config.SessionBackend,
		JobBackend:     s.config.JobBackend,
	}

	s.initRouter()

	if s.config.AsyncEnabled {
		s.worker = worker.New(bus, jobs, executor, metrics, worker.Config{
			Group:       s.config.ConsumerGroup,
			MaxAttempts: s.config.RetryMaxAttempts,
			BaseDelay:   s.config.RetryBaseDelay,
		})
		if err := s.worker.Start(context.Background()); err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to start turn event worker: %w", err)
		}
	}

	return s, nil
}

// Run starts the HTTP server and blocks until the listener fails or
// the process receives SIGINT/SIGTERM, at which point in-flight
// requests get ten seconds to drain. Cleanup is automatic on return:
// the worker drains, the stores and bus close, and the tracer flushes.
func (s *service) Run() error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting dialogue server",
		"port", s.config.Port,
		"async_pipeline_enabled", s.config.AsyncEnabled,
		"session_store_backend", s.config.SessionBackend,
		"job_store_backend", s.config.JobBackend,
	)

	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutting down dialogue server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8101
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "opentree-otel-collector:4317"
	}
	if cfg.ParserURL == "" {
		cfg.ParserURL = "http://127.0.0.1:8102"
	}
	if cfg.GraphURL == "" {
		cfg.GraphURL = "http://127.0.0.1:8103"
	}
	if cfg.SuggestionURL == "" {
		cfg.SuggestionURL = "http://127.0.0.1:8104"
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 2 * time.Second
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 12
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "dialogue-service"
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	if cfg.SessionBackend == "" {
		cfg.SessionBackend = "memory"
	}
	if cfg.JobBackend == "" {
		cfg.JobBackend = "memory"
	}
	return cfg
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// The gRPC connection is lazy, so setup succeeds even when no
// collector is reachable; spans are dropped until one appears.
func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}

	return cleanup, nil
}

func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(serviceName))
	s.router.Use(observability.RequestObservability("dialogue", s.deps.Metrics))

	routes.SetupRoutes(s.router, s.deps, s.auth)
}

func (s *service) cleanup() {
	if s.worker != nil {
		if err := s.worker.Stop(); err != nil {
			slog.Warn("Turn event worker stop error", "error", err)
		}
	}
	if s.deps.Bus != nil {
		if err := s.deps.Bus.Close(); err != nil {
			slog.Warn("Event bus close error", "error", err)
		}
	}
	if s.deps.Sessions != nil {
		if err := s.deps.Sessions.Close(); err != nil {
			slog.Warn("Session store close error", "error", err)
		}
	}
	if s.deps.Jobs != nil {
		if err := s.deps.Jobs.Close(); err != nil {
			slog.Warn("Job store close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

var _ Service = (*service)(nil)

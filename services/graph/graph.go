// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph provides the knowledge-graph service.
//
// The service owns the per-session graph repository and exposes two
// tenant-scoped endpoints: POST /v1/graph/upsert merges a parse
// extraction into the session graph, GET /v1/graph/:session_id returns
// the merged snapshot. Merge semantics live in the store package.
package graph

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
	"github.com/Esoteriker/openTree/pkg/observability"
	"github.com/Esoteriker/openTree/pkg/security"
	"github.com/Esoteriker/openTree/services/graph/routes"
	"github.com/Esoteriker/openTree/services/graph/store"
)

const serviceName = "graph-service"

// Service defines the graph service lifecycle.
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

// Config holds graph service configuration. Zero values use defaults.
type Config struct {
	// Port is the HTTP server port. Default: 8103
	Port int

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Default: "" (gin reads GIN_MODE itself)
	GinMode string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "opentree-otel-collector:4317"
	OTelEndpoint string

	// Backend selects the graph repository backend.
	// Default: "memory"
	Backend string
}

// FromSettings maps the shared environment settings onto a Config.
func FromSettings(s config.Settings) Config {
	return Config{
		Port:         s.GraphPort,
		OTelEndpoint: s.OTelEndpoint,
		Backend:      s.GraphBackend,
	}
}

// Options carries injectable collaborators. Nil fields get defaults,
// so tests can swap in exactly the pieces they care about.
type Options struct {
	// Repository overrides the backend chosen by Config.Backend.
	Repository store.Repository

	// Auth resolves tenant identity. Nil gets a passthrough
	// authenticator with the "public" default tenant.
	Auth *security.Authenticator

	// Metrics records request metrics. Nil uses the shared instance.
	Metrics *observability.Metrics
}

type service struct {
	config        Config
	repo          store.Repository
	auth          *security.Authenticator
	metrics       *observability.Metrics
	router        *gin.Engine
	tracerCleanup func(context.Context)
}

// New creates a graph Service.
//
// # Description
//
// Applies configuration defaults, initializes tracing and metrics,
// builds the repository backend, and registers routes. If opts is nil
// every collaborator uses its default.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - opts: Collaborator overrides. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run graph service
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

	s.metrics = o.Metrics
	if s.metrics == nil {
		s.metrics = observability.Init()
	}

	s.repo = o.Repository
	if s.repo == nil {
		repo, err := store.NewRepository(s.config.Backend)
		if err != nil {
			s.cleanup()
			return nil, err
		}
		s.repo = repo
	}

	s.auth = o.Auth
	if s.auth == nil {
		s.auth = security.NewAuthenticator(config.Settings{
			DefaultTenantID: "public",
			AuthMode:        "none",
		})
	}

	s.initRouter()

	return s, nil
}

// Run starts the HTTP server and blocks until the listener fails or
// the process receives SIGINT/SIGTERM, at which point in-flight
// requests get ten seconds to drain. Cleanup is automatic on return.
func (s *service) Run() error {
	defer s.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%d", s.config.Port)
	slog.Info("Starting graph server", "port", s.config.Port, "backend", s.config.Backend)

	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutting down graph server")
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
		cfg.Port = 8103
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "opentree-otel-collector:4317"
	}
	if cfg.Backend == "" {
		cfg.Backend = "memory"
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
	s.router.Use(observability.RequestObservability("graph", s.metrics))

	routes.SetupRoutes(s.router, s.repo, s.auth)
}

func (s *service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

var _ Service = (*service)(nil)

// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package inference provides the mock transformer inference service.
//
// It speaks the transformer wire contract on POST /v1/infer/parse-turn
// with deterministic heuristics, so local and test deployments can run
// the parser's transformer backend without a model server.
package inference

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
	"github.com/Esoteriker/openTree/services/inference/routes"
)

const serviceName = "inference-service"

// Service defines the mock inference service lifecycle.
type Service interface {
	// Run starts the HTTP server and blocks until it stops.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// Config holds inference service configuration. Zero values use
// defaults.
type Config struct {
	// Port is the HTTP server port. Default: 8105
	Port int

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Default: "" (gin reads GIN_MODE itself)
	GinMode string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// Default: "opentree-otel-collector:4317"
	OTelEndpoint string
}

// FromSettings maps the shared environment settings onto a Config.
func FromSettings(s config.Settings) Config {
	return Config{
		Port:         s.InferencePort,
		OTelEndpoint: s.OTelEndpoint,
	}
}

// Options carries injectable collaborators. Nil fields get defaults.
type Options struct {
	// Metrics records request metrics. Nil uses the shared instance.
	Metrics *observability.Metrics
}

type service struct {
	config        Config
	metrics       *observability.Metrics
	router        *gin.Engine
	tracerCleanup func(context.Context)
}

// New creates a mock inference Service with defaults applied and
// routes registered. If opts is nil every collaborator uses its
// default.
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
	slog.Info("Starting mock inference server", "port", s.config.Port)

	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutting down mock inference server")
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
		cfg.Port = 8105
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "opentree-otel-collector:4317"
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
	s.router.Use(observability.RequestObservability("inference", s.metrics))

	routes.SetupRoutes(s.router)
}

func (s *service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

var _ Service = (*service)(nil)

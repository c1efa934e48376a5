// Copyright (C) 2025 The openTree Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Header names set on every response.
const (
	HeaderRequestID   = "X-Request-ID"
	HeaderProcessTime = "X-Process-Time-MS"
)

// requestIDKey is the gin context key holding the request id.
const requestIDKey = "opentree_request_id"

// GetRequestID returns the request id assigned by RequestObservability,
// or an empty string when the middleware did not run.
func GetRequestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// timingWriter injects the request id and elapsed-time headers just
// before the response status is committed. Headers cannot be added once
// the body has started streaming, so they are set at WriteHeader time.
type timingWriter struct {
	gin.ResponseWriter
	start     time.Time
	requestID string
	decorated bool
}

func (w *timingWriter) WriteHeader(code int) {
	w.decorate()
	w.ResponseWriter.WriteHeader(code)
}

func (w *timingWriter) Write(data []byte) (int, error) {
	w.decorate()
	return w.ResponseWriter.Write(data)
}

func (w *timingWriter) WriteString(data string) (int, error) {
	w.decorate()
	return w.ResponseWriter.WriteString(data)
}

func (w *timingWriter) decorate() {
	if w.decorated {
		return
	}
	w.decorated = true
	elapsedMS := float64(time.Since(w.start).Microseconds()) / 1000.0
	w.Header().Set(HeaderRequestID, w.requestID)
	w.Header().Set(HeaderProcessTime, fmt.Sprintf("%.2f", elapsedMS))
}

// RequestObservability instruments every request with a request id,
// timing headers, a structured completion log, and Prometheus metrics.
//
// # Description
//
// The middleware honors an inbound X-Request-ID header so ids propagate
// across the service mesh, and generates one otherwise. Each response
// carries X-Request-ID and X-Process-Time-MS headers. A request_completed
// line is logged on the way out; if a handler panics, a request_failed
// line is logged and the panic is re-raised for the recovery middleware.
//
// # Inputs
//
//   - service: Service name used for the metrics label and log attribute.
//   - metrics: Shared metrics instance; may be nil to disable recording.
//
// # Outputs
//
//   - gin.HandlerFunc: The middleware.
//
// # Assumptions
//
//   - gin.Recovery (or equivalent) is registered before this middleware
//     so re-raised panics still produce a 500 response.
func RequestObservability(service string, metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if requestID == "" {
			requestID = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		c.Set(requestIDKey, requestID)

		writer := &timingWriter{ResponseWriter: c.Writer, start: start, requestID: requestID}
		c.Writer = writer

		defer func() {
			if r := recover(); r != nil {
				duration := time.Since(start)
				slog.Error("request_failed",
					"service", service,
					"request_id", requestID,
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"error", fmt.Sprint(r),
					"duration_ms", roundMS(duration),
				)
				metrics.RecordRequest(service, c.Request.Method, routeLabel(c), "500", duration.Seconds())
				panic(r)
			}
		}()

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		slog.Info("request_completed",
			"service", service,
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", roundMS(duration),
		)
		metrics.RecordRequest(service, c.Request.Method, routeLabel(c), strconv.Itoa(status), duration.Seconds())
	}
}

// routeLabel returns the matched route template to keep metric
// cardinality bounded. Unmatched requests share one label.
func routeLabel(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return "unmatched"
}

func roundMS(d time.Duration) float64 {
	ms := float64(d.Microseconds()) / 1000.0
	return float64(int(ms*100+0.5)) / 100
}

// Copyright (C) 2025 The openTree Authors
// Tests for metrics and request instrumentation

package observability

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestInit_ReturnsSharedInstance(t *testing.T) {
	first := Init()
	second := Init()
	require.NotNil(t, first)
	assert.Same(t, first, second)
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("dialogue", "GET", "/health", "200", 0.01)
		m.RecordPipelineCall(StageParse, 0.02, true)
		m.RecordAsyncJob("completed")
		m.RecordAsyncAttempt()
		m.RecordEventPublished("turn.ingest")
		m.RecordEventsConsumed("turn.ingest", 3)
	})
}

func TestRecordPipelineCall_LabelsStatus(t *testing.T) {
	m := Init()

	okBefore := testutil.ToFloat64(m.PipelineCallsTotal.WithLabelValues("parse", "success"))
	errBefore := testutil.ToFloat64(m.PipelineCallsTotal.WithLabelValues("graph", "error"))

	m.RecordPipelineCall(StageParse, 0.01, true)
	m.RecordPipelineCall(StageGraph, 0.01, false)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(m.PipelineCallsTotal.WithLabelValues("parse", "success")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(m.PipelineCallsTotal.WithLabelValues("graph", "error")))
}

func TestRecordEventsConsumed_IgnoresEmptyBatches(t *testing.T) {
	m := Init()
	before := testutil.ToFloat64(m.EventsConsumedTotal.WithLabelValues("turn.batch"))

	m.RecordEventsConsumed("turn.batch", 0)
	m.RecordEventsConsumed("turn.batch", -2)
	assert.Equal(t, before, testutil.ToFloat64(m.EventsConsumedTotal.WithLabelValues("turn.batch")))

	m.RecordEventsConsumed("turn.batch", 4)
	assert.Equal(t, before+4, testutil.ToFloat64(m.EventsConsumedTotal.WithLabelValues("turn.batch")))
}

func newInstrumentedRouter(service string, m *Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestObservability(service, m))
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"request_id": GetRequestID(c)})
	})
	router.GET("/boom", func(*gin.Context) {
		panic("handler exploded")
	})
	return router
}

func TestRequestObservability_SetsResponseHeaders(t *testing.T) {
	router := newInstrumentedRouter("obs-headers", nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), rec.Header().Get(HeaderRequestID))

	elapsed, err := strconv.ParseFloat(rec.Header().Get(HeaderProcessTime), 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 0.0)
}

func TestRequestObservability_HonoursInboundRequestID(t *testing.T) {
	router := newInstrumentedRouter("obs-inbound", nil)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderRequestID, "upstream-id-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "upstream-id-42", rec.Header().Get(HeaderRequestID))
	// The handler sees the same id through GetRequestID.
	assert.Contains(t, rec.Body.String(), "upstream-id-42")
}

func TestRequestObservability_RecordsRequestMetrics(t *testing.T) {
	m := Init()
	router := newInstrumentedRouter("obs-metrics", m)

	before := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("obs-metrics", "GET", "/ping", "200"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	after := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("obs-metrics", "GET", "/ping", "200"))
	assert.Equal(t, before+1, after)
}

func TestRequestObservability_UnmatchedRouteLabel(t *testing.T) {
	m := Init()
	router := newInstrumentedRouter("obs-unmatched", m)

	before := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("obs-unmatched", "GET", "unmatched", "404"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/no/such/route", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	after := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("obs-unmatched", "GET", "unmatched", "404"))
	assert.Equal(t, before+1, after)
}

func TestRequestObservability_PanicCountsAsServerError(t *testing.T) {
	m := Init()
	router := newInstrumentedRouter("obs-panic", m)

	before := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("obs-panic", "GET", "/boom", "500"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	// The panic is re-raised for gin.Recovery, which answers 500.
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	after := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("obs-panic", "GET", "/boom", "500"))
	assert.Equal(t, before+1, after)
}

func TestGetRequestID_EmptyWithoutMiddleware(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Equal(t, "", GetRequestID(c))
}

func TestRoundMS(t *testing.T) {
	assert.Equal(t, 0.0, roundMS(0))
	assert.Equal(t, 1.23, roundMS(1234500*time.Nanosecond))
	assert.Equal(t, 250.0, roundMS(250*time.Millisecond))
}

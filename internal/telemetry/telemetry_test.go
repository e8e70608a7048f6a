package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestTelemetry(t *testing.T) (*LedgerTelemetry, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	lt := NewLedgerTelemetry()
	require.NoError(t, lt.InitializeTelemetry(provider.Meter(MeterName)))
	return lt, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func intSum(t *testing.T, m metricdata.Metrics, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)

	want := attribute.NewSet(attrs...)
	var total int64
	for _, dp := range sum.DataPoints {
		matches := true
		for _, kv := range want.ToSlice() {
			if v, ok := dp.Attributes.Value(kv.Key); !ok || v.Emit() != kv.Value.Emit() {
				matches = false
				break
			}
		}
		if matches {
			total += dp.Value
		}
	}
	return total
}

func TestTelemetryIntegration(t *testing.T) {
	lt, reader := newTestTelemetry(t)
	middleware := NewTelemetryMiddleware(lt)

	router := mux.NewRouter()
	router.Use(middleware.Middleware)
	router.HandleFunc("/v1/entries", func(w http.ResponseWriter, r *http.Request) {
		SetEntryCount(r.Context(), 5)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"items":[]}`))
	}).Methods("GET")
	router.HandleFunc("/v1/entries/{entryId}", func(w http.ResponseWriter, r *http.Request) {
		if mux.Vars(r)["entryId"] == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	router.HandleFunc("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		SetEventCount(r.Context(), 3)
		assert.Equal(t, 3, GetEventCount(r.Context()))
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	for _, path := range []string{"/v1/entries", "/v1/entries/abc", "/v1/entries/def", "/v1/entries/missing", "/v1/events"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	}

	metrics := collect(t, reader)

	requests := metrics["ledger_api_requests_total"]
	assert.Equal(t, int64(2), intSum(t, requests, attribute.String("endpoint", "/v1/entries/{entryId}")))
	assert.Equal(t, int64(1), intSum(t, requests, attribute.String("endpoint", "/v1/entries")))

	errs := metrics["ledger_api_errors_total"]
	assert.Equal(t, int64(1), intSum(t, errs,
		attribute.String("endpoint", "/v1/entries/{entryId}"),
		attribute.String("error_type", "not_found")))

	assert.Equal(t, int64(3), intSum(t, metrics["ledger_events_retrieved_total"]))
	assert.Equal(t, int64(3), intSum(t, metrics["ledger_entries_queried_total"]))

	hist, ok := metrics["ledger_api_request_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(5), count)
}

func TestRecordOperation(t *testing.T) {
	lt, reader := newTestTelemetry(t)
	ctx := context.Background()

	lt.RecordOperation(ctx, "reserve", "success", 30)
	lt.RecordOperation(ctx, "reserve", "success", 20)
	lt.RecordOperation(ctx, "reserve", "conflict", 0)
	lt.RecordOperation(ctx, "dispatch", "replayed", 0)

	metrics := collect(t, reader)
	ops := metrics["ledger_operations_total"]
	assert.Equal(t, int64(2), intSum(t, ops, attribute.String("operation", "reserve"), attribute.String("outcome", "success")))
	assert.Equal(t, int64(1), intSum(t, ops, attribute.String("operation", "reserve"), attribute.String("outcome", "conflict")))
	assert.Equal(t, int64(1), intSum(t, ops, attribute.String("operation", "dispatch")))

	qty, ok := metrics["ledger_quantity_total"].Data.(metricdata.Sum[float64])
	require.True(t, ok)
	require.Len(t, qty.DataPoints, 1)
	assert.InDelta(t, 50.0, qty.DataPoints[0].Value, 1e-9)
}

func TestRecordOperation_Uninitialized(t *testing.T) {
	assert.NotPanics(t, func() {
		NewLedgerTelemetry().RecordOperation(context.Background(), "restock", "success", 1)
	})
}

func TestGetEndpointFromPath(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"/v1/entries", "/v1/entries"},
		{"/v1/events", "/v1/events"},
		{"/v1/entries/7f3c", "/v1/entries/{entryId}"},
		{"/v1/entries/7f3c/reserve", "/v1/entries/{entryId}/reserve"},
		{"/v1/admin/entries/7f3c", "/v1/admin/entries/{entryId}"},
		{"/v1/admin/stats", "/v1/admin/stats"},
		{"/unknown/path", "/unknown/path"},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.expected, GetEndpointFromPath(tc.input))
		})
	}
}

func TestNormalizeClientIP(t *testing.T) {
	assert.Equal(t, "unknown", NormalizeClientIP(""))
	assert.Equal(t, "invalid", NormalizeClientIP("not-an-ip"))
	assert.Equal(t, "localhost", NormalizeClientIP("127.0.0.1"))
	assert.Equal(t, "internal", NormalizeClientIP("10.1.2.3"))
	assert.Equal(t, "internal", NormalizeClientIP("fe80::1"))
	assert.Equal(t, "external", NormalizeClientIP("8.8.8.8"))
}

func TestCategorizeError(t *testing.T) {
	assert.Equal(t, "unknown", categorizeError(""))
	assert.Equal(t, "not_found", categorizeError("Not Found"))
	assert.Equal(t, "conflict", categorizeError("Conflict"))
	assert.Equal(t, "rate_limited", categorizeError("Too Many Requests"))
	assert.Equal(t, "unavailable", categorizeError("Service Unavailable"))
	assert.Equal(t, "other", categorizeError("HTTP Error 418"))
}

func TestInitMetrics_Scraper(t *testing.T) {
	tel, err := InitMetrics(context.Background(), MetricsConfig{MeterName: MeterName, Exporter: ExporterScraper, Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	lt := NewLedgerTelemetry()
	require.NoError(t, lt.InitializeTelemetry(tel.Meter()))
	lt.RecordOperation(context.Background(), "restock", "success", 40)

	rr := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ledger_operations")
	assert.Contains(t, string(body), `operation="restock"`)
}

func TestInitMetrics_None(t *testing.T) {
	tel, err := InitMetrics(context.Background(), MetricsConfig{MeterName: MeterName, Exporter: ExporterNone})
	require.NoError(t, err)
	assert.Nil(t, tel.Provider)

	lt := NewLedgerTelemetry()
	require.NoError(t, lt.InitializeTelemetry(tel.Meter()))

	rr := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

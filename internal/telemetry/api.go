package telemetry

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// MeterName names the meter every ledger instrument belongs to.
const MeterName = "relief-inventory-api"

// LedgerTelemetry provides telemetry for the ledger API and its mutations
type LedgerTelemetry struct {
	meter metric.Meter

	// Request counters
	requestCounter metric.Int64Counter

	// Error counters
	errorCounter metric.Int64Counter

	// Duration histograms
	durationHistogram metric.Float64Histogram

	// Ledger operations
	operationCounter      metric.Int64Counter
	quantityCounter       metric.Float64Counter
	eventRetrievalCounter metric.Int64Counter
	entryQueryCounter     metric.Int64Counter
}

// RequestMetrics contains the telemetry data for a request
type RequestMetrics struct {
	Method       string
	Endpoint     string
	StatusCode   int
	Duration     time.Duration
	ErrorMessage string
	// Raw IP for logging; only the normalized type becomes an attribute.
	ClientIP     string
	ClientIPType string
	// Business metrics
	EventCount int
	EntryCount int
}

// NewLedgerTelemetry creates a new instance of LedgerTelemetry
func NewLedgerTelemetry() *LedgerTelemetry {
	return &LedgerTelemetry{}
}

// InitializeTelemetry creates every instrument from meter, or from the global
// provider when meter is nil.
func (t *LedgerTelemetry) InitializeTelemetry(meter metric.Meter) error {
	zap.L().Info("Initializing ledger API telemetry")

	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	t.meter = meter

	var err error

	t.requestCounter, err = t.meter.Int64Counter(
		"ledger_api_requests_total",
		metric.WithDescription("Total number of API requests to ledger endpoints"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create request counter: %w", err)
	}

	t.errorCounter, err = t.meter.Int64Counter(
		"ledger_api_errors_total",
		metric.WithDescription("Total number of API errors from ledger endpoints"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create error counter: %w", err)
	}

	t.durationHistogram, err = t.meter.Float64Histogram(
		"ledger_api_request_duration_seconds",
		metric.WithDescription("Duration of API requests to ledger endpoints"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create duration histogram: %w", err)
	}

	t.operationCounter, err = t.meter.Int64Counter(
		"ledger_operations_total",
		metric.WithDescription("Total number of ledger mutations by operation and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create operation counter: %w", err)
	}

	t.quantityCounter, err = t.meter.Float64Counter(
		"ledger_quantity_total",
		metric.WithDescription("Total quantity moved by successful ledger mutations"),
	)
	if err != nil {
		return fmt.Errorf("failed to create quantity counter: %w", err)
	}

	t.eventRetrievalCounter, err = t.meter.Int64Counter(
		"ledger_events_retrieved_total",
		metric.WithDescription("Total number of ledger events retrieved"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create event retrieval counter: %w", err)
	}

	t.entryQueryCounter, err = t.meter.Int64Counter(
		"ledger_entries_queried_total",
		metric.WithDescription("Total number of stock entry lookups"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create entry query counter: %w", err)
	}

	zap.L().Info("Ledger API telemetry initialized successfully")
	return nil
}

// RecordOperation counts a ledger mutation. Quantity is only added for
// successful operations.
func (t *LedgerTelemetry) RecordOperation(ctx context.Context, operation, outcome string, quantity float64) {
	if t.operationCounter == nil {
		return
	}
	t.operationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
	if outcome == "success" && quantity > 0 {
		t.quantityCounter.Add(ctx, quantity, metric.WithAttributes(attribute.String("operation", operation)))
	}
}

func (t *LedgerTelemetry) requestAttributes(metrics RequestMetrics) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("method", metrics.Method),
		attribute.String("endpoint", metrics.Endpoint),
		attribute.Int("status_code", metrics.StatusCode),
	}
	if metrics.ClientIPType != "" {
		attrs = append(attrs, attribute.String("client_ip_type", metrics.ClientIPType))
	}
	return attrs
}

// RegisterRequestReceived records a successful API request
func (t *LedgerTelemetry) RegisterRequestReceived(ctx context.Context, metrics RequestMetrics) {
	if t.requestCounter == nil {
		zap.L().Warn("Request counter not initialized")
		return
	}

	t.requestCounter.Add(ctx, 1, metric.WithAttributes(t.requestAttributes(metrics)...))
	t.recordEndpointSpecificMetrics(ctx, metrics)

	zap.L().Debug("Recorded successful API request",
		zap.String("method", metrics.Method),
		zap.String("endpoint", metrics.Endpoint),
		zap.Int("status_code", metrics.StatusCode),
		zap.String("client_ip", metrics.ClientIP),
		zap.Int64("duration_ms", metrics.Duration.Milliseconds()))
}

// RegisterRequestError records a failed API request
func (t *LedgerTelemetry) RegisterRequestError(ctx context.Context, metrics RequestMetrics) {
	if t.errorCounter == nil {
		zap.L().Warn("Error counter not initialized")
		return
	}

	attrs := append(t.requestAttributes(metrics), attribute.String("error_type", categorizeError(metrics.ErrorMessage)))
	t.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	zap.L().Debug("Recorded API request error",
		zap.String("method", metrics.Method),
		zap.String("endpoint", metrics.Endpoint),
		zap.Int("status_code", metrics.StatusCode),
		zap.String("client_ip", metrics.ClientIP),
		zap.String("error", metrics.ErrorMessage))
}

// RegisterRequestDuration records the duration of an API request
func (t *LedgerTelemetry) RegisterRequestDuration(ctx context.Context, metrics RequestMetrics) {
	if t.durationHistogram == nil {
		zap.L().Warn("Duration histogram not initialized")
		return
	}
	t.durationHistogram.Record(ctx, metrics.Duration.Seconds(), metric.WithAttributes(t.requestAttributes(metrics)...))
}

func (t *LedgerTelemetry) recordEndpointSpecificMetrics(ctx context.Context, metrics RequestMetrics) {
	switch metrics.Endpoint {
	case "/v1/entries":
		if metrics.Method == "GET" && t.entryQueryCounter != nil {
			t.entryQueryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", "query_entries")))
		}
	case "/v1/entries/{entryId}":
		if metrics.Method == "GET" && t.entryQueryCounter != nil {
			t.entryQueryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", "get_entry")))
		}
	case "/v1/events":
		if t.eventRetrievalCounter != nil && metrics.EventCount > 0 {
			t.eventRetrievalCounter.Add(ctx, int64(metrics.EventCount))
		}
	}
}

// categorizeError groups similar errors to prevent high cardinality
func categorizeError(errorMessage string) string {
	if errorMessage == "" {
		return "unknown"
	}

	msg := strings.ToLower(errorMessage)
	switch {
	case strings.Contains(msg, "not found"):
		return "not_found"
	case strings.Contains(msg, "unauthorized"):
		return "unauthorized"
	case strings.Contains(msg, "forbidden"):
		return "forbidden"
	case strings.Contains(msg, "too many"):
		return "rate_limited"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "unavailable"):
		return "unavailable"
	case strings.Contains(msg, "internal"):
		return "internal_error"
	case strings.Contains(msg, "bad request"):
		return "bad_request"
	case strings.Contains(msg, "conflict"):
		return "conflict"
	default:
		return "other"
	}
}

// GetEndpointFromPath maps a concrete path to its route template. It is used
// when the router did not match a route.
func GetEndpointFromPath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(segments) == 3 && segments[0] == "v1" && segments[1] == "entries":
		return "/v1/entries/{entryId}"
	case len(segments) == 4 && segments[0] == "v1" && segments[1] == "entries":
		return "/v1/entries/{entryId}/" + segments[3]
	case len(segments) == 4 && segments[0] == "v1" && segments[1] == "admin" && segments[2] == "entries":
		return "/v1/admin/entries/{entryId}"
	default:
		return path
	}
}

// NormalizeClientIP categorizes client IPs to control cardinality
func NormalizeClientIP(clientIP string) string {
	if clientIP == "" {
		return "unknown"
	}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		return "invalid"
	}
	if ip.IsLoopback() {
		return "localhost"
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		return "internal"
	}
	return "external"
}

package telemetry

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

// TelemetryMiddleware wraps HTTP handlers to automatically collect telemetry
type TelemetryMiddleware struct {
	telemetry *LedgerTelemetry
}

// NewTelemetryMiddleware creates a new telemetry middleware
func NewTelemetryMiddleware(telemetry *LedgerTelemetry) *TelemetryMiddleware {
	return &TelemetryMiddleware{
		telemetry: telemetry,
	}
}

// Middleware returns the HTTP middleware function. Handlers report business
// counts through the *RequestMetrics stored in the request context.
func (tm *TelemetryMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriterWrapper{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		metrics := tm.extractMetricsFromRequest(r)
		ctx := context.WithValue(r.Context(), requestMetricsKey{}, &metrics)

		next.ServeHTTP(wrapper, r.WithContext(ctx))

		metrics.StatusCode = wrapper.statusCode
		metrics.Duration = time.Since(start)

		if wrapper.statusCode >= 400 {
			metrics.ErrorMessage = tm.getErrorMessage(wrapper.statusCode)
			tm.telemetry.RegisterRequestError(ctx, metrics)
		} else {
			tm.telemetry.RegisterRequestReceived(ctx, metrics)
		}

		tm.telemetry.RegisterRequestDuration(ctx, metrics)
	})
}

type requestMetricsKey struct{}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriterWrapper) Write(data []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(data)
}

// Flush lets long-polling handlers push partial responses.
func (w *responseWriterWrapper) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (tm *TelemetryMiddleware) extractMetricsFromRequest(r *http.Request) RequestMetrics {
	clientIP := getClientIP(r)

	endpoint := GetEndpointFromPath(r.URL.Path)
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			endpoint = tpl
		}
	}

	return RequestMetrics{
		Method:       r.Method,
		Endpoint:     endpoint,
		ClientIP:     clientIP,
		ClientIPType: NormalizeClientIP(clientIP),
	}
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getErrorMessage returns a human-readable error message for the status code
func (tm *TelemetryMiddleware) getErrorMessage(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "Bad Request"
	case http.StatusUnauthorized:
		return "Unauthorized"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusNotFound:
		return "Not Found"
	case http.StatusMethodNotAllowed:
		return "Method Not Allowed"
	case http.StatusConflict:
		return "Conflict"
	case http.StatusTooManyRequests:
		return "Too Many Requests"
	case http.StatusInternalServerError:
		return "Internal Server Error"
	case http.StatusServiceUnavailable:
		return "Service Unavailable"
	case http.StatusGatewayTimeout:
		return "Gateway Timeout"
	default:
		return "HTTP Error " + strconv.Itoa(statusCode)
	}
}

// SetEventCount records how many events a feed request returned.
func SetEventCount(ctx context.Context, count int) {
	if m, ok := ctx.Value(requestMetricsKey{}).(*RequestMetrics); ok {
		m.EventCount = count
	}
}

// SetEntryCount records how many entries a query returned.
func SetEntryCount(ctx context.Context, count int) {
	if m, ok := ctx.Value(requestMetricsKey{}).(*RequestMetrics); ok {
		m.EntryCount = count
	}
}

// GetEventCount retrieves the event count from context
func GetEventCount(ctx context.Context) int {
	if m, ok := ctx.Value(requestMetricsKey{}).(*RequestMetrics); ok {
		return m.EventCount
	}
	return 0
}

// GetEntryCount retrieves the entry count from context
func GetEntryCount(ctx context.Context) int {
	if m, ok := ctx.Value(requestMetricsKey{}).(*RequestMetrics); ok {
		return m.EntryCount
	}
	return 0
}

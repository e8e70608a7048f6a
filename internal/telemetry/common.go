package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

// Exporter names accepted by InitMetrics.
const (
	ExporterScraper = "scraper"
	ExporterGRPC    = "grpc"
	ExporterNone    = "none"
)

// DefaultMetricsAddr is where the scraper exporter serves /metrics.
const DefaultMetricsAddr = ":9080"

// Telemetry owns the meter provider and, for the scraper exporter, the
// metrics HTTP server.
type Telemetry struct {
	server   *http.Server          // If type of metrics collection == "scraper".
	Provider *metric.MeterProvider // Nil when metrics are disabled.
	meter    api.Meter
	registry *prometheus.Registry
}

// MetricsConfig selects the exporter.
type MetricsConfig struct {
	MeterName string
	Exporter  string
	Addr      string
}

// InitMetrics builds the meter provider for cfg.Exporter. Unknown exporters
// fall back to the scraper.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*Telemetry, error) {
	t := &Telemetry{}

	switch cfg.Exporter {
	case ExporterNone:
		zap.L().Info("Metrics disabled")
		t.meter = noop.NewMeterProvider().Meter(cfg.MeterName)
		return t, nil
	case ExporterGRPC:
		zap.L().Info("Starting metrics with grpc exporter")
		if err := t.initGRPCMetrics(ctx, cfg.MeterName); err != nil {
			return nil, err
		}
	default:
		if cfg.Exporter != ExporterScraper {
			zap.L().Warn("Unknown metrics exporter, using scraper", zap.String("exporter", cfg.Exporter))
		}
		zap.L().Info("Starting metrics with scraper exporter")
		if err := t.initScrapeMetrics(cfg.MeterName); err != nil {
			return nil, err
		}
		addr := cfg.Addr
		if addr == "" {
			addr = DefaultMetricsAddr
		}
		t.server = &http.Server{
			Addr:              addr,
			Handler:           t.metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go t.serveMetrics()
	}
	return t, nil
}

// Meter returns the meter instruments are created from.
func (t *Telemetry) Meter() api.Meter {
	return t.meter
}

// Handler serves the scraper registry, or 404 when the scraper is not in use.
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Initialize GRPC metrics exporter. The endpoint comes from
// OTEL_EXPORTER_OTLP_METRICS_ENDPOINT and defaults to localhost:4317.
func (t *Telemetry) initGRPCMetrics(ctx context.Context, meterName string) error {
	exporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		zap.L().Error("Creating GRPC exporter", zap.Error(err))
		return err
	}

	t.Provider = metric.NewMeterProvider(metric.WithReader(metric.NewPeriodicReader(exporter)))
	otel.SetMeterProvider(t.Provider)
	t.meter = t.Provider.Meter(meterName)
	return nil
}

// Initialize scrape metrics exporter against a private registry.
func (t *Telemetry) initScrapeMetrics(meterName string) error {
	t.registry = prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
	if err != nil {
		zap.L().Error("Creating HTML scrape exporter", zap.Error(err))
		return err
	}

	t.Provider = metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(t.Provider)
	t.meter = t.Provider.Meter(meterName)
	return nil
}

func (t *Telemetry) metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())
	return mux
}

// Run metrics server for "scraper" open telemetry collector
func (t *Telemetry) serveMetrics() {
	zap.L().Info("Serving metrics", zap.String("addr", t.server.Addr), zap.String("path", "/metrics"))

	if err := t.server.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			zap.L().Info("Metrics server closed")
		} else {
			zap.L().Error("Metrics ListenAndServe exited", zap.Error(err))
		}
	}
}

// Shutdown stops the metrics server and flushes the provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			zap.L().Warn("Shutting down metrics server", zap.Error(err))
		}
		zap.L().Info("Metrics server stopped")
	}
	if t.Provider == nil {
		return nil
	}
	if err := t.Provider.ForceFlush(ctx); err != nil {
		zap.L().Warn("Flushing metrics", zap.Error(err))
	}
	return t.Provider.Shutdown(ctx)
}

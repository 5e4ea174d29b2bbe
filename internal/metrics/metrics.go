// Package metrics exposes OpenTelemetry metrics through a Prometheus
// endpoint on a dedicated port.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/alecthomas/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	prometheusexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/docgate/docgate/internal/logging"
)

// Config holds metrics configuration.
type Config struct {
	ServiceName string `hcl:"service-name,optional" help:"Service name for metrics." default:"docgated"`
	Port        int    `hcl:"port,optional" help:"Port for the metrics server." default:"9102"`
}

// Client owns the meter provider and the Prometheus registry it exports to.
type Client struct {
	provider    metric.MeterProvider
	registry    *prometheus.Registry
	serviceName string
	port        int
}

// New creates the OpenTelemetry metrics client and installs it as the global
// meter provider.
func New(ctx context.Context, cfg Config) (*Client, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create resource")
	}

	registry := prometheus.NewRegistry()
	exporter, err := prometheusexporter.New(prometheusexporter.WithRegisterer(registry))
	if err != nil {
		return nil, errors.Wrap(err, "create Prometheus exporter")
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	logging.FromContext(ctx).InfoContext(ctx, "Metrics initialized",
		"service", cfg.ServiceName,
		"port", cfg.Port)

	return &Client{
		provider:    provider,
		registry:    registry,
		serviceName: cfg.ServiceName,
		port:        cfg.Port,
	}, nil
}

// Close shuts down the meter provider, flushing any pending export.
func (c *Client) Close() error {
	provider, ok := c.provider.(*sdkmetric.MeterProvider)
	if !ok {
		return nil
	}
	return errors.Wrap(provider.Shutdown(context.Background()), "shutdown meter provider")
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (c *Client) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// ServeMetrics starts a dedicated HTTP server for Prometheus scraping. The
// server stops when ctx is cancelled.
func (c *Client) ServeMetrics(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck
	})

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(c.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "Starting metrics server", "port", c.port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "Metrics server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "Metrics server shutdown error", "error", err)
		}
	}()

	return nil
}

// Base attribute keys shared by the engine instruments.
var (
	AttrRepository = attribute.Key("docgate.repository")
	AttrResult     = attribute.Key("docgate.result")
	AttrTrigger    = attribute.Key("docgate.sync.trigger")
)

package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	pagesCrawledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "funnelweb_pages_crawled_total",
		Help: "Pages fetched and recorded as crawled across all crawls.",
	})
	externalLinksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "funnelweb_external_links_total",
		Help: "External link rows emitted to the sink across all crawls.",
	})
	fetchErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "funnelweb_fetch_errors_total",
		Help: "Page fetches that failed (timeout, DNS, 4xx/5xx).",
	})
)

// RecordPageCrawled increments the crawled-pages counter.
func RecordPageCrawled() {
	pagesCrawledTotal.Inc()
}

// RecordExternalLink increments the external-links counter.
func RecordExternalLink() {
	externalLinksTotal.Inc()
}

// RecordFetchError increments the fetch-error counter.
func RecordFetchError() {
	fetchErrorsTotal.Inc()
}

// Init configures the Prometheus registry and OpenTelemetry providers. When
// cfg.Enabled is false the function is a no-op and returns nil providers.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "funnelweb"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	registry := prometheus.NewRegistry()

	var registerErr error
	initOnce.Do(func() {
		registerErr = registerCrawlCollectors(registry)
	})
	if registerErr != nil {
		return nil, registerErr
	}

	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(propagator)

	providers := &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Config:         cfg,
		Shutdown: func(shutdownCtx context.Context) error {
			if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return meterProvider.Shutdown(shutdownCtx)
		},
	}

	return providers, nil
}

// registerCrawlCollectors attaches the crawl counters and runtime collectors
// to the registry.
func registerCrawlCollectors(registry *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{
		pagesCrawledTotal,
		externalLinksTotal,
		fetchErrorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := registry.Register(c); err != nil {
			return fmt.Errorf("register collector: %w", err)
		}
	}
	return nil
}

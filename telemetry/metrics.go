package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/catacombing/charon"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	tileRequestsTotal metric.Int64Counter
	cacheLookupsTotal metric.Int64Counter

	fetchTotal      metric.Int64Counter
	fetchDuration   metric.Float64Histogram
	fetchBytesTotal metric.Int64Counter

	evictionsTotal      metric.Int64Counter
	evictionRunDuration metric.Float64Histogram
	storedTiles         metric.Int64Gauge

	regionDownloadsTotal metric.Int64Counter
	regionTilesTotal     metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "charon-tilecache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"charon_tiles_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"charon_tiles_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"charon_tiles_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	tileRequestsTotal, err := meter.Int64Counter(
		"charon_tiles_requests_total",
		metric.WithDescription("Total tile requests by resolution state"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"charon_tiles_cache_lookups_total",
		metric.WithDescription("Total cache lookups by layer and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	fetchTotal, err := meter.Int64Counter(
		"charon_tiles_fetch_total",
		metric.WithDescription("Total tileserver fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	fetchDuration, err := meter.Float64Histogram(
		"charon_tiles_fetch_duration_seconds",
		metric.WithDescription("Duration of tileserver fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	fetchBytesTotal, err := meter.Int64Counter(
		"charon_tiles_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from the tileserver"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	evictionsTotal, err := meter.Int64Counter(
		"charon_tiles_evictions_total",
		metric.WithDescription("Total tiles evicted from the disk store"),
		metric.WithUnit("{tile}"),
	)
	if err != nil {
		return err
	}

	evictionRunDuration, err := meter.Float64Histogram(
		"charon_tiles_eviction_run_duration_seconds",
		metric.WithDescription("Duration of disk store eviction passes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	storedTiles, err := meter.Int64Gauge(
		"charon_tiles_stored_tiles",
		metric.WithDescription("Current number of tiles in the disk store"),
		metric.WithUnit("{tile}"),
	)
	if err != nil {
		return err
	}

	regionDownloadsTotal, err := meter.Int64Counter(
		"charon_tiles_region_downloads_total",
		metric.WithDescription("Total region downloads by terminal state"),
		metric.WithUnit("{region}"),
	)
	if err != nil {
		return err
	}

	regionTilesTotal, err := meter.Int64Counter(
		"charon_tiles_region_tiles_total",
		metric.WithDescription("Total tiles processed by region downloads"),
		metric.WithUnit("{tile}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:        requestsTotal,
		responseBytesTotal:   responseBytesTotal,
		requestDuration:      requestDuration,
		tileRequestsTotal:    tileRequestsTotal,
		cacheLookupsTotal:    cacheLookupsTotal,
		fetchTotal:           fetchTotal,
		fetchDuration:        fetchDuration,
		fetchBytesTotal:      fetchBytesTotal,
		evictionsTotal:       evictionsTotal,
		evictionRunDuration:  evictionRunDuration,
		storedTiles:          storedTiles,
		regionDownloadsTotal: regionDownloadsTotal,
		regionTilesTotal:     regionTilesTotal,
		meterProvider:        mp,
		promHandler:          promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Endpoint and cache result are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheBypass)
	endpoint := "unknown"
	if tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		if tags.Endpoint != "" {
			endpoint = tags.Endpoint
		}
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordTileRequest records the renderer-visible outcome of a tile request.
// State is "resolved", "placeholder" or "empty".
func RecordTileRequest(ctx context.Context, state string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.tileRequestsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)))
}

// RecordCacheLookup records a lookup against one cache layer.
// Layer is "memory" or "disk".
func RecordCacheLookup(ctx context.Context, layer string, hit bool) {
	if globalMetrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("layer", layer),
		attribute.String("result", result),
	))
}

// RecordFetch records a tileserver fetch request.
func RecordFetch(ctx context.Context, outcome string, duration time.Duration, bytesRead int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.fetchTotal.Add(ctx, 1, attrs)
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), attrs)
	if bytesRead > 0 {
		globalMetrics.fetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordEvictionRun records one eviction pass and the tile count afterwards.
func RecordEvictionRun(ctx context.Context, evicted, remaining int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.evictionsTotal.Add(ctx, int64(evicted))
	globalMetrics.evictionRunDuration.Record(ctx, duration.Seconds())
	globalMetrics.storedTiles.Record(ctx, int64(remaining))
}

// RecordRegionDownload records a finished region download.
// State is the terminal region state; done and failed are tile counts.
func RecordRegionDownload(ctx context.Context, state string, done, failed int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.regionDownloadsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)))
	globalMetrics.regionTilesTotal.Add(ctx, int64(done-failed),
		metric.WithAttributes(attribute.String("result", "ok")))
	if failed > 0 {
		globalMetrics.regionTilesTotal.Add(ctx, int64(failed),
			metric.WithAttributes(attribute.String("result", "failed")))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}

// Package telemetry provides OpenTelemetry metrics for the cache subsystem.
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
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	meterName = "github.com/leylinehq/leyline-cache"
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

	// EnablePrometheus enables the Prometheus exporter.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	lookupsTotal        metric.Int64Counter
	operationDuration   metric.Float64Histogram
	scanDuration        metric.Float64Histogram
	scanDocuments       metric.Int64Counter
	storeRequestsTotal  metric.Int64Counter
	storeRequestLatency metric.Float64Histogram
	evictionsTotal      metric.Int64Counter
	evictionBytesTotal  metric.Int64Counter
	blobWriteSize       metric.Float64Histogram

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
// Uses sync.Once to ensure single initialisation. All Record helpers are
// no-ops until this has been called.
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
		cfg.ServiceName = "leyline-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
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

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
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

	lookupsTotal, err := meter.Int64Counter(
		"leyline_cache_lookups_total",
		metric.WithDescription("Total metadata cache lookups by operation and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	operationDuration, err := meter.Float64Histogram(
		"leyline_cache_operation_duration_seconds",
		metric.WithDescription("Metadata cache operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return err
	}

	scanDuration, err := meter.Float64Histogram(
		"leyline_cache_scan_duration_seconds",
		metric.WithDescription("Document tree scan duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	scanDocuments, err := meter.Int64Counter(
		"leyline_cache_scan_documents_total",
		metric.WithDescription("Total documents indexed across scans"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return err
	}

	storeRequestsTotal, err := meter.Int64Counter(
		"leyline_cache_store_requests_total",
		metric.WithDescription("Total content store operations by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	storeRequestLatency, err := meter.Float64Histogram(
		"leyline_cache_store_request_duration_seconds",
		metric.WithDescription("Duration of content store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return err
	}

	evictionsTotal, err := meter.Int64Counter(
		"leyline_cache_store_evictions_total",
		metric.WithDescription("Total blobs evicted from the content store"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return err
	}

	evictionBytesTotal, err := meter.Int64Counter(
		"leyline_cache_store_eviction_bytes_total",
		metric.WithDescription("Total bytes freed by eviction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	blobWriteSize, err := meter.Float64Histogram(
		"leyline_cache_blob_write_size_bytes",
		metric.WithDescription("Size of blobs written to the content store"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		lookupsTotal:        lookupsTotal,
		operationDuration:   operationDuration,
		scanDuration:        scanDuration,
		scanDocuments:       scanDocuments,
		storeRequestsTotal:  storeRequestsTotal,
		storeRequestLatency: storeRequestLatency,
		evictionsTotal:      evictionsTotal,
		evictionBytesTotal:  evictionBytesTotal,
		blobWriteSize:       blobWriteSize,
		meterProvider:       mp,
		promHandler:         promHandler,
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

// RecordLookup records one metadata cache lookup.
func RecordLookup(ctx context.Context, op string, hit bool, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}

	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", result),
	))
	globalMetrics.operationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("op", op),
	))
}

// RecordScan records one document tree scan.
func RecordScan(ctx context.Context, duration time.Duration, documents, warnings int) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.scanDuration.Record(ctx, duration.Seconds())
	globalMetrics.scanDocuments.Add(ctx, int64(documents), metric.WithAttributes(
		attribute.Int("warnings", warnings),
	))
}

// RecordStoreOp records one content store operation.
func RecordStoreOp(ctx context.Context, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storeRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storeRequestLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordBlobWrite records a blob write with its size.
func RecordBlobWrite(ctx context.Context, size int64, isNew bool) {
	if globalMetrics == nil {
		return
	}

	result := "exists"
	if isNew {
		result = "new"
	}

	globalMetrics.blobWriteSize.Record(ctx, float64(size), metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordEviction records one blob eviction.
func RecordEviction(ctx context.Context, bytes int64) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.evictionsTotal.Add(ctx, 1)
	globalMetrics.evictionBytesTotal.Add(ctx, bytes)
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

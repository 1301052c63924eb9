package telemetry

import (
	"context"
	"net/http"
	"strconv"
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
	meterName = "github.com/wolfeidau/bache"
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
	rpcRequestsTotal   metric.Int64Counter
	rpcRequestDuration metric.Float64Histogram
	transferBytesTotal metric.Int64Counter
	casLookupsTotal    metric.Int64Counter

	blobWriteSize          metric.Float64Histogram
	blobTouchesTotal       metric.Int64Counter
	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	expiryEvictedTotal metric.Int64Counter
	expiryDuration     metric.Float64Histogram

	// S3-FIFO eviction metrics
	s3fifoAdmissionsTotal          metric.Int64Counter
	s3fifoAdmissionBytesTotal      metric.Int64Counter
	s3fifoGhostHitsTotal           metric.Int64Counter
	s3fifoPromotionsTotal          metric.Int64Counter
	s3fifoOneHitEvictionsTotal     metric.Int64Counter
	s3fifoOneHitEvictionBytesTotal metric.Int64Counter
	s3fifoSecondChanceTotal        metric.Int64Counter
	s3fifoEvictionsTotal           metric.Int64Counter
	s3fifoEvictionBytesTotal       metric.Int64Counter
	s3fifoEvictionRunDuration      metric.Float64Histogram
	s3fifoEvictionRunsTotal        metric.Int64Counter
	s3fifoQueueBytes               metric.Int64Gauge
	s3fifoQueueEntries             metric.Int64Gauge
	s3fifoGhostEntries             metric.Int64Gauge
	s3fifoTargetBytes              metric.Int64Gauge
	s3fifoCacheMaxSizeBytes        metric.Int64Gauge

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
		cfg.ServiceName = "bache"
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
			otlpmetricgrpc.WithInsecure(),
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

	// Without exporters, still collect so the instruments are live.
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

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	// counter and histogram keep the error handling for each instrument to
	// one line; the first failure wins.
	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	histogram := func(name, desc, unit string, buckets ...float64) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit(unit),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
		return h
	}
	gauge := func(name, desc, unit string) metric.Int64Gauge {
		if err != nil {
			return nil
		}
		var g metric.Int64Gauge
		g, err = meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return g
	}

	latency := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	m.rpcRequestsTotal = counter("bache_rpc_requests_total", "Total number of gRPC requests", "{request}")
	m.rpcRequestDuration = histogram("bache_rpc_request_duration_seconds", "gRPC request duration in seconds", "s", latency...)
	m.transferBytesTotal = counter("bache_transfer_bytes_total", "Blob bytes received from or sent to clients", "By")
	m.casLookupsTotal = counter("bache_cas_lookups_total", "Blob presence checks by result", "{lookup}")

	m.blobWriteSize = histogram("bache_blob_write_size_bytes", "Size of blobs written to storage", "By",
		128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824)
	m.blobTouchesTotal = counter("bache_blob_touches_total", "Total blob access count increments", "{touch}")
	m.backendRequestDuration = histogram("bache_backend_request_duration_seconds", "Duration of backend storage operations", "s", latency...)
	m.backendRequestsTotal = counter("bache_backend_requests_total", "Total number of backend storage operations", "{request}")
	m.backendBytesTotal = counter("bache_backend_bytes_total", "Total bytes transferred in backend operations", "By")

	m.expiryEvictedTotal = counter("bache_expiry_evicted_total", "Total blobs removed by expiry", "{blob}")
	m.expiryDuration = histogram("bache_expiry_duration_seconds", "Duration of expiry runs", "s", latency...)

	m.s3fifoAdmissionsTotal = counter("bache_s3fifo_admissions_total", "Total blobs admitted to S3-FIFO queues", "{blob}")
	m.s3fifoAdmissionBytesTotal = counter("bache_s3fifo_admission_bytes_total", "Total bytes admitted to S3-FIFO queues", "By")
	m.s3fifoGhostHitsTotal = counter("bache_s3fifo_ghost_hits_total", "Total ghost queue hits", "{hit}")
	m.s3fifoPromotionsTotal = counter("bache_s3fifo_promotions_total", "Total small to main promotions", "{blob}")
	m.s3fifoOneHitEvictionsTotal = counter("bache_s3fifo_one_hit_evictions_total", "Total blobs evicted from small without a second access", "{blob}")
	m.s3fifoOneHitEvictionBytesTotal = counter("bache_s3fifo_one_hit_eviction_bytes_total", "Total bytes freed by filtering one-hit wonders", "By")
	m.s3fifoSecondChanceTotal = counter("bache_s3fifo_second_chance_total", "Total main queue reinsertions", "{blob}")
	m.s3fifoEvictionsTotal = counter("bache_s3fifo_evictions_total", "Total evictions from S3-FIFO queues", "{blob}")
	m.s3fifoEvictionBytesTotal = counter("bache_s3fifo_eviction_bytes_total", "Total bytes freed by S3-FIFO eviction", "By")
	m.s3fifoEvictionRunDuration = histogram("bache_s3fifo_eviction_run_duration_seconds", "Duration of S3-FIFO eviction runs", "s", latency...)
	m.s3fifoEvictionRunsTotal = counter("bache_s3fifo_eviction_runs_total", "Total S3-FIFO eviction runs", "{run}")
	m.s3fifoQueueBytes = gauge("bache_s3fifo_queue_bytes", "Current bytes in each S3-FIFO queue", "By")
	m.s3fifoQueueEntries = gauge("bache_s3fifo_queue_entries", "Current entries in each S3-FIFO queue", "{entry}")
	m.s3fifoGhostEntries = gauge("bache_s3fifo_ghost_entries", "Current entries in the S3-FIFO ghost set", "{entry}")
	m.s3fifoTargetBytes = gauge("bache_s3fifo_target_bytes", "S3-FIFO small queue target size", "By")
	m.s3fifoCacheMaxSizeBytes = gauge("bache_s3fifo_cache_max_size_bytes", "Configured maximum cache size", "By")

	if err != nil {
		return nil, err
	}
	return &m, nil
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

// RecordRPC records a completed gRPC call. Instance and cache result are read
// from the request tags set by the interceptor and handlers.
func RecordRPC(ctx context.Context, method, code string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	instance := ""
	cacheResult := string(CacheNA)
	if tags := GetTags(ctx); tags != nil {
		instance = tags.Instance()
		cacheResult = string(tags.CacheResult())
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("code", code),
		attribute.String("instance", instance),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.rpcRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.rpcRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTransfer records blob bytes moved over the wire. direction is "in"
// for uploads and "out" for downloads.
func RecordTransfer(ctx context.Context, direction string, n int64) {
	if globalMetrics == nil || n <= 0 {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("instance", InstanceFromContext(ctx)),
	)
	globalMetrics.transferBytesTotal.Add(ctx, n, attrs)
}

// RecordCASLookups records the outcome of presence checks.
func RecordCASLookups(ctx context.Context, hits, misses int) {
	if globalMetrics == nil {
		return
	}
	instance := attribute.String("instance", InstanceFromContext(ctx))
	if hits > 0 {
		globalMetrics.casLookupsTotal.Add(ctx, int64(hits),
			metric.WithAttributes(instance, attribute.String("result", string(CacheHit))))
	}
	if misses > 0 {
		globalMetrics.casLookupsTotal.Add(ctx, int64(misses),
			metric.WithAttributes(instance, attribute.String("result", string(CacheMiss))))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordBlobWrite records a blob write with its size.
func RecordBlobWrite(ctx context.Context, store string, size int64, isNew bool) {
	if globalMetrics == nil {
		return
	}

	result := "exists"
	if isNew {
		result = "new"
	}

	attrs := []attribute.KeyValue{
		attribute.String("store", store),
		attribute.String("result", result),
	}
	globalMetrics.blobWriteSize.Record(ctx, float64(size), metric.WithAttributes(attrs...))
}

// RecordBlobTouch records a blob access count increment.
func RecordBlobTouch(ctx context.Context, store string, newAccessCount int) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("store", store),
		attribute.String("new_access_count", strconv.Itoa(newAccessCount)),
	}
	globalMetrics.blobTouchesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
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

// RecordS3FIFOAdmission records a blob admission to an S3-FIFO queue.
// queue is "small" or "main", reason is "new" or "ghost_hit".
func RecordS3FIFOAdmission(ctx context.Context, queue, reason string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("instance", InstanceFromContext(ctx)),
		attribute.String("queue", queue),
		attribute.String("reason", reason),
	}
	globalMetrics.s3fifoAdmissionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.s3fifoAdmissionBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
}

// RecordS3FIFOGhostHit records a ghost queue hit.
func RecordS3FIFOGhostHit(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("instance", InstanceFromContext(ctx)))
	globalMetrics.s3fifoGhostHitsTotal.Add(ctx, 1, attrs)
}

// RecordS3FIFOPromotion records a small to main promotion.
func RecordS3FIFOPromotion(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("instance", InstanceFromContext(ctx)))
	globalMetrics.s3fifoPromotionsTotal.Add(ctx, 1, attrs)
}

// RecordS3FIFOOneHitEviction records a one-hit-wonder eviction from the small queue.
func RecordS3FIFOOneHitEviction(ctx context.Context, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("instance", InstanceFromContext(ctx)))
	globalMetrics.s3fifoOneHitEvictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.s3fifoOneHitEvictionBytesTotal.Add(ctx, bytes, attrs)
}

// RecordS3FIFOSecondChance records a main queue second-chance reinsertion.
func RecordS3FIFOSecondChance(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("instance", InstanceFromContext(ctx)))
	globalMetrics.s3fifoSecondChanceTotal.Add(ctx, 1, attrs)
}

// RecordS3FIFOEviction records a final eviction from a queue.
// queue is "small" or "main".
func RecordS3FIFOEviction(ctx context.Context, queue string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("queue", queue))
	globalMetrics.s3fifoEvictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.s3fifoEvictionBytesTotal.Add(ctx, bytes, attrs)
}

// RecordS3FIFOEvictionRun records the duration of one eviction pass.
func RecordS3FIFOEvictionRun(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.s3fifoEvictionRunDuration.Record(ctx, duration.Seconds())
	globalMetrics.s3fifoEvictionRunsTotal.Add(ctx, 1)
}

// UpdateS3FIFOQueueState updates all S3-FIFO queue-state gauges.
func UpdateS3FIFOQueueState(ctx context.Context, smallBytes, mainBytes int64, smallEntries, mainEntries, ghostEntries int, maxBytes, targetBytes int64) {
	if globalMetrics == nil {
		return
	}
	small := metric.WithAttributes(attribute.String("queue", "small"))
	main := metric.WithAttributes(attribute.String("queue", "main"))
	globalMetrics.s3fifoQueueBytes.Record(ctx, smallBytes, small)
	globalMetrics.s3fifoQueueBytes.Record(ctx, mainBytes, main)
	globalMetrics.s3fifoQueueEntries.Record(ctx, int64(smallEntries), small)
	globalMetrics.s3fifoQueueEntries.Record(ctx, int64(mainEntries), main)
	globalMetrics.s3fifoGhostEntries.Record(ctx, int64(ghostEntries))
	globalMetrics.s3fifoTargetBytes.Record(ctx, targetBytes)
	globalMetrics.s3fifoCacheMaxSizeBytes.Record(ctx, maxBytes)
}

// RecordExpiryRun records one expiry run's evicted count and duration.
// Called unconditionally per run.
func RecordExpiryRun(ctx context.Context, name string, evicted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("store", name))
	globalMetrics.expiryEvictedTotal.Add(ctx, int64(evicted), attrs)
	globalMetrics.expiryDuration.Record(ctx, duration.Seconds(), attrs)
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

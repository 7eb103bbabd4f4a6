package instrumentation

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "lockrs"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// instrumentationPrefix namespaces meters and tracers
	instrumentationPrefix = "github.com/quasiuslikecautious/lockrs-sub001/"
)

// Exporter names accepted by Config.
const (
	ExporterNone       = "none"
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service. Default: "lockrs"
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// MetricsExporter selects the metrics pipeline: "prometheus" or "none".
	// With "prometheus" the metrics are served by Handler().
	MetricsExporter string

	// TracesExporter selects the trace pipeline: "otlp" or "none"
	TracesExporter string

	// OTLPEndpoint is the host:port of the OTLP gRPC collector
	OTLPEndpoint string

	// OTLPInsecure disables TLS towards the collector
	OTLPInsecure bool

	// Resource allows custom resource attributes.
	// If nil, a resource is created with service name and version.
	Resource *resource.Resource

	// MeterProvider and TracerProvider override the providers built from the
	// exporter settings. Tests use them to attach in-memory readers.
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	// registry backs the Prometheus handler when the prometheus exporter is active
	registry *prometheus.Registry

	metrics *Metrics

	// Shutdown functions, registered during New() only
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		if err := inst.initializeProviders(context.Background()); err != nil {
			_ = inst.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders builds meter and tracer providers from the exporter settings
func (i *Instrumentation) initializeProviders(ctx context.Context) error {
	switch {
	case i.config.MeterProvider != nil:
		i.meterProvider = i.config.MeterProvider
	case i.config.MetricsExporter == ExporterPrometheus:
		i.registry = prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(i.registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(i.resource),
		)
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
		i.meterProvider = mp
	case i.config.MetricsExporter == "" || i.config.MetricsExporter == ExporterNone:
		i.meterProvider = noop.NewMeterProvider()
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	switch {
	case i.config.TracerProvider != nil:
		i.tracerProvider = i.config.TracerProvider
	case i.config.TracesExporter == ExporterOTLP:
		opts := []otlptracegrpc.Option{}
		if i.config.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(i.config.OTLPEndpoint))
		}
		if i.config.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to create otlp trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(i.resource),
		)
		i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
		i.tracerProvider = tp
	case i.config.TracesExporter == "" || i.config.TracesExporter == ExporterNone:
		i.tracerProvider = tracenoop.NewTracerProvider()
	default:
		return fmt.Errorf("unsupported traces exporter %q", i.config.TracesExporter)
	}

	return nil
}

// Shutdown flushes and stops all exporters. Safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope ("server", "storage", "keyset", ...)
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationPrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationPrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// Handler serves the Prometheus exposition format. Without the prometheus
// exporter it serves an empty registry.
func (i *Instrumentation) Handler() http.Handler {
	if i.registry == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// StorageSizes groups the callbacks a backend can report. Nil callbacks are skipped.
type StorageSizes struct {
	Clients              StorageSizeCallback
	AuthorizationCodes   StorageSizeCallback
	DeviceAuthorizations StorageSizeCallback
	RefreshTokens        StorageSizeCallback
	AccessTokens         StorageSizeCallback
}

// RegisterStorageSizeCallbacks registers callbacks for storage size gauges.
// Storage implementations call this from SetInstrumentation.
func (i *Instrumentation) RegisterStorageSizeCallbacks(sizes StorageSizes) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	m := i.metrics
	observe := func(observer metric.Observer, gauge metric.Int64ObservableGauge, cb StorageSizeCallback) {
		if cb != nil {
			observer.ObserveInt64(gauge, cb())
		}
	}

	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observe(observer, m.StorageClientsCount, sizes.Clients)
			observe(observer, m.StorageCodesCount, sizes.AuthorizationCodes)
			observe(observer, m.StorageDeviceAuthorizationsCount, sizes.DeviceAuthorizations)
			observe(observer, m.StorageRefreshTokensCount, sizes.RefreshTokens)
			observe(observer, m.StorageAccessTokensCount, sizes.AccessTokens)
			return nil
		},
		m.StorageClientsCount,
		m.StorageCodesCount,
		m.StorageDeviceAuthorizationsCount,
		m.StorageRefreshTokensCount,
		m.StorageAccessTokensCount,
	)

	return err
}

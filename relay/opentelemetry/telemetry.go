package opentelemetry

import (
	"context"
	"errors"
	"fmt"

	constant "github.com/LerianStudio/lib-relay/relay/constants"
	"github.com/LerianStudio/lib-relay/relay/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNilTelemetryConfig is returned for a nil config.
	ErrNilTelemetryConfig = errors.New("telemetry config cannot be nil")
	// ErrMissingCollectorEndpoint is returned when telemetry is enabled without an endpoint.
	ErrMissingCollectorEndpoint = errors.New("telemetry collector endpoint is required when telemetry is enabled")
)

// TelemetryConfig describes the service being instrumented.
type TelemetryConfig struct {
	LibraryName               string
	ServiceName               string
	ServiceVersion            string
	DeploymentEnv             string
	CollectorExporterEndpoint string
	EnableTelemetry           bool
	Logger                    log.Logger
}

// Telemetry holds the providers built by NewTelemetry.
type Telemetry struct {
	TelemetryConfig
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider
	shutdown       []func(context.Context) error
}

// NewTelemetry builds tracer, meter and logger providers. When telemetry is
// enabled they export over OTLP/gRPC and are installed as the globals.
func NewTelemetry(ctx context.Context, cfg *TelemetryConfig) (*Telemetry, error) {
	if cfg == nil {
		return nil, ErrNilTelemetryConfig
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	if !cfg.EnableTelemetry {
		logger.Log(ctx, log.LevelWarn, "telemetry disabled, using in-process providers")

		return &Telemetry{
			TelemetryConfig: *cfg,
			TracerProvider:  sdktrace.NewTracerProvider(),
			MeterProvider:   sdkmetric.NewMeterProvider(),
			LoggerProvider:  sdklog.NewLoggerProvider(),
		}, nil
	}

	if cfg.CollectorExporterEndpoint == "" {
		return nil, ErrMissingCollectorEndpoint
	}

	res := cfg.newResource()

	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("can't initialize tracer exporter: %w", err)
	}

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("can't initialize metric exporter: %w", err)
	}

	logExp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(cfg.CollectorExporterEndpoint), otlploggrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("can't initialize logger exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)
	lp := sdklog.NewLoggerProvider(sdklog.WithResource(res), sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Log(ctx, log.LevelInfo, "telemetry initialized", log.String("endpoint", cfg.CollectorExporterEndpoint))

	return &Telemetry{
		TelemetryConfig: *cfg,
		TracerProvider:  tp,
		MeterProvider:   mp,
		LoggerProvider:  lp,
		shutdown:        []func(context.Context) error{mp.Shutdown, tp.Shutdown, lp.Shutdown},
	}, nil
}

func (cfg *TelemetryConfig) newResource() *sdkresource.Resource {
	return sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.DeploymentEnv),
		semconv.TelemetrySDKName(constant.TelemetrySDKName),
		semconv.TelemetrySDKLanguageGo,
	)
}

// Tracer returns a tracer scoped to the library name.
//
//nolint:ireturn
func (tl *Telemetry) Tracer() trace.Tracer {
	return tl.TracerProvider.Tracer(tl.LibraryName)
}

// Meter returns a meter scoped to the library name.
//
//nolint:ireturn
func (tl *Telemetry) Meter() metric.Meter {
	return tl.MeterProvider.Meter(tl.LibraryName)
}

// Shutdown flushes and stops the exporting providers.
func (tl *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	for _, fn := range tl.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

package telemetry

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
)

const instrumentationName = "github.com/phonghmnguyen/ke0lock"

type Config struct {
	ServiceName, ServiceHost, LogFileName string

	LogLevel zapcore.Level

	// Destination of the stdout trace and metric exporters, nil discards the exports
	ExportTo io.Writer
}

type CancelFunc func(ctx context.Context) error

func Init(ctx context.Context, cfg Config) (CancelFunc, error) {
	exportTo := cfg.ExportTo
	if exportTo == nil {
		exportTo = io.Discard
	}

	otelShutdown, err := setupOTelSDK(ctx, cfg.ServiceName, exportTo)
	if err != nil {
		return otelShutdown, err
	}

	logger := NewZapLogger(LogConfig{
		ServiceName: cfg.ServiceName,
		ServiceHost: cfg.ServiceHost,
		LogFileName: cfg.LogFileName,
		Level:       cfg.LogLevel,
	})
	SetLogger(logger)

	return func(ctx context.Context) error {
		defer logger.Sync()
		return otelShutdown(ctx)
	}, nil
}

// GetTracer returns a tracer from the global provider, a no-op tracer before Init
func GetTracer() trace.Tracer {
	return otel.Tracer(instrumentationName, trace.WithInstrumentationAttributes(
		attribute.String("service.component", "locking")),
	)
}

// GetMeter returns a meter from the global provider, a no-op meter before Init
func GetMeter() metric.Meter {
	return otel.Meter(instrumentationName, metric.WithInstrumentationAttributes(
		attribute.String("service.component", "locking")),
	)
}

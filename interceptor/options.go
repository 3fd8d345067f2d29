package interceptor

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/phonghmnguyen/ke0lock/telemetry"
)

type Option func(*LockingInterceptor)

func WithLogger(logger telemetry.Logger) Option {
	return func(li *LockingInterceptor) {
		if logger != nil {
			li.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(li *LockingInterceptor) {
		if tracer != nil {
			li.tracer = tracer
		}
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(li *LockingInterceptor) {
		if meter != nil {
			li.meter = meter
		}
	}
}

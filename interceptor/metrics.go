package interceptor

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/phonghmnguyen/ke0lock/lock"
)

type metrics struct {
	acquiredCounter metric.Int64Counter
	timeoutCounter  metric.Int64Counter
	failureCounter  metric.Int64Counter
	l1SkipCounter   metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)

	if m.acquiredCounter, err = meter.Int64Counter("locking.acquired",
		metric.WithDescription("Key locks acquired by the locking interceptor")); err != nil {
		return nil, err
	}

	if m.timeoutCounter, err = meter.Int64Counter("locking.timeouts",
		metric.WithDescription("Lock acquisitions that ran out of time")); err != nil {
		return nil, err
	}

	if m.failureCounter, err = meter.Int64Counter("locking.failures",
		metric.WithDescription("Lock acquisitions that failed for reasons other than a timeout")); err != nil {
		return nil, err
	}

	if m.l1SkipCounter, err = meter.Int64Counter("locking.l1.skipped",
		metric.WithDescription("Keys left out of an L1 invalidation because they could not be locked")); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *metrics) acquired(ctx context.Context, n int64) {
	m.acquiredCounter.Add(ctx, n)
}

func (m *metrics) failed(ctx context.Context, err error) {
	if errors.Is(err, lock.ErrLockTimeout) {
		m.timeoutCounter.Add(ctx, 1)
		return
	}

	m.failureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("error", failureClass(err))))
}

// failureClass buckets lock failures into a fixed set of metric attribute values
func failureClass(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "ctx_canceled"

	case errors.Is(err, context.DeadlineExceeded):
		return "ctx_deadline"

	case errors.Is(err, lock.ErrEmptyOwner):
		return "empty_owner"

	default:
		return "other"
	}
}

func (m *metrics) l1Skipped(ctx context.Context) {
	m.l1SkipCounter.Add(ctx, 1)
}

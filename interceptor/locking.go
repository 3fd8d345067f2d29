package interceptor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/phonghmnguyen/ke0lock/command"
	"github.com/phonghmnguyen/ke0lock/lock"
	"github.com/phonghmnguyen/ke0lock/ownership"
	"github.com/phonghmnguyen/ke0lock/pipeline"
	"github.com/phonghmnguyen/ke0lock/telemetry"
)

const DefaultLockAcquisitionTimeout = 10 * time.Second

var ErrUnsupportedCommand = errors.New("unsupported command")

type Config struct {
	// Budget for blocking lock acquisitions
	LockAcquisitionTimeout time.Duration

	// Address of the local node, compared against the origin of L1 invalidations
	LocalAddress string
}

var _ pipeline.Interceptor = (*LockingInterceptor)(nil)

// LockingInterceptor acquires the key locks a command needs before it proceeds down the
// pipeline and guarantees they are released once it settles
type LockingInterceptor struct {
	cfg Config

	locks lock.LockManager

	oracle ownership.Oracle

	logger telemetry.Logger

	tracer trace.Tracer

	meter metric.Meter

	metrics *metrics
}

func NewLockingInterceptor(locks lock.LockManager, oracle ownership.Oracle, cfg Config, options ...Option) (*LockingInterceptor, error) {
	if locks == nil || oracle == nil {
		return nil, errors.New("a lock manager and an ownership oracle must be provided")
	}

	if cfg.LockAcquisitionTimeout <= 0 {
		cfg.LockAcquisitionTimeout = DefaultLockAcquisitionTimeout
	}

	li := &LockingInterceptor{
		cfg:    cfg,
		locks:  locks,
		oracle: oracle,
		logger: telemetry.Log(),
		tracer: telemetry.GetTracer(),
		meter:  telemetry.GetMeter(),
	}

	for _, opt := range options {
		opt(li)
	}

	m, err := newMetrics(li.meter)
	if err != nil {
		return nil, err
	}
	li.metrics = m

	return li, nil
}

func (li *LockingInterceptor) Intercept(ctx context.Context, ictx *pipeline.Context, cmd command.Command) (pipeline.Decision, error) {
	ctx, span := li.tracer.Start(ctx, "locking."+cmd.Kind().String(), trace.WithAttributes(
		attribute.String("lock.owner", ictx.Owner()),
		attribute.Bool("lock.tx_scope", ictx.InTxScope()),
		attribute.String("command.flags", cmd.Flags().String()),
	))
	defer span.End()

	decision, err := li.dispatch(ctx, ictx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return decision, err
}

func (li *LockingInterceptor) dispatch(ctx context.Context, ictx *pipeline.Context, cmd command.Command) (pipeline.Decision, error) {
	switch c := cmd.(type) {
	case command.Clear:
		// whole cache clears are coordinated elsewhere
		return pipeline.Continue(c), nil

	case command.Read:
		return pipeline.Continue(c), nil

	case command.Write:
		return li.visitWrite(ctx, ictx, c)

	case command.Invalidate:
		return li.visitInvalidate(ctx, ictx, c)

	case command.InvalidateL1:
		return li.visitInvalidateL1(ctx, ictx, c)

	default:
		return pipeline.Decision{}, fmt.Errorf("%w: %T", ErrUnsupportedCommand, cmd)
	}
}

func (li *LockingInterceptor) visitWrite(ctx context.Context, ictx *pipeline.Context, c command.Write) (pipeline.Decision, error) {
	if c.Flags().Has(command.SkipLocking) || !li.shouldLockKey(c.Key) {
		return pipeline.Continue(c), nil
	}

	if !ictx.InTxScope() {
		ictx.OnCompletion(li.unlockAll)
	}

	if err := li.lockAndRecord(ctx, ictx, c.Key, li.lockTimeout(c)); err != nil {
		return pipeline.Decision{}, err
	}

	return pipeline.Continue(c), nil
}

func (li *LockingInterceptor) visitInvalidate(ctx context.Context, ictx *pipeline.Context, c command.Invalidate) (pipeline.Decision, error) {
	if c.Flags().Has(command.SkipLocking) {
		return pipeline.Continue(c), nil
	}

	if !ictx.InTxScope() {
		ictx.OnCompletion(li.unlockAll)
	}

	if err := li.lockAllAndRecord(ctx, ictx, c.Keys(), li.lockTimeout(c)); err != nil {
		return pipeline.Decision{}, err
	}

	return pipeline.Continue(c), nil
}

func (li *LockingInterceptor) visitInvalidateL1(ctx context.Context, ictx *pipeline.Context, c command.InvalidateL1) (pipeline.Decision, error) {
	if c.CausedBy(li.cfg.LocalAddress) {
		li.logger.Debugf("Skipping L1 invalidation as the write operation originated at %s", c.Origin)
		return pipeline.ShortCircuit(nil), nil
	}

	if c.Flags().Has(command.SkipLocking) {
		return pipeline.Continue(c), nil
	}

	keys := c.Keys()
	if len(keys) == 0 {
		return pipeline.ShortCircuit(nil), nil
	}

	succeeded := make([]string, 0, len(keys))
	for _, key := range keys {
		err := li.lockAndRecord(ctx, ictx, key, 0)
		switch {
		case err == nil:
			succeeded = append(succeeded, key)

		case errors.Is(err, lock.ErrLockTimeout):
			// the entry is in use, its invalidation is deferred instead of blocking the writer
			li.logger.Warnf("Unable to lock key %s to invalidate it from L1 on %s: %v", key, li.cfg.LocalAddress, err)
			li.metrics.l1Skipped(ctx)

		default:
			if !ictx.InTxScope() {
				li.unlockAll(ctx, ictx, nil)
			}
			return pipeline.Decision{}, err
		}
	}

	if len(succeeded) == 0 {
		return pipeline.ShortCircuit(nil), nil
	}

	ictx.OnCompletion(func(ctx context.Context, ictx *pipeline.Context, ret *pipeline.Return) {
		// upstream observers see the originally intended scope
		ret.Command = c
		if !ictx.InTxScope() {
			li.unlockAll(ctx, ictx, ret)
		}
	})

	return pipeline.Continue(c.WithKeys(succeeded)), nil
}

// unlockAll is the return handler of non-transactional invocations
func (li *LockingInterceptor) unlockAll(ctx context.Context, ictx *pipeline.Context, _ *pipeline.Return) {
	li.locks.UnlockAll(ictx.Owner())
	ictx.ClearLockedKeys()
}

func (li *LockingInterceptor) lockTimeout(c command.Command) time.Duration {
	if c.Flags().Has(command.ZeroLockTimeout) {
		return 0
	}

	return li.cfg.LockAcquisitionTimeout
}

// shouldLockKey reports whether the local node serializes writes to key, only the primary owner does
func (li *LockingInterceptor) shouldLockKey(key string) bool {
	shouldLock := li.oracle.IsPrimaryOwner(key)
	li.logger.Debugf("Are (%s) we the lock owners for key %s? %t", li.cfg.LocalAddress, key, shouldLock)
	return shouldLock
}

// lockAndRecord records key in the context before locking it, the record is dropped again if the lock fails
func (li *LockingInterceptor) lockAndRecord(ctx context.Context, ictx *pipeline.Context, key string, timeout time.Duration) error {
	recorded := ictx.IsLocked(key)
	ictx.AddLockedKey(key)

	if err := li.locks.Lock(ctx, key, ictx.Owner(), timeout); err != nil {
		if !recorded {
			ictx.RemoveLockedKey(key)
		}
		li.metrics.failed(ctx, err)
		return err
	}

	li.metrics.acquired(ctx, 1)
	return nil
}

func (li *LockingInterceptor) lockAllAndRecord(ctx context.Context, ictx *pipeline.Context, keys []string, timeout time.Duration) error {
	fresh := make([]string, 0, len(keys))
	for _, key := range keys {
		if !ictx.IsLocked(key) {
			fresh = append(fresh, key)
		}
		ictx.AddLockedKey(key)
	}

	if err := li.locks.LockAll(ctx, keys, ictx.Owner(), timeout); err != nil {
		for _, key := range fresh {
			ictx.RemoveLockedKey(key)
		}
		li.metrics.failed(ctx, err)
		return err
	}

	li.metrics.acquired(ctx, int64(len(keys)))
	return nil
}

package interceptor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/phonghmnguyen/ke0lock/command"
	"github.com/phonghmnguyen/ke0lock/lock"
	"github.com/phonghmnguyen/ke0lock/ownership"
	"github.com/phonghmnguyen/ke0lock/pipeline"
	"github.com/phonghmnguyen/ke0lock/telemetry"
)

const (
	localAddr  = "node-1:4000"
	remoteAddr = "node-2:4000"
	timeout    = 250 * time.Millisecond
)

var errDownstream = errors.New("downstream failure")

type lockCall struct {
	method  string
	keys    []string
	owner   string
	timeout time.Duration
}

// recordingLocks records every call and fails acquisitions of the configured keys
type recordingLocks struct {
	mu    sync.Mutex
	calls []lockCall
	busy  map[string]bool
	held  map[string]string
}

func newRecordingLocks(busy ...string) *recordingLocks {
	rl := &recordingLocks{busy: make(map[string]bool), held: make(map[string]string)}
	for _, key := range busy {
		rl.busy[key] = true
	}
	return rl
}

func (rl *recordingLocks) Lock(ctx context.Context, key, owner string, timeout time.Duration) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.calls = append(rl.calls, lockCall{method: "Lock", keys: []string{key}, owner: owner, timeout: timeout})
	if rl.busy[key] {
		return pkgerrors.Wrapf(lock.ErrLockTimeout, "key %s", key)
	}
	rl.held[key] = owner
	return nil
}

func (rl *recordingLocks) LockAll(ctx context.Context, keys []string, owner string, timeout time.Duration) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.calls = append(rl.calls, lockCall{method: "LockAll", keys: append([]string(nil), keys...), owner: owner, timeout: timeout})
	for _, key := range keys {
		if rl.busy[key] {
			return pkgerrors.Wrapf(lock.ErrLockTimeout, "key %s", key)
		}
	}
	for _, key := range keys {
		rl.held[key] = owner
	}
	return nil
}

func (rl *recordingLocks) UnlockAll(owner string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.calls = append(rl.calls, lockCall{method: "UnlockAll", owner: owner})
	for key, holder := range rl.held {
		if holder == owner {
			delete(rl.held, key)
		}
	}
}

func (rl *recordingLocks) count(method string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	n := 0
	for _, c := range rl.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func (rl *recordingLocks) acquisitions() int {
	return rl.count("Lock") + rl.count("LockAll")
}

// countingOracle counts ownership queries
type countingOracle struct {
	primary bool
	queries int
}

func (o *countingOracle) IsPrimaryOwner(string) bool {
	o.queries++
	return o.primary
}

// recordingTerminal remembers the forwarded command and settles with err
type recordingTerminal struct {
	forwarded command.Command
	calls     int
	err       error
}

func (rt *recordingTerminal) Handle(ctx context.Context, ictx *pipeline.Context, cmd command.Command) (any, error) {
	rt.calls++
	rt.forwarded = cmd
	return "ok", rt.err
}

type fixture struct {
	locks    *recordingLocks
	oracle   *countingOracle
	terminal *recordingTerminal
	chain    *pipeline.Chain
}

func newFixture(t *testing.T, primary bool, busy ...string) *fixture {
	t.Helper()

	f := &fixture{
		locks:    newRecordingLocks(busy...),
		oracle:   &countingOracle{primary: primary},
		terminal: &recordingTerminal{},
	}

	li, err := NewLockingInterceptor(f.locks, f.oracle, Config{
		LockAcquisitionTimeout: timeout,
		LocalAddress:           localAddr,
	},
		WithLogger(telemetry.Nop()),
		WithTracer(tracenoop.NewTracerProvider().Tracer("test")),
		WithMeter(metricnoop.NewMeterProvider().Meter("test")),
	)
	require.NoError(t, err)

	f.chain = pipeline.NewChain(f.terminal, []pipeline.Interceptor{li}, pipeline.WithLogger(telemetry.Nop()))
	return f
}

func (f *fixture) invoke(ictx *pipeline.Context, cmd command.Command) pipeline.Return {
	return f.chain.Invoke(context.Background(), ictx, cmd)
}

func TestNewLockingInterceptorRequiresCollaborators(t *testing.T) {
	_, err := NewLockingInterceptor(nil, ownership.Static(true), Config{})
	require.Error(t, err)

	_, err = NewLockingInterceptor(newRecordingLocks(), nil, Config{})
	require.Error(t, err)
}

func TestWriteOnPrimaryOwnerLocksAndUnlocksOnce(t *testing.T) {
	ops := []command.WriteOp{
		command.OpPut, command.OpReplace, command.OpRemove,
		command.OpReadWriteKey, command.OpReadWriteKeyValue,
		command.OpWriteOnlyKey, command.OpWriteOnlyKeyValue,
	}

	for _, op := range ops {
		t.Run(op.String(), func(t *testing.T) {
			f := newFixture(t, true)
			ictx := pipeline.NewContext()

			ret := f.invoke(ictx, command.Write{Op: op, Key: "k", Value: []byte("v")})
			require.NoError(t, ret.Err)
			assert.Equal(t, 1, f.terminal.calls)

			require.Equal(t, 1, f.locks.count("Lock"))
			call := f.locks.calls[0]
			assert.Equal(t, []string{"k"}, call.keys)
			assert.Equal(t, ictx.Owner(), call.owner)
			assert.Equal(t, timeout, call.timeout)

			assert.Equal(t, 1, f.locks.count("UnlockAll"))
			assert.Empty(t, ictx.LockedKeys())
		})
	}
}

func TestWriteUnlocksOnceWhenDownstreamFails(t *testing.T) {
	f := newFixture(t, true)
	f.terminal.err = errDownstream

	ret := f.invoke(pipeline.NewContext(), command.Write{Key: "k"})
	require.ErrorIs(t, ret.Err, errDownstream)
	assert.Equal(t, 1, f.locks.count("UnlockAll"))
}

func TestWriteUnlocksWhenDownstreamPanics(t *testing.T) {
	f := newFixture(t, true)
	panicking := pipeline.HandlerFunc(func(ctx context.Context, ictx *pipeline.Context, cmd command.Command) (any, error) {
		panic("boom")
	})

	li, err := NewLockingInterceptor(f.locks, f.oracle, Config{LocalAddress: localAddr}, WithLogger(telemetry.Nop()))
	require.NoError(t, err)
	chain := pipeline.NewChain(panicking, []pipeline.Interceptor{li})

	assert.Panics(t, func() {
		chain.Invoke(context.Background(), pipeline.NewContext(), command.Write{Key: "k"})
	})
	assert.Equal(t, 1, f.locks.count("UnlockAll"))
}

func TestZeroLockTimeoutFlag(t *testing.T) {
	testCases := []struct {
		desc    string
		cmd     command.Command
		method  string
		timeout time.Duration
	}{
		{desc: "Write", cmd: command.Write{Key: "k"}, method: "Lock", timeout: timeout},
		{desc: "Write with zero lock timeout", cmd: command.Write{Key: "k", Flag: command.ZeroLockTimeout}, method: "Lock", timeout: 0},
		{desc: "Invalidate", cmd: command.NewInvalidate([]string{"x", "y"}, 0), method: "LockAll", timeout: timeout},
		{desc: "Invalidate with zero lock timeout", cmd: command.NewInvalidate([]string{"x", "y"}, command.ZeroLockTimeout), method: "LockAll", timeout: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t, true)

			ret := f.invoke(pipeline.NewContext(), tc.cmd)
			require.NoError(t, ret.Err)
			require.Equal(t, 1, f.locks.count(tc.method))
			assert.Equal(t, tc.method, f.locks.calls[0].method)
			assert.Equal(t, tc.timeout, f.locks.calls[0].timeout)
		})
	}
}

func TestFailureClassIsBounded(t *testing.T) {
	testCases := []struct {
		desc  string
		err   error
		class string
	}{
		{desc: "Canceled", err: pkgerrors.Wrapf(context.Canceled, "waiting for lock on key %q", "user-42"), class: "ctx_canceled"},
		{desc: "Deadline", err: pkgerrors.Wrap(context.DeadlineExceeded, "key k"), class: "ctx_deadline"},
		{desc: "Empty owner", err: lock.ErrEmptyOwner, class: "empty_owner"},
		{desc: "Other", err: errors.New("owner 3f0c held key user-42"), class: "other"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.class, failureClass(tc.err))
		})
	}
}

func TestWriteLockTimeoutPropagates(t *testing.T) {
	f := newFixture(t, true, "k")
	ictx := pipeline.NewContext()

	ret := f.invoke(ictx, command.Write{Key: "k"})
	require.ErrorIs(t, ret.Err, lock.ErrLockTimeout)
	assert.Equal(t, 0, f.terminal.calls, "a failed lock must not be forwarded")
	assert.Empty(t, ictx.LockedKeys())
}

func TestWriteOnNonOwnerDoesNotLock(t *testing.T) {
	f := newFixture(t, false)

	ret := f.invoke(pipeline.NewContext(), command.Write{Key: "k"})
	require.NoError(t, ret.Err)
	assert.Equal(t, 1, f.terminal.calls)
	assert.Equal(t, 1, f.oracle.queries)
	assert.Equal(t, 0, f.locks.acquisitions())
	assert.Equal(t, 0, f.locks.count("UnlockAll"))
}

func TestSkipLockingNeverAcquires(t *testing.T) {
	testCases := []struct {
		desc string
		cmd  command.Command
	}{
		{desc: "Write", cmd: command.Write{Key: "k", Flag: command.SkipLocking}},
		{desc: "Invalidate", cmd: command.NewInvalidate([]string{"x", "y"}, command.SkipLocking)},
		{desc: "InvalidateL1", cmd: command.NewInvalidateL1([]string{"a"}, command.SkipLocking, remoteAddr)},
		{desc: "Clear", cmd: command.Clear{Flag: command.SkipLocking}},
		{desc: "Read", cmd: command.Read{Key: "k", Flag: command.SkipLocking}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t, true)

			ret := f.invoke(pipeline.NewContext(), tc.cmd)
			require.NoError(t, ret.Err)
			assert.Equal(t, tc.cmd, f.terminal.forwarded)
			assert.Equal(t, 0, f.locks.acquisitions())
			assert.Equal(t, 0, f.locks.count("UnlockAll"))
		})
	}
}

func TestClearAndReadNeverTouchLocksOrOwnership(t *testing.T) {
	for _, cmd := range []command.Command{command.Clear{}, command.Read{Key: "k"}} {
		t.Run(cmd.Kind().String(), func(t *testing.T) {
			f := newFixture(t, true)

			ret := f.invoke(pipeline.NewContext(), cmd)
			require.NoError(t, ret.Err)
			assert.Equal(t, cmd, f.terminal.forwarded)
			assert.Empty(t, f.locks.calls)
			assert.Equal(t, 0, f.oracle.queries)
		})
	}
}

func TestTransactionalContextNeverUnlocks(t *testing.T) {
	testCases := []struct {
		desc string
		cmd  command.Command
	}{
		{desc: "Write", cmd: command.Write{Key: "k"}},
		{desc: "Invalidate", cmd: command.NewInvalidate([]string{"x", "y"}, 0)},
		{desc: "InvalidateL1", cmd: command.NewInvalidateL1([]string{"a", "b"}, 0, remoteAddr)},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			f := newFixture(t, true)
			ictx := pipeline.NewContext(pipeline.WithTxScope())

			ret := f.invoke(ictx, tc.cmd)
			require.NoError(t, ret.Err)
			assert.Equal(t, 0, f.locks.count("UnlockAll"))
			assert.Equal(t, command.Keys(tc.cmd), ictx.LockedKeys(), "locks stay recorded until the transaction ends")
		})
	}
}

func TestTransactionalWriteFailureDropsRecord(t *testing.T) {
	f := newFixture(t, true, "k")
	ictx := pipeline.NewContext(pipeline.WithTxScope())

	ret := f.invoke(ictx, command.Write{Key: "k"})
	require.ErrorIs(t, ret.Err, lock.ErrLockTimeout)
	assert.Equal(t, 0, f.locks.count("UnlockAll"))
	assert.Empty(t, ictx.LockedKeys())
}

func TestInvalidateLocksAllKeys(t *testing.T) {
	f := newFixture(t, false)
	ictx := pipeline.NewContext()

	ret := f.invoke(ictx, command.NewInvalidate([]string{"x", "y"}, 0))
	require.NoError(t, ret.Err)

	require.Equal(t, 1, f.locks.count("LockAll"))
	assert.Equal(t, []string{"x", "y"}, f.locks.calls[0].keys)
	assert.Equal(t, timeout, f.locks.calls[0].timeout)
	assert.Equal(t, 0, f.oracle.queries, "invalidation ignores ownership")
	assert.Equal(t, 1, f.locks.count("UnlockAll"))
}

func TestInvalidateFailsWholeOperation(t *testing.T) {
	f := newFixture(t, true, "y")
	ictx := pipeline.NewContext()

	ret := f.invoke(ictx, command.NewInvalidate([]string{"x", "y"}, 0))
	require.ErrorIs(t, ret.Err, lock.ErrLockTimeout)
	assert.Equal(t, 0, f.terminal.calls)
	assert.Equal(t, 1, f.locks.count("UnlockAll"), "cleanup runs for whatever was recorded")
	assert.Empty(t, f.locks.held)
	assert.Empty(t, ictx.LockedKeys())
}

func TestInvalidateL1NarrowsAndRestoresKeys(t *testing.T) {
	f := newFixture(t, true, "b")
	ictx := pipeline.NewContext()
	original := command.NewInvalidateL1([]string{"a", "b", "c"}, 0, remoteAddr)

	ret := f.invoke(ictx, original)
	require.NoError(t, ret.Err)

	forwarded, ok := f.terminal.forwarded.(command.InvalidateL1)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "c"}, forwarded.Keys())
	assert.Equal(t, remoteAddr, forwarded.Origin)

	assert.Equal(t, []string{"a", "b", "c"}, command.Keys(ret.Command))
	assert.Equal(t, []string{"a", "b", "c"}, original.Keys())

	assert.Equal(t, 3, f.locks.count("Lock"))
	for _, call := range f.locks.calls[:3] {
		assert.Equal(t, time.Duration(0), call.timeout, "L1 keys are locked without waiting")
	}
	assert.Equal(t, 1, f.locks.count("UnlockAll"))
	assert.Empty(t, f.locks.held)
}

func TestInvalidateL1RestoresKeysWhenDownstreamFails(t *testing.T) {
	f := newFixture(t, true, "b")
	f.terminal.err = errDownstream

	ret := f.invoke(pipeline.NewContext(), command.NewInvalidateL1([]string{"a", "b"}, 0, remoteAddr))
	require.ErrorIs(t, ret.Err, errDownstream)
	assert.Equal(t, []string{"a", "b"}, command.Keys(ret.Command))
	assert.Equal(t, 1, f.locks.count("UnlockAll"))
}

func TestInvalidateL1FromLocalWriteIsNoop(t *testing.T) {
	f := newFixture(t, true)

	ret := f.invoke(pipeline.NewContext(), command.NewInvalidateL1([]string{"a"}, command.SkipLocking, localAddr))
	require.NoError(t, ret.Err)
	assert.Nil(t, ret.Value)
	assert.Equal(t, 0, f.terminal.calls)
	assert.Empty(t, f.locks.calls)
}

func TestInvalidateL1WithoutKeysIsNoop(t *testing.T) {
	f := newFixture(t, true)

	ret := f.invoke(pipeline.NewContext(), command.NewInvalidateL1(nil, 0, remoteAddr))
	require.NoError(t, ret.Err)
	assert.Nil(t, ret.Value)
	assert.Equal(t, 0, f.terminal.calls)
	assert.Empty(t, f.locks.calls)
}

func TestInvalidateL1AllKeysBusyIsNoop(t *testing.T) {
	f := newFixture(t, true, "a", "b")
	ictx := pipeline.NewContext()

	ret := f.invoke(ictx, command.NewInvalidateL1([]string{"a", "b"}, 0, remoteAddr))
	require.NoError(t, ret.Err)
	assert.Nil(t, ret.Value)
	assert.Equal(t, 0, f.terminal.calls, "nothing is forwarded")
	assert.Equal(t, 0, f.locks.count("UnlockAll"))
	assert.Empty(t, ictx.LockedKeys())
}

func TestLockingWithKeyLockManager(t *testing.T) {
	locks := lock.NewKeyLockManager(lock.WithLogger(telemetry.Nop()))
	li, err := NewLockingInterceptor(locks, ownership.Static(true), Config{
		LockAcquisitionTimeout: 20 * time.Millisecond,
		LocalAddress:           localAddr,
	}, WithLogger(telemetry.Nop()))
	require.NoError(t, err)

	var seenHolder string
	terminal := pipeline.HandlerFunc(func(ctx context.Context, ictx *pipeline.Context, cmd command.Command) (any, error) {
		seenHolder, _ = locks.Owner("k")
		return nil, nil
	})
	chain := pipeline.NewChain(terminal, []pipeline.Interceptor{li})

	ictx := pipeline.NewContext()
	ret := chain.Invoke(context.Background(), ictx, command.Write{Key: "k"})
	require.NoError(t, ret.Err)
	assert.Equal(t, ictx.Owner(), seenHolder, "the lock is held while downstream runs")
	assert.False(t, locks.IsLocked("k"), "and released after it settles")

	// a transaction holding the key makes a competing write time out
	txCtx := pipeline.NewContext(pipeline.WithTxScope())
	require.NoError(t, chain.Invoke(context.Background(), txCtx, command.Write{Key: "k"}).Err)

	ret = chain.Invoke(context.Background(), pipeline.NewContext(), command.Write{Key: "k"})
	require.ErrorIs(t, ret.Err, lock.ErrLockTimeout)

	// L1 invalidation degrades instead of failing
	ret = chain.Invoke(context.Background(), pipeline.NewContext(), command.NewInvalidateL1([]string{"k", "other"}, 0, remoteAddr))
	require.NoError(t, ret.Err)
	assert.Equal(t, []string{"k", "other"}, command.Keys(ret.Command))
	assert.False(t, locks.IsLocked("other"))

	locks.UnlockAll(txCtx.Owner())
	assert.False(t, locks.IsLocked("k"))
}

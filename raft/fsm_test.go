package raft

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	hraft "github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonghmnguyen/ke0lock/command"
	"github.com/phonghmnguyen/ke0lock/container"
	"github.com/phonghmnguyen/ke0lock/pipeline"
	"github.com/phonghmnguyen/ke0lock/telemetry"
)

// l1Recorder is a local chain terminal remembering the L1 invalidations it received
type l1Recorder struct {
	mu   sync.Mutex
	cmds []command.InvalidateL1
}

func (r *l1Recorder) Handle(ctx context.Context, ictx *pipeline.Context, cmd command.Command) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := cmd.(command.InvalidateL1); ok {
		r.cmds = append(r.cmds, c)
	}
	return nil, nil
}

func newTestExecutor(t *testing.T) *container.Executor {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return container.NewExecutor(container.NewStore(ctx), container.NewL1(16), container.WithLogger(telemetry.Nop()))
}

func logOf(t *testing.T, event Event) *hraft.Log {
	t.Helper()

	b, err := encode(event)
	require.NoError(t, err)
	return &hraft.Log{Index: 1, Data: b}
}

func TestEventCodec(t *testing.T) {
	now := time.Now()

	testCases := []struct {
		desc     string
		mutation container.Mutation
		wantOp   string
		expiring bool
	}{
		{desc: "Put without ttl", mutation: container.Mutation{Op: container.MutationPut, Key: "k", Value: []byte("v")}, wantOp: OpPut},
		{desc: "Put with ttl", mutation: container.Mutation{Op: container.MutationPut, Key: "k", Value: []byte("v"), TTL: time.Minute}, wantOp: OpPut, expiring: true},
		{desc: "Replace", mutation: container.Mutation{Op: container.MutationReplace, Key: "k", Value: []byte("v")}, wantOp: OpReplace},
		{desc: "Remove", mutation: container.Mutation{Op: container.MutationRemove, Key: "k"}, wantOp: OpRemove},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			event, err := eventOf(tc.mutation, "leader:4000", now)
			require.NoError(t, err)
			assert.Equal(t, tc.wantOp, event.Op)
			assert.Equal(t, "leader:4000", event.Origin)
			assert.Equal(t, tc.expiring, !event.Expiry.IsZero())

			b, err := encode(event)
			require.NoError(t, err)
			decoded, err := decode(b)
			require.NoError(t, err)

			m, ok, err := decoded.mutation(now)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tc.mutation.Op, m.Op)
			assert.Equal(t, tc.mutation.Key, m.Key)
			assert.Equal(t, tc.mutation.TTL, m.TTL)
		})
	}

	_, err := eventOf(container.Mutation{Op: container.MutationNoop}, "", now)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)

	_, ok, err := Event{Op: OpPut, Key: "k", Expiry: now.Add(-time.Second)}.mutation(now)
	require.NoError(t, err)
	assert.False(t, ok, "expired puts are dropped")

	_, err = decode([]byte("{not json"))
	assert.Error(t, err)
}

func TestFSMApply(t *testing.T) {
	executor := newTestExecutor(t)
	recorder := &l1Recorder{}
	fsm := NewFSM(executor, telemetry.Nop())
	fsm.Bind(pipeline.NewChain(recorder, nil))

	assert.Nil(t, fsm.Apply(logOf(t, Event{Op: OpPut, Key: "a", Value: []byte("1"), Origin: "leader"})))
	assert.Nil(t, fsm.Apply(logOf(t, Event{Op: OpPut, Key: "b", Value: []byte("2"), Origin: "leader"})))
	assert.Nil(t, fsm.Apply(logOf(t, Event{Op: OpReplace, Key: "a", Value: []byte("3"), Origin: "leader"})))

	entry, ok := executor.Store().Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("3"), entry.Value())

	assert.Equal(t, 2, fsm.Apply(logOf(t, Event{Op: OpInvalidate, Keys: []string{"a", "b", "missing"}, Origin: "leader"})))
	assert.Equal(t, int64(0), executor.Store().Size())

	// a remove of a missing key changes nothing and is not followed by an invalidation
	assert.Nil(t, fsm.Apply(logOf(t, Event{Op: OpRemove, Key: "missing", Origin: "leader"})))

	require.Len(t, recorder.cmds, 4)
	last := recorder.cmds[3]
	assert.Equal(t, []string{"a", "b", "missing"}, last.Keys())
	assert.Equal(t, "leader", last.Origin)
	assert.False(t, last.Flags().Has(command.SkipLocking))

	assert.ErrorIs(t, fsm.Apply(logOf(t, Event{Op: "resize"})).(error), ErrUnsupportedOperation)
	assert.Error(t, fsm.Apply(&hraft.Log{Data: []byte("garbage")}).(error))
}

func TestFSMApplyClear(t *testing.T) {
	executor := newTestExecutor(t)
	executor.Store().Put("a", []byte("1"), -1)
	executor.L1().Put("remote", []byte("2"))

	fsm := NewFSM(executor, telemetry.Nop())
	assert.Nil(t, fsm.Apply(logOf(t, Event{Op: OpClear})))
	assert.Equal(t, int64(0), executor.Store().Size())
	assert.Equal(t, 0, executor.L1().Len())
}

type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string { return "test" }

func (s *memorySink) Cancel() error {
	s.cancelled = true
	return nil
}

func (s *memorySink) Close() error { return nil }

func TestFSMSnapshotRestore(t *testing.T) {
	executor := newTestExecutor(t)
	executor.Store().Put("a", []byte("1"), -1)
	executor.Store().Put("b", []byte("2"), time.Hour)

	snapshot, err := NewFSM(executor, telemetry.Nop()).Snapshot()
	require.NoError(t, err)

	sink := &memorySink{}
	require.NoError(t, snapshot.Persist(sink))
	assert.False(t, sink.cancelled)
	snapshot.Release()

	restored := newTestExecutor(t)
	restored.L1().Put("stale", []byte("x"))
	require.NoError(t, NewFSM(restored, telemetry.Nop()).Restore(io.NopCloser(&sink.Buffer)))

	assert.ElementsMatch(t, []string{"a", "b"}, restored.Store().Keys())
	assert.Equal(t, 0, restored.L1().Len())
}

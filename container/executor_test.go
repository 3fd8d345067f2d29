package container

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonghmnguyen/ke0lock/command"
	"github.com/phonghmnguyen/ke0lock/ownership"
	"github.com/phonghmnguyen/ke0lock/pipeline"
	"github.com/phonghmnguyen/ke0lock/telemetry"
)

func newExecutor(t *testing.T, options ...ExecutorOption) *Executor {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	options = append([]ExecutorOption{WithLogger(telemetry.Nop())}, options...)
	return NewExecutor(NewStore(ctx), NewL1(16), options...)
}

func handle(t *testing.T, e *Executor, cmd command.Command) any {
	t.Helper()

	v, err := e.Handle(context.Background(), pipeline.NewContext(), cmd)
	require.NoError(t, err)
	return v
}

func appendByte(b byte) command.Mutator {
	return func(prev []byte, exists bool) []byte {
		return append(append([]byte(nil), prev...), b)
	}
}

func TestExecutorWrites(t *testing.T) {
	testCases := []struct {
		desc       string
		seed       []byte
		write      command.Write
		wantResult any
		wantValue  []byte
		wantExists bool
	}{
		{
			desc:       "Put on missing key",
			write:      command.Write{Op: command.OpPut, Key: "k", Value: []byte("v")},
			wantResult: []byte(nil),
			wantValue:  []byte("v"),
			wantExists: true,
		},
		{
			desc:       "Put returns the previous value",
			seed:       []byte("old"),
			write:      command.Write{Op: command.OpPut, Key: "k", Value: []byte("v")},
			wantResult: []byte("old"),
			wantValue:  []byte("v"),
			wantExists: true,
		},
		{
			desc:       "Replace missing key is a noop",
			write:      command.Write{Op: command.OpReplace, Key: "k", Value: []byte("v")},
			wantResult: false,
		},
		{
			desc:       "Replace existing key",
			seed:       []byte("old"),
			write:      command.Write{Op: command.OpReplace, Key: "k", Value: []byte("v")},
			wantResult: true,
			wantValue:  []byte("v"),
			wantExists: true,
		},
		{
			desc:       "Remove returns the removed value",
			seed:       []byte("old"),
			write:      command.Write{Op: command.OpRemove, Key: "k"},
			wantResult: []byte("old"),
		},
		{
			desc:       "Read-write function sees the previous value",
			seed:       []byte("a"),
			write:      command.Write{Op: command.OpReadWriteKey, Key: "k", Fn: appendByte('b')},
			wantResult: []byte("a"),
			wantValue:  []byte("ab"),
			wantExists: true,
		},
		{
			desc:       "Write-only value without function stores the value",
			write:      command.Write{Op: command.OpWriteOnlyKeyValue, Key: "k", Value: []byte("v")},
			wantValue:  []byte("v"),
			wantExists: true,
		},
		{
			desc:  "Function returning nil removes the entry",
			seed:  []byte("a"),
			write: command.Write{Op: command.OpWriteOnlyKey, Key: "k", Fn: func([]byte, bool) []byte { return nil }},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			e := newExecutor(t)
			if tc.seed != nil {
				e.Store().Put("k", tc.seed, -1)
			}

			assert.Equal(t, tc.wantResult, handle(t, e, tc.write))

			entry, ok := e.Store().Get("k")
			assert.Equal(t, tc.wantExists, ok)
			if tc.wantExists {
				assert.Equal(t, tc.wantValue, entry.Value())
			}
		})
	}
}

func TestExecutorFunctionalWriteWithoutFunction(t *testing.T) {
	e := newExecutor(t)

	_, err := e.Handle(context.Background(), pipeline.NewContext(), command.Write{Op: command.OpReadWriteKey, Key: "k"})
	require.ErrorIs(t, err, ErrMissingMutator)
}

func TestExecutorReadPopulatesL1ForRemoteKeys(t *testing.T) {
	e := newExecutor(t, WithOracle(ownership.Func(func(key string) bool { return key == "mine" })))
	e.Store().Put("mine", []byte("1"), -1)
	e.Store().Put("remote", []byte("2"), -1)

	assert.Equal(t, []byte("1"), handle(t, e, command.Read{Key: "mine"}))
	assert.Equal(t, []byte("2"), handle(t, e, command.Read{Key: "remote"}))
	assert.Nil(t, handle(t, e, command.Read{Key: "missing"}))

	_, cached := e.L1().Get("remote")
	assert.True(t, cached)
	_, cached = e.L1().Get("mine")
	assert.False(t, cached)
}

func TestExecutorInvalidations(t *testing.T) {
	e := newExecutor(t)
	for _, key := range []string{"a", "b", "c"} {
		e.Store().Put(key, []byte(key), -1)
		e.L1().Put(key, []byte(key))
	}

	assert.Equal(t, 2, handle(t, e, command.NewInvalidateL1([]string{"a", "b", "x"}, 0, "remote")))
	assert.Equal(t, 1, e.L1().Len())
	assert.Equal(t, int64(3), e.Store().Size(), "L1 invalidation leaves the store alone")

	assert.Equal(t, 2, handle(t, e, command.NewInvalidate([]string{"b", "c"}, 0)))
	assert.Equal(t, 0, e.L1().Len())
	assert.Equal(t, []string{"a"}, e.Store().Keys())

	assert.Nil(t, handle(t, e, command.Clear{}))
	assert.Equal(t, int64(0), e.Store().Size())
}

func TestExecutorWriteDropsL1Copy(t *testing.T) {
	e := newExecutor(t)
	e.L1().Put("k", []byte("stale"))

	handle(t, e, command.Write{Op: command.OpPut, Key: "k", Value: []byte("fresh")})
	assert.Equal(t, []byte("fresh"), handle(t, e, command.Read{Key: "k"}))
}

func TestL1Bounded(t *testing.T) {
	l1 := NewL1(2)
	l1.Put("a", []byte("1"))
	l1.Put("b", []byte("2"))
	l1.Get("a")
	l1.Put("c", []byte("3"))

	_, ok := l1.Get("b")
	assert.False(t, ok, "least recently used entry is dropped")
	_, ok = l1.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, l1.Len())
	assert.Equal(t, int64(2), l1.Hits())
	assert.Equal(t, int64(1), l1.Misses())

	l1.Purge()
	assert.Equal(t, 0, l1.Len())
}

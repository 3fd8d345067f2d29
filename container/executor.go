package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phonghmnguyen/ke0lock/command"
	"github.com/phonghmnguyen/ke0lock/ownership"
	"github.com/phonghmnguyen/ke0lock/pipeline"
	"github.com/phonghmnguyen/ke0lock/telemetry"
)

var (
	ErrUnsupportedCommand = errors.New("command is not supported by the container")
	ErrMissingMutator     = errors.New("functional write without a function")
)

// MutationOp is the effect of a resolved write on the store
type MutationOp int16

const (
	MutationNoop MutationOp = iota
	MutationPut
	MutationReplace
	MutationRemove
)

func (op MutationOp) String() string {
	switch op {
	case MutationNoop:
		return "noop"

	case MutationPut:
		return "put"

	case MutationReplace:
		return "replace"

	case MutationRemove:
		return "remove"

	default:
		return fmt.Sprintf("UnknownMutationOp(%d)", op)
	}
}

// Mutation is a write resolved against the current content of the store, it carries no functions
// and can be replicated as is
type Mutation struct {
	Op MutationOp

	Key string

	Value []byte

	TTL time.Duration

	// Value returned to the caller of the write
	Result any
}

type ExecutorOption func(*Executor)

// WithOracle makes reads of keys the node does not own populate the L1
func WithOracle(oracle ownership.Oracle) ExecutorOption {
	return func(e *Executor) {
		e.oracle = oracle
	}
}

func WithLogger(logger telemetry.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

var _ pipeline.Handler = (*Executor)(nil)

// Executor is the terminal pipeline stage applying commands to the store and the L1
type Executor struct {
	store *Store

	l1 *L1

	oracle ownership.Oracle

	logger telemetry.Logger

	// serializes resolve and apply of concurrent writes that skipped locking
	mu sync.Mutex
}

func NewExecutor(store *Store, l1 *L1, options ...ExecutorOption) *Executor {
	e := &Executor{
		store:  store,
		l1:     l1,
		logger: telemetry.Log(),
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) L1() *L1 {
	return e.l1
}

func (e *Executor) Handle(ctx context.Context, ictx *pipeline.Context, cmd command.Command) (any, error) {
	switch c := cmd.(type) {
	case command.Clear:
		e.store.Clear()
		e.l1.Purge()
		return nil, nil

	case command.Read:
		return e.read(c.Key), nil

	case command.Write:
		e.mu.Lock()
		defer e.mu.Unlock()

		m, err := e.Resolve(c)
		if err != nil {
			return nil, err
		}

		if e.Apply(m) {
			e.l1.Invalidate(m.Key)
		}
		return m.Result, nil

	case command.Invalidate:
		removed := 0
		for _, key := range c.Keys() {
			if _, ok := e.store.Remove(key); ok {
				removed++
			}
		}
		e.l1.Invalidate(c.Keys()...)
		return removed, nil

	case command.InvalidateL1:
		n := e.l1.Invalidate(c.Keys()...)
		e.logger.Debugf("Invalidated %d of %d keys from L1", n, len(c.Keys()))
		return n, nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCommand, cmd)
	}
}

func (e *Executor) read(key string) []byte {
	if v, ok := e.l1.Get(key); ok {
		return v
	}

	entry, ok := e.store.Get(key)
	if !ok {
		return nil
	}

	if e.oracle != nil && !e.oracle.IsPrimaryOwner(key) {
		e.l1.Put(key, entry.Value())
	}

	return entry.Value()
}

// Resolve computes the effect of w on the current content of the store without applying it
func (e *Executor) Resolve(w command.Write) (Mutation, error) {
	prev, exists := e.store.Peek(w.Key)
	var prevValue []byte
	if exists {
		prevValue = prev.Value()
	}

	switch w.Op {
	case command.OpPut:
		return Mutation{Op: MutationPut, Key: w.Key, Value: w.Value, TTL: w.TTL, Result: prevValue}, nil

	case command.OpReplace:
		if !exists {
			return Mutation{Op: MutationNoop, Key: w.Key, Result: false}, nil
		}
		return Mutation{Op: MutationReplace, Key: w.Key, Value: w.Value, Result: true}, nil

	case command.OpRemove:
		if !exists {
			return Mutation{Op: MutationNoop, Key: w.Key}, nil
		}
		return Mutation{Op: MutationRemove, Key: w.Key, Result: prevValue}, nil

	case command.OpReadWriteKey, command.OpReadWriteKeyValue, command.OpWriteOnlyKey, command.OpWriteOnlyKeyValue:
		fn := w.Fn
		if fn == nil {
			if w.Op == command.OpReadWriteKey || w.Op == command.OpWriteOnlyKey {
				return Mutation{}, fmt.Errorf("%w: %s on key %s", ErrMissingMutator, w.Op, w.Key)
			}
			value := w.Value
			fn = func([]byte, bool) []byte { return value }
		}

		var result any
		if w.Op == command.OpReadWriteKey || w.Op == command.OpReadWriteKeyValue {
			result = prevValue
		}

		next := fn(prevValue, exists)
		switch {
		case next != nil:
			return Mutation{Op: MutationPut, Key: w.Key, Value: next, TTL: w.TTL, Result: result}, nil

		case exists:
			return Mutation{Op: MutationRemove, Key: w.Key, Result: result}, nil

		default:
			return Mutation{Op: MutationNoop, Key: w.Key, Result: result}, nil
		}

	default:
		return Mutation{}, fmt.Errorf("%w: write op %s", ErrUnsupportedCommand, w.Op)
	}
}

// Apply applies a resolved mutation to the store and reports whether it changed anything.
// The L1 is left alone.
func (e *Executor) Apply(m Mutation) bool {
	switch m.Op {
	case MutationPut:
		e.store.Put(m.Key, m.Value, m.TTL)
		return true

	case MutationReplace:
		return e.store.Replace(m.Key, m.Value)

	case MutationRemove:
		_, ok := e.store.Remove(m.Key)
		return ok

	default:
		return false
	}
}

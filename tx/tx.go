package tx

import (
	"context"
	"errors"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/phonghmnguyen/ke0lock/command"
	"github.com/phonghmnguyen/ke0lock/lock"
	"github.com/phonghmnguyen/ke0lock/pipeline"
	"github.com/phonghmnguyen/ke0lock/telemetry"
)

var ErrFinished = errors.New("transaction already committed or rolled back")

type Option func(*Manager)

func WithLogger(logger telemetry.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager begins transactions whose key locks outlive single invocations
type Manager struct {
	locks lock.LockManager

	logger telemetry.Logger
}

func NewManager(locks lock.LockManager, options ...Option) *Manager {
	m := &Manager{
		locks:  locks,
		logger: telemetry.Log(),
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// Begin starts a transaction with a fresh lock owner
func (m *Manager) Begin() *Transaction {
	return &Transaction{
		ictx:    pipeline.NewContext(pipeline.WithTxScope()),
		manager: m,
	}
}

// Run invokes cmds in order inside one transaction. The first failure rolls the
// transaction back and is returned with the index of the failed command. The transaction is
// atomic with respect to locking only: commands that settled before the failure stay applied,
// the remaining ones are never invoked.
func (m *Manager) Run(ctx context.Context, chain *pipeline.Chain, cmds ...command.Command) ([]pipeline.Return, error) {
	t := m.Begin()
	results := make([]pipeline.Return, 0, len(cmds))

	for i, cmd := range cmds {
		ret := chain.Invoke(ctx, t.Context(), cmd)
		results = append(results, ret)
		if ret.Err != nil {
			t.Rollback()
			return results, pkgerrors.Wrapf(ret.Err, "command %d (%s) of transaction %s", i, cmd.Kind(), t.Context().Owner())
		}
	}

	return results, t.Commit()
}

// Transaction holds every lock its commands acquired until it commits or rolls back
type Transaction struct {
	ictx *pipeline.Context

	manager *Manager

	mu sync.Mutex

	finished bool
}

func (t *Transaction) Context() *pipeline.Context {
	return t.ictx
}

func (t *Transaction) Commit() error {
	return t.finish("commit")
}

// Rollback releases the locks of the transaction, it does not undo the commands already applied
func (t *Transaction) Rollback() error {
	return t.finish("rollback")
}

func (t *Transaction) finish(outcome string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished {
		return ErrFinished
	}
	t.finished = true

	keys := t.ictx.LockedKeys()
	t.manager.locks.UnlockAll(t.ictx.Owner())
	t.ictx.ClearLockedKeys()

	t.manager.logger.Debugf("Transaction %s finished with %s, released %d keys", t.ictx.Owner(), outcome, len(keys))
	return nil
}

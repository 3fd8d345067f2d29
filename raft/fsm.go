package raft

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	hraft "github.com/hashicorp/raft"

	"github.com/phonghmnguyen/ke0lock/command"
	"github.com/phonghmnguyen/ke0lock/container"
	"github.com/phonghmnguyen/ke0lock/pipeline"
	"github.com/phonghmnguyen/ke0lock/telemetry"
)

var _ hraft.FSM = (*FSM)(nil)

// FSM applies committed events to the local container
type FSM struct {
	executor *container.Executor

	// Local pipeline used to invalidate L1 copies after a replicated change, unset until Bind
	chain atomic.Pointer[pipeline.Chain]

	logger telemetry.Logger
}

func NewFSM(executor *container.Executor, logger telemetry.Logger) *FSM {
	if logger == nil {
		logger = telemetry.Log()
	}

	return &FSM{executor: executor, logger: logger}
}

// Bind sets the local pipeline receiving the L1 invalidations, it must not contain the replicator
func (f *FSM) Bind(chain *pipeline.Chain) {
	f.chain.Store(chain)
}

// Apply applies an event from the log to the container and is called once a log entry is committed by a quorum of the cluster
func (f *FSM) Apply(l *hraft.Log) interface{} {
	event, err := decode(l.Data)
	if err != nil {
		f.logger.Errorf("Failed to unmarshal an event from the event log at index %d: %v", l.Index, err)
		return err
	}

	return f.apply(event)
}

func (f *FSM) apply(event Event) interface{} {
	switch event.Op {
	case OpPut, OpReplace, OpRemove:
		m, ok, err := event.mutation(time.Now())
		if err != nil {
			return err
		}
		if !ok {
			f.logger.Debugf("Dropping event for key %s as it already expired", event.Key)
			return nil
		}

		if f.executor.Apply(m) {
			f.invalidateL1([]string{event.Key}, event.Origin)
		}
		return nil

	case OpInvalidate:
		removed := 0
		for _, key := range event.Keys {
			if _, ok := f.executor.Store().Remove(key); ok {
				removed++
			}
		}

		f.invalidateL1(event.Keys, event.Origin)
		return removed

	case OpClear:
		f.executor.Store().Clear()
		f.executor.L1().Purge()
		return nil

	default:
		return ErrUnsupportedOperation
	}
}

// invalidateL1 runs the invalidation through the local pipeline so it honours the key locks
// held on this node, keys that are in use keep their L1 copy
func (f *FSM) invalidateL1(keys []string, origin string) {
	chain := f.chain.Load()
	if chain == nil || len(keys) == 0 {
		return
	}

	ret := chain.Invoke(context.Background(), pipeline.NewContext(), command.NewInvalidateL1(keys, 0, origin))
	if ret.Err != nil {
		f.logger.Warnf("Failed to invalidate L1 of keys %v after a write at %s: %v", keys, origin, ret.Err)
	}
}

func (f *FSM) Snapshot() (hraft.FSMSnapshot, error) {
	return &Snapshot{records: f.executor.Store().Snapshot()}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	records := make([]container.Record, 0)
	if err := json.NewDecoder(rc).Decode(&records); err != nil {
		return err
	}

	f.executor.Store().Recover(records)
	f.executor.L1().Purge()
	f.logger.Infof("Restored %d entries from snapshot", len(records))
	return nil
}

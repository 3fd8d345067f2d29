package raft

import (
	"context"
	"time"

	"github.com/phonghmnguyen/ke0lock/command"
	"github.com/phonghmnguyen/ke0lock/container"
	"github.com/phonghmnguyen/ke0lock/pipeline"
)

// replicator is the part of Instance the Replicator depends on
type replicator interface {
	replicateAndApplyOnQuorum(event Event) (interface{}, error)
	LocalAddress() string
	IsLeader() bool
}

var _ pipeline.Interceptor = (*Replicator)(nil)

// Replicator sends the changes accepted by the leader through the Raft log instead of applying
// them locally. It sits after the locking interceptor so a write is resolved while its key is held.
type Replicator struct {
	instance replicator

	executor *container.Executor
}

func NewReplicator(instance *Instance, executor *container.Executor) *Replicator {
	return &Replicator{instance: instance, executor: executor}
}

func (r *Replicator) Intercept(ctx context.Context, ictx *pipeline.Context, cmd command.Command) (pipeline.Decision, error) {
	switch cmd.(type) {
	case command.Write, command.Invalidate, command.Clear:
		if !r.instance.IsLeader() {
			return pipeline.Decision{}, ErrNotRaftLeader
		}
	}

	switch c := cmd.(type) {
	case command.Write:
		m, err := r.executor.Resolve(c)
		if err != nil {
			return pipeline.Decision{}, err
		}
		if m.Op == container.MutationNoop {
			return pipeline.ShortCircuit(m.Result), nil
		}

		event, err := eventOf(m, r.instance.LocalAddress(), time.Now())
		if err != nil {
			return pipeline.Decision{}, err
		}

		if _, err := r.instance.replicateAndApplyOnQuorum(event); err != nil {
			return pipeline.Decision{}, err
		}
		return pipeline.ShortCircuit(m.Result), nil

	case command.Invalidate:
		res, err := r.instance.replicateAndApplyOnQuorum(Event{Op: OpInvalidate, Keys: c.Keys(), Origin: r.instance.LocalAddress()})
		if err != nil {
			return pipeline.Decision{}, err
		}
		return pipeline.ShortCircuit(res), nil

	case command.Clear:
		if _, err := r.instance.replicateAndApplyOnQuorum(Event{Op: OpClear, Origin: r.instance.LocalAddress()}); err != nil {
			return pipeline.Decision{}, err
		}
		return pipeline.ShortCircuit(nil), nil

	default:
		// reads and L1 invalidations are local
		return pipeline.Continue(nil), nil
	}
}

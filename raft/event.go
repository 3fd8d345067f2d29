package raft

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/phonghmnguyen/ke0lock/container"
)

const (
	OpPut        = "put"
	OpReplace    = "replace"
	OpRemove     = "remove"
	OpInvalidate = "invalidate"
	OpClear      = "clear"
)

var ErrUnsupportedOperation = errors.New("event has unsupported operation")

// Event represents an event in the event log that will get replicated to Raft followers
type Event struct {
	Op     string    `json:"op"`
	Key    string    `json:"key,omitempty"`
	Keys   []string  `json:"keys,omitempty"`
	Value  []byte    `json:"value,omitempty"`
	Expiry time.Time `json:"expiry,omitempty"`

	// Address of the node that accepted the write, followers invalidate their L1 on its behalf
	Origin string `json:"origin,omitempty"`
}

// eventOf encodes a resolved mutation, TTLs become absolute expiry times so that replaying the
// log does not extend them
func eventOf(m container.Mutation, origin string, now time.Time) (Event, error) {
	event := Event{Key: m.Key, Origin: origin}

	switch m.Op {
	case container.MutationPut:
		event.Op = OpPut
		event.Value = m.Value
		if m.TTL > 0 {
			event.Expiry = now.Add(m.TTL)
		}

	case container.MutationReplace:
		event.Op = OpReplace
		event.Value = m.Value

	case container.MutationRemove:
		event.Op = OpRemove

	default:
		return Event{}, errors.Wrapf(ErrUnsupportedOperation, "mutation %s", m.Op)
	}

	return event, nil
}

// mutation decodes a put, replace or remove event, ok is false when the entry expired in the meantime
func (e Event) mutation(now time.Time) (m container.Mutation, ok bool, err error) {
	m = container.Mutation{Key: e.Key, Value: e.Value}

	switch e.Op {
	case OpPut:
		m.Op = container.MutationPut
		if !e.Expiry.IsZero() {
			if !e.Expiry.After(now) {
				return m, false, nil
			}
			m.TTL = e.Expiry.Sub(now)
		}

	case OpReplace:
		m.Op = container.MutationReplace

	case OpRemove:
		m.Op = container.MutationRemove

	default:
		return m, false, errors.Wrapf(ErrUnsupportedOperation, "op %q", e.Op)
	}

	return m, true, nil
}

func encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, errors.Wrap(err, "decode event")
	}

	return e, nil
}

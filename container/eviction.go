package container

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrKeyNotFound          = errors.New("eviction policy does not track key")
	ErrKeyAlreadyExists     = errors.New("eviction policy already tracks key")
	ErrUnsupportedOperation = errors.New("unsupported eviction operation")
)

// Operation is a store access reported to the eviction policy
type Operation int16

const (
	Get Operation = iota
	Set
	Update
	Delete
)

var operationNames = [...]string{Get: "Get", Set: "Set", Update: "Update", Delete: "Delete"}

func (op Operation) String() string {
	if op >= 0 && int(op) < len(operationNames) {
		return operationNames[op]
	}

	return fmt.Sprintf("UnknownOperation(%d)", op)
}

// EvictionPolicy picks the victims of a bounded store
type EvictionPolicy interface {
	// Register reports an access, it fails when the policy's view of key disagrees with op
	Register(Operation, string) error

	// Next returns the key that should be evicted first
	Next() (string, bool)

	// Len returns the number of tracked keys
	Len() int

	Reset()
}

var _ EvictionPolicy = (*LRU)(nil)

// LRU evicts the least recently used key, the back of order is the next victim
type LRU struct {
	mu sync.Mutex

	order *list.List

	index map[string]*list.Element
}

func NewLRUPolicy() *LRU {
	return &LRU{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (p *LRU) Register(op Operation, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	elem, tracked := p.index[key]
	switch op {
	case Get, Update:
		if !tracked {
			return errors.Wrapf(ErrKeyNotFound, "%s %q", op, key)
		}
		p.order.MoveToFront(elem)

	case Set:
		if tracked {
			return errors.Wrapf(ErrKeyAlreadyExists, "%s %q", op, key)
		}
		p.index[key] = p.order.PushFront(key)

	case Delete:
		if !tracked {
			return errors.Wrapf(ErrKeyNotFound, "%s %q", op, key)
		}
		p.order.Remove(elem)
		delete(p.index, key)

	default:
		return errors.Wrapf(ErrUnsupportedOperation, "%s", op)
	}

	return nil
}

func (p *LRU) Next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if back := p.order.Back(); back != nil {
		return back.Value.(string), true
	}

	return "", false
}

func (p *LRU) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.order.Len()
}

func (p *LRU) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.index)
	p.order.Init()
}

// noEviction is used for unbounded stores
type noEviction struct{}

func (noEviction) Register(Operation, string) error { return nil }

func (noEviction) Next() (string, bool) { return "", false }

func (noEviction) Len() int { return 0 }

func (noEviction) Reset() {}

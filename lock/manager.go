package lock

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/phonghmnguyen/ke0lock/telemetry"
)

const DefaultStripeSize = 64

var (
	// ErrLockTimeout is returned when a lock could not be acquired within the timeout budget
	ErrLockTimeout = errors.New("lock acquisition timed out")

	ErrEmptyOwner = errors.New("lock owner token must not be empty")
)

// LockManager grants exclusive key locks on behalf of opaque owner tokens
type LockManager interface {
	// Lock blocks up to timeout until key is held by owner, a zero timeout never blocks
	Lock(ctx context.Context, key, owner string, timeout time.Duration) error

	// LockAll acquires every key or, on failure, none of the keys it did not already hold
	LockAll(ctx context.Context, keys []string, owner string, timeout time.Duration) error

	// UnlockAll releases every key held by owner, it is a no-op when nothing is held
	UnlockAll(owner string)
}

type Option func(*KeyLockManager)

func WithLogger(logger telemetry.Logger) Option {
	return func(lm *KeyLockManager) {
		if logger != nil {
			lm.logger = logger
		}
	}
}

// WithStripeSize sets the number of independently guarded subsets of the key space
func WithStripeSize(size int) Option {
	return func(lm *KeyLockManager) {
		if size > 0 {
			lm.stripes = make([]*stripe, size)
		}
	}
}

var _ LockManager = (*KeyLockManager)(nil)

// KeyLockManager is a reentrant, FIFO fair lock table striped over the key space
type KeyLockManager struct {
	// Lock striping for concurrent access to subsets of the key space
	stripes []*stripe

	acquired atomic.Int64
	timeouts atomic.Int64

	logger telemetry.Logger
}

type stripe struct {
	mu sync.Mutex

	// key -> lock state, only present while the key is held
	locks map[string]*keyLock

	// owner -> keys held in this stripe
	held map[string]map[string]struct{}
}

type keyLock struct {
	holder string

	// FIFO queue of *waiter
	waiters list.List
}

type waiter struct {
	owner string

	// closed once the lock is handed over to owner
	granted chan struct{}
}

func NewKeyLockManager(options ...Option) *KeyLockManager {
	lm := &KeyLockManager{
		stripes: make([]*stripe, DefaultStripeSize),
		logger:  telemetry.Log(),
	}

	for _, opt := range options {
		opt(lm)
	}

	for idx := range lm.stripes {
		lm.stripes[idx] = &stripe{
			locks: make(map[string]*keyLock),
			held:  make(map[string]map[string]struct{}),
		}
	}

	return lm
}

func (lm *KeyLockManager) stripeFor(key string) *stripe {
	idx := xxhash.Sum64String(key) % uint64(len(lm.stripes))
	return lm.stripes[idx]
}

func (lm *KeyLockManager) Lock(ctx context.Context, key, owner string, timeout time.Duration) error {
	if owner == "" {
		return ErrEmptyOwner
	}

	s := lm.stripeFor(key)
	s.mu.Lock()
	if s.tryAcquire(key, owner) {
		s.mu.Unlock()
		lm.acquired.Inc()
		return nil
	}

	if timeout <= 0 {
		holder := s.locks[key].holder
		s.mu.Unlock()
		lm.timeouts.Inc()
		return errors.Wrapf(ErrLockTimeout, "key %q is held by %s, requested by %s without waiting", key, holder, owner)
	}

	w := &waiter{owner: owner, granted: make(chan struct{})}
	kl := s.locks[key]
	elem := kl.waiters.PushBack(w)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-w.granted:
		lm.acquired.Inc()
		return nil

	case <-timer.C:
		err = errors.Wrapf(ErrLockTimeout, "key %q not acquired by %s within %v", key, owner, timeout)

	case <-ctx.Done():
		err = errors.Wrapf(ctx.Err(), "waiting for lock on key %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// the hand-over may have raced with the timeout, in which case the lock is ours
	select {
	case <-w.granted:
		lm.acquired.Inc()
		return nil

	default:
		kl.waiters.Remove(elem)
	}

	if errors.Is(err, ErrLockTimeout) {
		lm.timeouts.Inc()
		lm.logger.Debugf("Lock on key %s timed out for owner %s after %v", key, owner, timeout)
	}

	return err
}

func (lm *KeyLockManager) LockAll(ctx context.Context, keys []string, owner string, timeout time.Duration) error {
	if owner == "" {
		return ErrEmptyOwner
	}

	// a total order on keys keeps concurrent LockAll callers from deadlocking each other
	ordered := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			ordered = append(ordered, key)
		}
	}
	sort.Strings(ordered)

	deadline := time.Now().Add(timeout)
	acquired := make([]string, 0, len(ordered))
	for _, key := range ordered {
		if lm.holds(key, owner) {
			continue
		}

		remaining := time.Until(deadline)
		if timeout <= 0 || remaining < 0 {
			remaining = 0
		}

		if err := lm.Lock(ctx, key, owner, remaining); err != nil {
			for _, k := range acquired {
				lm.Unlock(k, owner)
			}
			return err
		}

		acquired = append(acquired, key)
	}

	return nil
}

// Unlock releases a single key if it is held by owner
func (lm *KeyLockManager) Unlock(key, owner string) {
	s := lm.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if kl, ok := s.locks[key]; ok && kl.holder == owner {
		s.forget(key, owner)
		s.release(key)
	}
}

func (lm *KeyLockManager) UnlockAll(owner string) {
	for _, s := range lm.stripes {
		s.mu.Lock()
		keys := s.held[owner]
		delete(s.held, owner)
		for key := range keys {
			s.release(key)
		}
		s.mu.Unlock()
	}
}

// IsLocked reports whether any owner holds key
func (lm *KeyLockManager) IsLocked(key string) bool {
	_, ok := lm.Owner(key)
	return ok
}

// Owner returns the current holder of key
func (lm *KeyLockManager) Owner(key string) (string, bool) {
	s := lm.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if kl, ok := s.locks[key]; ok {
		return kl.holder, true
	}

	return "", false
}

// HeldBy returns the sorted keys currently held by owner
func (lm *KeyLockManager) HeldBy(owner string) []string {
	var keys []string
	for _, s := range lm.stripes {
		s.mu.Lock()
		for key := range s.held[owner] {
			keys = append(keys, key)
		}
		s.mu.Unlock()
	}

	sort.Strings(keys)
	return keys
}

// Waiting returns the number of owners queued for key
func (lm *KeyLockManager) Waiting(key string) int {
	s := lm.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if kl, ok := s.locks[key]; ok {
		return kl.waiters.Len()
	}

	return 0
}

// Acquired returns the number of successful acquisitions, reentrant ones included
func (lm *KeyLockManager) Acquired() int64 {
	return lm.acquired.Load()
}

// Timeouts returns the number of acquisitions that ran out of time
func (lm *KeyLockManager) Timeouts() int64 {
	return lm.timeouts.Load()
}

func (lm *KeyLockManager) holds(key, owner string) bool {
	holder, ok := lm.Owner(key)
	return ok && holder == owner
}

// tryAcquire grants key to owner if it is free or already held by owner, s.mu must be held
func (s *stripe) tryAcquire(key, owner string) bool {
	kl, ok := s.locks[key]
	if !ok {
		s.locks[key] = &keyLock{holder: owner}
		s.remember(key, owner)
		return true
	}

	return kl.holder == owner
}

// release hands key to the first waiter or drops the lock state, s.mu must be held
func (s *stripe) release(key string) {
	kl, ok := s.locks[key]
	if !ok {
		return
	}

	front := kl.waiters.Front()
	if front == nil {
		delete(s.locks, key)
		return
	}

	w := kl.waiters.Remove(front).(*waiter)
	kl.holder = w.owner
	s.remember(key, w.owner)
	close(w.granted)
}

func (s *stripe) remember(key, owner string) {
	keys, ok := s.held[owner]
	if !ok {
		keys = make(map[string]struct{})
		s.held[owner] = keys
	}
	keys[key] = struct{}{}
}

func (s *stripe) forget(key, owner string) {
	if keys, ok := s.held[owner]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.held, owner)
		}
	}
}

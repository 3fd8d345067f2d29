package container

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
)

type (
	// EvictionCallBack is used to register a callback when an entry is evicted to honour the capacity
	EvictionCallBack func(key string)

	// Option is used to apply configurations to the store
	Option func(*Store)

	// UnixTimeBucket is used by the garbage collector to manage expirable keys
	UnixTimeBucket struct {
		m sync.Map
	}
)

func WithCapacity(cap int64) Option {
	return func(s *Store) {
		if cap > 0 {
			s.cap.Store(cap)
		}
	}
}

func WithEvictionCallback(cb EvictionCallBack) Option {
	return func(s *Store) {
		s.onEvict = cb
	}
}

func WithEvictionPolicy(policy EvictionPolicy) Option {
	return func(s *Store) {
		if policy != nil {
			s.evictPolicy = policy
		}
	}
}

// Store is the primary data container of a node
type Store struct {
	// The underlying kv map
	kvmap sync.Map

	// The current size of the store
	size atomic.Int64

	// Optional: Capacity of the store, -1 when unbounded
	cap atomic.Int64

	// Optional: Eviction policy, LRU when a capacity is configured
	evictPolicy EvictionPolicy

	// Unix time bucket for expirable keys
	unixTimeBucket UnixTimeBucket

	// Callback when an entry is evicted
	onEvict EvictionCallBack
}

// NewStore creates a store whose expired entries are collected until ctx is done
func NewStore(ctx context.Context, options ...Option) *Store {
	s := &Store{}
	s.cap.Store(-1)
	for _, opt := range options {
		opt(s)
	}

	if s.evictPolicy == nil {
		if s.Cap() > 0 {
			s.evictPolicy = NewLRUPolicy()
		} else {
			s.evictPolicy = noEviction{}
		}
	}

	s.runGarbageCollection(ctx)
	return s
}

// Get returns the entry for the given key if found and not expired
func (s *Store) Get(key string) (Entry, bool) {
	item, ok := s.load(key)
	if !ok {
		return Item{}, false
	}

	s.track(Get, key)
	return *item, true
}

// Peek returns the entry without updating the eviction policy
func (s *Store) Peek(key string) (Entry, bool) {
	item, ok := s.load(key)
	if !ok {
		return Item{}, false
	}

	return *item, true
}

// Put stores value under key with the given ttl, non-positive means no expiry. It returns the
// replaced entry, if any.
func (s *Store) Put(key string, value []byte, ttl time.Duration) (Entry, bool) {
	now := time.Now()
	item := &Item{
		key:          key,
		value:        value,
		lastUpdated:  now,
		creationTime: now,
	}
	if ttl > 0 {
		item.expiryTime = now.Add(ttl)
	}

	prev, loaded := s.kvmap.Swap(key, item)
	if loaded {
		s.unschedule(prev.(*Item))
		s.track(Update, key)
	} else {
		s.size.Inc()
		s.track(Set, key)
	}
	s.schedule(item)

	s.evictOverflow()

	if loaded && !prev.(*Item).expired(now) {
		return *prev.(*Item), true
	}
	return Item{}, false
}

// Replace updates the value of an existing key without resetting its ttl, returns if key exists
func (s *Store) Replace(key string, value []byte) bool {
	old, ok := s.load(key)
	if !ok {
		return false
	}

	s.kvmap.Store(key, &Item{
		key:          key,
		value:        value,
		lastUpdated:  time.Now(),
		creationTime: old.creationTime,
		expiryTime:   old.expiryTime,
	})
	s.track(Update, key)
	return true
}

// Remove deletes key and returns the entry it held
func (s *Store) Remove(key string) (Entry, bool) {
	v, ok := s.kvmap.LoadAndDelete(key)
	if !ok {
		return Item{}, false
	}

	old := v.(*Item)
	s.unschedule(old)
	s.track(Delete, key)
	s.size.Dec()

	if old.expired(time.Now()) {
		return Item{}, false
	}
	return *old, true
}

// Clear removes all keys currently in the store
func (s *Store) Clear() {
	s.kvmap.Clear()
	s.evictPolicy.Reset()
	s.size.Store(0)
	s.unixTimeBucket.Clear()
}

func (s *Store) Keys() []string {
	now := time.Now()
	keys := make([]string, 0, s.Size())
	s.kvmap.Range(func(k, v interface{}) bool {
		if !v.(*Item).expired(now) {
			keys = append(keys, k.(string))
		}
		return true
	})
	return keys
}

func (s *Store) Entries() []Entry {
	now := time.Now()
	entries := make([]Entry, 0, s.Size())
	s.kvmap.Range(func(k, v interface{}) bool {
		if item := v.(*Item); !item.expired(now) {
			entries = append(entries, *item)
		}
		return true
	})
	return entries
}

func (s *Store) Size() int64 {
	return s.size.Load()
}

func (s *Store) Cap() int64 {
	return s.cap.Load()
}

// Snapshot returns the serializable form of every live entry
func (s *Store) Snapshot() []Record {
	now := time.Now()
	records := make([]Record, 0, s.Size())
	s.kvmap.Range(func(k, v interface{}) bool {
		if item := v.(*Item); !item.expired(now) {
			records = append(records, recordOf(*item))
		}
		return true
	})
	return records
}

// Recover replaces the content of the store with records, expired records and records beyond
// the capacity are dropped
func (s *Store) Recover(records []Record) {
	s.Clear()

	now := time.Now()
	for _, r := range records {
		if cap := s.Cap(); cap > 0 && s.Size() >= cap {
			break
		}

		item := r.item()
		if item.expired(now) {
			continue
		}

		if _, loaded := s.kvmap.LoadOrStore(item.key, item); loaded {
			continue
		}
		s.size.Inc()
		s.track(Set, item.key)
		s.schedule(item)
	}
}

func (s *Store) load(key string) (*Item, bool) {
	v, ok := s.kvmap.Load(key)
	if !ok {
		return nil, false
	}

	item := v.(*Item)
	if item.expired(time.Now()) {
		s.expire(key, item)
		return nil, false
	}

	return item, true
}

// expire removes key only if it still maps to item
func (s *Store) expire(key string, item *Item) {
	if s.kvmap.CompareAndDelete(key, item) {
		s.unschedule(item)
		s.track(Delete, key)
		s.size.Dec()
	}
}

func (s *Store) evictOverflow() {
	shouldEvict := func() bool {
		size, cap := s.Size(), s.Cap()
		return cap > 0 && size > cap
	}

	for shouldEvict() {
		evictKey, ok := s.evictPolicy.Next()
		if !ok {
			// over capacity but the policy tracks no keys
			break
		}

		if _, ok := s.kvmap.Load(evictKey); !ok {
			// the policy outlived the entry, forget it so the next candidate comes up
			if err := s.evictPolicy.Register(Delete, evictKey); err != nil {
				break
			}
			continue
		}

		s.Remove(evictKey)
		if s.onEvict != nil {
			s.onEvict(evictKey)
		}
	}
}

// track reports op to the eviction policy and repairs the policy when it drifted from kvmap,
// which happens when a Clear overlaps with writes
func (s *Store) track(op Operation, key string) {
	err := s.evictPolicy.Register(op, key)
	switch {
	case err == nil:

	case errors.Is(err, ErrKeyNotFound) && (op == Get || op == Update):
		s.evictPolicy.Register(Set, key)

	case errors.Is(err, ErrKeyAlreadyExists):
		s.evictPolicy.Register(Update, key)
	}
}

func (s *Store) schedule(item *Item) {
	if !item.expiryTime.IsZero() {
		s.unixTimeBucket.Add(item.expiryTime, item.key)
	}
}

func (s *Store) unschedule(item *Item) {
	if !item.expiryTime.IsZero() {
		s.unixTimeBucket.Remove(item.expiryTime, item.key)
	}
}

func (s *Store) runGarbageCollection(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return

			case now := <-ticker.C:
				s.unixTimeBucket.Prune(now, func(key string) {
					if v, ok := s.kvmap.Load(key); ok && v.(*Item).expired(now) {
						s.expire(key, v.(*Item))
					}
				})
			}
		}
	}()
}

func (utb *UnixTimeBucket) Remove(timepoint time.Time, key string) {
	if expiryMap, ok := utb.m.Load(timepoint.Unix()); ok {
		expiryMap.(*sync.Map).Delete(key)
	}
}

func (utb *UnixTimeBucket) Add(timepoint time.Time, key string) {
	expiryMap, _ := utb.m.LoadOrStore(timepoint.Unix(), new(sync.Map))
	expiryMap.(*sync.Map).Store(key, struct{}{})
}

// Prune drops every bucket that lies entirely before timepoint and calls callback for the keys they held
func (utb *UnixTimeBucket) Prune(timepoint time.Time, callback func(key string)) {
	deadline := timepoint.Unix()
	utb.m.Range(func(bucket, expiryMap interface{}) bool {
		if bucket.(int64) >= deadline {
			return true
		}

		if _, ok := utb.m.LoadAndDelete(bucket); ok {
			expiryMap.(*sync.Map).Range(func(k, _ interface{}) bool {
				callback(k.(string))
				return true
			})
		}
		return true
	})
}

func (utb *UnixTimeBucket) Clear() {
	utb.m.Clear()
}

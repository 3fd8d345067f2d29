package container

import (
	"sync"

	"github.com/golang/groupcache/lru"
	"go.uber.org/atomic"
)

const DefaultL1Capacity = 1024

// L1 is the near cache holding copies of entries the local node is not the primary owner of
type L1 struct {
	mu sync.Mutex

	entries *lru.Cache

	hits, misses atomic.Int64
}

// NewL1 creates a near cache bounded to capacity entries, the least recently used one is dropped first
func NewL1(capacity int) *L1 {
	if capacity <= 0 {
		capacity = DefaultL1Capacity
	}

	return &L1{entries: lru.New(capacity)}
}

func (l *L1) Get(key string) ([]byte, bool) {
	l.mu.Lock()
	v, ok := l.entries.Get(key)
	l.mu.Unlock()

	if !ok {
		l.misses.Inc()
		return nil, false
	}

	l.hits.Inc()
	return v.([]byte), true
}

func (l *L1) Put(key string, value []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries.Add(key, value)
}

// Invalidate drops the given keys and returns how many were present
func (l *L1) Invalidate(keys ...string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, key := range keys {
		if _, ok := l.entries.Get(key); ok {
			l.entries.Remove(key)
			n++
		}
	}

	return n
}

func (l *L1) Purge() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries.Clear()
}

func (l *L1) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.entries.Len()
}

func (l *L1) Hits() int64 {
	return l.hits.Load()
}

func (l *L1) Misses() int64 {
	return l.misses.Load()
}

package ownership

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const DefaultVirtualNodes = 64

// Oracle reports key ownership for the current cluster topology
type Oracle interface {
	// IsPrimaryOwner returns whether the local node is the primary owner of key
	IsPrimaryOwner(key string) bool
}

// Func adapts an ordinary function to an Oracle
type Func func(key string) bool

func (f Func) IsPrimaryOwner(key string) bool {
	return f(key)
}

// Static is an oracle with a fixed answer, useful for single node deployments
type Static bool

func (s Static) IsPrimaryOwner(string) bool {
	return bool(s)
}

type RingOption func(*Ring)

// WithVirtualNodes sets the number of points each member occupies on the ring
func WithVirtualNodes(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.vnodes = n
		}
	}
}

var _ Oracle = (*Ring)(nil)

// Ring assigns every key to the member owning the next point clockwise on a consistent hash ring
type Ring struct {
	local  string
	vnodes int

	mu      sync.RWMutex
	points  []uint64
	owners  map[uint64]string
	members []string
}

func NewRing(local string, options ...RingOption) *Ring {
	r := &Ring{
		local:  local,
		vnodes: DefaultVirtualNodes,
		owners: make(map[uint64]string),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// SetMembers replaces the topology snapshot
func (r *Ring) SetMembers(members []string) {
	points := make([]uint64, 0, len(members)*r.vnodes)
	owners := make(map[uint64]string, len(members)*r.vnodes)
	for _, member := range members {
		for i := 0; i < r.vnodes; i++ {
			p := hashKey(member + "#" + strconv.Itoa(i))
			if _, taken := owners[p]; taken {
				continue
			}
			owners[p] = member
			points = append(points, p)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	sorted := append([]string(nil), members...)
	sort.Strings(sorted)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.points, r.owners, r.members = points, owners, sorted
}

// Members returns the sorted member addresses of the current snapshot
func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.members...)
}

// PrimaryOwner returns the member owning key, the local node when the ring is empty
func (r *Ring) PrimaryOwner(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return r.local
	}

	h := hashKey(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}

	return r.owners[r.points[idx]]
}

func (r *Ring) IsPrimaryOwner(key string) bool {
	return r.PrimaryOwner(key) == r.local
}

// hashKey must be stable across processes, every node computes the same placement
func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

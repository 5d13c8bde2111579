package tables

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCapacity matches max_entries of the BPF maps.
const DefaultCapacity = 1024

// LRU is an in-memory Table of fixed capacity.
type LRU[K comparable, V any] struct {
	mu        sync.Mutex
	cache     *simplelru.LRU[K, V]
	capacity  int
	overflow  Overflow
	evictions atomic.Uint64
}

var _ Table[uint32, uint32] = (*LRU[uint32, uint32])(nil)

// NewLRU creates a table holding at most capacity entries.
func NewLRU[K comparable, V any](capacity int, overflow Overflow) (*LRU[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid table capacity %d", capacity)
	}
	cache, err := simplelru.NewLRU[K, V](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &LRU[K, V]{cache: cache, capacity: capacity, overflow: overflow}, nil
}

// MustLRU is NewLRU for capacities known to be valid.
func MustLRU[K comparable, V any](capacity int, overflow Overflow) *LRU[K, V] {
	t, err := NewLRU[K, V](capacity, overflow)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *LRU[K, V]) Lookup(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Get(key)
}

func (t *LRU[K, V]) Update(key K, value V) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.overflow == RejectWhenFull && !t.cache.Contains(key) && t.cache.Len() >= t.capacity {
		return fmt.Errorf("%w: %d entries", ErrTableFull, t.capacity)
	}
	if t.cache.Add(key, value) {
		t.evictions.Add(1)
	}
	return nil
}

func (t *LRU[K, V]) Delete(key K) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cache.Remove(key) {
		return ErrKeyNotFound
	}
	return nil
}

// Take looks key up and removes it when match accepts the value, as one
// atomic step. It reports whether key was present and whether it was removed.
func (t *LRU[K, V]) Take(key K, match func(V) bool) (value V, found, removed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, found = t.cache.Peek(key)
	if !found || !match(value) {
		return value, found, false
	}
	t.cache.Remove(key)
	return value, true, true
}

func (t *LRU[K, V]) Iterate(fn func(key K, value V) bool) error {
	t.mu.Lock()
	keys := t.cache.Keys()
	values := make([]V, 0, len(keys))
	for _, k := range keys {
		v, _ := t.cache.Peek(k)
		values = append(values, v)
	}
	t.mu.Unlock()

	for i, k := range keys {
		if !fn(k, values[i]) {
			break
		}
	}
	return nil
}

func (t *LRU[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}

// Purge drops every entry.
func (t *LRU[K, V]) Purge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Purge()
}

func (t *LRU[K, V]) Capacity() int { return t.capacity }

// Evictions reports how many entries were pushed out to make room.
func (t *LRU[K, V]) Evictions() uint64 { return t.evictions.Load() }

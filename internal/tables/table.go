// Package tables holds the fixed-capacity associative tables shared by the
// interceptors: an in-memory LRU arena and an adapter over BPF hash maps.
package tables

import "errors"

var (
	// ErrTableFull is returned by Update when the table cannot take a new key.
	ErrTableFull = errors.New("table full")
	// ErrKeyNotFound is returned by Delete for a missing key.
	ErrKeyNotFound = errors.New("key not found")
)

// Table is a fixed-capacity map with per-key atomic operations. Callers never
// lock around it.
type Table[K comparable, V any] interface {
	Lookup(key K) (V, bool)
	// Update inserts or overwrites key.
	Update(key K, value V) error
	Delete(key K) error
	// Iterate calls fn for every entry until fn returns false. It works on a
	// snapshot for in-memory tables and on the live map for BPF maps.
	Iterate(fn func(key K, value V) bool) error
	Len() int
}

// Overflow selects what Update does on a full table.
type Overflow int

const (
	// EvictLRU drops the least recently used entry to make room.
	EvictLRU Overflow = iota
	// RejectWhenFull refuses new keys with ErrTableFull.
	RejectWhenFull
)

func (o Overflow) String() string {
	switch o {
	case EvictLRU:
		return "evict-lru"
	case RejectWhenFull:
		return "reject"
	default:
		return "unknown"
	}
}

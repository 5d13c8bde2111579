//go:build linux

package tables

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// BPFMap adapts a BPF hash map to Table. K and V must be fixed-size types
// whose layout matches the map's key and value.
type BPFMap[K comparable, V any] struct {
	m *ebpf.Map
}

// NewBPFMap wraps m without taking ownership.
func NewBPFMap[K comparable, V any](m *ebpf.Map) *BPFMap[K, V] {
	return &BPFMap[K, V]{m: m}
}

// OpenPinned attaches to a map pinned in bpffs. The caller owns the result and
// must Close it.
func OpenPinned[K comparable, V any](path string) (*BPFMap[K, V], error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open pinned map %s: %w", path, err)
	}
	return &BPFMap[K, V]{m: m}, nil
}

func (b *BPFMap[K, V]) Lookup(key K) (V, bool) {
	var value V
	if err := b.m.Lookup(&key, &value); err != nil {
		return value, false
	}
	return value, true
}

func (b *BPFMap[K, V]) Update(key K, value V) error {
	err := b.m.Update(&key, &value, ebpf.UpdateAny)
	if errors.Is(err, unix.E2BIG) {
		return fmt.Errorf("%w: %d entries", ErrTableFull, b.m.MaxEntries())
	}
	return err
}

func (b *BPFMap[K, V]) Delete(key K) error {
	err := b.m.Delete(&key)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return ErrKeyNotFound
	}
	return err
}

func (b *BPFMap[K, V]) Iterate(fn func(key K, value V) bool) error {
	var (
		key   K
		value V
	)
	it := b.m.Iterate()
	for it.Next(&key, &value) {
		if !fn(key, value) {
			break
		}
	}
	return it.Err()
}

func (b *BPFMap[K, V]) Len() int {
	n := 0
	_ = b.Iterate(func(K, V) bool {
		n++
		return true
	})
	return n
}

// Map exposes the underlying map, e.g. for MapReplacements.
func (b *BPFMap[K, V]) Map() *ebpf.Map { return b.m }

func (b *BPFMap[K, V]) Close() error { return b.m.Close() }

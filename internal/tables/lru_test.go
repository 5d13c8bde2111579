package tables

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUBasicOperations(t *testing.T) {
	tbl := MustLRU[uint32, uint32](4, EvictLRU)

	_, ok := tbl.Lookup(1)
	assert.False(t, ok)

	require.NoError(t, tbl.Update(1, 100))
	require.NoError(t, tbl.Update(1, 101))
	v, ok := tbl.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, uint32(101), v, "last write wins")
	assert.Equal(t, 1, tbl.Len())

	require.NoError(t, tbl.Delete(1))
	assert.ErrorIs(t, tbl.Delete(1), ErrKeyNotFound)
	assert.Equal(t, 0, tbl.Len())
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	tbl := MustLRU[uint32, uint32](3, EvictLRU)
	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, tbl.Update(i, i))
	}

	// touch 1 so that 2 becomes the oldest
	_, ok := tbl.Lookup(1)
	require.True(t, ok)

	require.NoError(t, tbl.Update(4, 4))
	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, uint64(1), tbl.Evictions())

	_, ok = tbl.Lookup(2)
	assert.False(t, ok, "least recently used entry must be evicted")
	for _, k := range []uint32{1, 3, 4} {
		_, ok := tbl.Lookup(k)
		assert.True(t, ok, "key %d", k)
	}
}

func TestLRURejectWhenFull(t *testing.T) {
	tbl := MustLRU[string, string](2, RejectWhenFull)
	require.NoError(t, tbl.Update("a", "1"))
	require.NoError(t, tbl.Update("b", "2"))

	err := tbl.Update("c", "3")
	assert.ErrorIs(t, err, ErrTableFull)

	// overwriting an existing key is still allowed on a full table
	require.NoError(t, tbl.Update("a", "10"))
	v, _ := tbl.Lookup("a")
	assert.Equal(t, "10", v)
	assert.Equal(t, uint64(0), tbl.Evictions())
}

func TestLRUIterateSnapshot(t *testing.T) {
	tbl := MustLRU[uint32, string](8, EvictLRU)
	for i := uint32(0); i < 5; i++ {
		require.NoError(t, tbl.Update(i, fmt.Sprint(i)))
	}

	seen := map[uint32]string{}
	require.NoError(t, tbl.Iterate(func(k uint32, v string) bool {
		seen[k] = v
		// mutating during iteration must not deadlock
		_ = tbl.Update(k+100, v)
		return true
	}))
	assert.Len(t, seen, 5)

	count := 0
	require.NoError(t, tbl.Iterate(func(uint32, string) bool {
		count++
		return count < 2
	}))
	assert.Equal(t, 2, count)
}

func TestLRUInvalidCapacity(t *testing.T) {
	_, err := NewLRU[uint32, uint32](0, EvictLRU)
	assert.Error(t, err)
	assert.Panics(t, func() { MustLRU[uint32, uint32](-1, EvictLRU) })
}

func TestLRUPurge(t *testing.T) {
	tbl := MustLRU[uint32, uint32](4, EvictLRU)
	require.NoError(t, tbl.Update(1, 1))
	tbl.Purge()
	assert.Equal(t, 0, tbl.Len())
	assert.Equal(t, 4, tbl.Capacity())
}

func TestLRUConcurrentAccess(t *testing.T) {
	tbl := MustLRU[uint32, uint32](DefaultCapacity, EvictLRU)

	var wg sync.WaitGroup
	for w := uint32(0); w < 8; w++ {
		wg.Add(1)
		go func(w uint32) {
			defer wg.Done()
			for i := uint32(0); i < 100; i++ {
				key := w*1000 + i
				require.NoError(t, tbl.Update(key, key*2))
				v, ok := tbl.Lookup(key)
				if assert.True(t, ok) {
					assert.Equal(t, key*2, v)
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 800, tbl.Len())
}

func TestOverflowString(t *testing.T) {
	assert.Equal(t, "evict-lru", EvictLRU.String())
	assert.Equal(t, "reject", RejectWhenFull.String())
	assert.Equal(t, "unknown", Overflow(9).String())
}

func TestLRUTake(t *testing.T) {
	tbl := MustLRU[uint32, uint64](4, EvictLRU)
	require.NoError(t, tbl.Update(1, 7))

	v, found, removed := tbl.Take(1, func(v uint64) bool { return v == 8 })
	assert.True(t, found)
	assert.False(t, removed)
	assert.Equal(t, uint64(7), v)
	assert.Equal(t, 1, tbl.Len())

	v, found, removed = tbl.Take(1, func(v uint64) bool { return v == 7 })
	assert.True(t, found)
	assert.True(t, removed)
	assert.Equal(t, uint64(7), v)
	assert.Equal(t, 0, tbl.Len())

	_, found, removed = tbl.Take(1, func(uint64) bool { return true })
	assert.False(t, found)
	assert.False(t, removed)
}

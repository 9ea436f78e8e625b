package gpurt

import (
	"fmt"
	"sync"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// linkTestKernels links n distinct kernels on device. The returned kernels hold the caller's reference.
func linkTestKernels(t *testing.T, device *Device, n int) []*Kernel {
	params := Params().ParamMut(0).Build()
	kernels := make([]*Kernel, n)
	for ii := range kernels {
		name := fmt.Sprintf("k%d", ii)
		kernels[ii] = capture(device.Link(stubCode(name, params), name, params)).Test(t)
	}
	return kernels
}

func TestLRUCacheEviction(t *testing.T) {
	device, _ := newTestDevice(t, "cache")
	const capacity = 4
	cache := NewLRUCache(capacity)
	kernels := linkTestKernels(t, device, capacity+3)

	// Insert the first, then keep touching it between each subsequent insert.
	cache.Insert(0, kernels[0])
	for ii := 1; ii < len(kernels); ii++ {
		touched, found := cache.Lookup(0)
		require.True(t, found, "key 0 must survive insert #%d", ii)
		require.Same(t, kernels[0], touched)
		touched.Release()
		cache.Insert(uint64(ii), kernels[ii])
		require.LessOrEqual(t, cache.Len(), capacity)
	}
	require.Equal(t, capacity, cache.Len())
	// Most recent first: last inserted, then the touched key 0, then the rest by insertion order.
	require.Equal(t, []uint64{6, 0, 5, 4}, cache.Keys())
	for _, evicted := range []uint64{1, 2, 3} {
		_, found := cache.Lookup(evicted)
		require.False(t, found, "key %d should have been evicted", evicted)
	}
	stats := cache.Stats()
	require.Equal(t, int64(3), stats.Evictions)
	require.Equal(t, int64(6), stats.Hits)
	require.Equal(t, int64(3), stats.Misses)
}

func TestLRUCacheEvictsLeastRecentlyUsedNotOldest(t *testing.T) {
	device, _ := newTestDevice(t, "cache")
	cache := NewLRUCache(3)
	kernels := linkTestKernels(t, device, 4)
	for ii := range 3 {
		cache.Insert(uint64(ii), kernels[ii])
	}
	// Touch 0 and 1: 2 becomes the least recently used, even though 0 is the oldest.
	for _, key := range []uint64{0, 1} {
		k, found := cache.Lookup(key)
		require.True(t, found)
		k.Release()
	}
	cache.Insert(3, kernels[3])
	_, found := cache.Lookup(2)
	require.False(t, found)
	for _, key := range []uint64{0, 1, 3} {
		k, found := cache.Lookup(key)
		require.True(t, found, "key %d", key)
		k.Release()
	}
}

func TestLRUCacheReferences(t *testing.T) {
	device, driver := newTestDevice(t, "cache")
	cache := NewLRUCache(1)
	kernels := linkTestKernels(t, device, 2)

	cache.Insert(0, kernels[0])
	require.Equal(t, int64(2), kernels[0].RefCount(), "the cache holds its own reference")
	kernels[0].Release()
	require.True(t, kernels[0].IsValid(), "the cache still references the kernel")

	// Evicting the kernel drops the last reference.
	cache.Insert(1, kernels[1])
	require.False(t, kernels[0].IsValid())
	require.Equal(t, 1, driver.pipelinesReleased)
	require.ErrorIs(t, kernels[0].Retain(), ErrReleased)

	// Replacing a key releases the previous kernel.
	replacement := linkTestKernels(t, device, 1)[0]
	cache.Insert(1, replacement)
	require.Equal(t, 1, cache.Len())
	require.Equal(t, int64(1), kernels[1].RefCount())

	cache.Clear()
	require.Equal(t, 0, cache.Len())
	require.Equal(t, int64(1), replacement.RefCount())

	// Released kernels are not cached.
	replacement.Release()
	cache.Insert(2, replacement)
	require.Equal(t, 0, cache.Len())
}

func TestLRUCacheReserve(t *testing.T) {
	device, _ := newTestDevice(t, "cache")
	cache := NewLRUCache(0)
	require.Equal(t, DefaultCacheCapacity, cache.Capacity())

	cache = NewLRUCache(2)
	cache.Reserve(3)
	require.Equal(t, 5, cache.Capacity())
	cache.Reserve(-10)
	require.Equal(t, 5, cache.Capacity(), "capacity is never lowered")

	for ii, k := range linkTestKernels(t, device, 5) {
		cache.Insert(uint64(ii), k)
	}
	require.Equal(t, 5, cache.Len())
	require.Zero(t, cache.Stats().Evictions)
}

func TestLRUCacheConcurrent(t *testing.T) {
	device, _ := newTestDevice(t, "cache")
	cache := NewLRUCache(8)
	kernels := linkTestKernels(t, device, 32)
	var wg sync.WaitGroup
	for worker := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ii := range 200 {
				key := uint64((worker*31 + ii) % len(kernels))
				if k, found := cache.Lookup(key); found {
					if k != kernels[key] {
						t.Errorf("key %d returned the wrong kernel %s", key, k)
					}
					k.Release()
				} else {
					cache.Insert(key, kernels[key])
				}
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, cache.Len(), 8)
	require.Len(t, cache.Keys(), cache.Len())
}

func BenchmarkLRUCacheLookup(b *testing.B) {
	device := NewDevice(&fakeDriver{}, DeviceDescriptor{Name: "bench"})
	defer func() { _ = device.Close() }()
	params := Params().ParamMut(0).Build()
	cache := NewLRUCache(DefaultCacheCapacity)
	for ii := range DefaultCacheCapacity {
		name := fmt.Sprintf("k%d", ii)
		cache.Insert(uint64(ii), must.M1(device.Link(stubCode(name, params), name, params)))
	}
	b.ResetTimer()
	for ii := range b.N {
		k, _ := cache.Lookup(uint64(ii % DefaultCacheCapacity))
		k.Release()
	}
}

// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

package table

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdma-exporter-ebpf/internal/types"
)

func key(i int) types.SourceKey {
	return types.SourceKeyFromBytes([4]byte{10, byte(i >> 16), byte(i >> 8), byte(i)})
}

func TestNewDefaults(t *testing.T) {
	tb := New(0)
	assert.Equal(t, types.TableCapacity, tb.Cap())
	assert.Zero(t, tb.Len())
	assert.Len(t, tb.shards, maxShards)

	assert.Len(t, New(1).shards, 1)
	assert.Len(t, New(5).shards, 4)
}

func TestUpsertSameKeyAccumulates(t *testing.T) {
	tb := New(8)
	sizes := []uint64{60, 1500, 0, 9000, 42}
	var sum uint64
	for _, n := range sizes {
		tb.Upsert(key(1), n)
		sum += n
	}

	c, ok := tb.Lookup(key(1))
	require.True(t, ok)
	assert.Equal(t, uint64(len(sizes)), c.Packets)
	assert.Equal(t, sum, c.Bytes)
	assert.Equal(t, 1, tb.Len())
}

func TestUpsertNewKeyStartsAtOne(t *testing.T) {
	tb := New(8)
	tb.Upsert(key(7), 128)
	c, ok := tb.Lookup(key(7))
	require.True(t, ok)
	assert.Equal(t, types.Counters{Packets: 1, Bytes: 128}, c)

	_, ok = tb.Lookup(key(8))
	assert.False(t, ok)
}

func TestEvictionKeepsRecentlyUsed(t *testing.T) {
	const capacity = 32
	tb := New(capacity)

	hot := key(0)
	tb.Upsert(hot, 1)
	for i := 1; i <= capacity; i++ {
		tb.Upsert(key(i), 1)
		_, ok := tb.Lookup(hot)
		require.True(t, ok, "hot key evicted after inserting key %d", i)
		require.LessOrEqual(t, tb.Len(), capacity)
	}

	assert.Equal(t, capacity, tb.Len())
	assert.Equal(t, uint64(1), tb.Evictions())
	// key(1) was inserted first after hot and never touched again.
	_, ok := tb.Lookup(key(1))
	assert.False(t, ok)
	for i := 2; i <= capacity; i++ {
		_, ok := tb.Lookup(key(i))
		assert.True(t, ok, "key %d", i)
	}
}

func TestEvictionOrderIsLeastRecentlyUsed(t *testing.T) {
	tb := New(4)
	for i := 1; i <= 4; i++ {
		tb.Upsert(key(i), 1)
	}
	// Recency now, oldest first: 1 2 3 4. Hitting 1 and 2 leaves 3 oldest.
	tb.Upsert(key(1), 1)
	tb.Upsert(key(2), 1)

	tb.Upsert(key(5), 1)
	_, ok := tb.Lookup(key(3))
	assert.False(t, ok)

	tb.Upsert(key(6), 1)
	_, ok = tb.Lookup(key(4))
	assert.False(t, ok)

	for _, i := range []int{1, 2, 5, 6} {
		_, ok := tb.Lookup(key(i))
		assert.True(t, ok, "key %d", i)
	}
	assert.Equal(t, uint64(2), tb.Evictions())
}

func TestReinsertedKeyStartsFromZero(t *testing.T) {
	tb := New(1)
	tb.Upsert(key(1), 100)
	tb.Upsert(key(1), 100)
	tb.Upsert(key(2), 5)
	tb.Upsert(key(1), 7)

	c, ok := tb.Lookup(key(1))
	require.True(t, ok)
	assert.Equal(t, types.Counters{Packets: 1, Bytes: 7}, c)
	assert.Equal(t, 1, tb.Len())
}

func TestConcurrentUpsertSameKey(t *testing.T) {
	const workers, perWorker = 16, 1000
	tb := New(64)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tb.Upsert(key(42), 1)
			}
		}()
	}
	wg.Wait()

	c, ok := tb.Lookup(key(42))
	require.True(t, ok)
	assert.Equal(t, uint64(workers*perWorker), c.Packets)
	assert.Equal(t, uint64(workers*perWorker), c.Bytes)
	assert.Equal(t, 1, tb.Len())
}

func TestConcurrentInsertSameKeyIntoFullTable(t *testing.T) {
	const capacity, workers = 16, 64
	for round := 0; round < 50; round++ {
		tb := New(capacity)
		for i := 0; i < capacity; i++ {
			tb.Upsert(key(i), 1)
		}
		require.Equal(t, capacity, tb.Len())

		hot := key(1000 + round)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				tb.Upsert(hot, 1)
			}()
		}
		close(start)
		wg.Wait()

		c, ok := tb.Lookup(hot)
		require.True(t, ok)
		assert.Equal(t, uint64(workers), c.Packets)
		assert.Equal(t, uint64(workers), c.Bytes)

		records := 0
		tb.Range(func(r types.Record) bool {
			if r.Key == hot {
				records++
			}
			return true
		})
		assert.Equal(t, 1, records)
		assert.LessOrEqual(t, tb.Len(), tb.Cap())
	}
}

func TestConcurrentInsertUnderPressure(t *testing.T) {
	const capacity, keys, workers = 8, 64, 8
	tb := New(capacity)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				tb.Upsert(key((i*7+w)%keys), 1)
				if tb.Len() > capacity {
					t.Errorf("len %d exceeds capacity", tb.Len())
					return
				}
			}
		}(w)
	}
	// A concurrent reader must not disturb writers.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			tb.Range(func(types.Record) bool { return true })
		}
	}()
	wg.Wait()

	snap := tb.Snapshot()
	assert.LessOrEqual(t, len(snap), capacity)
	seen := make(map[types.SourceKey]bool)
	for _, r := range snap {
		assert.False(t, seen[r.Key], "duplicate record for %s", r.Key)
		seen[r.Key] = true
		assert.NotZero(t, r.Packets)
	}
	assert.Equal(t, len(snap), tb.Len())
}

func TestRangeAndSnapshotDoNotTouch(t *testing.T) {
	tb := New(2)
	tb.Upsert(key(1), 10)
	tb.Upsert(key(2), 20)

	var got []types.Record
	tb.Range(func(r types.Record) bool {
		got = append(got, r)
		return true
	})
	assert.ElementsMatch(t, []types.Record{
		{Key: key(1), Counters: types.Counters{Packets: 1, Bytes: 10}},
		{Key: key(2), Counters: types.Counters{Packets: 1, Bytes: 20}},
	}, got)
	assert.ElementsMatch(t, got, tb.Snapshot())

	// key(1) is still the LRU record despite being read above.
	tb.Upsert(key(3), 30)
	_, ok := tb.Lookup(key(1))
	assert.False(t, ok)
}

func TestRangeStops(t *testing.T) {
	tb := New(16)
	for i := 0; i < 10; i++ {
		tb.Upsert(key(i), 1)
	}
	n := 0
	tb.Range(func(types.Record) bool {
		n++
		return n < 3
	})
	assert.Equal(t, 3, n)
}

func TestUpsertHitAllocs(t *testing.T) {
	tb := New(16)
	tb.Upsert(key(1), 1)
	allocs := testing.AllocsPerRun(100, func() {
		tb.Upsert(key(1), 64)
	})
	assert.Zero(t, allocs)
}

func BenchmarkUpsertParallel(b *testing.B) {
	tb := New(types.TableCapacity)
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			tb.Upsert(key(i%2048), 1500)
			i++
		}
	})
}

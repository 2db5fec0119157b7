// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

// Package table implements the bounded per-source counting table used by the
// userspace datapath. It has the same semantics as the kernel's packet_cnt
// LRU hash: a fixed number of keys, least-recently-used eviction when a new
// key arrives at capacity, and per-field atomic increments on hits.
package table

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/rdma-exporter-ebpf/internal/types"
)

const maxShards = 16

type slot struct {
	key     types.SourceKey
	packets atomic.Uint64
	bytes   atomic.Uint64
	// used is the clock value of the last hit; protected by the owning shard.
	used       uint64
	prev, next int32
}

// shard owns a disjoint subset of keys and keeps them in recency order.
type shard struct {
	mu    sync.Mutex
	index map[types.SourceKey]int32
	head  int32 // most recently used, -1 if empty
	tail  int32 // least recently used, -1 if empty
}

// Table is a fixed-capacity map from source address to counters. All slots
// are allocated by New; inserts reuse either a never-used slot or the slot
// of the evicted record. It is safe for concurrent use.
type Table struct {
	slots  []slot
	shards []shard
	mask   uint64

	next   atomic.Int64 // first never-used slot
	freeMu sync.Mutex
	free   []int32 // slots returned after losing an insert race

	clock     atomic.Uint64
	count     atomic.Int64
	evictions atomic.Uint64
}

// New returns an empty table holding at most capacity keys. A capacity of
// zero or less selects types.TableCapacity.
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = types.TableCapacity
	}
	n := maxShards
	for n > 1 && n > capacity {
		n >>= 1
	}
	t := &Table{
		slots:  make([]slot, capacity),
		shards: make([]shard, n),
		mask:   uint64(n - 1),
		free:   make([]int32, 0, capacity),
	}
	hint := 2*capacity/n + 1
	for i := range t.shards {
		t.shards[i] = shard{
			index: make(map[types.SourceKey]int32, hint),
			head:  -1,
			tail:  -1,
		}
	}
	return t
}

func (t *Table) shardFor(key types.SourceKey) *shard {
	b := key.Bytes()
	return &t.shards[xxhash.Sum64(b[:])&t.mask]
}

// Upsert credits one packet of n bytes to key, inserting the key if absent.
// Inserting into a full table first evicts the least recently used key.
func (t *Table) Upsert(key types.SourceKey, n uint64) {
	s := t.shardFor(key)

	s.mu.Lock()
	if idx, ok := s.index[key]; ok {
		t.hit(s, idx, n)
		s.mu.Unlock()
		return
	}
	if idx, ok := t.claim(); ok {
		t.insert(s, idx, key, n)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Eviction locks other shards; never hold two shard locks at once.
	idx := t.evict()

	s.mu.Lock()
	if existing, ok := s.index[key]; ok {
		// Another caller inserted key meanwhile: merge into its record.
		t.hit(s, existing, n)
		s.mu.Unlock()
		t.release(idx)
		return
	}
	t.insert(s, idx, key, n)
	s.mu.Unlock()
}

// Lookup returns the counters of key and marks it as recently used.
func (t *Table) Lookup(key types.SourceKey) (types.Counters, bool) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[key]
	if !ok {
		return types.Counters{}, false
	}
	t.touch(s, idx)
	sl := &t.slots[idx]
	return types.Counters{Packets: sl.packets.Load(), Bytes: sl.bytes.Load()}, true
}

// Range calls fn for every record until fn returns false. It does not
// affect recency. Upserts may run concurrently; a record's packet count can
// be observed ahead of its byte count.
func (t *Table) Range(fn func(types.Record) bool) {
	var buf []types.Record
	for i := range t.shards {
		// fn may be slow; copy the shard so it never runs under the lock.
		buf = t.shards[i].appendRecords(buf[:0], t.slots)
		for _, r := range buf {
			if !fn(r) {
				return
			}
		}
	}
}

// Snapshot copies every record.
func (t *Table) Snapshot() []types.Record {
	out := make([]types.Record, 0, t.Len())
	for i := range t.shards {
		out = t.shards[i].appendRecords(out, t.slots)
	}
	return out
}

// Len returns the number of keys in the table.
func (t *Table) Len() int { return int(t.count.Load()) }

// Cap returns the maximum number of keys.
func (t *Table) Cap() int { return len(t.slots) }

// Evictions returns how many records have been evicted to make room.
func (t *Table) Evictions() uint64 { return t.evictions.Load() }

// hit requires s.mu.
func (t *Table) hit(s *shard, idx int32, n uint64) {
	sl := &t.slots[idx]
	sl.packets.Add(1)
	sl.bytes.Add(n)
	t.touch(s, idx)
}

// insert requires s.mu.
func (t *Table) insert(s *shard, idx int32, key types.SourceKey, n uint64) {
	sl := &t.slots[idx]
	sl.key = key
	sl.packets.Store(1)
	sl.bytes.Store(n)
	sl.used = t.clock.Add(1)
	s.index[key] = idx
	s.pushFront(t.slots, idx)
	t.count.Add(1)
}

// touch requires s.mu.
func (t *Table) touch(s *shard, idx int32) {
	t.slots[idx].used = t.clock.Add(1)
	if s.head == idx {
		return
	}
	s.unlink(t.slots, idx)
	s.pushFront(t.slots, idx)
}

// claim returns a slot that holds no record, if any is left.
func (t *Table) claim() (int32, bool) {
	if t.next.Load() < int64(len(t.slots)) {
		if n := t.next.Add(1) - 1; n < int64(len(t.slots)) {
			return int32(n), true
		}
	}
	t.freeMu.Lock()
	defer t.freeMu.Unlock()
	if len(t.free) == 0 {
		return -1, false
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	return idx, true
}

func (t *Table) release(idx int32) {
	t.freeMu.Lock()
	t.free = append(t.free, idx)
	t.freeMu.Unlock()
}

// evict removes the least recently used record of the whole table and
// returns its slot. The global LRU record is always the tail of some shard,
// so comparing shard tails finds it.
func (t *Table) evict() int32 {
	for {
		victim := -1
		var oldest uint64
		for i := range t.shards {
			s := &t.shards[i]
			s.mu.Lock()
			if s.tail >= 0 {
				if u := t.slots[s.tail].used; victim < 0 || u < oldest {
					victim, oldest = i, u
				}
			}
			s.mu.Unlock()
		}
		if victim < 0 {
			// Every slot is between an eviction and an insert elsewhere.
			if idx, ok := t.claim(); ok {
				return idx
			}
			runtime.Gosched()
			continue
		}

		s := &t.shards[victim]
		s.mu.Lock()
		idx := s.tail
		if idx >= 0 {
			delete(s.index, t.slots[idx].key)
			s.unlink(t.slots, idx)
		}
		s.mu.Unlock()
		if idx >= 0 {
			t.count.Add(-1)
			t.evictions.Add(1)
			return idx
		}
	}
}

func (s *shard) appendRecords(out []types.Record, slots []slot) []types.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := s.head; idx >= 0; idx = slots[idx].next {
		sl := &slots[idx]
		out = append(out, types.Record{
			Key:      sl.key,
			Counters: types.Counters{Packets: sl.packets.Load(), Bytes: sl.bytes.Load()},
		})
	}
	return out
}

func (s *shard) pushFront(slots []slot, idx int32) {
	sl := &slots[idx]
	sl.prev = -1
	sl.next = s.head
	if s.head >= 0 {
		slots[s.head].prev = idx
	}
	s.head = idx
	if s.tail < 0 {
		s.tail = idx
	}
}

func (s *shard) unlink(slots []slot, idx int32) {
	sl := &slots[idx]
	if sl.prev >= 0 {
		slots[sl.prev].next = sl.next
	} else {
		s.head = sl.next
	}
	if sl.next >= 0 {
		slots[sl.next].prev = sl.prev
	} else {
		s.tail = sl.prev
	}
	sl.prev, sl.next = -1, -1
}

// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

package geoip

import (
	"container/list"
	"sync"
)

type lruCache[K comparable, V any] struct {
	mu    sync.Mutex
	cap   int
	list  *list.List
	items map[K]*list.Element
}

type entry[K comparable, V any] struct {
	key K
	val V
}

func newLRUCache[K comparable, V any](cap int) *lruCache[K, V] {
	return &lruCache[K, V]{
		cap:   cap,
		list:  list.New(),
		items: make(map[K]*list.Element, cap),
	}
}

func (c *lruCache[K, V]) get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[k]; ok {
		c.list.MoveToFront(e)
		return e.Value.(*entry[K, V]).val, true
	}
	var zero V
	return zero, false
}

func (c *lruCache[K, V]) put(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[k]; ok {
		e.Value.(*entry[K, V]).val = v
		c.list.MoveToFront(e)
		return
	}
	if c.list.Len() >= c.cap {
		if old := c.list.Back(); old != nil {
			c.list.Remove(old)
			delete(c.items, old.Value.(*entry[K, V]).key)
		}
	}
	c.items[k] = c.list.PushFront(&entry[K, V]{key: k, val: v})
}

func (c *lruCache[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

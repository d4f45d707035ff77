// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import (
	"container/list"
	"sync"
)

// DefaultScriptCacheCap bounds the number of script digests the encoder
// remembers having already streamed to replicas.
const DefaultScriptCacheCap = 10000

// ScriptCache is a bounded FIFO plus set, keyed by script SHA1 digest, so
// the stream encoder can send EVALSHA rather than the full script body
// once a replica is known to have it cached (C4).
type ScriptCache struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	elems map[string]*list.Element
}

// NewScriptCache creates a cache with the given capacity, defaulting to
// DefaultScriptCacheCap when cap <= 0.
func NewScriptCache(cap int) *ScriptCache {
	if cap <= 0 {
		cap = DefaultScriptCacheCap
	}
	return &ScriptCache{
		cap:   cap,
		order: list.New(),
		elems: make(map[string]*list.Element),
	}
}

// Add inserts sha1 at the head. If the cache is over capacity, the tail
// (oldest) entry is evicted from both the list and the set.
func (c *ScriptCache) Add(sha1 string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.elems[sha1]; ok {
		c.order.MoveToFront(c.elems[sha1])
		return
	}
	c.elems[sha1] = c.order.PushFront(sha1)
	if c.order.Len() > c.cap {
		tail := c.order.Back()
		c.order.Remove(tail)
		delete(c.elems, tail.Value.(string))
	}
}

// Exists is a set-lookup for sha1.
func (c *ScriptCache) Exists(sha1 string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.elems[sha1]
	return ok
}

// Flush empties the cache. Called on: a new replica performing a full
// SYNC, an AOF rewrite, or the last replica disconnecting with AOF off.
func (c *ScriptCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.elems = make(map[string]*list.Element)
}

func (c *ScriptCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

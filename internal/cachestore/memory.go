package cachestore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/maypok86/otter/v2"
)

// Memory keeps generations in process memory, one otter cache per generation.
// Nothing is bounded: entries leave only when their generation is deleted.
type Memory struct {
	mu     sync.Mutex
	gens   map[string]*memoryCache
	order  []string
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{gens: map[string]*memoryCache{}}
}

type memoryCache struct {
	name  string
	cache *otter.Cache[string, Snapshot]

	mu      sync.RWMutex
	deleted bool
}

func (m *Memory) Open(_ context.Context, name string) (Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if c, ok := m.gens[name]; ok {
		return c, nil
	}
	oc, err := otter.New(&otter.Options[string, Snapshot]{})
	if err != nil {
		return nil, fmt.Errorf("create generation %q: %w", name, err)
	}
	c := &memoryCache{name: name, cache: oc}
	m.gens[name] = c
	m.order = append(m.order, name)
	return c, nil
}

func (m *Memory) Has(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.gens[name]
	return ok, nil
}

func (m *Memory) Names(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...), nil
}

func (m *Memory) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	c, ok := m.gens[name]
	if ok {
		delete(m.gens, name)
		for i, n := range m.order {
			if n == name {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	c.drop()
	return true, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// drop invalidates every entry; handles still held by callers stop matching.
func (c *memoryCache) drop() {
	c.mu.Lock()
	c.deleted = true
	c.mu.Unlock()
	c.cache.InvalidateAll()
}

func (c *memoryCache) Match(_ context.Context, key string) (Snapshot, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.deleted {
		return Snapshot{}, false, nil
	}
	snap, ok := c.cache.GetIfPresent(key)
	if !ok {
		return Snapshot{}, false, nil
	}
	return snap.Clone(), true, nil
}

func (c *memoryCache) Put(_ context.Context, key string, snap Snapshot) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.deleted {
		return fmt.Errorf("generation %q: %w", c.name, ErrClosed)
	}
	c.cache.Set(key, snap.Clone())
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) (bool, error) {
	_, ok := c.cache.Invalidate(key)
	return ok, nil
}

func (c *memoryCache) Keys(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.deleted {
		return nil, nil
	}
	var out []string
	for k := range c.cache.Keys() {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

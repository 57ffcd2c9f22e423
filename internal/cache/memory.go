package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/kk-code-lab/spillway/internal/storage/manifest"
)

// Memory is a bounded LRU with per-entry expiry.
type Memory struct {
	mu      sync.Mutex
	size    int
	ttl     time.Duration
	now     func() time.Time
	order   *list.List
	entries map[string]*list.Element
}

type memoryEntry struct {
	id      string
	m       *manifest.Manifest
	expires time.Time
}

var _ Cache = (*Memory)(nil)

// NewMemory returns an LRU holding at most size entries for ttl each.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		size:    size,
		ttl:     ttl,
		now:     time.Now,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// SetClock overrides the time source used for expiry.
func (c *Memory) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Memory) Get(_ context.Context, objectID string) (*manifest.Manifest, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[objectID]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if !c.now().Before(entry.expires) {
		c.remove(el)
		return nil, false, nil
	}
	c.order.MoveToFront(el)
	return entry.m.Clone(), true, nil
}

func (c *Memory) Set(_ context.Context, m *manifest.Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := &memoryEntry{id: m.ObjectID, m: m.Clone(), expires: c.now().Add(c.ttl)}
	if el, ok := c.entries[m.ObjectID]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return nil
	}
	c.entries[m.ObjectID] = c.order.PushFront(entry)
	for c.order.Len() > c.size {
		c.remove(c.order.Back())
	}
	return nil
}

func (c *Memory) Delete(_ context.Context, objectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[objectID]; ok {
		c.remove(el)
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Memory) Close() error {
	return nil
}

func (c *Memory) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*memoryEntry).id)
}

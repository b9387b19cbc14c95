package cache

import (
	"sync"
	"time"

	"github.com/shopfront-labs/fulfillment/internal/domain"
)

// OrderCache keeps server-confirmed order snapshots for list/detail views.
// The reconciler invalidates entries after committed mutations and leaves a
// short-lived "last changed" marker the UI uses to highlight rows.
type OrderCache struct {
	mu          sync.RWMutex
	orders      map[string]domain.Order
	lastChanged map[string]changeMarker
	listStale   bool
	markerTTL   time.Duration
	now         func() time.Time
}

type changeMarker struct {
	field string
	at    time.Time
}

func NewOrderCache(markerTTL time.Duration) *OrderCache {
	if markerTTL <= 0 {
		markerTTL = 5 * time.Second
	}
	return &OrderCache{
		orders:      make(map[string]domain.Order),
		lastChanged: make(map[string]changeMarker),
		markerTTL:   markerTTL,
		now:         time.Now,
	}
}

func (c *OrderCache) Get(id string) (domain.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[id]
	return o, ok
}

func (c *OrderCache) Set(o domain.Order) {
	c.mu.Lock()
	c.orders[o.ID] = o
	c.mu.Unlock()
}

// Invalidate drops the cached snapshot for an order and marks list views
// stale. Field names the mutated field group for the change marker.
func (c *OrderCache) Invalidate(id, field string) {
	c.mu.Lock()
	delete(c.orders, id)
	c.listStale = true
	c.lastChanged[id] = changeMarker{field: field, at: c.now()}
	c.mu.Unlock()
}

// LastChanged reports the most recently mutated field of an order while the
// marker is still live.
func (c *OrderCache) LastChanged(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.lastChanged[id]
	if !ok || c.now().Sub(m.at) > c.markerTTL {
		return "", false
	}
	return m.field, true
}

// ListStale reports and clears the list-view staleness flag.
func (c *OrderCache) ListStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	stale := c.listStale
	c.listStale = false
	return stale
}

// Package vcache implements the bounded, insertion-ordered vehicle cache:
// the authoritative in-memory view of the latest enriched state per vehicle.
// Insertion order doubles as recency (touch on write), capacity overflow
// evicts the least-recently-inserted entry, and a periodic sweep expires
// entries whose last update is older than the configured TTL.
package vcache

import (
	"container/list"
	"log"
	"sync"
	"time"

	"github.com/stb13579/fleetd/internal/telemetry"
)

const maxSweepInterval = 15 * time.Second

// Cache maps vehicle id to its latest enriched state. All methods are safe
// for concurrent use. The expiry callback is invoked outside the cache lock;
// a panicking callback is logged and does not abort the sweep.
type Cache struct {
	mu      sync.Mutex
	limit   int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List // front = oldest insertion, back = newest

	onExpire func(id string, e telemetry.Enriched)

	sweepEvery time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	// test hook: called at the beginning of each timed sweep.
	sweepHook func()
}

type cacheItem struct {
	id    string
	entry telemetry.Enriched
}

// New creates a cache holding at most limit vehicles (limit <= 0 means
// unbounded) whose entries expire ttl after their last update (ttl 0
// disables expiry).
func New(limit int, ttl time.Duration) *Cache {
	return newWithSweepInterval(limit, ttl, sweepInterval(ttl))
}

func newWithSweepInterval(limit int, ttl, sweepEvery time.Duration) *Cache {
	return &Cache{
		limit:      limit,
		ttl:        ttl,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		sweepEvery: sweepEvery,
		stopCh:     make(chan struct{}),
	}
}

// sweepInterval clamps the sweep cadence to min(ttl, 15s), floored at 1s.
func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// SetOnExpire installs the removal callback invoked for every TTL-expired
// entry. It is wired after construction so that the cache and the fan-out
// can reference each other without either owning the other.
func (c *Cache) SetOnExpire(fn func(id string, e telemetry.Enriched)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpire = fn
}

// Get returns the entry for id, if present.
func (c *Cache) Get(id string) (telemetry.Enriched, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[id]
	if !ok {
		return telemetry.Enriched{}, false
	}
	return el.Value.(*cacheItem).entry, true
}

// Set inserts or replaces the entry for id, moving it to the most-recent
// position. If the cache then exceeds its capacity, the least-recently-
// inserted vehicle is evicted with a log line; capacity eviction is never
// broadcast.
func (c *Cache) Set(id string, e telemetry.Enriched) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[id]; ok {
		el.Value.(*cacheItem).entry = e
		c.order.MoveToBack(el)
		return
	}
	c.entries[id] = c.order.PushBack(&cacheItem{id: id, entry: e})

	if c.limit > 0 && c.order.Len() > c.limit {
		oldest := c.order.Front()
		item := oldest.Value.(*cacheItem)
		c.order.Remove(oldest)
		delete(c.entries, item.id)
		log.Printf("[cache] capacity eviction: vehicle=%s (limit %d)", item.id, c.limit)
	}
}

// Delete removes the entry for id, if present.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[id]; ok {
		c.order.Remove(el)
		delete(c.entries, id)
	}
}

// Len returns the number of cached vehicles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Snapshot returns all entries in insertion order, oldest first.
func (c *Cache) Snapshot() []telemetry.Enriched {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]telemetry.Enriched, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*cacheItem).entry)
	}
	return out
}

// ExpirySweep removes every entry whose last update is at least ttl before
// now and invokes the removal callback once per removed entry. Disabled when
// ttl is 0.
func (c *Cache) ExpirySweep(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	cutoff := now.Add(-c.ttl)

	c.mu.Lock()
	var expired []*cacheItem
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		item := el.Value.(*cacheItem)
		if !item.entry.LastSeen.After(cutoff) {
			c.order.Remove(el)
			delete(c.entries, item.id)
			expired = append(expired, item)
		}
		el = next
	}
	callback := c.onExpire
	c.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	log.Printf("[cache] expiry sweep removed %d vehicle(s)", len(expired))
	if callback == nil {
		return
	}
	for _, item := range expired {
		invokeExpireCallback(callback, item.id, item.entry)
	}
}

func invokeExpireCallback(fn func(string, telemetry.Enriched), id string, e telemetry.Enriched) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[cache] expiry callback panic for vehicle=%s: %v", id, r)
		}
	}()
	fn(id, e)
}

// Start launches the periodic expiry sweep. No goroutine is started when the
// TTL is 0.
func (c *Cache) Start() {
	if c.ttl <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				if c.sweepHook != nil {
					c.sweepHook()
				}
				c.ExpirySweep(time.Now())
			}
		}
	}()
}

// Stop cancels the periodic sweep and waits for it to exit. Safe to call
// more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

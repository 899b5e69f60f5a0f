package index

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"calidx/entity"
)

// Caches is the read-through entity cache service shared by the indexers of
// one deployment. It is an explicit instance with a documented lifecycle
// (New/Clear/Shutdown), passed to each Indexer at construction.
//
// Invalidation is token based: a throttled staleness check compares the
// index's current change token against the last observed one and clears
// every per-type cache on mismatch. The reconstructed-event cache is
// additionally time-boxed per entry and purged opportunistically.
type Caches struct {
	mu     sync.Mutex
	logger *slog.Logger

	checkInterval time.Duration
	lastCheck     time.Time
	lastToken     string
	dirty         bool

	entities    map[entity.Kind]map[string]any
	collections map[collectionKey]*entity.Collection

	events        map[eventKey]*eventEntry
	eventTTL      time.Duration
	purgeInterval time.Duration
	lastPurge     time.Time

	hits    uint64
	misses  uint64
	purged  uint64
	flushes uint64
}

type collectionKey struct {
	href          string
	desiredAccess int
}

type eventKey struct {
	docID    string
	override bool
	instance bool
}

type eventEntry struct {
	info     *EventInfo
	lastUsed time.Time
	useCount int
}

// CacheStats is a point-in-time counter snapshot.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Purged  uint64
	Flushes uint64
	Events  int
}

// NewCaches creates the cache service with the given pacing configuration.
func NewCaches(cfg Config, logger *slog.Logger) *Caches {
	cfg = cfg.withDefaults()
	return &Caches{
		logger:        logger,
		checkInterval: cfg.TokenCheckInterval,
		entities:      make(map[entity.Kind]map[string]any),
		collections:   make(map[collectionKey]*entity.Collection),
		events:        make(map[eventKey]*eventEntry),
		eventTTL:      cfg.EventCacheTTL,
		purgeInterval: cfg.EventCachePurgeInterval,
	}
}

// Observe runs the throttled staleness check: at most once per check
// interval (or immediately when marked dirty) it fetches the current change
// token via fetchToken and clears every cache when it differs from the last
// observed value. Errors from fetchToken leave the caches untouched.
func (c *Caches) Observe(ctx context.Context, fetchToken func(context.Context) (string, error)) error {
	c.mu.Lock()
	due := c.dirty || time.Since(c.lastCheck) >= c.checkInterval
	c.mu.Unlock()
	if !due {
		return nil
	}

	token, err := fetchToken(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCheck = time.Now()
	if c.dirty || (c.lastToken != "" && c.lastToken != token) {
		c.clearLocked()
		c.logger.Debug("change token advanced, caches cleared", "token", token)
	}
	c.dirty = false
	c.lastToken = token
	return nil
}

// MarkDirty forces the next staleness check to invalidate, regardless of the
// throttle. Called on every local write.
func (c *Caches) MarkDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// GetEntity looks up a cached entity by kind and href.
func (c *Caches) GetEntity(kind entity.Kind, href string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byHref, ok := c.entities[kind]
	if !ok {
		c.misses++
		return nil, false
	}
	v, ok := byHref[href]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return v, true
}

// PutEntity stores an entity under its kind and href.
func (c *Caches) PutEntity(kind entity.Kind, href string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byHref, ok := c.entities[kind]
	if !ok {
		byHref = make(map[string]any)
		c.entities[kind] = byHref
	}
	byHref[href] = v
}

// GetCollection looks up a collection under its access-scoped key: the same
// collection resolves to different access-filtered wrappers per caller.
func (c *Caches) GetCollection(href string, desiredAccess int) (*entity.Collection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	col, ok := c.collections[collectionKey{href, desiredAccess}]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return col, ok
}

// PutCollection stores a collection under its access-scoped key.
func (c *Caches) PutCollection(href string, desiredAccess int, col *entity.Collection) {
	c.mu.Lock()
	c.collections[collectionKey{href, desiredAccess}] = col
	c.mu.Unlock()
}

// GetEvent looks up a reconstructed event by document id and flags. A purge
// pass over expired entries runs opportunistically here, at most once per
// purge interval.
func (c *Caches) GetEvent(docID string, override, instance bool) (*EventInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybePurgeLocked()

	e, ok := c.events[eventKey{docID, override, instance}]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Since(e.lastUsed) > c.eventTTL {
		delete(c.events, eventKey{docID, override, instance})
		c.purged++
		c.misses++
		return nil, false
	}
	e.lastUsed = time.Now()
	e.useCount++
	c.hits++
	return e.info, true
}

// PutEvent stores a reconstructed event.
func (c *Caches) PutEvent(docID string, override, instance bool, info *EventInfo) {
	c.mu.Lock()
	c.events[eventKey{docID, override, instance}] = &eventEntry{
		info:     info,
		lastUsed: time.Now(),
		useCount: 1,
	}
	c.mu.Unlock()
}

// maybePurgeLocked evicts event entries older than the TTL, no more often
// than once per purge interval. Caller holds the lock.
func (c *Caches) maybePurgeLocked() {
	now := time.Now()
	if now.Sub(c.lastPurge) < c.purgeInterval {
		return
	}
	c.lastPurge = now

	before := len(c.events)
	for key, e := range c.events {
		if now.Sub(e.lastUsed) > c.eventTTL {
			delete(c.events, key)
		}
	}
	evicted := before - len(c.events)
	if evicted > 0 {
		c.purged += uint64(evicted)
		c.logger.Debug("event cache purge", "evicted", evicted, "remaining", len(c.events))
	}
}

// Clear drops every cache entry.
func (c *Caches) Clear() {
	c.mu.Lock()
	c.clearLocked()
	c.mu.Unlock()
}

func (c *Caches) clearLocked() {
	c.entities = make(map[entity.Kind]map[string]any)
	c.collections = make(map[collectionKey]*entity.Collection)
	c.events = make(map[eventKey]*eventEntry)
	c.flushes++
}

// Shutdown releases the cache service. It holds no background resources, so
// this is equivalent to Clear; it exists so embedders have a symmetric
// lifecycle hook.
func (c *Caches) Shutdown() {
	c.Clear()
}

// Stats returns a counter snapshot.
func (c *Caches) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Purged:  c.purged,
		Flushes: c.flushes,
		Events:  len(c.events),
	}
}

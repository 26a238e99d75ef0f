// Package catalog tracks the platform's change counter and per-item
// metadata for the two catalogs (standalone items and bundles).
//
// The global counter never decreases and is never below any stored
// item counter. A change notification at or below the current counter
// is ignored, so applying one twice is the same as applying it once.
package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/sched"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const DefaultInterval = time.Minute

// Requester sends a request and waits for its reply.
type Requester interface {
	Request(ctx context.Context, msg protocol.Message) (protocol.Message, error)
}

type Item struct {
	Catalog  protocol.CatalogKind
	ID       uint32
	Counter  uint64
	Missing  bool
	Metadata map[string]string
	Contains []uint32
	// Stale marks an item changed since its metadata was fetched.
	Stale bool
}

// Change is published for every applied notification.
type Change struct {
	Previous uint64
	Counter  uint64
	Changes  []protocol.CatalogChange
}

type Config struct {
	Interval time.Duration
	// CacheAll fetches every changed id, not only ids already cached.
	CacheAll bool
	Clock    clockwork.Clock
	// Post runs refresh ticks on the owner's goroutine.
	Post     sched.Executor
	Instance string
	OnChange func(Change)
}

type key struct {
	kind protocol.CatalogKind
	id   uint32
}

type Cache struct {
	cfg Config
	req Requester
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	task   *sched.Task

	mu         sync.Mutex
	counter    uint64
	items      map[uint32]*Item
	bundles    map[uint32]*Item
	owned      []uint32
	inflight   map[key]*flight
	enabled    bool
	paused     bool
	pendSeed   bool
	refreshing bool
	seeds      int
}

func New(req Requester, cfg Config) *Cache {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Post == nil {
		cfg.Post = sched.Inline
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		cfg:      cfg,
		req:      req,
		log:      logging.For("catalog"),
		ctx:      ctx,
		cancel:   cancel,
		items:    make(map[uint32]*Item),
		bundles:  make(map[uint32]*Item),
		inflight: make(map[key]*flight),
		paused:   true,
	}
	c.task = sched.NewTask("catalog.refresh", cfg.Clock, cfg.Interval, cfg.Post, c.tick)
	return c
}

func (c *Cache) table(kind protocol.CatalogKind) map[uint32]*Item {
	if kind == protocol.CatalogBundles {
		return c.bundles
	}
	return c.items
}

func (c *Cache) Counter() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

func (c *Cache) Item(kind protocol.CatalogKind, id uint32) (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.table(kind)[id]
	if !ok {
		return Item{}, false
	}
	return it.clone(), true
}

func (c *Cache) Len(kind protocol.CatalogKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table(kind))
}

// Owned returns the bundle ids from the last entitlements seen.
func (c *Cache) Owned() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.owned...)
}

// Seeds counts seed fetches started.
func (c *Cache) Seeds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seeds
}

func (it *Item) clone() Item {
	out := *it
	if it.Metadata != nil {
		out.Metadata = make(map[string]string, len(it.Metadata))
		for k, v := range it.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Contains = append([]uint32(nil), it.Contains...)
	return out
}

// OnChangeNotification applies a change push. It reports whether the
// notification advanced the counter.
func (c *Cache) OnChangeNotification(counter uint64, changes []protocol.CatalogChange) bool {
	c.mu.Lock()
	if counter <= c.counter {
		current := c.counter
		c.mu.Unlock()
		c.log.Debug().Msgf("catalog.Cache.OnChangeNotification ignored counter=%d current=%d", counter, current)
		return false
	}
	var refetch []key
	for _, ch := range changes {
		k := key{ch.Catalog, ch.ID}
		m := c.table(ch.Catalog)
		it, ok := m[ch.ID]
		if ok && (it.Metadata != nil || it.Missing) || !ok && c.cfg.CacheAll {
			refetch = append(refetch, k)
		}
		if !ok {
			it = &Item{Catalog: ch.Catalog, ID: ch.ID}
			m[ch.ID] = it
		}
		it.Counter = counter
		it.Metadata = nil
		it.Contains = nil
		it.Missing = false
		it.Stale = true
	}
	prev := c.counter
	c.counter = counter
	live := c.enabled && !c.paused
	c.mu.Unlock()

	observability.SetCatalogCounter(c.cfg.Instance, counter)
	c.log.Debug().Msgf("catalog.Cache.OnChangeNotification counter=%d previous=%d changes=%d", counter, prev, len(changes))
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(Change{Previous: prev, Counter: counter, Changes: append([]protocol.CatalogChange(nil), changes...)})
	}
	if live && len(refetch) > 0 {
		c.fetchKeys(refetch)
	}
	return true
}

// OnEntitlements records owned bundles and fetches any not cached.
func (c *Cache) OnEntitlements(ent protocol.Entitlements) {
	c.mu.Lock()
	c.owned = append([]uint32(nil), ent.Bundles...)
	live := c.enabled && !c.paused
	c.mu.Unlock()
	if live && len(ent.Bundles) > 0 {
		c.Fetch(nil, ent.Bundles)
	}
}

// merge stores fetched info. A stored counter never decreases and a
// fetched counter never lifts an item above the global counter.
func (c *Cache) merge(kind protocol.CatalogKind, infos []protocol.CatalogItemInfo) {
	m := c.table(kind)
	for _, info := range infos {
		fetched := min(info.Counter, c.counter)
		it, ok := m[info.ID]
		if !ok {
			it = &Item{Catalog: kind, ID: info.ID}
			m[info.ID] = it
		}
		// A change newer than this fetch keeps the item stale.
		newer := ok && it.Stale && it.Counter > info.Counter
		it.Counter = max(it.Counter, fetched)
		it.Missing = info.Missing
		it.Metadata = info.Metadata
		if it.Metadata == nil && !info.Missing {
			it.Metadata = map[string]string{}
		}
		it.Contains = append([]uint32(nil), info.Contains...)
		it.Stale = newer
	}
}

func (c *Cache) markMissing(kind protocol.CatalogKind, ids []uint32) {
	m := c.table(kind)
	for _, id := range ids {
		it, ok := m[id]
		if !ok {
			it = &Item{Catalog: kind, ID: id}
			m[id] = it
		}
		it.Missing = true
		it.Metadata = nil
		it.Stale = false
	}
}

// SetRefreshEnabled starts or stops the refresh task. Enabling also
// runs one seed fetch, deferred until Resume when paused. Repeating the
// current state does nothing.
func (c *Cache) SetRefreshEnabled(on bool) {
	c.mu.Lock()
	if c.enabled == on {
		c.mu.Unlock()
		return
	}
	c.enabled = on
	if !on {
		c.pendSeed = false
		c.mu.Unlock()
		c.task.Stop()
		c.log.Info().Msg("catalog.Cache.SetRefreshEnabled disabled")
		return
	}
	paused := c.paused
	if paused {
		c.pendSeed = true
	}
	c.mu.Unlock()
	c.log.Info().Msgf("catalog.Cache.SetRefreshEnabled enabled paused=%v", paused)
	if !paused {
		c.task.Start()
		c.startSeed()
	}
}

func (c *Cache) RefreshEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetInterval changes the refresh period, restarting a running task.
func (c *Cache) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	c.task.SetInterval(d)
}

func (c *Cache) SetCacheAll(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.CacheAll = on
}

// Pause stops refresh while the session is not logged on.
func (c *Cache) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.task.Stop()
}

// Resume restarts refresh after logon and runs a deferred seed.
func (c *Cache) Resume() {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = false
	enabled := c.enabled
	seed := enabled && c.pendSeed
	c.pendSeed = false
	c.mu.Unlock()
	if enabled {
		c.task.Start()
	}
	if seed {
		c.startSeed()
	}
}

// RefreshRunning reports whether the scheduled task is armed.
func (c *Cache) RefreshRunning() bool { return c.task.Running() }

func (c *Cache) Close() {
	c.task.Stop()
	c.cancel()
}

func sortedIDs(ids []uint32) []uint32 {
	out := append([]uint32(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

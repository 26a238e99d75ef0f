// Package edgecache caches resolved content-delivery endpoints and their
// access tokens per scope. Entries go stale lazily when read past expiry;
// nothing is evicted in the background.
package edgecache

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Scope keys one resolution. AppID zero resolves a host without a token.
type Scope struct {
	Region string
	AppID  uint32
}

func (s Scope) key() string { return s.Region + "|" + strconv.FormatUint(uint64(s.AppID), 10) }

type Entry struct {
	Scope   Scope
	Host    string
	Port    uint16
	HTTPS   bool
	Token   string
	Expires time.Time
}

func (e Entry) Addr() string { return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port))) }

func (e Entry) URL() string {
	scheme := "http"
	if e.HTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, e.Addr())
}

// Lookup resolves a scope against the platform.
type Lookup interface {
	Lookup(ctx context.Context, scope Scope) (Entry, error)
}

type LookupFunc func(ctx context.Context, scope Scope) (Entry, error)

func (f LookupFunc) Lookup(ctx context.Context, scope Scope) (Entry, error) { return f(ctx, scope) }

// lookupTimeout bounds a shared lookup once it no longer follows the
// ctx of the caller that started it.
const lookupTimeout = 30 * time.Second

type Cache struct {
	lookup Lookup
	clock  clockwork.Clock
	log    zerolog.Logger

	mu      sync.Mutex
	entries map[Scope]Entry
	group   singleflight.Group
}

func New(lookup Lookup, clock clockwork.Clock) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		lookup:  lookup,
		clock:   clock,
		log:     logging.For("edgecache"),
		entries: make(map[Scope]Entry),
	}
}

// Resolve returns the cached entry while unexpired, else looks it up.
// Concurrent misses for one scope share a single lookup, which outlives
// any one caller's ctx up to lookupTimeout. Each caller still returns
// as soon as its own ctx is done.
func (c *Cache) Resolve(ctx context.Context, scope Scope) (Entry, error) {
	if e, ok := c.fresh(scope); ok {
		observability.RecordEdgeLookup("hit")
		return e, nil
	}
	ch := c.group.DoChan(scope.key(), func() (any, error) {
		if e, ok := c.fresh(scope); ok {
			return e, nil
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		e, err := c.lookup.Lookup(lctx, scope)
		if err != nil {
			return Entry{}, err
		}
		e.Scope = scope
		c.mu.Lock()
		c.entries[scope] = e
		c.mu.Unlock()
		c.log.Debug().Msgf("edgecache.Cache.Resolve stored scope=%s host=%s expires=%s", scope.key(), e.Addr(), e.Expires.Format(time.RFC3339))
		return e, nil
	})
	select {
	case <-ctx.Done():
		observability.RecordEdgeLookup("error")
		return Entry{}, context.Cause(ctx)
	case res := <-ch:
		if res.Err != nil {
			observability.RecordEdgeLookup("error")
			return Entry{}, res.Err
		}
		if res.Shared {
			observability.RecordEdgeLookup("coalesced")
		} else {
			observability.RecordEdgeLookup("miss")
		}
		return res.Val.(Entry), nil
	}
}

func (c *Cache) fresh(scope Scope) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[scope]
	if !ok || !c.clock.Now().Before(e.Expires) {
		return Entry{}, false
	}
	return e, true
}

// Peek returns the stored entry, stale or not, and whether it is fresh.
func (c *Cache) Peek(scope Scope) (Entry, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[scope]
	if !ok {
		return Entry{}, false, false
	}
	return e, true, c.clock.Now().Before(e.Expires)
}

// Invalidate drops scope so the next Resolve looks it up.
func (c *Cache) Invalidate(scope Scope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, scope)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

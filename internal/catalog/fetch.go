package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("catalog: cache closed")

type flight struct {
	done chan struct{}
	err  error
}

// Pending is the eventual result of a Fetch. Every caller coalesced onto
// the same in-flight ids sees the same outcome.
type Pending struct {
	c       *Cache
	keys    []key
	flights []*flight
}

// Done closes once every id is resolved.
func (p *Pending) Done() <-chan struct{} {
	out := make(chan struct{})
	go func() {
		for _, f := range p.flights {
			<-f.done
		}
		close(out)
	}()
	return out
}

// Wait blocks until the fetch settles and returns the items in request
// order, items first then bundles.
func (p *Pending) Wait(ctx context.Context) ([]Item, error) {
	for _, f := range p.flights {
		select {
		case <-f.done:
			if f.err != nil {
				return nil, f.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	out := make([]Item, 0, len(p.keys))
	for _, k := range p.keys {
		if it, ok := p.c.table(k.kind)[k.id]; ok {
			out = append(out, it.clone())
		}
	}
	return out, nil
}

// Fetch returns cached, fresh items directly and requests the rest. An
// id already being fetched joins that request instead of sending
// another.
func (c *Cache) Fetch(items, bundles []uint32) *Pending {
	keys := make([]key, 0, len(items)+len(bundles))
	for _, id := range items {
		keys = append(keys, key{protocol.CatalogItems, id})
	}
	for _, id := range bundles {
		keys = append(keys, key{protocol.CatalogBundles, id})
	}
	return c.fetchKeys(keys)
}

func (c *Cache) fetchKeys(keys []key) *Pending {
	p := &Pending{c: c, keys: keys}
	joined := make(map[*flight]struct{})
	var fresh []key

	c.mu.Lock()
	for _, k := range keys {
		if it, ok := c.table(k.kind)[k.id]; ok && !it.Stale && (it.Metadata != nil || it.Missing) {
			continue
		}
		if f, ok := c.inflight[k]; ok {
			if _, seen := joined[f]; !seen {
				joined[f] = struct{}{}
				p.flights = append(p.flights, f)
			}
			continue
		}
		fresh = append(fresh, k)
	}
	var f *flight
	if len(fresh) > 0 {
		f = &flight{done: make(chan struct{})}
		for _, k := range fresh {
			c.inflight[k] = f
		}
		p.flights = append(p.flights, f)
	}
	c.mu.Unlock()

	if f != nil {
		go c.runFetch(f, fresh)
	}
	return p
}

func (c *Cache) runFetch(f *flight, keys []key) {
	var req protocol.CatalogInfoRequest
	for _, k := range keys {
		if k.kind == protocol.CatalogBundles {
			req.Bundles = append(req.Bundles, k.id)
		} else {
			req.Items = append(req.Items, k.id)
		}
	}
	req.Items, req.Bundles = sortedIDs(req.Items), sortedIDs(req.Bundles)

	resp, err := c.requestInfo(c.ctx, req)

	c.mu.Lock()
	if err == nil {
		c.merge(protocol.CatalogItems, resp.Items)
		c.merge(protocol.CatalogBundles, resp.Bundles)
		var unknownItems, unknownBundles []uint32
		for _, id := range resp.Unknown {
			if containsID(req.Bundles, id) {
				unknownBundles = append(unknownBundles, id)
			} else {
				unknownItems = append(unknownItems, id)
			}
		}
		c.markMissing(protocol.CatalogItems, unknownItems)
		c.markMissing(protocol.CatalogBundles, unknownBundles)
	}
	for _, k := range keys {
		if c.inflight[k] == f {
			delete(c.inflight, k)
		}
	}
	c.mu.Unlock()

	f.err = err
	close(f.done)
	if err != nil {
		observability.RecordCatalogFetch("error")
		c.log.Warn().Err(err).Msgf("catalog.Cache.fetch failed items=%d bundles=%d", len(req.Items), len(req.Bundles))
		return
	}
	observability.RecordCatalogFetch("ok")
}

func (c *Cache) requestInfo(ctx context.Context, req protocol.CatalogInfoRequest) (protocol.CatalogInfoResponse, error) {
	if c.ctx.Err() != nil {
		return protocol.CatalogInfoResponse{}, ErrClosed
	}
	reply, err := c.req.Request(ctx, protocol.MustMessage(protocol.MsgCatalogInfo, req))
	if err != nil {
		return protocol.CatalogInfoResponse{}, fmt.Errorf("catalog: info: %w", err)
	}
	var resp protocol.CatalogInfoResponse
	if err := reply.DecodeBody(&resp); err != nil {
		return protocol.CatalogInfoResponse{}, err
	}
	return resp, nil
}

func containsID(ids []uint32, id uint32) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// tick runs on the owner's goroutine; the request itself runs apart so
// the owner is never blocked.
func (c *Cache) tick() {
	c.mu.Lock()
	if c.refreshing || c.paused || !c.enabled {
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	since := c.counter
	c.mu.Unlock()
	go c.refresh(since)
}

func (c *Cache) refresh(since uint64) {
	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()
	reply, err := c.req.Request(c.ctx, protocol.MustMessage(protocol.MsgCatalogChangesSince, protocol.CatalogChangesSinceRequest{Since: since}))
	if err != nil {
		c.log.Warn().Err(err).Msgf("catalog.Cache.refresh failed since=%d", since)
		return
	}
	var resp protocol.CatalogChangesSinceResponse
	if err := reply.DecodeBody(&resp); err != nil {
		c.log.Warn().Err(err).Msg("catalog.Cache.refresh decode failed")
		return
	}
	if resp.FullUpdate {
		c.log.Info().Msgf("catalog.Cache.refresh full update since=%d current=%d", since, resp.Current)
		c.OnChangeNotification(resp.Current, nil)
		c.startSeed()
		return
	}
	c.OnChangeNotification(resp.Current, resp.Changes)
}

func (c *Cache) startSeed() {
	c.mu.Lock()
	c.seeds++
	c.mu.Unlock()
	go func() {
		if err := c.seed(c.ctx); err != nil {
			c.log.Warn().Err(err).Msg("catalog.Cache.seed failed")
		}
	}()
}

// seed asks for entitlements, then fetches owned bundles and every
// stale cached item in parallel, then the items those bundles contain.
func (c *Cache) seed(ctx context.Context) error {
	reply, err := c.req.Request(ctx, protocol.MustMessage(protocol.MsgEntitlementsRequest, nil))
	if err != nil {
		return fmt.Errorf("catalog: entitlements: %w", err)
	}
	var ent protocol.Entitlements
	if len(reply.Body) > 0 {
		if err := reply.DecodeBody(&ent); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.owned = append([]uint32(nil), ent.Bundles...)
	var staleItems []uint32
	for id, it := range c.items {
		if it.Stale {
			staleItems = append(staleItems, id)
		}
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	bundles := c.Fetch(nil, ent.Bundles)
	items := c.Fetch(staleItems, nil)
	var fetched []Item
	g.Go(func() error {
		var err error
		fetched, err = bundles.Wait(gctx)
		return err
	})
	g.Go(func() error {
		_, err := items.Wait(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	var contained []uint32
	seen := make(map[uint32]struct{})
	for _, b := range fetched {
		for _, id := range b.Contains {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				contained = append(contained, id)
			}
		}
	}
	if len(contained) == 0 {
		return nil
	}
	_, err = c.Fetch(contained, nil).Wait(ctx)
	return err
}

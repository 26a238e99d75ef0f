package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
)

// fakeCatalog answers catalog requests from in-memory tables.
type fakeCatalog struct {
	mu       sync.Mutex
	counter  uint64
	items    map[uint32]protocol.CatalogItemInfo
	bundles  map[uint32]protocol.CatalogItemInfo
	owned    []uint32
	full     bool
	changes  []protocol.CatalogChange
	gate     chan struct{}
	fail     error
	requests map[protocol.MessageType]int
	infoReqs []protocol.CatalogInfoRequest
}

func newFakeCatalog(counter uint64) *fakeCatalog {
	return &fakeCatalog{
		counter:  counter,
		items:    make(map[uint32]protocol.CatalogItemInfo),
		bundles:  make(map[uint32]protocol.CatalogItemInfo),
		requests: make(map[protocol.MessageType]int),
	}
}

func (f *fakeCatalog) item(id uint32, name string) {
	f.items[id] = protocol.CatalogItemInfo{ID: id, Counter: f.counter, Metadata: map[string]string{"name": name}}
}

func (f *fakeCatalog) count(t protocol.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[t]
}

func (f *fakeCatalog) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	f.mu.Lock()
	f.requests[msg.Type]++
	gate, fail := f.gate, f.fail
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
	if fail != nil {
		return protocol.Message{}, fail
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch msg.Type {
	case protocol.MsgCatalogInfo:
		var req protocol.CatalogInfoRequest
		if err := msg.DecodeBody(&req); err != nil {
			return protocol.Message{}, err
		}
		f.infoReqs = append(f.infoReqs, req)
		var resp protocol.CatalogInfoResponse
		for _, id := range req.Items {
			if info, ok := f.items[id]; ok {
				resp.Items = append(resp.Items, info)
			} else {
				resp.Unknown = append(resp.Unknown, id)
			}
		}
		for _, id := range req.Bundles {
			if info, ok := f.bundles[id]; ok {
				resp.Bundles = append(resp.Bundles, info)
			} else {
				resp.Unknown = append(resp.Unknown, id)
			}
		}
		return protocol.MustMessage(protocol.MsgCatalogInfoResponse, resp), nil
	case protocol.MsgCatalogChangesSince:
		return protocol.MustMessage(protocol.MsgCatalogChangesSinceResponse, protocol.CatalogChangesSinceResponse{
			Current:    f.counter,
			FullUpdate: f.full,
			Changes:    f.changes,
		}), nil
	case protocol.MsgEntitlementsRequest:
		return protocol.MustMessage(protocol.MsgEntitlementsResponse, protocol.Entitlements{Bundles: f.owned}), nil
	}
	return protocol.Message{}, errors.New("unexpected request " + msg.Type.String())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChangeNotificationAdvancesOnlyChangedItems(t *testing.T) {
	testlog.Start(t)
	srv := newFakeCatalog(100)
	srv.item(10, "ten")
	srv.item(20, "twenty")
	srv.item(30, "thirty")

	var published []Change
	c := New(srv, Config{OnChange: func(ch Change) { published = append(published, ch) }})
	defer c.Close()
	c.OnChangeNotification(100, nil)
	if _, err := c.Fetch([]uint32{10, 20, 30}, nil).Wait(t.Context()); err != nil {
		t.Fatalf("seed fetch: %v", err)
	}

	changes := []protocol.CatalogChange{{Catalog: protocol.CatalogItems, ID: 10}, {Catalog: protocol.CatalogItems, ID: 20}}
	if !c.OnChangeNotification(105, changes) {
		t.Fatalf("newer counter ignored")
	}
	if c.Counter() != 105 {
		t.Fatalf("counter=%d want 105", c.Counter())
	}
	for _, id := range []uint32{10, 20} {
		it, _ := c.Item(protocol.CatalogItems, id)
		if it.Counter != 105 || !it.Stale || it.Metadata != nil {
			t.Fatalf("item %d=%+v", id, it)
		}
	}
	untouched, _ := c.Item(protocol.CatalogItems, 30)
	if untouched.Counter != 100 || untouched.Stale || untouched.Metadata["name"] != "thirty" {
		t.Fatalf("item 30 changed: %+v", untouched)
	}
	if len(published) != 2 || published[1].Previous != 100 || published[1].Counter != 105 {
		t.Fatalf("published=%+v", published)
	}
}

func TestChangeNotificationIsIdempotent(t *testing.T) {
	testlog.Start(t)
	c := New(nil, Config{})
	defer c.Close()
	changes := []protocol.CatalogChange{{Catalog: protocol.CatalogBundles, ID: 7}}
	if !c.OnChangeNotification(50, changes) {
		t.Fatalf("first notification ignored")
	}
	before, _ := c.Item(protocol.CatalogBundles, 7)
	if c.OnChangeNotification(50, changes) || c.OnChangeNotification(49, changes) {
		t.Fatalf("stale notification applied")
	}
	after, _ := c.Item(protocol.CatalogBundles, 7)
	if diff := cmp.Diff(before, after); diff != "" || c.Counter() != 50 {
		t.Fatalf("state changed (-before +after):\n%s", diff)
	}
}

func TestMergeNeverLiftsItemAboveGlobalCounter(t *testing.T) {
	testlog.Start(t)
	srv := newFakeCatalog(300)
	srv.item(1, "one")
	c := New(srv, Config{})
	defer c.Close()
	c.OnChangeNotification(200, nil)

	items, err := c.Fetch([]uint32{1}, nil).Wait(t.Context())
	if err != nil || len(items) != 1 {
		t.Fatalf("fetch=%+v err=%v", items, err)
	}
	if items[0].Counter != 200 {
		t.Fatalf("item counter=%d above global 200", items[0].Counter)
	}
}

func TestFetchMarksUnknownMissing(t *testing.T) {
	testlog.Start(t)
	srv := newFakeCatalog(1)
	c := New(srv, Config{})
	defer c.Close()
	items, err := c.Fetch([]uint32{404}, []uint32{405}).Wait(t.Context())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 2 || !items[0].Missing || !items[1].Missing || items[1].Catalog != protocol.CatalogBundles {
		t.Fatalf("items=%+v", items)
	}
	if _, err := c.Fetch([]uint32{404}, nil).Wait(t.Context()); err != nil || srv.count(protocol.MsgCatalogInfo) != 1 {
		t.Fatalf("missing item refetched: requests=%d err=%v", srv.count(protocol.MsgCatalogInfo), err)
	}
}

func TestConcurrentFetchesCoalesce(t *testing.T) {
	testlog.Start(t)
	srv := newFakeCatalog(5)
	srv.item(1, "one")
	srv.item(2, "two")
	srv.gate = make(chan struct{})
	c := New(srv, Config{})
	defer c.Close()

	first := c.Fetch([]uint32{1, 2}, nil)
	second := c.Fetch([]uint32{2, 1}, nil)
	close(srv.gate)
	a, errA := first.Wait(t.Context())
	b, errB := second.Wait(t.Context())
	if errA != nil || errB != nil {
		t.Fatalf("errors: %v %v", errA, errB)
	}
	if len(a) != 2 || len(b) != 2 || b[0].ID != 2 {
		t.Fatalf("a=%+v b=%+v", a, b)
	}
	if n := srv.count(protocol.MsgCatalogInfo); n != 1 {
		t.Fatalf("info requests=%d want 1", n)
	}
}

func TestFetchErrorReachesEveryWaiter(t *testing.T) {
	testlog.Start(t)
	srv := newFakeCatalog(1)
	boom := errors.New("boom")
	srv.fail = boom
	c := New(srv, Config{})
	defer c.Close()
	p1 := c.Fetch([]uint32{9}, nil)
	p2 := c.Fetch([]uint32{9}, nil)
	if _, err := p1.Wait(t.Context()); !errors.Is(err, boom) {
		t.Fatalf("p1 err=%v", err)
	}
	if _, err := p2.Wait(t.Context()); !errors.Is(err, boom) {
		t.Fatalf("p2 err=%v", err)
	}
	if _, ok := c.Item(protocol.CatalogItems, 9); ok {
		t.Fatalf("failed fetch stored an item")
	}
}

func TestToggleRefreshRunsOneSeed(t *testing.T) {
	testlog.Start(t)
	srv := newFakeCatalog(10)
	srv.owned = []uint32{3}
	srv.bundles[3] = protocol.CatalogItemInfo{ID: 3, Counter: 10, Metadata: map[string]string{"name": "pack"}, Contains: []uint32{31, 32}}
	srv.item(31, "a")
	srv.item(32, "b")

	c := New(srv, Config{Clock: clockwork.NewFakeClock()})
	defer c.Close()
	c.Resume()
	c.SetRefreshEnabled(true)
	c.SetRefreshEnabled(true)
	waitFor(t, "seeded items", func() bool { return c.Len(protocol.CatalogItems) == 2 })
	if c.Seeds() != 1 || !c.RefreshRunning() {
		t.Fatalf("seeds=%d running=%v", c.Seeds(), c.RefreshRunning())
	}
	if diff := cmp.Diff([]uint32{3}, c.Owned()); diff != "" {
		t.Fatalf("owned (-want +got):\n%s", diff)
	}

	c.SetRefreshEnabled(false)
	if c.RefreshRunning() {
		t.Fatalf("refresh still running after disable")
	}
	c.SetRefreshEnabled(true)
	waitFor(t, "second seed", func() bool { return srv.count(protocol.MsgEntitlementsRequest) == 2 })
	if c.Seeds() != 2 {
		t.Fatalf("seeds=%d want 2", c.Seeds())
	}
}

func TestEnableWhilePausedDefersSeed(t *testing.T) {
	testlog.Start(t)
	srv := newFakeCatalog(1)
	c := New(srv, Config{Clock: clockwork.NewFakeClock()})
	defer c.Close()

	c.SetRefreshEnabled(true)
	if c.Seeds() != 0 || c.RefreshRunning() {
		t.Fatalf("paused cache seeded: seeds=%d running=%v", c.Seeds(), c.RefreshRunning())
	}
	c.Resume()
	if c.Seeds() != 1 || !c.RefreshRunning() {
		t.Fatalf("resume: seeds=%d running=%v", c.Seeds(), c.RefreshRunning())
	}
	c.Pause()
	c.Resume()
	if c.Seeds() != 1 {
		t.Fatalf("second resume seeded again: %d", c.Seeds())
	}
}

func TestRefreshTickAppliesChangesAndRefetches(t *testing.T) {
	testlog.Start(t)
	clock := clockwork.NewFakeClock()
	srv := newFakeCatalog(20)
	srv.item(1, "old")
	c := New(srv, Config{Clock: clock, Interval: time.Second})
	defer c.Close()
	c.OnChangeNotification(20, nil)
	if _, err := c.Fetch([]uint32{1}, nil).Wait(t.Context()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	c.Resume()
	c.SetRefreshEnabled(true)
	waitFor(t, "seed", func() bool { return srv.count(protocol.MsgEntitlementsRequest) == 1 })

	srv.mu.Lock()
	srv.counter = 25
	srv.item(1, "new")
	srv.changes = []protocol.CatalogChange{{Catalog: protocol.CatalogItems, ID: 1}}
	srv.mu.Unlock()

	if err := clock.BlockUntilContext(t.Context(), 1); err != nil {
		t.Fatalf("ticker: %v", err)
	}
	clock.Advance(time.Second)
	waitFor(t, "refetched item", func() bool {
		it, _ := c.Item(protocol.CatalogItems, 1)
		return it.Metadata["name"] == "new"
	})
	it, _ := c.Item(protocol.CatalogItems, 1)
	if c.Counter() != 25 || it.Counter != 25 || it.Stale {
		t.Fatalf("counter=%d item=%+v", c.Counter(), it)
	}
}

func TestFullUpdateReseeds(t *testing.T) {
	testlog.Start(t)
	clock := clockwork.NewFakeClock()
	srv := newFakeCatalog(40)
	c := New(srv, Config{Clock: clock, Interval: time.Second})
	defer c.Close()
	c.Resume()
	c.SetRefreshEnabled(true)
	waitFor(t, "seed", func() bool { return srv.count(protocol.MsgEntitlementsRequest) == 1 })

	srv.mu.Lock()
	srv.full = true
	srv.mu.Unlock()
	if err := clock.BlockUntilContext(t.Context(), 1); err != nil {
		t.Fatalf("ticker: %v", err)
	}
	clock.Advance(time.Second)
	waitFor(t, "reseed", func() bool { return srv.count(protocol.MsgEntitlementsRequest) == 2 })
	if c.Counter() != 40 || c.Seeds() != 2 {
		t.Fatalf("counter=%d seeds=%d", c.Counter(), c.Seeds())
	}
}

func TestPausedCacheIgnoresTicks(t *testing.T) {
	testlog.Start(t)
	srv := newFakeCatalog(1)
	c := New(srv, Config{Clock: clockwork.NewFakeClock()})
	defer c.Close()
	c.SetRefreshEnabled(true)
	c.tick()
	time.Sleep(20 * time.Millisecond)
	if n := srv.count(protocol.MsgCatalogChangesSince); n != 0 {
		t.Fatalf("paused tick sent %d requests", n)
	}
}

// Package client drives one session against the edge platform. A single
// loop goroutine owns the connection state, the job dispatcher and the
// session identity; the transport reader, timers and callers reach it
// only by posting closures into its inbox.
package client

import (
	"context"
	"crypto/tls"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgelink/internal/artifact"
	"github.com/danmuck/edgelink/internal/catalog"
	"github.com/danmuck/edgelink/internal/edgecache"
	"github.com/danmuck/edgelink/internal/events"
	"github.com/danmuck/edgelink/internal/handlers"
	"github.com/danmuck/edgelink/internal/jobs"
	"github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/options"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const inboxSize = 256

type Config struct {
	Options *options.Options
	// Registry defaults to the process-wide registry.
	Registry *handlers.Registry
	// Store persists auth artifacts. Nil keeps them in a FileStore under
	// the dataDirectory option, which follows that option when it changes.
	Store     artifact.Store
	Session   session.Config
	TLSConfig *tls.Config
	Clock     clockwork.Clock
	// InstanceID defaults to a random uuid.
	InstanceID  string
	EventBuffer int
	// EdgeLookup replaces the session-backed edge server lookup.
	EdgeLookup edgecache.Lookup
}

type Client struct {
	cfg      Config
	opts     *options.Options
	registry *handlers.Registry
	store    artifact.Store
	files    *artifact.FileStore
	clock    clockwork.Clock
	log      zerolog.Logger
	rng      *rand.Rand
	pipeID   uint32

	jobs    *jobs.Dispatcher
	catalog *catalog.Cache
	edges   *edgecache.Cache
	dir     *transport.Directory

	ctx       context.Context
	cancel    context.CancelFunc
	inbox     chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	current atomic.Int32
	cellID  atomic.Uint32

	// Owned by the loop goroutine.
	state      State
	epoch      uint64
	tr         *transport.Transport
	creds      Credentials
	identity   Identity
	localSeq   uint64
	remoteSeq  uint64
	noArtifact bool
	wantOnline bool
	attempt    int
	waiters    []chan error
	retry      clockwork.Timer
	logonTimer clockwork.Timer
	sweep      clockwork.Timer
	sweepAt    time.Time

	states         *events.Stream[StateChange]
	disconnects    *events.Stream[DisconnectEvent]
	notifications  *events.Stream[protocol.Message]
	catalogChanges *events.Stream[catalog.Change]
	warnings       *events.Stream[options.Warning]
	errs           *events.Stream[error]
}

func New(cfg Config) *Client {
	if cfg.Options == nil {
		cfg.Options = options.New(nil)
	}
	if cfg.Registry == nil {
		cfg.Registry = handlers.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	cfg.Session = cfg.Session.WithDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	rng := rand.New(rand.NewSource(cfg.Clock.Now().UnixNano()))
	c := &Client{
		cfg:      cfg,
		opts:     cfg.Options,
		registry: cfg.Registry,
		store:    cfg.Store,
		clock:    cfg.Clock,
		log:      logging.For("client").With().Str("instance", cfg.InstanceID).Logger(),
		rng:      rng,
		pipeID:   rng.Uint32(),
		jobs:     jobs.NewDispatcher(jobs.Config{Clock: cfg.Clock}),
		dir:      transport.NewDirectory(nil),
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan func(), inboxSize),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),

		states:         events.NewStream[StateChange]("states", cfg.EventBuffer),
		disconnects:    events.NewStream[DisconnectEvent]("disconnects", cfg.EventBuffer),
		notifications:  events.NewStream[protocol.Message]("notifications", cfg.EventBuffer),
		catalogChanges: events.NewStream[catalog.Change]("catalog_changes", cfg.EventBuffer),
		warnings:       events.NewStream[options.Warning]("warnings", cfg.EventBuffer),
		errs:           events.NewStream[error]("errors", cfg.EventBuffer),
	}
	if c.store == nil {
		c.files = artifact.NewFileStore(c.opts.String(options.DataDirectory))
		c.store = c.files
	}
	c.catalog = catalog.New(c, catalog.Config{
		Interval: c.opts.Millis(options.ChangelistUpdateInterval),
		CacheAll: c.opts.Bool(options.CatalogCacheAll),
		Clock:    c.clock,
		Post:     c.postFunc,
		Instance: cfg.InstanceID,
		OnChange: func(ch catalog.Change) { c.catalogChanges.Publish(ch) },
	})
	lookup := cfg.EdgeLookup
	if lookup == nil {
		lookup = edgecache.NewSessionLookup(c, c.clock, c.cellID.Load)
	}
	c.edges = edgecache.New(lookup, c.clock)

	c.opts.OnWarning(func(w options.Warning) { c.warnings.Publish(w) })
	c.bindOptions()
	c.reloadServerList()
	if c.opts.Bool(options.EnableCatalogRefresh) {
		c.catalog.SetRefreshEnabled(true)
	}

	go c.run()
	c.log.Debug().Msgf("client.New pipe=%d store=%T", c.pipeID, c.store)
	return c
}

func (c *Client) run() {
	defer close(c.loopDone)
	for {
		var sweepC <-chan time.Time
		if c.sweep != nil {
			sweepC = c.sweep.Chan()
		}
		select {
		case fn := <-c.inbox:
			fn()
		case <-sweepC:
			c.sweep = nil
			c.jobs.Sweep(c.clock.Now())
			c.armSweep()
		case <-c.quit:
			c.shutdown()
			return
		}
	}
}

// post queues fn for the loop. It reports false once the client is
// closed.
func (c *Client) post(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.quit:
		return false
	}
}

func (c *Client) postFunc(fn func()) { c.post(fn) }

// call runs fn on the loop and waits for it. It must not be used from
// the loop itself.
func (c *Client) call(fn func()) bool {
	done := make(chan struct{})
	if !c.post(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-c.loopDone:
		return false
	}
}

func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	c.current.Store(int32(s))
	observability.RecordSessionTransition(s.String())
	c.log.Debug().Msgf("client.Client.setState from=%s to=%s epoch=%d", prev, s, c.epoch)
	c.states.Publish(StateChange{From: prev, To: s, Epoch: c.epoch, At: c.clock.Now()})
}

func (c *Client) shutdown() {
	c.wantOnline = false
	stopTimer(&c.retry)
	stopTimer(&c.logonTimer)
	stopTimer(&c.sweep)
	if c.tr != nil {
		c.tr.Disconnect(ErrClosed)
		c.tr = nil
	}
	c.jobs.CancelAll(ErrClosed)
	c.resolveWaiters(ErrClosed)
	c.catalog.Close()
	c.setState(StateDisconnected)
}

// Close disconnects, fails every pending job and closes the event
// streams. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.loopDone
		c.cancel()
		c.states.Close()
		c.disconnects.Close()
		c.notifications.Close()
		c.catalogChanges.Close()
		c.warnings.Close()
		c.errs.Close()
		c.log.Info().Msg("client.Client.Close done")
	})
	return nil
}

func (c *Client) State() State { return State(c.current.Load()) }

// Identity returns the current session identity.
func (c *Client) Identity() Identity {
	var id Identity
	c.call(func() { id = c.identityLocked() })
	return id
}

func (c *Client) identityLocked() Identity {
	id := c.identity
	id.LocalAuthSeq, id.RemoteAuthSeq = c.localSeq, c.remoteSeq
	return id
}

func (c *Client) Options() *options.Options { return c.opts }
func (c *Client) Catalog() *catalog.Cache { return c.catalog }
func (c *Client) Edges() *edgecache.Cache { return c.edges }
func (c *Client) Directory() *transport.Directory { return c.dir }
func (c *Client) Registry() *handlers.Registry { return c.registry }

// Event streams. Each is a bounded FIFO; a full stream drops and counts.

func (c *Client) States() <-chan StateChange { return c.states.C() }
func (c *Client) Disconnects() <-chan DisconnectEvent { return c.disconnects.C() }
func (c *Client) Notifications() <-chan protocol.Message { return c.notifications.C() }
func (c *Client) CatalogChanges() <-chan catalog.Change { return c.catalogChanges.C() }
func (c *Client) Warnings() <-chan options.Warning { return c.warnings.C() }
func (c *Client) Errors() <-chan error { return c.errs.C() }

func stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

package client

import (
	"github.com/danmuck/edgelink/internal/catalog"
	"github.com/danmuck/edgelink/internal/handlers"
	"github.com/danmuck/edgelink/internal/jobs"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/transport"
)

// onFrame runs one inbound frame through the registry. Frames from a
// connection that is no longer current are dropped.
func (c *Client) onFrame(epoch uint64, f frame.Frame) {
	if epoch != c.epoch {
		return
	}
	msg, err := protocol.FromFrame(f)
	if err != nil {
		c.log.Warn().Err(err).Msgf("client.Client.onFrame decode failed type=%d", f.Header.MessageType)
		return
	}
	c.registry.Dispatch(dispatchContext{c: c}, msg)
	c.armSweep()
}

// dispatchContext is what handlers see of the client. It is only used
// on the loop goroutine.
type dispatchContext struct{ c *Client }

func (d dispatchContext) Jobs() *jobs.Dispatcher { return d.c.jobs }

func (d dispatchContext) Catalog() handlers.CatalogSink { return catalogSink{d.c.catalog} }

func (d dispatchContext) Session() handlers.SessionControl { return d }

func (d dispatchContext) Notify(msg protocol.Message) { d.c.notifications.Publish(msg) }

func (d dispatchContext) OnLogonResponse(msg protocol.Message, resp protocol.LogonResponse) {
	d.c.onLogonResponse(msg, resp)
}

func (d dispatchContext) OnLoggedOff(result protocol.Result) { d.c.onLoggedOff(result) }

func (d dispatchContext) OnServerList(endpoints []string) {
	eps, errs := transport.ParseEndpoints(endpoints, d.c.protocol())
	for _, err := range errs {
		d.c.log.Warn().Err(err).Msg("client.Client.onServerList skipped endpoint")
	}
	if len(eps) == 0 {
		return
	}
	d.c.dir.Replace(eps)
	d.c.log.Info().Msgf("client.Client.onServerList endpoints=%d", len(eps))
}

func (d dispatchContext) OnAuthArtifact(blob []byte) { d.c.onAuthArtifact(blob) }

type catalogSink struct{ cache *catalog.Cache }

func (s catalogSink) OnChangeNotification(counter uint64, changes []protocol.CatalogChange) {
	s.cache.OnChangeNotification(counter, changes)
}

func (s catalogSink) OnEntitlements(ent protocol.Entitlements) { s.cache.OnEntitlements(ent) }

package client

import (
	"fmt"

	"github.com/danmuck/edgelink/internal/options"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/transport"
)

// bindOptions wires the options with runtime side effects. Observers run
// on the goroutine that set the option; everything they touch is safe
// for concurrent use.
func (c *Client) bindOptions() {
	c.opts.OnChange(options.DataDirectory, func(string, any) {
		if c.files == nil {
			return
		}
		dir := c.opts.String(options.DataDirectory)
		if err := c.files.Relocate(dir); err != nil {
			c.log.Warn().Err(err).Msgf("client.Client.bindOptions relocate failed dir=%s", dir)
			c.errs.Publish(fmt.Errorf("client: relocate artifacts: %w", err))
		}
	})
	c.opts.OnChange(options.EnableCatalogRefresh, func(string, any) {
		c.catalog.SetRefreshEnabled(c.opts.Bool(options.EnableCatalogRefresh))
	})
	c.opts.OnChange(options.ChangelistUpdateInterval, func(string, any) {
		c.catalog.SetInterval(c.opts.Millis(options.ChangelistUpdateInterval))
	})
	c.opts.OnChange(options.CatalogCacheAll, func(string, any) {
		c.catalog.SetCacheAll(c.opts.Bool(options.CatalogCacheAll))
	})
	reload := func(string, any) { c.reloadServerList() }
	c.opts.OnChange(options.ServerList, reload)
	c.opts.OnChange(options.Protocol, reload)
	c.opts.OnChange(options.WebCompatibilityMode, reload)
}

// protocol is the transport the next connection uses. Web compatibility
// mode forces websockets.
func (c *Client) protocol() transport.Protocol {
	if c.opts.Bool(options.WebCompatibilityMode) {
		return transport.ProtocolWebSocket
	}
	p, err := transport.ParseProtocol(c.opts.String(options.Protocol))
	if err != nil {
		c.log.Warn().Err(err).Msg("client.Client.protocol falling back to auto")
		return transport.ProtocolAuto
	}
	return p
}

func (c *Client) reloadServerList() {
	eps, errs := transport.ParseEndpoints(c.opts.Strings(options.ServerList), c.protocol())
	for _, err := range errs {
		c.log.Warn().Err(err).Msg("client.Client.reloadServerList skipped endpoint")
	}
	c.dir.Replace(eps)
}

func (c *Client) transportOptions() transport.Options {
	cfg := c.cfg.Session
	cfg.JobTimeout = c.jobTimeout()
	cfg.Batch = frame.Policy{
		SizeThreshold:  c.opts.Int(options.BatchSizeThreshold),
		CountThreshold: c.opts.Int(options.BatchCountThreshold),
	}
	name := c.opts.String(options.BatchCompression)
	if _, err := frame.ParseCodec(name); err != nil {
		c.log.Warn().Err(err).Msg("client.Client.transportOptions unknown batch codec")
	} else {
		cfg.Codecs = preferCodec(cfg.Codecs, name)
	}

	o := transport.Options{Session: cfg, TLSConfig: c.cfg.TLSConfig, Clock: c.clock}
	if !c.opts.IsNull(options.LocalAddress) {
		o.LocalAddress = c.opts.String(options.LocalAddress)
	}
	if !c.opts.IsNull(options.LocalPort) {
		o.LocalPort = c.opts.Int(options.LocalPort)
	}
	if !c.opts.IsNull(options.HTTPProxy) {
		o.HTTPProxy = c.opts.String(options.HTTPProxy)
	}
	return o
}

// preferCodec moves name to the front of codecs.
func preferCodec(codecs []string, name string) []string {
	out := make([]string, 0, len(codecs)+1)
	out = append(out, name)
	for _, c := range codecs {
		if c != name {
			out = append(out, c)
		}
	}
	return out
}

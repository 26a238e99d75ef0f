package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgelink/internal/artifact"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/options"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/transport"
)

// LogOn connects and logs on, retrying under the backoff policy until
// the server confirms, refuses for good, or the attempt ceiling is hit.
// A LogOn while an attempt is already running joins it.
func (c *Client) LogOn(ctx context.Context, creds Credentials) error {
	if strings.TrimSpace(creds.AccountName) == "" {
		return ErrAccountRequired
	}
	wait := make(chan error, 1)
	ok := c.call(func() {
		if c.state == StateLoggedOn {
			if c.creds.AccountName == creds.AccountName {
				wait <- nil
			} else {
				wait <- ErrAlreadyLoggedOn
			}
			return
		}
		c.waiters = append(c.waiters, wait)
		if c.wantOnline {
			return
		}
		if c.identity.AccountName != creds.AccountName {
			c.identity = Identity{}
		}
		c.creds = creds
		c.wantOnline = true
		c.attempt = 0
		c.startAttempt()
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogOff ends the session and stops reconnecting. It returns once the
// connection is closed.
func (c *Client) LogOff(ctx context.Context) error {
	var tr *transport.Transport
	ok := c.call(func() {
		c.wantOnline = false
		stopTimer(&c.retry)
		c.resolveWaiters(ErrLoggedOff)
		c.identity.SessionToken = 0
		if c.tr == nil {
			if c.state != StateIdle {
				c.setState(StateDisconnected)
			}
			return
		}
		if c.state != StateConnected && c.state != StateLoggedOn {
			// Still dialing: abort and drop the attempt outright.
			c.tr.Disconnect(ErrLoggedOff)
			c.enterDisconnected(transport.Disconnect{Kind: transport.DisconnectRequested, Err: ErrLoggedOff})
			c.epoch++
			return
		}
		tr = c.tr
		if c.state == StateLoggedOn {
			msg := protocol.MustMessage(protocol.MsgLogoff, nil)
			msg.Header = c.routing(msg.Header)
			if err := tr.Send(msg.ToFrame()); err == nil {
				return
			}
		}
		tr.Disconnect(ErrLoggedOff)
	})
	if !ok {
		return ErrClosed
	}
	if tr == nil {
		return nil
	}
	select {
	case <-tr.Done():
	case <-c.clock.After(c.jobTimeout()):
		tr.Disconnect(ErrLoggedOff)
		<-tr.Done()
	case <-ctx.Done():
		tr.Disconnect(ErrLoggedOff)
		return ctx.Err()
	}
	// The disconnect callback has posted; wait for the loop to apply it.
	c.call(func() {})
	return nil
}

func (c *Client) startAttempt() {
	stopTimer(&c.retry)
	c.epoch++
	epoch := c.epoch
	tr := transport.New(c.transportOptions())
	tr.OnState(func(s transport.State) { c.post(func() { c.onTransportState(epoch, s) }) })
	tr.OnFrame(func(f frame.Frame) { c.post(func() { c.onFrame(epoch, f) }) })
	tr.OnDisconnect(func(d transport.Disconnect) { c.post(func() { c.onDisconnect(epoch, d) }) })
	c.tr = tr
	c.setState(StateConnecting)

	proto := c.protocol()
	account := c.creds.AccountName
	useArtifact := !c.noArtifact && c.opts.Bool(options.SaveArtifacts)
	go func() {
		ep, err := tr.ConnectAny(c.ctx, c.dir, proto)
		var blob []byte
		if err == nil && useArtifact {
			blob = c.loadArtifact(account)
		}
		c.post(func() { c.onConnected(epoch, tr, ep, blob, err) })
	}()
}

func (c *Client) onTransportState(epoch uint64, s transport.State) {
	if epoch != c.epoch {
		return
	}
	if s == transport.StateHandshaking && c.state == StateConnecting {
		c.setState(StateHandshakeInProgress)
	}
}

func (c *Client) onConnected(epoch uint64, tr *transport.Transport, ep transport.Endpoint, blob []byte, err error) {
	if epoch != c.epoch {
		if err == nil {
			tr.Disconnect(ErrLoggedOff)
		}
		return
	}
	if err != nil {
		if errors.Is(err, transport.ErrNoEndpoints) {
			c.wantOnline = false
		}
		c.enterDisconnected(asDisconnect(err))
		return
	}
	if !c.wantOnline {
		tr.Disconnect(ErrLoggedOff)
		return
	}
	c.setState(StateConnected)
	c.log.Info().Msgf("client.Client.onConnected endpoint=%s epoch=%d artifact=%v", ep, epoch, len(blob) > 0)
	c.sendLogon(blob)
}

func (c *Client) sendLogon(blob []byte) {
	req := protocol.LogonRequest{
		AccountName:     c.creds.AccountName,
		Password:        c.creds.Password,
		AuthCode:        c.creds.AuthCode,
		AuthArtifact:    blob,
		MachineID:       artifact.MachineID(c.creds.AccountName),
		ProtocolVersion: session.ProtocolVersion,
		Language:        c.opts.String(options.Language),
		InstanceID:      c.cfg.InstanceID,
		PipeID:          c.pipeID,
	}
	msg := protocol.MustMessage(protocol.MsgLogon, req)
	if c.identity.AccountID != 0 {
		msg.Header.AccountID = c.identity.AccountID
	}
	c.localSeq++
	if err := c.tr.Send(msg.ToFrame()); err != nil {
		c.log.Warn().Err(err).Msg("client.Client.sendLogon failed")
		if !errors.Is(err, transport.ErrNotConnected) {
			// An unencodable logon fails every attempt alike.
			c.wantOnline = false
		}
		c.tr.Disconnect(err)
		return
	}
	epoch := c.epoch
	c.logonTimer = c.clock.AfterFunc(c.jobTimeout(), func() {
		c.post(func() {
			if epoch == c.epoch && c.state == StateConnected && c.tr != nil {
				c.tr.Disconnect(ErrLogonTimeout)
			}
		})
	})
}

func (c *Client) onLogonResponse(msg protocol.Message, resp protocol.LogonResponse) {
	if c.state != StateConnected {
		c.log.Debug().Msgf("client.Client.onLogonResponse ignored state=%s", c.state)
		return
	}
	stopTimer(&c.logonTimer)
	c.remoteSeq++
	if resp.Result != protocol.ResultOK {
		err := protocol.ResultError{Result: resp.Result, Op: "logon"}
		if resp.Result.InvalidatesIdentity() {
			c.forgetIdentity()
		}
		if !resp.Result.Retryable() && resp.Result != protocol.ResultAuthArtifactStale {
			c.wantOnline = false
			c.resolveWaiters(err)
		}
		c.log.Warn().Msgf("client.Client.onLogonResponse refused result=%s", resp.Result)
		c.tr.Disconnect(err)
		return
	}

	accountID := resp.AccountID
	if accountID == 0 {
		accountID = msg.Header.AccountID
	}
	token := resp.SessionToken
	if token == 0 {
		token = msg.Header.SessionToken
	}
	interval := time.Duration(resp.HeartbeatSeconds) * time.Second
	c.identity = Identity{
		AccountName:       c.creds.AccountName,
		AccountID:         accountID,
		SessionToken:      token,
		CellID:            resp.CellID,
		PipeID:            c.pipeID,
		Epoch:             c.epoch,
		HeartbeatInterval: interval,
	}
	c.cellID.Store(resp.CellID)
	c.noArtifact = false
	c.attempt = 0
	c.setState(StateLoggedOn)
	c.tr.StartHeartbeat(interval)
	c.catalog.Resume()
	c.resolveWaiters(nil)
	c.log.Info().Msgf("client.Client.onLogonResponse logged on account=%d cell=%d heartbeat=%s", accountID, resp.CellID, interval)
}

// forgetIdentity drops the cached identity and the stored artifact so
// the next logon authenticates in full.
func (c *Client) forgetIdentity() {
	account := c.creds.AccountName
	c.identity = Identity{}
	c.noArtifact = true
	go func() {
		if err := c.store.Delete(c.ctx, account); err != nil {
			c.log.Warn().Err(err).Msg("client.Client.forgetIdentity delete artifact failed")
		}
	}()
}

func (c *Client) onLoggedOff(result protocol.Result) {
	c.log.Info().Msgf("client.Client.onLoggedOff result=%s", result)
	if c.tr == nil {
		return
	}
	if result.InvalidatesIdentity() {
		c.forgetIdentity()
	}
	var err error = ErrLoggedOff
	if result != protocol.ResultOK && result != protocol.ResultInvalid {
		err = protocol.ResultError{Result: result, Op: "logged off"}
		if !result.Retryable() {
			c.wantOnline = false
			c.errs.Publish(err)
		}
	}
	c.tr.Disconnect(err)
}

func (c *Client) onDisconnect(epoch uint64, d transport.Disconnect) {
	if epoch != c.epoch {
		return
	}
	c.enterDisconnected(d)
}

// enterDisconnected cancels every pending job, pauses catalog refresh,
// and schedules the next attempt when the session should stay online.
func (c *Client) enterDisconnected(d transport.Disconnect) {
	stopTimer(&c.logonTimer)
	wasLoggedOn := c.state == StateLoggedOn
	var ep transport.Endpoint
	if c.tr != nil {
		ep = c.tr.Endpoint()
	}
	c.tr = nil
	reason := &transport.Disconnect{Kind: d.Kind, Err: d.Err}
	cancelled := c.jobs.CancelAll(reason)
	c.armSweep()
	c.catalog.Pause()
	c.setState(StateDisconnected)

	ev := DisconnectEvent{Kind: d.Kind, Err: d.Err, Endpoint: ep, Epoch: c.epoch, Cancelled: cancelled}
	defer func() { c.disconnects.Publish(ev) }()
	c.log.Info().Err(d.Err).Msgf("client.Client.enterDisconnected kind=%s cancelled=%d logged_on=%v", d.Kind, cancelled, wasLoggedOn)

	if !c.wantOnline {
		c.resolveWaiters(reason)
		return
	}
	if wasLoggedOn && !c.opts.Bool(options.AutoRelogin) {
		c.wantOnline = false
		c.resolveWaiters(reason)
		return
	}
	c.attempt++
	ceiling := c.opts.Int(options.MaxReconnectAttempts)
	if session.AttemptsExhausted(ceiling, c.attempt) {
		err := fmt.Errorf("%w: %d attempts: %v", ErrTerminal, ceiling, reason)
		c.wantOnline = false
		c.log.Error().Err(err).Msg("client.Client.enterDisconnected giving up")
		c.errs.Publish(err)
		c.resolveWaiters(err)
		return
	}

	delay := session.NextBackoffDelay(c.cfg.Session.Backoff, c.attempt, c.rng)
	ev.Retry = delay
	observability.RecordReconnectAttempt()
	epoch := c.epoch
	c.retry = c.clock.AfterFunc(delay, func() {
		c.post(func() {
			if epoch == c.epoch && c.wantOnline && c.state == StateDisconnected {
				c.startAttempt()
			}
		})
	})
	c.log.Info().Msgf("client.Client.enterDisconnected retry attempt=%d delay=%s", c.attempt, delay)
}

func (c *Client) resolveWaiters(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}

func (c *Client) loadArtifact(account string) []byte {
	blob, err := c.store.Load(c.ctx, account)
	switch {
	case err == nil:
		return blob
	case errors.Is(err, artifact.ErrNotFound):
		c.log.Debug().Msg("client.Client.loadArtifact none stored")
	default:
		c.log.Warn().Err(err).Msg("client.Client.loadArtifact failed")
	}
	return nil
}

func (c *Client) onAuthArtifact(blob []byte) {
	if !c.opts.Bool(options.SaveArtifacts) || c.creds.AccountName == "" {
		return
	}
	account := c.creds.AccountName
	blob = append([]byte(nil), blob...)
	go func() {
		if err := c.store.Save(c.ctx, account, blob); err != nil {
			c.log.Warn().Err(err).Msg("client.Client.onAuthArtifact save failed")
			c.errs.Publish(fmt.Errorf("client: save auth artifact: %w", err))
		}
	}()
}

func asDisconnect(err error) transport.Disconnect {
	var d *transport.Disconnect
	if errors.As(err, &d) {
		return transport.Disconnect{Kind: d.Kind, Err: err}
	}
	return transport.Disconnect{Kind: transport.DisconnectDial, Err: err}
}

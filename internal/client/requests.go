package client

import (
	"context"
	"time"

	"github.com/danmuck/edgelink/internal/jobs"
	"github.com/danmuck/edgelink/internal/options"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/frame"
)

// Request sends msg as a primary-space job and waits for its reply, the
// job timeout, a disconnect, or ctx.
func (c *Client) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	return c.await(ctx, jobs.SpacePrimary, 0, msg)
}

// SubRequest sends msg to a sub-protocol application and waits for the
// reply correlated in the sub-protocol id space.
func (c *Client) SubRequest(ctx context.Context, appID uint32, msg protocol.Message) (protocol.Message, error) {
	if msg.Type == 0 {
		msg.Type = protocol.MsgSubProtocolSend
	}
	return c.await(ctx, jobs.SpaceSub, appID, msg)
}

// Send writes msg without waiting for anything back.
func (c *Client) Send(msg protocol.Message) error {
	var err error
	if !c.call(func() {
		if err = c.ready(); err != nil {
			return
		}
		msg.Header = c.routing(msg.Header)
		err = c.tr.Send(msg.ToFrame())
	}) {
		return ErrClosed
	}
	return err
}

// SendBatch writes msgs as one batch frame, compressed per the batch
// options and the codec negotiated for this connection.
func (c *Client) SendBatch(msgs []protocol.Message) error {
	var err error
	if !c.call(func() {
		if err = c.ready(); err != nil {
			return
		}
		frames := make([]frame.Frame, len(msgs))
		for i, m := range msgs {
			m.Header = c.routing(m.Header)
			frames[i] = m.ToFrame()
		}
		err = c.tr.SendBatch(frames)
	}) {
		return ErrClosed
	}
	return err
}

func (c *Client) await(ctx context.Context, space jobs.Space, appID uint32, msg protocol.Message) (protocol.Message, error) {
	res := make(chan jobs.Result, 1)
	var id uint64
	var err error
	if !c.call(func() {
		id, err = c.submit(space, appID, msg, func(r jobs.Result) { res <- r })
	}) {
		return protocol.Message{}, ErrClosed
	}
	if err != nil {
		return protocol.Message{}, err
	}
	select {
	case r := <-res:
		return r.Msg, r.Err
	case <-ctx.Done():
		cause := ctx.Err()
		c.post(func() {
			c.jobs.Fail(space, id, jobs.Canceled(cause))
			c.armSweep()
		})
		return protocol.Message{}, cause
	}
}

func (c *Client) submit(space jobs.Space, appID uint32, msg protocol.Message, sink jobs.Sink) (uint64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	id, err := c.jobs.Submit(space, c.jobTimeout(), sink)
	if err != nil {
		return 0, err
	}
	msg.Header = c.routing(msg.Header)
	if space == jobs.SpaceSub {
		msg.Header.SubAppID = appID
		msg.Header.SubSourceJob = id
	} else {
		msg.Header.SourceJob = id
	}
	if err := c.tr.Send(msg.ToFrame()); err != nil {
		c.jobs.Fail(space, id, &jobs.Failure{Kind: jobs.FailureDisconnect, Err: err})
		return id, nil
	}
	c.armSweep()
	return id, nil
}

func (c *Client) ready() error {
	if c.state != StateLoggedOn || c.tr == nil {
		return ErrNotLoggedOn
	}
	return nil
}

// routing stamps the session identity onto h.
func (c *Client) routing(h protocol.RoutingHeader) protocol.RoutingHeader {
	h.AccountID = c.identity.AccountID
	h.SessionToken = c.identity.SessionToken
	return h
}

func (c *Client) jobTimeout() time.Duration {
	if d := c.opts.Millis(options.JobTimeout); d > 0 {
		return d
	}
	return c.cfg.Session.JobTimeout
}

// armSweep points the sweep timer at the earliest job deadline.
func (c *Client) armSweep() {
	next, ok := c.jobs.NextDeadline()
	if !ok {
		stopTimer(&c.sweep)
		return
	}
	if c.sweep != nil && c.sweepAt.Equal(next) {
		return
	}
	stopTimer(&c.sweep)
	c.sweepAt = next
	c.sweep = c.clock.NewTimer(next.Sub(c.clock.Now()))
}

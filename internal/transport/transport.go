// Package transport owns one connection to one edge server: dialing,
// the channel handshake, packet framing, batch expansion, and heartbeat
// liveness. It never reconnects on its own.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type State int32

const (
	StateDisconnected State = iota
	StateDialing
	StateHandshaking
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDialing:
		return "dialing"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Options configure dialing. Session carries timeouts, limits, batch
// policy, pinned key, and codec preference.
type Options struct {
	Session      session.Config
	LocalAddress string
	LocalPort    int
	HTTPProxy    string
	TLSConfig    *tls.Config
	Clock        clockwork.Clock
}

// Transport is single-use: once it reaches Ready and then disconnects it
// cannot connect again. A failed Connect leaves it reusable.
type Transport struct {
	opts  Options
	cfg   session.Config
	clock clockwork.Clock
	log   zerolog.Logger

	onFrame      func(frame.Frame)
	onDisconnect func(Disconnect)
	onState      func(State)

	mu       sync.Mutex
	state    State
	used     bool
	conn     PacketConn
	cipher   *session.Cipher
	codec    frame.Codec
	endpoint Endpoint
	reason   *Disconnect
	abort    context.CancelFunc
	hbStop   chan struct{}
	done     chan struct{}

	writeMu sync.Mutex
	seq     atomic.Uint64
	lastAck atomic.Int64
}

func New(opts Options) *Transport {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Transport{
		opts:  opts,
		cfg:   opts.Session.WithDefaults(),
		clock: opts.Clock,
		log:   logging.For("transport"),
		done:  make(chan struct{}),
	}
}

// OnFrame sets the inbound frame callback. It runs on the reader
// goroutine, once per frame, in wire order. Set before Connect.
func (t *Transport) OnFrame(cb func(frame.Frame)) { t.onFrame = cb }

// OnDisconnect sets the callback fired exactly once after a Ready
// connection ends. Set before Connect.
func (t *Transport) OnDisconnect(cb func(Disconnect)) { t.onDisconnect = cb }

// OnState observes Dialing, Handshaking, Ready, and Disconnected.
func (t *Transport) OnState(cb func(State)) { t.onState = cb }

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Endpoint() Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endpoint
}

// Codec is the batch codec negotiated during the handshake.
func (t *Transport) Codec() frame.Codec {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.codec
}

// Done closes after the disconnect callback has returned.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.log.Debug().Msgf("transport.Transport.setState state=%s", s)
	if cb := t.onState; cb != nil {
		cb(s)
	}
}

// ConnectAny walks dir's candidates in order until one connects,
// demoting each failure and promoting the winner.
func (t *Transport) ConnectAny(ctx context.Context, dir *Directory, p Protocol) (Endpoint, error) {
	candidates := dir.Candidates(p)
	if len(candidates) == 0 {
		return Endpoint{}, ErrNoEndpoints
	}
	var errs []error
	for _, ep := range candidates {
		err := t.Connect(ctx, ep)
		if err == nil {
			dir.Promote(ep)
			return ep, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", ep, err))
		dir.Demote(ep)
		if ctx.Err() != nil || errors.Is(err, ErrAlreadyUsed) {
			break
		}
		var d *Disconnect
		if errors.As(err, &d) && d.Kind == DisconnectRequested {
			break
		}
	}
	return Endpoint{}, errors.Join(errs...)
}

// Connect dials ep and completes the channel handshake. Failures are
// returned as *Disconnect and do not fire OnDisconnect.
func (t *Transport) Connect(ctx context.Context, ep Endpoint) error {
	t.mu.Lock()
	if t.used || t.state != StateDisconnected {
		t.mu.Unlock()
		return ErrAlreadyUsed
	}
	connCtx, cancel := context.WithCancel(ctx)
	t.abort = cancel
	t.reason = nil
	t.endpoint = ep
	t.mu.Unlock()
	defer cancel()

	t.setState(StateDialing)
	dialCtx, dialCancel := context.WithTimeout(connCtx, t.cfg.ConnectTimeout)
	conn, err := t.dial(dialCtx, ep)
	dialCancel()
	if err != nil {
		return t.connectFailed(nil, DisconnectDial, err)
	}

	t.setState(StateHandshaking)
	stop := context.AfterFunc(connCtx, func() { _ = conn.Close() })
	established, err := t.handshake(conn, ep)
	if !stop() || err != nil {
		if err == nil {
			err = connCtx.Err()
		}
		return t.connectFailed(conn, DisconnectHandshake, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	t.mu.Lock()
	if t.reason != nil {
		t.mu.Unlock()
		return t.connectFailed(conn, DisconnectHandshake, nil)
	}
	t.conn = conn
	t.cipher = established.Cipher
	t.codec = established.Codec
	t.used = true
	t.abort = nil
	t.mu.Unlock()
	t.lastAck.Store(t.clock.Now().UnixNano())

	t.setState(StateReady)
	t.log.Info().Msgf("transport.Transport.Connect ready endpoint=%s codec=%s", ep, established.Codec)
	go t.readLoop(conn)
	return nil
}

func (t *Transport) connectFailed(conn PacketConn, kind DisconnectKind, err error) error {
	if conn != nil {
		_ = conn.Close()
	}
	t.mu.Lock()
	d := &Disconnect{Kind: kind, Err: err}
	if t.reason != nil {
		d = t.reason
	}
	t.reason = nil
	t.abort = nil
	t.mu.Unlock()
	t.setState(StateDisconnected)
	t.log.Warn().Err(d.Err).Msgf("transport.Transport.Connect failed kind=%s", d.Kind)
	return d
}

// handshake runs the client half of the channel exchange. Websocket
// connections rely on TLS and skip it.
func (t *Transport) handshake(conn PacketConn, ep Endpoint) (session.Established, error) {
	if ep.Protocol == ProtocolWebSocket {
		for _, name := range t.cfg.Codecs {
			if c, err := frame.ParseCodec(name); err == nil {
				return session.Established{Codec: c}, nil
			}
		}
		return session.Established{Codec: frame.CodecNone}, nil
	}

	if err := conn.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout)); err != nil {
		return session.Established{}, err
	}
	f, err := t.readPlain(conn)
	if err != nil {
		return session.Established{}, err
	}
	req, err := session.DecodeEncryptRequest(f)
	if err != nil {
		return session.Established{}, err
	}
	resp, established, err := session.Respond(req, t.cfg.PinnedServerKey, t.cfg.Codecs)
	if err != nil {
		return session.Established{}, err
	}
	out, err := session.EncodeEncryptResponse(resp)
	if err != nil {
		return session.Established{}, err
	}
	b, err := frame.Marshal(out, t.cfg.Limits)
	if err != nil {
		return session.Established{}, err
	}
	if err := conn.WritePacket(b, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return session.Established{}, err
	}
	f, err = t.readPlain(conn)
	if err != nil {
		return session.Established{}, err
	}
	res, err := session.DecodeEncryptResult(f)
	if err != nil {
		return session.Established{}, err
	}
	if res.Result != session.EncryptResultOK {
		return session.Established{}, fmt.Errorf("%w: result=%d", session.ErrHandshakeFailed, res.Result)
	}
	return established, nil
}

func (t *Transport) readPlain(conn PacketConn) (frame.Frame, error) {
	pkt, err := conn.ReadPacket()
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.Unmarshal(pkt, t.cfg.Limits)
}

// Send writes one frame. It fails with ErrNotConnected unless Ready;
// nothing is queued.
func (t *Transport) Send(f frame.Frame) error {
	t.mu.Lock()
	if t.state != StateReady || t.conn == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	conn, c := t.conn, t.cipher
	t.mu.Unlock()

	f.Header.Sequence = t.seq.Add(1)
	b, err := frame.Marshal(f, t.cfg.Limits)
	if err != nil {
		return err
	}
	if c != nil {
		if b, err = c.Seal(b); err != nil {
			return err
		}
	}

	t.writeMu.Lock()
	err = conn.WritePacket(b, time.Now().Add(t.cfg.WriteTimeout))
	t.writeMu.Unlock()
	if err != nil {
		t.abortWith(Disconnect{Kind: DisconnectSocket, Err: err})
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	observability.RecordFrameSent(protocol.MessageType(f.Header.MessageType).Kind().String())
	return nil
}

// SendBatch sends frames as one batch frame under the configured policy
// and the negotiated codec. A single frame is sent as is.
func (t *Transport) SendBatch(frames []frame.Frame) error {
	switch len(frames) {
	case 0:
		return nil
	case 1:
		return t.Send(frames[0])
	}
	policy := t.cfg.Batch
	policy.Codec = t.Codec()
	if policy.Codec == frame.CodecNone {
		policy.SizeThreshold, policy.CountThreshold = 0, 0
	}
	b, err := frame.EncodeBatch(frames, policy, t.cfg.Limits)
	if err != nil {
		return err
	}
	return t.Send(b)
}

// Disconnect closes the connection. The disconnect callback reports
// DisconnectRequested with reason. A Connect in progress is aborted.
func (t *Transport) Disconnect(reason error) {
	t.abortWith(Disconnect{Kind: DisconnectRequested, Err: reason})
}

// abortWith records the first reason and closes the connection. The
// reader goroutine delivers the notification.
func (t *Transport) abortWith(d Disconnect) {
	t.mu.Lock()
	if t.reason == nil {
		t.reason = &d
	}
	conn, abort := t.conn, t.abort
	t.mu.Unlock()
	if abort != nil {
		abort()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// StartHeartbeat sends a heartbeat every interval and disconnects with
// DisconnectHeartbeat once no ack arrived within the heartbeat timeout.
// Calling it again replaces the running ticker.
func (t *Transport) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		interval = t.cfg.HeartbeatInterval
	}
	t.mu.Lock()
	if t.state != StateReady {
		t.mu.Unlock()
		return
	}
	if t.hbStop != nil {
		close(t.hbStop)
	}
	stop := make(chan struct{})
	t.hbStop = stop
	t.mu.Unlock()
	t.lastAck.Store(t.clock.Now().UnixNano())
	go t.heartbeatLoop(interval, stop)
}

func (t *Transport) heartbeatLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			last := time.Unix(0, t.lastAck.Load())
			if t.clock.Since(last) > t.cfg.HeartbeatTimeout {
				t.log.Warn().Msgf("transport.Transport.heartbeat timeout last_ack=%s", last.Format(time.RFC3339Nano))
				t.abortWith(Disconnect{Kind: DisconnectHeartbeat, Err: ErrHeartbeatTimeout})
				return
			}
			if err := t.Send(frame.New(uint32(protocol.MsgHeartbeat), nil, nil)); err != nil {
				return
			}
		}
	}
}

func (t *Transport) readLoop(conn PacketConn) {
	var cause Disconnect
	for {
		pkt, err := conn.ReadPacket()
		if err != nil {
			cause = Disconnect{Kind: classifyReadError(err), Err: err}
			break
		}
		if err := t.handlePacket(pkt); err != nil {
			cause = Disconnect{Kind: DisconnectProtocol, Err: err}
			break
		}
	}
	t.finish(conn, cause)
}

func (t *Transport) handlePacket(pkt []byte) error {
	t.mu.Lock()
	c := t.cipher
	t.mu.Unlock()
	if c != nil {
		plain, err := c.Open(pkt)
		if err != nil {
			return err
		}
		pkt = plain
	}
	f, err := frame.Unmarshal(pkt, t.cfg.Limits)
	if err != nil {
		return err
	}
	if f.Header.MessageType != frame.TypeBatch {
		t.deliver(f)
		return nil
	}
	subs, err := frame.DecodeBatch(f, t.cfg.Limits)
	if err != nil {
		return err
	}
	observability.RecordBatchSubframes(len(subs))
	for _, sub := range subs {
		t.deliver(sub)
	}
	return nil
}

func (t *Transport) deliver(f frame.Frame) {
	switch protocol.MessageType(f.Header.MessageType) {
	case protocol.MsgHeartbeatAck:
		t.lastAck.Store(t.clock.Now().UnixNano())
		return
	case protocol.MsgHeartbeat:
		if err := t.Send(frame.New(uint32(protocol.MsgHeartbeatAck), nil, nil)); err != nil {
			t.log.Debug().Err(err).Msg("transport.Transport.deliver heartbeat ack failed")
		}
		return
	}
	observability.RecordFrameReceived(protocol.MessageType(f.Header.MessageType).Kind().String())
	if cb := t.onFrame; cb != nil {
		cb(f)
	}
}

func (t *Transport) finish(conn PacketConn, cause Disconnect) {
	_ = conn.Close()
	t.mu.Lock()
	if t.reason != nil {
		cause = *t.reason
	}
	t.conn = nil
	t.cipher = nil
	hb := t.hbStop
	t.hbStop = nil
	t.mu.Unlock()
	if hb != nil {
		close(hb)
	}

	t.setState(StateDisconnected)
	observability.RecordDisconnect(cause.Kind.String())
	t.log.Info().Err(cause.Err).Msgf("transport.Transport.finish kind=%s endpoint=%s", cause.Kind, t.Endpoint())
	defer close(t.done)
	if cb := t.onDisconnect; cb != nil {
		cb(cause)
	}
}

func classifyReadError(err error) DisconnectKind {
	var closeErr *websocket.CloseError
	switch {
	case errors.Is(err, io.EOF), errors.As(err, &closeErr):
		return DisconnectRemoteClosed
	case errors.Is(err, ErrBadEnvelope), errors.Is(err, ErrPacketTooLarge):
		return DisconnectProtocol
	case errors.Is(err, net.ErrClosed):
		return DisconnectRequested
	default:
		return DisconnectSocket
	}
}

// Package edgetest runs an in-process edge server speaking the full wire
// protocol for client and transport tests.
package edgetest

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/testutil/tlstest"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultAccountID = 76561197960265728
	waitTimeout      = 5 * time.Second
)

// HandlerFunc scripts the server's answer to one message type.
type HandlerFunc func(c *Conn, msg protocol.Message)

type Option func(*Server)

// WithCodecs sets the batch codecs offered in the handshake.
func WithCodecs(codecs ...string) Option {
	return func(s *Server) { s.codecs = codecs }
}

// WithHeartbeatAcks toggles answering client heartbeats.
func WithHeartbeatAcks(on bool) Option {
	return func(s *Server) { s.acks.Store(on) }
}

// WithHeartbeatSeconds sets the interval returned in logon responses.
func WithHeartbeatSeconds(n uint32) Option {
	return func(s *Server) { s.heartbeatSeconds = n }
}

// WithRejectHandshake makes every channel handshake fail.
func WithRejectHandshake() Option {
	return func(s *Server) { s.rejectHandshake = true }
}

type Server struct {
	kp               session.KeyPair
	codecs           []string
	limits           frame.Limits
	heartbeatSeconds uint32
	rejectHandshake  bool
	acks             atomic.Bool
	log              zerolog.Logger

	ln   net.Listener
	http *httptest.Server
	ws   bool
	tls  *tlstest.Authority

	mu       sync.Mutex
	handlers map[protocol.MessageType]HandlerFunc
	conns    map[*Conn]struct{}
	closed   bool

	accepted chan *Conn
	logons   atomic.Int32
	tokens   atomic.Uint64
	wg       sync.WaitGroup
}

func newServer(t testing.TB, opts []Option) *Server {
	t.Helper()
	kp, err := session.GenerateKeyPair()
	if err != nil {
		t.Fatalf("edgetest: key pair: %v", err)
	}
	s := &Server{
		kp:               kp,
		codecs:           []string{"zstd", "lz4", "gzip"},
		limits:           frame.DefaultLimits(),
		heartbeatSeconds: 9,
		log:              logging.For("edgetest"),
		handlers:         make(map[protocol.MessageType]HandlerFunc),
		conns:            make(map[*Conn]struct{}),
		accepted:         make(chan *Conn, 16),
	}
	s.acks.Store(true)
	for _, opt := range opts {
		opt(s)
	}
	s.handlers[protocol.MsgLogon] = s.handleLogon
	s.handlers[protocol.MsgLogoff] = handleLogoff
	return s
}

// Start listens on loopback TCP and serves the channel handshake on
// each connection. The server is closed on test cleanup.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := newServer(t, opts)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("edgetest: listen: %v", err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// StartWebSocket serves the protocol over TLS websockets. Clients must
// dial with ClientTLS.
func StartWebSocket(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := newServer(t, opts)
	s.ws = true
	s.tls = tlstest.NewAuthority(t, "edgetest-ca")
	upgrader := websocket.Upgrader{}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wc, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serve(transport.NewWebSocketConn(wc, 0))
	}))
	srv.TLS = s.tls.ServerConfig(t)
	srv.StartTLS()
	s.http = srv
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Endpoint() transport.Endpoint {
	if s.ws {
		addr := strings.TrimPrefix(s.http.URL, "https://")
		return transport.Endpoint{Protocol: transport.ProtocolWebSocket, Addr: "wss://" + addr + "/cmsocket/"}
	}
	return transport.Endpoint{Protocol: transport.ProtocolTCP, Addr: s.ln.Addr().String()}
}

// Addr is the bare host:port.
func (s *Server) Addr() string {
	if s.ws {
		return strings.TrimPrefix(s.http.URL, "https://")
	}
	return s.ln.Addr().String()
}

// ServerKey is the public key clients may pin.
func (s *Server) ServerKey() []byte { return append([]byte(nil), s.kp.Public[:]...) }

// ClientTLS trusts the websocket server's certificate.
func (s *Server) ClientTLS() *tls.Config {
	if s.tls == nil {
		return nil
	}
	return s.tls.ClientConfig()
}

// Handle replaces the handler for t.
func (s *Server) Handle(t protocol.MessageType, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

// SetHeartbeatAcks toggles heartbeat answers on live connections.
func (s *Server) SetHeartbeatAcks(on bool) { s.acks.Store(on) }

func (s *Server) Logons() int { return int(s.logons.Load()) }

// Accept waits for the next connection to finish its handshake.
func (s *Server) Accept(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-s.accepted:
		return c
	case <-time.After(waitTimeout):
		t.Fatalf("edgetest: no connection within %s", waitTimeout)
		return nil
	}
}

// DropAll closes every live connection without a logoff.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.pc.Close()
	}
}

func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.http != nil {
		s.http.CloseClientConnections()
		s.http.Close()
	}
	s.DropAll()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn().Err(err).Msg("edgetest.Server.acceptLoop accept failed")
			}
			return
		}
		s.wg.Add(1)
		go s.serve(transport.NewStreamConn(nc, nil, 0))
	}
}

func (s *Server) trackConn(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrackConn(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) serve(pc transport.PacketConn) {
	defer s.wg.Done()
	c := &Conn{srv: s, pc: pc, received: make(chan protocol.Message, 256), done: make(chan struct{})}
	defer close(c.done)
	defer pc.Close()
	if !s.trackConn(c) {
		return
	}
	defer s.untrackConn(c)

	if !s.ws {
		if err := c.handshake(); err != nil {
			s.log.Debug().Err(err).Msgf("edgetest.Server.serve handshake failed remote=%s", pc.RemoteAddr())
			return
		}
	}
	select {
	case s.accepted <- c:
	default:
	}

	for {
		pkt, err := pc.ReadPacket()
		if err != nil {
			return
		}
		frames, err := c.decode(pkt)
		if err != nil {
			s.log.Warn().Err(err).Msg("edgetest.Server.serve decode failed")
			return
		}
		for _, f := range frames {
			msg, err := protocol.FromFrame(f)
			if err != nil {
				s.log.Warn().Err(err).Msg("edgetest.Server.serve routing decode failed")
				return
			}
			s.dispatch(c, msg)
		}
	}
}

func (s *Server) dispatch(c *Conn, msg protocol.Message) {
	if msg.Type == protocol.MsgHeartbeat {
		c.heartbeats.Add(1)
		if s.acks.Load() {
			_ = c.Send(protocol.Message{Type: protocol.MsgHeartbeatAck})
		}
		return
	}
	select {
	case c.received <- msg:
	default:
	}
	s.mu.Lock()
	h := s.handlers[msg.Type]
	s.mu.Unlock()
	if h != nil {
		h(c, msg)
	}
}

func (s *Server) handleLogon(c *Conn, msg protocol.Message) {
	var req protocol.LogonRequest
	if err := msg.DecodeBody(&req); err != nil {
		s.log.Warn().Err(err).Msg("edgetest.Server.handleLogon decode failed")
	}
	s.logons.Add(1)
	resp := protocol.LogonResponse{
		Result:           protocol.ResultOK,
		AccountID:        DefaultAccountID,
		SessionToken:     s.tokens.Add(1),
		HeartbeatSeconds: s.heartbeatSeconds,
	}
	out, err := msg.Reply(protocol.MsgLogonResponse, protocol.ResultOK, resp)
	if err != nil {
		return
	}
	out.Header.AccountID = resp.AccountID
	out.Header.SessionToken = resp.SessionToken
	_ = c.Send(out)
}

func handleLogoff(c *Conn, msg protocol.Message) {
	_ = c.Send(protocol.MustMessage(protocol.MsgLoggedOff, protocol.LoggedOff{Result: protocol.ResultOK}))
	_ = c.Close()
}

// Conn is the server side of one client connection.
type Conn struct {
	srv        *Server
	pc         transport.PacketConn
	cipher     *session.Cipher
	codec      frame.Codec
	writeMu    sync.Mutex
	seq        atomic.Uint64
	heartbeats atomic.Int32
	received   chan protocol.Message
	done       chan struct{}
}

func (c *Conn) handshake() error {
	s := c.srv
	req, err := session.NewEncryptRequest(s.kp, s.codecs)
	if err != nil {
		return err
	}
	f, err := session.EncodeEncryptRequest(req)
	if err != nil {
		return err
	}
	if err := c.writeFrame(f); err != nil {
		return err
	}
	_ = c.pc.SetReadDeadline(time.Now().Add(waitTimeout))
	pkt, err := c.pc.ReadPacket()
	if err != nil {
		return err
	}
	_ = c.pc.SetReadDeadline(time.Time{})
	rf, err := frame.Unmarshal(pkt, s.limits)
	if err != nil {
		return err
	}
	resp, err := session.DecodeEncryptResponse(rf)
	if err != nil {
		return err
	}
	established, acceptErr := session.Accept(s.kp, req, resp)
	if acceptErr == nil && s.rejectHandshake {
		acceptErr = session.ErrHandshakeFailed
	}
	result := session.EncryptResultOK
	if acceptErr != nil {
		result = session.EncryptResultFailed
	}
	rf, err = session.EncodeEncryptResult(session.EncryptResult{Result: result})
	if err != nil {
		return err
	}
	if err := c.writeFrame(rf); err != nil {
		return err
	}
	if acceptErr != nil {
		return acceptErr
	}
	c.cipher = established.Cipher
	c.codec = established.Codec
	return nil
}

func (c *Conn) decode(pkt []byte) ([]frame.Frame, error) {
	if c.cipher != nil {
		plain, err := c.cipher.Open(pkt)
		if err != nil {
			return nil, err
		}
		pkt = plain
	}
	f, err := frame.Unmarshal(pkt, c.srv.limits)
	if err != nil {
		return nil, err
	}
	if f.Header.MessageType != frame.TypeBatch {
		return []frame.Frame{f}, nil
	}
	return frame.DecodeBatch(f, c.srv.limits)
}

func (c *Conn) writeFrame(f frame.Frame) error {
	f.Header.Sequence = c.seq.Add(1)
	b, err := frame.Marshal(f, c.srv.limits)
	if err != nil {
		return err
	}
	if c.cipher != nil {
		if b, err = c.cipher.Seal(b); err != nil {
			return err
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.pc.WritePacket(b, time.Now().Add(waitTimeout))
}

// Codec is the batch codec the client picked.
func (c *Conn) Codec() frame.Codec { return c.codec }

func (c *Conn) Send(msg protocol.Message) error {
	return c.writeFrame(msg.ToFrame())
}

// SendBatch pushes msgs as one compressed batch frame.
func (c *Conn) SendBatch(msgs []protocol.Message) error {
	frames := make([]frame.Frame, len(msgs))
	for i, m := range msgs {
		frames[i] = m.ToFrame()
	}
	b, err := frame.EncodeBatch(frames, frame.Policy{CountThreshold: 1, Codec: c.codec}, c.srv.limits)
	if err != nil {
		return err
	}
	return c.writeFrame(b)
}

// Heartbeats counts client heartbeats seen on this connection.
func (c *Conn) Heartbeats() int { return int(c.heartbeats.Load()) }

// Received yields every non-heartbeat message in arrival order.
func (c *Conn) Received() <-chan protocol.Message { return c.received }

// Expect waits for the next message of type t, discarding others.
func (c *Conn) Expect(tb testing.TB, t protocol.MessageType) protocol.Message {
	tb.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-c.received:
			if msg.Type == t {
				return msg
			}
		case <-deadline:
			tb.Fatalf("edgetest: no %s within %s", t, waitTimeout)
			return protocol.Message{}
		}
	}
}

// Done closes when the server stops serving this connection.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() error {
	if err := c.pc.Close(); err != nil {
		return fmt.Errorf("edgetest: close: %w", err)
	}
	return nil
}

package transport_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/testutil/edgetest"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/danmuck/edgelink/internal/transport"
	"github.com/jonboulle/clockwork"
)

type sink struct {
	mu          sync.Mutex
	frames      []frame.Frame
	disconnects []transport.Disconnect
	got         chan struct{}
}

func newSink() *sink { return &sink{got: make(chan struct{}, 64)} }

func (s *sink) attach(tr *transport.Transport) {
	tr.OnFrame(func(f frame.Frame) {
		s.mu.Lock()
		s.frames = append(s.frames, f)
		s.mu.Unlock()
		s.got <- struct{}{}
	})
	tr.OnDisconnect(func(d transport.Disconnect) {
		s.mu.Lock()
		s.disconnects = append(s.disconnects, d)
		s.mu.Unlock()
	})
}

func (s *sink) waitFrames(t *testing.T, n int) []frame.Frame {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.got:
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d frames", i, n)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Frame(nil), s.frames...)
}

func (s *sink) disconnectsSnapshot() []transport.Disconnect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Disconnect(nil), s.disconnects...)
}

func waitDone(t *testing.T, tr *transport.Transport) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("transport did not disconnect")
	}
}

func connect(t *testing.T, srv *edgetest.Server, opts transport.Options) (*transport.Transport, *sink) {
	t.Helper()
	tr := transport.New(opts)
	s := newSink()
	s.attach(tr)
	if err := tr.Connect(t.Context(), srv.Endpoint()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { tr.Disconnect(nil) })
	return tr, s
}

func notification(topic string) protocol.Message {
	return protocol.MustMessage(protocol.MsgNotification, protocol.Notification{Topic: topic})
}

func topicOf(t *testing.T, f frame.Frame) string {
	t.Helper()
	msg, err := protocol.FromFrame(f)
	if err != nil {
		t.Fatalf("from frame: %v", err)
	}
	var n protocol.Notification
	if err := msg.DecodeBody(&n); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return n.Topic
}

func TestConnectHandshakeAndExchange(t *testing.T) {
	testlog.Start(t)
	srv := edgetest.Start(t)
	var states []transport.State
	tr := transport.New(transport.Options{Session: session.Config{PinnedServerKey: srv.ServerKey()}})
	tr.OnState(func(s transport.State) { states = append(states, s) })
	s := newSink()
	s.attach(tr)
	if err := tr.Connect(t.Context(), srv.Endpoint()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect(nil)

	want := []transport.State{transport.StateDialing, transport.StateHandshaking, transport.StateReady}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Fatalf("states=%v want %v", states, want)
	}
	if tr.Codec() != frame.CodecZstd {
		t.Fatalf("codec=%s", tr.Codec())
	}

	conn := srv.Accept(t)
	if err := tr.Send(notification("up").ToFrame()); err != nil {
		t.Fatalf("send: %v", err)
	}
	conn.Expect(t, protocol.MsgNotification)

	if err := conn.Send(notification("down")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	got := s.waitFrames(t, 1)
	if topicOf(t, got[0]) != "down" {
		t.Fatalf("unexpected frame %+v", got[0])
	}
}

func TestBatchDeliversEverySubFrameInOrder(t *testing.T) {
	testlog.Start(t)
	srv := edgetest.Start(t)
	_, s := connect(t, srv, transport.Options{})
	conn := srv.Accept(t)

	msgs := make([]protocol.Message, 7)
	for i := range msgs {
		msgs[i] = notification(fmt.Sprintf("n%d", i))
	}
	if err := conn.SendBatch(msgs); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	got := s.waitFrames(t, len(msgs))
	if len(got) != len(msgs) {
		t.Fatalf("got %d frames want %d", len(got), len(msgs))
	}
	for i, f := range got {
		if topic := topicOf(t, f); topic != fmt.Sprintf("n%d", i) {
			t.Fatalf("frame %d topic=%q", i, topic)
		}
	}
}

func TestSendBatchReachesServer(t *testing.T) {
	testlog.Start(t)
	srv := edgetest.Start(t, edgetest.WithCodecs("lz4"))
	tr, _ := connect(t, srv, transport.Options{})
	conn := srv.Accept(t)
	if conn.Codec() != frame.CodecLZ4 {
		t.Fatalf("negotiated %s", conn.Codec())
	}
	frames := []frame.Frame{notification("a").ToFrame(), notification("b").ToFrame(), notification("c").ToFrame()}
	if err := tr.SendBatch(frames); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	for range frames {
		conn.Expect(t, protocol.MsgNotification)
	}
}

func TestSendWhenNotReadyFails(t *testing.T) {
	testlog.Start(t)
	tr := transport.New(transport.Options{})
	if err := tr.Send(notification("x").ToFrame()); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestPinnedKeyMismatchFailsHandshake(t *testing.T) {
	testlog.Start(t)
	srv := edgetest.Start(t)
	tr := transport.New(transport.Options{Session: session.Config{PinnedServerKey: make([]byte, session.KeySize)}})
	s := newSink()
	s.attach(tr)
	err := tr.Connect(t.Context(), srv.Endpoint())
	var d *transport.Disconnect
	if !errors.As(err, &d) || d.Kind != transport.DisconnectHandshake {
		t.Fatalf("expected handshake disconnect, got %v", err)
	}
	if !errors.Is(err, session.ErrServerKeyMismatch) {
		t.Fatalf("expected key mismatch, got %v", err)
	}
	if tr.State() != transport.StateDisconnected || len(s.disconnectsSnapshot()) != 0 {
		t.Fatalf("state=%s disconnects=%d", tr.State(), len(s.disconnectsSnapshot()))
	}
}

func TestServerRejectedHandshake(t *testing.T) {
	testlog.Start(t)
	srv := edgetest.Start(t, edgetest.WithRejectHandshake())
	err := transport.New(transport.Options{}).Connect(t.Context(), srv.Endpoint())
	if !errors.Is(err, session.ErrHandshakeFailed) {
		t.Fatalf("expected rejected handshake, got %v", err)
	}
}

func TestRemoteCloseFiresExactlyOneDisconnect(t *testing.T) {
	testlog.Start(t)
	srv := edgetest.Start(t)
	tr, s := connect(t, srv, transport.Options{})
	conn := srv.Accept(t)
	_ = conn.Close()
	waitDone(t, tr)
	tr.Disconnect(errors.New("late"))

	ds := s.disconnectsSnapshot()
	if len(ds) != 1 || ds[0].Kind != transport.DisconnectRemoteClosed {
		t.Fatalf("disconnects=%+v", ds)
	}
	if err := tr.Send(notification("x").ToFrame()); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("send after close: %v", err)
	}
	if err := tr.Connect(t.Context(), srv.Endpoint()); !errors.Is(err, transport.ErrAlreadyUsed) {
		t.Fatalf("reconnect on used transport: %v", err)
	}
}

func TestRequestedDisconnectCarriesReason(t *testing.T) {
	testlog.Start(t)
	srv := edgetest.Start(t)
	tr, s := connect(t, srv, transport.Options{})
	reason := errors.New("logoff")
	tr.Disconnect(reason)
	waitDone(t, tr)
	ds := s.disconnectsSnapshot()
	if len(ds) != 1 || ds[0].Kind != transport.DisconnectRequested || !errors.Is(ds[0].Err, reason) {
		t.Fatalf("disconnects=%+v", ds)
	}
}

func TestHeartbeatWithoutAckDisconnects(t *testing.T) {
	testlog.Start(t)
	srv := edgetest.Start(t, edgetest.WithHeartbeatAcks(false))
	clock := clockwork.NewFakeClock()
	tr, s := connect(t, srv, transport.Options{
		Clock:   clock,
		Session: session.Config{HeartbeatTimeout: 3 * time.Second},
	})
	conn := srv.Accept(t)
	tr.StartHeartbeat(time.Second)
	if err := clock.BlockUntilContext(t.Context(), 1); err != nil {
		t.Fatalf("heartbeat ticker not armed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		clock.Advance(time.Second)
		select {
		case <-tr.Done():
		case <-time.After(20 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatalf("no heartbeat disconnect")
			}
			continue
		}
		break
	}
	ds := s.disconnectsSnapshot()
	if len(ds) != 1 || ds[0].Kind != transport.DisconnectHeartbeat || !errors.Is(ds[0].Err, transport.ErrHeartbeatTimeout) {
		t.Fatalf("disconnects=%+v", ds)
	}
	if conn.Heartbeats() == 0 {
		t.Fatalf("server saw no heartbeats before timeout")
	}
}

func TestHeartbeatAckIsConsumed(t *testing.T) {
	testlog.Start(t)
	srv := edgetest.Start(t)
	clock := clockwork.NewFakeClock()
	tr, s := connect(t, srv, transport.Options{Clock: clock})
	conn := srv.Accept(t)
	tr.StartHeartbeat(time.Second)
	if err := clock.BlockUntilContext(t.Context(), 1); err != nil {
		t.Fatalf("heartbeat ticker not armed: %v", err)
	}
	clock.Advance(time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for conn.Heartbeats() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("server saw no heartbeat")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := conn.Send(notification("after-ack")); err != nil {
		t.Fatalf("server send: %v", err)
	}
	got := s.waitFrames(t, 1)
	if len(got) != 1 || topicOf(t, got[0]) != "after-ack" {
		t.Fatalf("heartbeat ack leaked to OnFrame: %d frames", len(got))
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	testlog.Start(t)
	srv := edgetest.StartWebSocket(t)
	tr, s := connect(t, srv, transport.Options{TLSConfig: srv.ClientTLS()})
	conn := srv.Accept(t)

	if err := tr.Send(notification("ws-up").ToFrame()); err != nil {
		t.Fatalf("send: %v", err)
	}
	conn.Expect(t, protocol.MsgNotification)
	if err := conn.SendBatch([]protocol.Message{notification("a"), notification("b")}); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	got := s.waitFrames(t, 2)
	if topicOf(t, got[0]) != "a" || topicOf(t, got[1]) != "b" {
		t.Fatalf("unexpected order")
	}
}

func deadEndpoint(t *testing.T) transport.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return transport.Endpoint{Protocol: transport.ProtocolTCP, Addr: addr}
}

func TestConnectAnyFallsBackAndReorders(t *testing.T) {
	testlog.Start(t)
	srv := edgetest.Start(t)
	dead := deadEndpoint(t)
	dir := transport.NewDirectory([]transport.Endpoint{dead, srv.Endpoint()})
	tr := transport.New(transport.Options{})
	defer tr.Disconnect(nil)

	ep, err := tr.ConnectAny(t.Context(), dir, transport.ProtocolAuto)
	if err != nil {
		t.Fatalf("connect any: %v", err)
	}
	if ep != srv.Endpoint() {
		t.Fatalf("connected to %s", ep)
	}
	got := dir.Candidates(transport.ProtocolAuto)
	if got[0] != srv.Endpoint() || got[1] != dead {
		t.Fatalf("directory order=%v", got)
	}
}

func TestConnectAnyEmptyDirectory(t *testing.T) {
	testlog.Start(t)
	tr := transport.New(transport.Options{})
	if _, err := tr.ConnectAny(t.Context(), transport.NewDirectory(nil), transport.ProtocolAuto); !errors.Is(err, transport.ErrNoEndpoints) {
		t.Fatalf("expected ErrNoEndpoints, got %v", err)
	}
}

// connectProxy accepts one CONNECT tunnel and reports the target.
func connectProxy(t *testing.T) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	targets := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil || req.Method != http.MethodConnect {
			return
		}
		targets <- req.Host
		up, err := net.Dial("tcp", req.Host)
		if err != nil {
			return
		}
		defer up.Close()
		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection established\r\n\r\n")
		go func() { _, _ = io.Copy(up, br) }()
		_, _ = io.Copy(c, up)
	}()
	return ln.Addr().String(), targets
}

func TestConnectThroughHTTPProxy(t *testing.T) {
	testlog.Start(t)
	srv := edgetest.Start(t)
	proxyAddr, targets := connectProxy(t)
	tr, _ := connect(t, srv, transport.Options{HTTPProxy: proxyAddr})
	select {
	case target := <-targets:
		if target != srv.Addr() {
			t.Fatalf("proxy target=%q want %q", target, srv.Addr())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("proxy saw no CONNECT")
	}
	conn := srv.Accept(t)
	if err := tr.Send(notification("via-proxy").ToFrame()); err != nil {
		t.Fatalf("send: %v", err)
	}
	conn.Expect(t, protocol.MsgNotification)
}

func TestConnectCanceledContext(t *testing.T) {
	testlog.Start(t)
	srv := edgetest.Start(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := transport.New(transport.Options{}).Connect(ctx, srv.Endpoint())
	var d *transport.Disconnect
	if !errors.As(err, &d) {
		t.Fatalf("expected *Disconnect, got %v", err)
	}
}

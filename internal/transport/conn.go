package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// envelopeMagic tags every packet on a stream connection.
const envelopeMagic = "VT01"

const envelopeLen = 8

// PacketConn moves whole packets. Writes must be serialized by the
// caller; one reader at a time.
type PacketConn interface {
	ReadPacket() ([]byte, error)
	WritePacket(b []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

type streamConn struct {
	c         net.Conn
	r         *bufio.Reader
	maxPacket int
}

// NewStreamConn frames packets over a byte stream as
// [u32 LE len]["VT01"][body]. r may carry bytes already buffered from c
// (a proxy handshake); nil reads c directly.
func NewStreamConn(c net.Conn, r *bufio.Reader, maxPacket int) PacketConn {
	if r == nil {
		r = bufio.NewReader(c)
	}
	return &streamConn{c: c, r: r, maxPacket: maxPacket}
}

func (s *streamConn) ReadPacket() ([]byte, error) {
	var hdr [envelopeLen]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		return nil, err
	}
	if string(hdr[4:]) != envelopeMagic {
		return nil, fmt.Errorf("%w: magic=%q", ErrBadEnvelope, hdr[4:])
	}
	n := binary.LittleEndian.Uint32(hdr[:4])
	if s.maxPacket > 0 && uint64(n) > uint64(s.maxPacket) {
		return nil, fmt.Errorf("%w: len=%d max=%d", ErrPacketTooLarge, n, s.maxPacket)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(s.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *streamConn) WritePacket(b []byte, deadline time.Time) error {
	if s.maxPacket > 0 && len(b) > s.maxPacket {
		return fmt.Errorf("%w: len=%d max=%d", ErrPacketTooLarge, len(b), s.maxPacket)
	}
	if err := s.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	buf := make([]byte, envelopeLen+len(b))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(b)))
	copy(buf[4:envelopeLen], envelopeMagic)
	copy(buf[envelopeLen:], b)
	_, err := s.c.Write(buf)
	return err
}

func (s *streamConn) SetReadDeadline(t time.Time) error { return s.c.SetReadDeadline(t) }

func (s *streamConn) RemoteAddr() string { return s.c.RemoteAddr().String() }

func (s *streamConn) Close() error { return s.c.Close() }

type wsConn struct {
	c *websocket.Conn
}

// NewWebSocketConn carries one packet per binary message. Text messages
// are skipped.
func NewWebSocketConn(c *websocket.Conn, maxPacket int) PacketConn {
	if maxPacket > 0 {
		c.SetReadLimit(int64(maxPacket))
	}
	return &wsConn{c: c}
}

func (w *wsConn) ReadPacket() ([]byte, error) {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WritePacket(b []byte, deadline time.Time) error {
	if err := w.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.BinaryMessage, b)
}

func (w *wsConn) SetReadDeadline(t time.Time) error { return w.c.SetReadDeadline(t) }

func (w *wsConn) RemoteAddr() string { return w.c.RemoteAddr().String() }

func (w *wsConn) Close() error { return w.c.Close() }

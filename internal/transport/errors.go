package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("transport: not connected")
	ErrAlreadyUsed      = errors.New("transport: already connected once")
	ErrNoEndpoints      = errors.New("transport: no candidate endpoints")
	ErrBadEnvelope      = errors.New("transport: bad packet envelope")
	ErrPacketTooLarge   = errors.New("transport: packet too large")
	ErrHeartbeatTimeout = errors.New("transport: heartbeat ack timeout")
	ErrProxyRefused     = errors.New("transport: proxy refused tunnel")
)

// DisconnectKind classifies why a connection ended.
type DisconnectKind int

const (
	DisconnectRequested DisconnectKind = iota
	DisconnectRemoteClosed
	DisconnectSocket
	DisconnectHeartbeat
	DisconnectHandshake
	DisconnectProtocol
	DisconnectDial
)

func (k DisconnectKind) String() string {
	switch k {
	case DisconnectRequested:
		return "requested"
	case DisconnectRemoteClosed:
		return "remote_closed"
	case DisconnectSocket:
		return "socket"
	case DisconnectHeartbeat:
		return "heartbeat"
	case DisconnectHandshake:
		return "handshake"
	case DisconnectProtocol:
		return "protocol"
	case DisconnectDial:
		return "dial"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Disconnect is the typed reason a connection ended or failed to start.
type Disconnect struct {
	Kind DisconnectKind
	Err  error
}

func (d *Disconnect) Error() string {
	if d.Err == nil {
		return "transport: disconnect " + d.Kind.String()
	}
	return fmt.Sprintf("transport: disconnect %s: %v", d.Kind, d.Err)
}

func (d *Disconnect) Unwrap() error { return d.Err }

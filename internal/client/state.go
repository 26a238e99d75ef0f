package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/edgelink/internal/transport"
)

var (
	ErrClosed          = errors.New("client: closed")
	ErrNotLoggedOn     = errors.New("client: not logged on")
	ErrAlreadyLoggedOn = errors.New("client: logged on as another account")
	ErrAccountRequired = errors.New("client: account name required")
	ErrLoggedOff       = errors.New("client: logged off")
	ErrLogonTimeout    = errors.New("client: logon response timed out")
	// ErrTerminal ends reconnection once the attempt ceiling is passed.
	ErrTerminal = errors.New("client: reconnect attempts exhausted")
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateHandshakeInProgress
	StateConnected
	StateLoggedOn
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshakeInProgress:
		return "handshake_in_progress"
	case StateConnected:
		return "connected"
	case StateLoggedOn:
		return "logged_on"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

type StateChange struct {
	From  State
	To    State
	Epoch uint64
	At    time.Time
}

// DisconnectEvent is published each time a connection attempt or a live
// connection ends.
type DisconnectEvent struct {
	Kind      transport.DisconnectKind
	Err       error
	Endpoint  transport.Endpoint
	Epoch     uint64
	Cancelled int
	// Retry is zero when no reconnect is scheduled.
	Retry time.Duration
}

type Credentials struct {
	AccountName string
	Password    string
	// AuthCode is a one-time code for accounts that require one.
	AuthCode string
}

// Identity is populated by a confirmed logon and reused by the next
// logon until the server invalidates it.
type Identity struct {
	AccountName       string
	AccountID         uint64
	SessionToken      uint64
	CellID            uint32
	PipeID            uint32
	Epoch             uint64
	HeartbeatInterval time.Duration
	LocalAuthSeq      uint64
	RemoteAuthSeq     uint64
}

func (id Identity) Valid() bool { return id.AccountID != 0 && id.SessionToken != 0 }

package edgecache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/jonboulle/clockwork"
)

// DefaultTTL applies when the platform returns no token expiry.
const DefaultTTL = time.Hour

var ErrNoServers = errors.New("edgecache: no edge servers returned")

// Requester sends a request and waits for its reply.
type Requester interface {
	Request(ctx context.Context, msg protocol.Message) (protocol.Message, error)
}

// SessionLookup resolves scopes over a logged-on session: one edge
// server list request, then a token request for the chosen host.
type SessionLookup struct {
	req    Requester
	clock  clockwork.Clock
	cellID func() uint32
}

func NewSessionLookup(req Requester, clock clockwork.Clock, cellID func() uint32) *SessionLookup {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cellID == nil {
		cellID = func() uint32 { return 0 }
	}
	return &SessionLookup{req: req, clock: clock, cellID: cellID}
}

func (l *SessionLookup) Lookup(ctx context.Context, scope Scope) (Entry, error) {
	reply, err := l.req.Request(ctx, protocol.MustMessage(protocol.MsgEdgeServers, protocol.EdgeServersRequest{
		CellID: l.cellID(),
		Region: scope.Region,
		Max:    20,
	}))
	if err != nil {
		return Entry{}, fmt.Errorf("edgecache: servers: %w", err)
	}
	var servers protocol.EdgeServersResponse
	if err := reply.DecodeBody(&servers); err != nil {
		return Entry{}, err
	}
	best, ok := pickServer(servers.Servers)
	if !ok {
		return Entry{}, ErrNoServers
	}
	entry := Entry{
		Scope:   scope,
		Host:    best.Host,
		Port:    best.Port,
		HTTPS:   best.HTTPS,
		Expires: l.clock.Now().Add(DefaultTTL),
	}
	if scope.AppID == 0 {
		return entry, nil
	}

	reply, err = l.req.Request(ctx, protocol.MustMessage(protocol.MsgEdgeToken, protocol.EdgeTokenRequest{
		AppID: scope.AppID,
		Host:  best.Host,
	}))
	if err != nil {
		return Entry{}, fmt.Errorf("edgecache: token: %w", err)
	}
	var token protocol.EdgeTokenResponse
	if err := reply.DecodeBody(&token); err != nil {
		return Entry{}, err
	}
	entry.Token = token.Token
	if token.ExpiresAt > 0 {
		entry.Expires = time.Unix(token.ExpiresAt, 0)
	}
	return entry, nil
}

// pickServer prefers https, then lowest load, then highest weight.
func pickServer(servers []protocol.EdgeServer) (protocol.EdgeServer, bool) {
	if len(servers) == 0 {
		return protocol.EdgeServer{}, false
	}
	sorted := append([]protocol.EdgeServer(nil), servers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.HTTPS != b.HTTPS {
			return a.HTTPS
		}
		if a.Load != b.Load {
			return a.Load < b.Load
		}
		return a.Weight > b.Weight
	})
	return sorted[0], true
}

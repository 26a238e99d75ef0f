// Package handlers routes inbound messages by type to per-type handlers
// that act on the owning session through Context.
package handlers

import (
	"github.com/danmuck/edgelink/internal/jobs"
	"github.com/danmuck/edgelink/internal/protocol"
)

type Handler interface {
	Handle(ctx Context, msg protocol.Message)
}

type HandlerFunc func(ctx Context, msg protocol.Message)

func (f HandlerFunc) Handle(ctx Context, msg protocol.Message) { f(ctx, msg) }

// Context is the per-session view a handler acts on. All methods are
// called on the session's loop goroutine.
type Context interface {
	Jobs() *jobs.Dispatcher
	Catalog() CatalogSink
	Session() SessionControl
	// Notify surfaces a message no handler consumed.
	Notify(msg protocol.Message)
}

// CatalogSink receives catalog pushes.
type CatalogSink interface {
	OnChangeNotification(counter uint64, changes []protocol.CatalogChange)
	OnEntitlements(ent protocol.Entitlements)
}

// SessionControl receives session-level messages.
type SessionControl interface {
	OnLogonResponse(msg protocol.Message, resp protocol.LogonResponse)
	OnLoggedOff(result protocol.Result)
	OnServerList(endpoints []string)
	OnAuthArtifact(blob []byte)
}

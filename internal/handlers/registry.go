package handlers

import (
	"sort"
	"sync"

	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Registry maps message types to handlers. Build it before the first
// dispatch and share it by pointer; Register is last-write-wins.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[protocol.MessageType]Handler
	unhandled HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[protocol.MessageType]Handler)}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry with the standard session
// handlers installed.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
		InstallDefaults(defaultRegistry)
	})
	return defaultRegistry
}

func (r *Registry) Register(t protocol.MessageType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, replaced := r.handlers[t]; replaced {
		log.Debug().Msgf("handlers.Registry.Register replace type=%s", t)
	}
	r.handlers[t] = h
}

func (r *Registry) RegisterFunc(t protocol.MessageType, f HandlerFunc) {
	r.Register(t, f)
}

// SetUnhandled installs the default arm for types with no handler.
func (r *Registry) SetUnhandled(f HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unhandled = f
}

func (r *Registry) Get(t protocol.MessageType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Dispatch runs exactly one handler for msg, or the default arm. It
// reports whether a registered handler ran.
func (r *Registry) Dispatch(ctx Context, msg protocol.Message) bool {
	r.mu.RLock()
	h, ok := r.handlers[msg.Type]
	fallback := r.unhandled
	r.mu.RUnlock()

	if ok {
		h.Handle(ctx, msg)
		return true
	}
	if fallback != nil {
		fallback(ctx, msg)
	} else {
		log.Debug().Msgf("handlers.Registry.Dispatch unhandled type=%s kind=%s", msg.Type, msg.Type.Kind())
	}
	return false
}

func (r *Registry) Types() []protocol.MessageType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.MessageType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

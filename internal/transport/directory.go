package transport

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
)

// Protocol selects the connection flavor.
type Protocol string

const (
	ProtocolAuto      Protocol = "auto"
	ProtocolTCP       Protocol = "tcp"
	ProtocolWebSocket Protocol = "websocket"
)

func ParseProtocol(raw string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto":
		return ProtocolAuto, nil
	case "tcp":
		return ProtocolTCP, nil
	case "websocket", "ws", "wss":
		return ProtocolWebSocket, nil
	default:
		return "", fmt.Errorf("transport: unknown protocol %q", raw)
	}
}

// Endpoint is one dialable server. For websocket endpoints Addr is the
// full ws(s):// URL; for tcp it is host:port.
type Endpoint struct {
	Protocol Protocol
	Addr     string
}

func (e Endpoint) String() string {
	if e.Protocol == ProtocolWebSocket {
		return e.Addr
	}
	return "tcp://" + e.Addr
}

const defaultWebSocketPath = "/cmsocket/"

// ParseEndpoint reads "tcp://h:p", "ws(s)://...", or a bare "h:p". A bare
// address takes the prefer protocol, tcp when prefer is auto.
func ParseEndpoint(raw string, prefer Protocol) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("transport: empty endpoint")
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Endpoint{}, fmt.Errorf("transport: endpoint %q: %w", raw, err)
		}
		switch u.Scheme {
		case "tcp":
			if _, _, err := net.SplitHostPort(u.Host); err != nil {
				return Endpoint{}, fmt.Errorf("transport: endpoint %q: %w", raw, err)
			}
			return Endpoint{Protocol: ProtocolTCP, Addr: u.Host}, nil
		case "ws", "wss":
			if u.Path == "" {
				u.Path = defaultWebSocketPath
			}
			return Endpoint{Protocol: ProtocolWebSocket, Addr: u.String()}, nil
		default:
			return Endpoint{}, fmt.Errorf("transport: endpoint %q: unsupported scheme %q", raw, u.Scheme)
		}
	}
	if _, _, err := net.SplitHostPort(raw); err != nil {
		return Endpoint{}, fmt.Errorf("transport: endpoint %q: %w", raw, err)
	}
	if prefer == ProtocolWebSocket {
		return Endpoint{Protocol: ProtocolWebSocket, Addr: "wss://" + raw + defaultWebSocketPath}, nil
	}
	return Endpoint{Protocol: ProtocolTCP, Addr: raw}, nil
}

// ParseEndpoints parses every entry, skipping and returning the ones
// that failed.
func ParseEndpoints(raw []string, prefer Protocol) ([]Endpoint, []error) {
	out := make([]Endpoint, 0, len(raw))
	var errs []error
	for _, r := range raw {
		ep, err := ParseEndpoint(r, prefer)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, ep)
	}
	return out, errs
}

// Directory is the ordered candidate list the client connects through.
// Failed endpoints move to the back, good ones to the front.
type Directory struct {
	mu      sync.Mutex
	entries []Endpoint
}

func NewDirectory(eps []Endpoint) *Directory {
	d := &Directory{}
	d.Replace(eps)
	return d
}

// Replace swaps the whole list, dropping duplicates.
func (d *Directory) Replace(eps []Endpoint) {
	seen := make(map[Endpoint]struct{}, len(eps))
	next := make([]Endpoint, 0, len(eps))
	for _, ep := range eps {
		if _, dup := seen[ep]; dup {
			continue
		}
		seen[ep] = struct{}{}
		next = append(next, ep)
	}
	d.mu.Lock()
	d.entries = next
	d.mu.Unlock()
}

// Candidates returns a snapshot in connect order. ProtocolAuto matches
// every endpoint.
func (d *Directory) Candidates(p Protocol) []Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Endpoint, 0, len(d.entries))
	for _, ep := range d.entries {
		if p == ProtocolAuto || p == "" || ep.Protocol == p {
			out = append(out, ep)
		}
	}
	return out
}

func (d *Directory) Promote(ep Endpoint) { d.move(ep, true) }

func (d *Directory) Demote(ep Endpoint) { d.move(ep, false) }

func (d *Directory) move(ep Endpoint, front bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := -1
	for i, e := range d.entries {
		if e == ep {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	rest := append(append([]Endpoint(nil), d.entries[:idx]...), d.entries[idx+1:]...)
	if front {
		d.entries = append([]Endpoint{ep}, rest...)
	} else {
		d.entries = append(rest, ep)
	}
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

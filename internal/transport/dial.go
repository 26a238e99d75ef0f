package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

func (t *Transport) netDialer() *net.Dialer {
	d := &net.Dialer{Timeout: t.cfg.ConnectTimeout}
	if t.opts.LocalAddress != "" || t.opts.LocalPort > 0 {
		d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(t.opts.LocalAddress), Port: t.opts.LocalPort}
	}
	return d
}

func (t *Transport) proxyURL() (*url.URL, error) {
	if t.opts.HTTPProxy == "" {
		return nil, nil
	}
	raw := t.opts.HTTPProxy
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("transport: proxy %q: %w", t.opts.HTTPProxy, err)
	}
	return u, nil
}

func (t *Transport) dial(ctx context.Context, ep Endpoint) (PacketConn, error) {
	switch ep.Protocol {
	case ProtocolWebSocket:
		return t.dialWebSocket(ctx, ep.Addr)
	default:
		return t.dialTCP(ctx, ep.Addr)
	}
}

func (t *Transport) dialTCP(ctx context.Context, addr string) (PacketConn, error) {
	d := t.netDialer()
	proxy, err := t.proxyURL()
	if err != nil {
		return nil, err
	}
	if proxy != nil {
		conn, br, err := dialConnect(ctx, d, proxy, addr)
		if err != nil {
			return nil, err
		}
		return NewStreamConn(conn, br, t.maxPacket()), nil
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(conn, nil, t.maxPacket()), nil
}

// dialConnect opens an HTTP CONNECT tunnel to target. The returned
// reader holds any bytes the proxy sent past its response.
func dialConnect(ctx context.Context, d *net.Dialer, proxy *url.URL, target string) (net.Conn, *bufio.Reader, error) {
	proxyAddr := proxy.Host
	if proxy.Port() == "" {
		proxyAddr = net.JoinHostPort(proxy.Hostname(), "80")
	}
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else if d.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.Timeout))
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if u := proxy.User; u != nil {
		pass, _ := u.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: %s", ErrProxyRefused, resp.Status)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, br, nil
}

func (t *Transport) dialWebSocket(ctx context.Context, rawURL string) (PacketConn, error) {
	d := t.netDialer()
	proxy, err := t.proxyURL()
	if err != nil {
		return nil, err
	}
	tlsCfg := t.opts.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	wd := websocket.Dialer{
		NetDialContext:   d.DialContext,
		HandshakeTimeout: t.cfg.HandshakeTimeout,
		TLSClientConfig:  tlsCfg,
	}
	if proxy != nil {
		wd.Proxy = http.ProxyURL(proxy)
	}
	conn, resp, err := wd.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(conn, t.maxPacket()), nil
}

func (t *Transport) maxPacket() int {
	l := t.cfg.Limits
	// frame header + routing + payload + cipher nonce and tag
	return int(l.MaxRoutingBytes+l.MaxPayloadBytes) + 32 + 64
}

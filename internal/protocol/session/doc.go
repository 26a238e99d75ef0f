// Package session owns the connection-level pieces shared by the client
// transport and the loopback test server.
//
// Ownership boundary:
// - channel encryption handshake wire (TLV payloads)
// - symmetric channel cipher derived from the handshake
// - reliability config: timeouts, heartbeat window, retry backoff
package session

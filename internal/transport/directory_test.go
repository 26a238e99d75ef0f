package transport

import (
	"testing"

	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func TestParseEndpoint(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		raw    string
		prefer Protocol
		want   Endpoint
	}{
		{"10.0.0.1:27017", ProtocolAuto, Endpoint{ProtocolTCP, "10.0.0.1:27017"}},
		{"tcp://10.0.0.1:27017", ProtocolWebSocket, Endpoint{ProtocolTCP, "10.0.0.1:27017"}},
		{"edge.example:443", ProtocolWebSocket, Endpoint{ProtocolWebSocket, "wss://edge.example:443/cmsocket/"}},
		{"wss://edge.example:443", ProtocolAuto, Endpoint{ProtocolWebSocket, "wss://edge.example:443/cmsocket/"}},
		{"ws://edge.example:80/sock", ProtocolAuto, Endpoint{ProtocolWebSocket, "ws://edge.example:80/sock"}},
	}
	for _, tc := range cases {
		got, err := ParseEndpoint(tc.raw, tc.prefer)
		if err != nil {
			t.Fatalf("ParseEndpoint(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseEndpoint(%q)=%+v want %+v", tc.raw, got, tc.want)
		}
	}
	for _, bad := range []string{"", "no-port", "udp://h:1"} {
		if _, err := ParseEndpoint(bad, ProtocolAuto); err == nil {
			t.Fatalf("ParseEndpoint(%q) accepted", bad)
		}
	}
}

func TestDirectoryFallbackOrdering(t *testing.T) {
	testlog.Start(t)
	a := Endpoint{ProtocolTCP, "a:1"}
	b := Endpoint{ProtocolTCP, "b:1"}
	c := Endpoint{ProtocolWebSocket, "wss://c:443/cmsocket/"}
	d := NewDirectory([]Endpoint{a, b, a, c})
	if d.Len() != 3 {
		t.Fatalf("duplicates kept: len=%d", d.Len())
	}

	d.Demote(a)
	if diff := cmp.Diff([]Endpoint{b, c, a}, d.Candidates(ProtocolAuto)); diff != "" {
		t.Fatalf("after demote (-want +got):\n%s", diff)
	}
	d.Promote(a)
	if diff := cmp.Diff([]Endpoint{a, b, c}, d.Candidates(ProtocolAuto)); diff != "" {
		t.Fatalf("after promote (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Endpoint{c}, d.Candidates(ProtocolWebSocket)); diff != "" {
		t.Fatalf("websocket filter (-want +got):\n%s", diff)
	}

	d.Demote(Endpoint{ProtocolTCP, "unknown:1"})
	d.Replace([]Endpoint{c})
	if diff := cmp.Diff([]Endpoint{c}, d.Candidates(ProtocolAuto)); diff != "" {
		t.Fatalf("after replace (-want +got):\n%s", diff)
	}
}

func TestParseProtocol(t *testing.T) {
	testlog.Start(t)
	for raw, want := range map[string]Protocol{"": ProtocolAuto, "AUTO": ProtocolAuto, "tcp": ProtocolTCP, "websocket": ProtocolWebSocket} {
		got, err := ParseProtocol(raw)
		if err != nil || got != want {
			t.Fatalf("ParseProtocol(%q)=%q,%v", raw, got, err)
		}
	}
	if _, err := ParseProtocol("udp"); err == nil {
		t.Fatalf("udp accepted")
	}
}

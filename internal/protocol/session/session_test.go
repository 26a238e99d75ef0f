package session

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestAttemptsExhausted(t *testing.T) {
	testlog.Start(t)
	if AttemptsExhausted(0, 1000) {
		t.Fatalf("zero ceiling must be unlimited")
	}
	if AttemptsExhausted(3, 3) || !AttemptsExhausted(3, 4) {
		t.Fatalf("ceiling boundary wrong")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{JobTimeout: time.Second, MaxReconnectAttempts: -5}.WithDefaults()
	if cfg.JobTimeout != time.Second {
		t.Fatalf("explicit job timeout overwritten: %v", cfg.JobTimeout)
	}
	if cfg.HeartbeatTimeout != DefaultConfig().HeartbeatTimeout {
		t.Fatalf("heartbeat timeout not defaulted: %v", cfg.HeartbeatTimeout)
	}
	if cfg.MaxReconnectAttempts != 0 {
		t.Fatalf("negative ceiling not clamped: %d", cfg.MaxReconnectAttempts)
	}
}

func roundTrip(t *testing.T, f frame.Frame) frame.Frame {
	t.Helper()
	b, err := frame.Marshal(f, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := frame.Unmarshal(b, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestHandshakeRoundTrip(t *testing.T) {
	testlog.Start(t)
	server, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	req, err := NewEncryptRequest(server, []string{"lz4", "zstd"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	reqFrame, err := EncodeEncryptRequest(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	gotReq, err := DecodeEncryptRequest(roundTrip(t, reqFrame))
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}

	resp, client, err := Respond(gotReq, server.Public[:], []string{"zstd", "lz4"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if resp.Codec != "zstd" || client.Codec != frame.CodecZstd {
		t.Fatalf("codec negotiation: resp=%q est=%v", resp.Codec, client.Codec)
	}
	respFrame, err := EncodeEncryptResponse(resp)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	gotResp, err := DecodeEncryptResponse(roundTrip(t, respFrame))
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	srv, err := Accept(server, req, gotResp)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	sealed, err := client.Cipher.Seal([]byte("logon"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	plain, err := srv.Cipher.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plain, []byte("logon")) {
		t.Fatalf("plaintext mismatch: %q", plain)
	}
}

func TestHandshakeRejectsPinnedKeyMismatch(t *testing.T) {
	testlog.Start(t)
	server, _ := GenerateKeyPair()
	other, _ := GenerateKeyPair()
	req, _ := NewEncryptRequest(server, []string{"none"})
	_, _, err := Respond(req, other.Public[:], nil)
	if !errors.Is(err, ErrServerKeyMismatch) {
		t.Fatalf("expected ErrServerKeyMismatch, got %v", err)
	}
}

func TestHandshakeRejectsBadProof(t *testing.T) {
	testlog.Start(t)
	server, _ := GenerateKeyPair()
	req, _ := NewEncryptRequest(server, []string{"none"})
	resp, _, err := Respond(req, nil, nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	resp.Proof[0] ^= 0xFF
	if _, err := Accept(server, req, resp); !errors.Is(err, ErrBadProof) {
		t.Fatalf("expected ErrBadProof, got %v", err)
	}
}

func TestHandshakeRejectsVersionMismatch(t *testing.T) {
	testlog.Start(t)
	server, _ := GenerateKeyPair()
	req, _ := NewEncryptRequest(server, nil)
	req.ProtocolVersion = 99
	if _, _, err := Respond(req, nil, nil); !errors.Is(err, ErrProtocolVersion) {
		t.Fatalf("expected ErrProtocolVersion, got %v", err)
	}
}

func TestDecodeRejectsWrongFrameType(t *testing.T) {
	testlog.Start(t)
	res, err := EncodeEncryptResult(EncryptResult{Result: EncryptResultOK})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeEncryptRequest(res); !errors.Is(err, ErrUnexpectedFrame) {
		t.Fatalf("expected ErrUnexpectedFrame, got %v", err)
	}
	got, err := DecodeEncryptResult(res)
	if err != nil || got.Result != EncryptResultOK {
		t.Fatalf("decode result: %+v %v", got, err)
	}
}

func TestCipherRejectsTamperedPacket(t *testing.T) {
	testlog.Start(t)
	c, err := NewCipher(make([]byte, KeySize))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	sealed, _ := c.Seal([]byte("payload"))
	sealed[len(sealed)-1] ^= 1
	if _, err := c.Open(sealed); err == nil {
		t.Fatalf("expected authentication failure")
	}
	if _, err := c.Open([]byte{1, 2}); !errors.Is(err, ErrSealedTooShort) {
		t.Fatalf("expected ErrSealedTooShort, got %v", err)
	}
}

func TestNegotiateCodecFallsBackToNone(t *testing.T) {
	testlog.Start(t)
	if got := NegotiateCodec([]string{"brotli"}, []string{"zstd"}); got != "none" {
		t.Fatalf("got %q", got)
	}
}

package session

import (
	"time"

	"github.com/danmuck/edgelink/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	JobTimeout        time.Duration

	// MaxReconnectAttempts of zero means unlimited.
	MaxReconnectAttempts int
	Backoff              BackoffConfig

	Limits frame.Limits
	Batch  frame.Policy

	// PinnedServerKey, when set, must equal the key the server offers.
	PinnedServerKey []byte
	// Codecs lists batch codecs in preference order.
	Codecs []string
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      15 * time.Second,
		HeartbeatInterval: 9 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		JobTimeout:        10 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
		Limits: frame.DefaultLimits(),
		Batch:  frame.DefaultPolicy(),
		Codecs: []string{"zstd", "lz4", "gzip", "none"},
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	if c.Limits.MaxPayloadBytes == 0 || c.Limits.MaxRoutingBytes == 0 {
		c.Limits = def.Limits
	}
	if len(c.Codecs) == 0 {
		c.Codecs = def.Codecs
	}
	return c
}

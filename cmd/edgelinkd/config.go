package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgelink/internal/protocol/session"
)

const (
	storeFile  = "file"
	storeRedis = "redis"
)

// daemonConfig is everything edgelinkd needs beyond the client options.
type daemonConfig struct {
	Account       string
	PasswordEnv   string
	AuthCodeEnv   string
	OptionsFile   string
	WatchOptions  bool
	MetricsAddr   string
	MetricsToken  string
	ArtifactStore string
	Session       session.Config
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		PasswordEnv:   "EDGELINK_PASSWORD",
		AuthCodeEnv:   "EDGELINK_AUTH_CODE",
		WatchOptions:  true,
		ArtifactStore: storeFile,
		Session:       session.DefaultConfig(),
	}
}

type fileConfig struct {
	Account       string `toml:"account"`
	PasswordEnv   string `toml:"password_env"`
	AuthCodeEnv   string `toml:"auth_code_env"`
	OptionsFile   string `toml:"options_file"`
	WatchOptions  bool   `toml:"watch_options"`
	MetricsAddr   string `toml:"metrics_addr"`
	MetricsToken  string `toml:"metrics_token"`
	ArtifactStore string `toml:"artifact_store"`
	Session       struct {
		ConnectTimeout    string  `toml:"connect_timeout"`
		HandshakeTimeout  string  `toml:"handshake_timeout"`
		HeartbeatTimeout  string  `toml:"heartbeat_timeout"`
		PinnedServerKey   string  `toml:"pinned_server_key"`
		BackoffInitial    string  `toml:"backoff_initial"`
		BackoffMax        string  `toml:"backoff_max"`
		BackoffMultiplier float64 `toml:"backoff_multiplier"`
		BackoffJitter     bool    `toml:"backoff_jitter"`
	} `toml:"session"`
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load edgelinkd config: %w", err)
	}

	if meta.IsDefined("account") {
		cfg.Account = strings.TrimSpace(raw.Account)
	}
	if meta.IsDefined("password_env") {
		cfg.PasswordEnv = strings.TrimSpace(raw.PasswordEnv)
	}
	if meta.IsDefined("auth_code_env") {
		cfg.AuthCodeEnv = strings.TrimSpace(raw.AuthCodeEnv)
	}
	if meta.IsDefined("options_file") {
		cfg.OptionsFile = strings.TrimSpace(raw.OptionsFile)
	}
	if meta.IsDefined("watch_options") {
		cfg.WatchOptions = raw.WatchOptions
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("metrics_token") {
		cfg.MetricsToken = raw.MetricsToken
	}
	if meta.IsDefined("artifact_store") {
		store := strings.ToLower(strings.TrimSpace(raw.ArtifactStore))
		if store != storeFile && store != storeRedis {
			return daemonConfig{}, fmt.Errorf("parse artifact_store: unknown store %q", raw.ArtifactStore)
		}
		cfg.ArtifactStore = store
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"session.connect_timeout", raw.Session.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"session.handshake_timeout", raw.Session.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"session.heartbeat_timeout", raw.Session.HeartbeatTimeout, &cfg.Session.HeartbeatTimeout},
		{"session.backoff_initial", raw.Session.BackoffInitial, &cfg.Session.Backoff.InitialDelay},
		{"session.backoff_max", raw.Session.BackoffMax, &cfg.Session.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "backoff_multiplier") {
		cfg.Session.Backoff.Multiplier = raw.Session.BackoffMultiplier
	}
	if meta.IsDefined("session", "backoff_jitter") {
		cfg.Session.Backoff.Jitter = raw.Session.BackoffJitter
	}
	if meta.IsDefined("session", "pinned_server_key") {
		key, err := hex.DecodeString(strings.TrimSpace(raw.Session.PinnedServerKey))
		if err != nil {
			return daemonConfig{}, fmt.Errorf("parse session.pinned_server_key: %w", err)
		}
		cfg.Session.PinnedServerKey = key
	}

	return cfg, nil
}

// secret reads the named environment variable; an empty name reads nothing.
func secret(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

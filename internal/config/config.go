package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Transport string

const (
	TransportAuto     Transport = "auto"
	TransportLoopback Transport = "loopback"
	TransportRealtime Transport = "realtime"
	TransportRelay    Transport = "relay"
)

type AppConfig struct {
	Transport Transport `env:"TRANSPORT" envDefault:"auto"`

	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH"`

	RelayBaseURL    string `env:"RELAY_BASE_URL"`
	RelayWSURL      string `env:"RELAY_WS_URL"`
	RelayListenAddr string `env:"RELAY_LISTEN_ADDR" envDefault:":8787"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"1s"`
	// PresenceTTL bounds how long a departed host goes unnoticed.
	PresenceTTL   time.Duration `env:"PRESENCE_TTL" envDefault:"4s"`
	PruneInterval time.Duration `env:"PRUNE_INTERVAL" envDefault:"5s"`
	PruneGrace    time.Duration `env:"PRUNE_GRACE" envDefault:"15s"`

	ArchivePollInterval time.Duration `env:"ARCHIVE_POLL_INTERVAL" envDefault:"1s"`
	MoveConfirmTimeout  time.Duration `env:"MOVE_CONFIRM_TIMEOUT" envDefault:"5s"`
	OutboxRetryInterval time.Duration `env:"OUTBOX_RETRY_INTERVAL" envDefault:"2s"`
	OutboxRetryMax      time.Duration `env:"OUTBOX_RETRY_MAX" envDefault:"1m"`

	ChatRate  float64 `env:"CHAT_RATE" envDefault:"2"`
	ChatBurst int     `env:"CHAT_BURST" envDefault:"5"`

	MsgOverrideDir string `env:"MSG_OVERRIDE_DIR"`
}

// Load reads the environment. When ROOMSYNC_CONFIG names a YAML file its
// keys (the same names as the environment variables) act as defaults that
// the environment overrides.
func Load() (*AppConfig, error) {
	vars := make(map[string]string)
	if path := strings.TrimSpace(os.Getenv("ROOMSYNC_CONFIG")); path != "" {
		fileVars, err := readFile(path)
		if err != nil {
			return nil, err
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	return parse(vars)
}

func parse(vars map[string]string) (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.trim()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode config file %s: %w", path, err)
	}
	out := make(map[string]string, len(doc))
	for k, v := range doc {
		if v == nil {
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(k))] = fmt.Sprint(v)
	}
	return out, nil
}

func (c *AppConfig) trim() {
	c.Transport = Transport(strings.ToLower(strings.TrimSpace(string(c.Transport))))
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.SQLitePath = strings.TrimSpace(c.SQLitePath)
	c.RelayBaseURL = strings.TrimSpace(c.RelayBaseURL)
	c.RelayWSURL = strings.TrimSpace(c.RelayWSURL)
}

func (c *AppConfig) Validate() error {
	switch c.Transport {
	case TransportAuto, TransportLoopback:
	case TransportRealtime:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the realtime transport")
		}
	case TransportRelay:
		if c.RelayBaseURL == "" {
			return errors.New("RELAY_BASE_URL is required for the relay transport")
		}
		if c.RelayWSURL == "" {
			return errors.New("RELAY_WS_URL is required for the relay transport")
		}
	default:
		return fmt.Errorf("unknown TRANSPORT %q", c.Transport)
	}
	for name, d := range map[string]time.Duration{
		"HEARTBEAT_INTERVAL":    c.HeartbeatInterval,
		"PRESENCE_TTL":          c.PresenceTTL,
		"PRUNE_INTERVAL":        c.PruneInterval,
		"PRUNE_GRACE":           c.PruneGrace,
		"ARCHIVE_POLL_INTERVAL": c.ArchivePollInterval,
		"MOVE_CONFIRM_TIMEOUT":  c.MoveConfirmTimeout,
		"OUTBOX_RETRY_INTERVAL": c.OutboxRetryInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.PresenceTTL <= c.HeartbeatInterval {
		return errors.New("PRESENCE_TTL must exceed HEARTBEAT_INTERVAL")
	}
	if c.PruneGrace < c.PresenceTTL {
		return errors.New("PRUNE_GRACE must not be shorter than PRESENCE_TTL")
	}
	if c.ChatRate <= 0 || c.ChatBurst <= 0 {
		return errors.New("CHAT_RATE and CHAT_BURST must be positive")
	}
	return nil
}

// ResolvedTransport picks a concrete transport for "auto": realtime when
// Redis is configured, then relay, else loopback.
func (c *AppConfig) ResolvedTransport() Transport {
	if c.Transport != TransportAuto {
		return c.Transport
	}
	switch {
	case c.RedisURL != "":
		return TransportRealtime
	case c.RelayBaseURL != "" && c.RelayWSURL != "":
		return TransportRelay
	default:
		return TransportLoopback
	}
}

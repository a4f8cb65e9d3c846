package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.collab/config.toml.
type Config struct {
	DefaultRoom string `toml:"default_room"`
}

// Room holds the settings of one room session, read from
// ~/.collab/rooms/<room>/room.toml.
type Room struct {
	Link       Link       `toml:"link"`
	Reconnect  Reconnect  `toml:"reconnect"`
	Presence   Presence   `toml:"presence"`
	OpLog      OpLog      `toml:"oplog"`
	Queue      Queue      `toml:"queue"`
	Credential Credential `toml:"credential"`
}

type Link struct {
	Address             string `toml:"address"`
	HeartbeatIntervalMs int    `toml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int    `toml:"heartbeat_timeout_ms"`
	HandshakeTimeoutMs  int    `toml:"handshake_timeout_ms"`
	WriteTimeoutMs      int    `toml:"write_timeout_ms"`
}

type Reconnect struct {
	MaxAttempts   int `toml:"max_attempts"`
	BackoffBaseMs int `toml:"backoff_base_ms"`
	BackoffMaxMs  int `toml:"backoff_max_ms"`
}

type Presence struct {
	ExpiryMs    int    `toml:"expiry_ms"`
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

type OpLog struct {
	PendingRetentionWindow int    `toml:"pending_retention_window"`
	ClientID               string `toml:"client_id"`
}

// Queue backends.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

type Queue struct {
	Backend string `toml:"backend"`
}

type Credential struct {
	Token     string `toml:"token"`
	TokenFile string `toml:"token_file"`
}

// Default returns the room settings used when no file overrides them.
func Default() Room {
	return Room{
		Link: Link{
			Address:             "ws://127.0.0.1:8787",
			HeartbeatIntervalMs: 30000,
			HeartbeatTimeoutMs:  5000,
			HandshakeTimeoutMs:  10000,
			WriteTimeoutMs:      5000,
		},
		Reconnect: Reconnect{
			MaxAttempts:   5,
			BackoffBaseMs: 1000,
			BackoffMaxMs:  30000,
		},
		Presence: Presence{
			ExpiryMs: 60000,
		},
		OpLog: OpLog{
			PendingRetentionWindow: 200,
		},
		Queue: Queue{
			Backend: BackendSQLite,
		},
	}
}

// Validate rejects settings the engine cannot run with.
func (r Room) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"link.heartbeat_interval_ms", r.Link.HeartbeatIntervalMs},
		{"link.heartbeat_timeout_ms", r.Link.HeartbeatTimeoutMs},
		{"link.handshake_timeout_ms", r.Link.HandshakeTimeoutMs},
		{"link.write_timeout_ms", r.Link.WriteTimeoutMs},
		{"reconnect.max_attempts", r.Reconnect.MaxAttempts},
		{"reconnect.backoff_base_ms", r.Reconnect.BackoffBaseMs},
		{"reconnect.backoff_max_ms", r.Reconnect.BackoffMaxMs},
		{"presence.expiry_ms", r.Presence.ExpiryMs},
		{"oplog.pending_retention_window", r.OpLog.PendingRetentionWindow},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if r.Link.HeartbeatTimeoutMs > r.Link.HeartbeatIntervalMs {
		return fmt.Errorf("link.heartbeat_timeout_ms (%d) exceeds heartbeat_interval_ms (%d)",
			r.Link.HeartbeatTimeoutMs, r.Link.HeartbeatIntervalMs)
	}
	if r.Reconnect.BackoffBaseMs > r.Reconnect.BackoffMaxMs {
		return fmt.Errorf("reconnect.backoff_base_ms (%d) exceeds backoff_max_ms (%d)",
			r.Reconnect.BackoffBaseMs, r.Reconnect.BackoffMaxMs)
	}
	if r.Link.Address == "" {
		return errors.New("link.address is required")
	}
	switch r.Queue.Backend {
	case BackendSQLite, BackendBolt:
	default:
		return fmt.Errorf("queue.backend %q must be %q or %q", r.Queue.Backend, BackendSQLite, BackendBolt)
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (l Link) HeartbeatInterval() time.Duration { return ms(l.HeartbeatIntervalMs) }
func (l Link) HeartbeatTimeout() time.Duration  { return ms(l.HeartbeatTimeoutMs) }
func (l Link) HandshakeTimeout() time.Duration  { return ms(l.HandshakeTimeoutMs) }
func (l Link) WriteTimeout() time.Duration      { return ms(l.WriteTimeoutMs) }

func (r Reconnect) BackoffBase() time.Duration { return ms(r.BackoffBaseMs) }
func (r Reconnect) BackoffMax() time.Duration  { return ms(r.BackoffMaxMs) }

func (p Presence) Expiry() time.Duration { return ms(p.ExpiryMs) }

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadRoom overlays the file at path on Default. A missing file yields the
// defaults unchanged.
func LoadRoom(path string) (Room, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Room{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

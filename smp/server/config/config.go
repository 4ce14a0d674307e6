// Package config provides the SMP server's TOML configuration, loaded
// the way the teacher's server/config package does with BurntSushi/toml.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	defaultAddress       = ":5223"
	defaultWSAddress     = ""
	defaultLogLevel      = "NOTICE"
	defaultDataDir       = "/var/lib/smp-server"
	defaultQueueQuota      = 128
	defaultIdleTimeoutMS   = 5 * 60 * 1000
	defaultMaxActiveQueues = 1_000_000
)

// Server holds the network-facing knobs.
type Server struct {
	// Address is the TLS listen address for the line-oriented transport.
	Address string
	// WebSocketAddress optionally starts a second listener speaking the
	// WebSocket transport variant on the same certificate. Empty disables it.
	WebSocketAddress string
	// CertFile and KeyFile locate the server's TLS 1.3 identity.
	CertFile string
	KeyFile  string
	// DataDir holds the queue store's SQLite database file.
	DataDir string
	// QueueQuota bounds per-queue buffered messages (spec.md §3).
	QueueQuota int
	// IdleTimeoutMS disconnects a session that sends nothing, not even
	// PING, for this many milliseconds.
	IdleTimeoutMS int
	// MaxActiveQueues bounds how many queues this server will host at
	// once (spec.md §6's max_active_queues); NEW is rejected with QUOTA
	// once the store already holds this many.
	MaxActiveQueues int
}

// Logging mirrors the teacher's Logging block.
type Logging struct {
	Disable bool
	File    string
	Level   string
}

// Config is the top-level SMP server configuration file.
type Config struct {
	Server  Server
	Logging Logging
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = defaultAddress
	}
	if c.Server.WebSocketAddress == "" {
		c.Server.WebSocketAddress = defaultWSAddress
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = defaultDataDir
	}
	if c.Server.QueueQuota == 0 {
		c.Server.QueueQuota = defaultQueueQuota
	}
	if c.Server.IdleTimeoutMS == 0 {
		c.Server.IdleTimeoutMS = defaultIdleTimeoutMS
	}
	if c.Server.MaxActiveQueues == 0 {
		c.Server.MaxActiveQueues = defaultMaxActiveQueues
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) validate() error {
	if c.Server.CertFile == "" || c.Server.KeyFile == "" {
		return errors.New("config: Server.CertFile and Server.KeyFile are required")
	}
	return nil
}

// LoadFile reads and parses f as a TOML server configuration.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: unknown keys: %v", undecoded)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Package config provides the SMP agent's TOML configuration, loaded
// the same way smp/server/config loads the broker's.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/simplexmq/simplexmq/smp/wire"
)

const (
	defaultDataDir         = "smp-agent.db"
	defaultLogLevel        = "NOTICE"
	defaultInsecure        = false
	defaultReplyModeEnabled = true
)

// Agent holds the agent's own behavior knobs.
type Agent struct {
	// DataDir is the path to the local SQLite connection/message store.
	DataDir string
	// DefaultServer is used by `new-connection` when no --server flag
	// is given, as smp://key_hash@host[:port].
	DefaultServer string
	// Insecure skips server certificate pinning, test mode only.
	Insecure bool
	// KnownServers lists the servers this agent is configured to trust
	// out of the box, as smp:// URIs (spec.md §6's "initial list of
	// known servers"). Unlike DefaultServer this is not consumed by any
	// single command yet; it is the config-level registry future
	// server-discovery commands read from.
	KnownServers []wire.ServerAddress
	// DefaultReplyMode is whether `accept` provisions a reverse-direction
	// queue when neither --no-reply nor --reply-server is given on the
	// command line (spec.md §6's default_reply_mode). nil applies the
	// default (enabled).
	DefaultReplyMode *bool
}

// Logging mirrors the broker's Logging block.
type Logging struct {
	Disable bool
	File    string
	Level   string
}

// Config is the top-level SMP agent configuration file.
type Config struct {
	Agent   Agent
	Logging Logging
}

func (c *Config) applyDefaults() {
	if c.Agent.DataDir == "" {
		c.Agent.DataDir = defaultDataDir
	}
	if c.Agent.DefaultReplyMode == nil {
		v := defaultReplyModeEnabled
		c.Agent.DefaultReplyMode = &v
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) validate() error {
	if c.Agent.DataDir == "" {
		return errors.New("config: Agent.DataDir is required")
	}
	return nil
}

// LoadFile reads and parses f as a TOML agent configuration. A missing
// file is not an error: the agent runs on defaults, since unlike the
// broker it needs no certificate to start.
func LoadFile(f string) (*Config, error) {
	cfg := new(Config)
	b, err := os.ReadFile(f)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, err
	}
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

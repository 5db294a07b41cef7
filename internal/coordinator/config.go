package coordinator

import (
	"time"

	"treesync/internal/configuration"
	"treesync/internal/snapshot"
)

type Config struct {
	InboxSize       int
	SendQueueSize   int
	SendTimeout     time.Duration
	RegisterTimeout time.Duration
	Bootstrap       snapshot.BootstrapConfig
	SnapCount       uint64
}

func DefaultConfig() Config {
	return Config{
		InboxSize:       256,
		SendQueueSize:   1024,
		SendTimeout:     5 * time.Second,
		RegisterTimeout: 5 * time.Second,
		Bootstrap:       snapshot.DefaultBootstrapConfig(),
	}
}

func NewConfigFromProperties(p configuration.ConfigProvider) Config {
	transport := p.GetTransport()
	syncProps := p.GetSync()

	cfg := Config{
		InboxSize:       syncProps.InboxSize,
		SendQueueSize:   transport.SendQueueSize,
		SendTimeout:     transport.Timeout,
		RegisterTimeout: transport.Timeout,
		Bootstrap: snapshot.BootstrapConfig{
			Timeout:  syncProps.SnapshotTimeout,
			Attempts: syncProps.SnapshotAttempts,
			Backoff:  syncProps.SnapshotBackoff,
		},
	}
	if cp := p.GetCheckpoint(); cp.Enabled {
		cfg.SnapCount = cp.SnapCount
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = def.RegisterTimeout
	}
	return c
}

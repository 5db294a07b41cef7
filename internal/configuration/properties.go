package configuration

import (
	"net"
	"time"
)

type Properties struct {
	App        AppConfigurationProperties        `yaml:"app"`
	Transport  TransportConfigurationProperties  `yaml:"transport"`
	Sync       SyncConfigurationProperties       `yaml:"sync"`
	Checkpoint CheckpointConfigurationProperties `yaml:"checkpoint"`
	Metrics    MetricsConfigurationProperties    `yaml:"metrics"`
}

type AppConfigurationProperties struct {
	Profile   string `yaml:"profile"`
	LogLevel  string `yaml:"log-level"`
	Role      string `yaml:"role"`
	ProcessID string `yaml:"process-id"`
}

type TransportConfigurationProperties struct {
	Kind                 string        `yaml:"kind"`
	Network              string        `yaml:"network"`
	Address              string        `yaml:"address"`
	Port                 string        `yaml:"port"`
	Timeout              time.Duration `yaml:"timeout"`
	MaxConcurrentStreams uint32        `yaml:"max-concurrent-streams"`
	SendQueueSize        int           `yaml:"send-queue-size"`
	KeepaliveTime        time.Duration `yaml:"keepalive-time"`
}

type SyncConfigurationProperties struct {
	InboxSize        int           `yaml:"inbox-size"`
	SnapshotTimeout  time.Duration `yaml:"snapshot-timeout"`
	SnapshotAttempts int           `yaml:"snapshot-attempts"`
	SnapshotBackoff  time.Duration `yaml:"snapshot-backoff"`
}

type CheckpointConfigurationProperties struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`
	SnapCount uint64 `yaml:"snap-count"`
	NoSync    bool   `yaml:"no-sync"`
	SeedFile  string `yaml:"seed-file"`
}

type MetricsConfigurationProperties struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

func (c *TransportConfigurationProperties) Addr() string {
	return net.JoinHostPort(c.Address, c.Port)
}

// URL is the WebSocket endpoint replicas dial when Kind is "ws".
func (c *TransportConfigurationProperties) URL() string {
	return "ws://" + c.Addr() + "/relay"
}

package configuration

import "time"

// Default returns the values used for keys missing from every file.
func Default() *Properties {
	return &Properties{
		App: AppConfigurationProperties{
			LogLevel: "info",
			Role:     "host",
		},
		Transport: TransportConfigurationProperties{
			Kind:                 "grpc",
			Network:              "tcp",
			Address:              "127.0.0.1",
			Port:                 "7400",
			Timeout:              5 * time.Second,
			MaxConcurrentStreams: 1024,
			SendQueueSize:        1024,
			KeepaliveTime:        30 * time.Second,
		},
		Sync: SyncConfigurationProperties{
			InboxSize:        256,
			SnapshotTimeout:  2 * time.Second,
			SnapshotAttempts: 5,
			SnapshotBackoff:  time.Second,
		},
		Checkpoint: CheckpointConfigurationProperties{
			Dir:       "data",
			SnapCount: 1000,
		},
		Metrics: MetricsConfigurationProperties{
			Address: "127.0.0.1:9400",
		},
	}
}

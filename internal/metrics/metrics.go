package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TreeModules = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "treesync",
		Subsystem: "state",
		Name:      "tree_modules",
		Help:      "Number of top-level modules in the local state tree",
	})

	MutationsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "state",
		Name:      "mutations_applied_total",
		Help:      "Mutations applied to the local tree",
	}, []string{"role", "source"})

	CommitsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "state",
		Name:      "commits_rejected_total",
		Help:      "Local commits rejected before apply",
	}, []string{"reason"})

	MutationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "state",
		Name:      "mutations_dropped_total",
		Help:      "Inbound mutation frames dropped without being applied",
	}, []string{"reason"})

	BroadcastFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "broadcast",
		Name:      "frames_total",
		Help:      "Frames handed to replica connections",
	}, []string{"type", "result"})

	ReplicasConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "treesync",
		Subsystem: "broadcast",
		Name:      "replicas_connected",
		Help:      "Registered replica connections",
	})

	ReplicasReady = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "treesync",
		Subsystem: "broadcast",
		Name:      "replicas_ready",
		Help:      "Replica connections included in the broadcast fan-out",
	})

	ReplicasEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "broadcast",
		Name:      "replicas_evicted_total",
		Help:      "Replica connections removed from the fan-out",
	}, []string{"reason"})

	SnapshotRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "snapshot",
		Name:      "requests_total",
		Help:      "Snapshot requests handled by the host",
	}, []string{"result"})

	SnapshotSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "treesync",
		Subsystem: "snapshot",
		Name:      "size_bytes",
		Help:      "Encoded size of the last snapshot sent",
	})

	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "treesync",
		Subsystem: "snapshot",
		Name:      "duration_seconds",
		Help:      "Time to serialize and enqueue a snapshot",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
	})

	BootstrapAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "bootstrap",
		Name:      "attempts_total",
		Help:      "Replica register attempts",
	}, []string{"result"})

	BootstrapDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "treesync",
		Subsystem: "bootstrap",
		Name:      "duration_seconds",
		Help:      "Time from first register to installed snapshot",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	CheckpointWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "checkpoint",
		Name:      "writes_total",
		Help:      "Host tree checkpoints written",
	}, []string{"result"})

	CheckpointDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "treesync",
		Subsystem: "checkpoint",
		Name:      "write_duration_seconds",
		Help:      "Checkpoint write duration",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
	})

	RelayFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "relay",
		Name:      "frames_total",
		Help:      "Frames sent and received by relay connections",
	}, []string{"transport", "direction"})

	RelayStreamsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treesync",
		Subsystem: "relay",
		Name:      "streams_total",
		Help:      "Completed relay streams",
	}, []string{"service", "method", "code"})

	RelayStreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "treesync",
		Subsystem: "relay",
		Name:      "stream_duration_seconds",
		Help:      "Relay stream lifetime",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 20),
	}, []string{"service", "method"})
)

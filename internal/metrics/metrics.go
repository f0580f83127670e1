package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quota_warden"

var (
	// EnforcePasses counts completed reconciliation passes per loop.
	EnforcePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enforce_passes_total",
		Help:      "Completed reconciliation passes.",
	}, []string{"loop"})

	// EnforceDuration records reconciliation pass latency.
	EnforceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "enforce_duration_seconds",
		Help:      "Reconciliation pass duration in seconds.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"loop"})

	// BlockedUsers is the number of users classified blocked in the last pass.
	BlockedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "blocked_users",
		Help:      "Users classified blocked in the last pass.",
	})

	// Disconnects counts terminate calls issued to the daemon.
	Disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "disconnects_total",
		Help:      "Connection terminate calls issued to the daemon.",
	}, []string{"status"})

	// BlocklistSyncs counts pushes of the disallowed-CIDR list.
	BlocklistSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocklist_syncs_total",
		Help:      "Disallowed-CIDR list pushes to the daemon.",
	}, []string{"status"})

	// ManagedCidrs is the size of the managed blocklist subset.
	ManagedCidrs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "managed_cidrs",
		Help:      "CIDRs currently managed in the daemon blocklist.",
	})

	// ShaperApplies counts shape/unshape calls issued to the agent.
	ShaperApplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shaper_applies_total",
		Help:      "Shape/unshape calls issued to the router agent.",
	}, []string{"action", "status"})

	// ManagedShapers is the size of the managed per-IP rate map.
	ManagedShapers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "managed_shapers",
		Help:      "IPs with an agent shaping rate managed by the warden.",
	})

	// LedgerRecords counts accepted ledger deltas.
	LedgerRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_records_total",
		Help:      "Accepted usage deltas appended to the ledger.",
	})

	// LedgerSlots is the number of hour slots currently retained.
	LedgerSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ledger_slots",
		Help:      "Hour slots currently retained in the usage ledger.",
	})

	// ConfiguredLimits is the number of users with a stored limit record.
	ConfiguredLimits = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "configured_limits",
		Help:      "Users with a stored limit record.",
	})

	// APICalls counts raw daemon and agent API calls.
	APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_calls_total",
		Help:      "Raw daemon/agent API call counts.",
	}, []string{"target", "endpoint", "status"})

	// APIDuration records daemon and agent API latency.
	APIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_duration_seconds",
		Help:      "Daemon/agent API call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"target", "endpoint"})

	// JobsEnqueued counts MAC-block jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into worker channel.",
	}, []string{"action"})

	// JobsDropped counts jobs discarded without an API call.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded without API call.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"action", "status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})
)

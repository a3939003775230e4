package telemetry

import "github.com/prometheus/client_golang/prometheus"

var ReconcileActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sandboxd",
		Subsystem: "reconcile",
		Name:      "actions_total",
		Help:      "Total number of reconciler actions taken, by reason and action.",
	},
	[]string{"reason", "action"},
)

var AlarmScheduledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sandboxd",
		Subsystem: "alarm",
		Name:      "scheduled_total",
		Help:      "Total number of times a per-user alarm was (re)armed, by status.",
	},
	[]string{"status"},
)

var CapacityRecoveryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sandboxd",
		Subsystem: "capacity",
		Name:      "recovery_total",
		Help:      "Total number of capacity-exhaustion recoveries, by path and outcome.",
	},
	[]string{"path", "outcome"},
)

var SelfHealTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sandboxd",
		Subsystem: "machine",
		Name:      "self_heal_total",
		Help:      "Total number of times the self-heal threshold flipped a machine to stopped.",
	},
	[]string{},
)

var MetadataRecoveryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sandboxd",
		Subsystem: "machine",
		Name:      "metadata_recovery_total",
		Help:      "Total number of metadata-recovery passes, by outcome.",
	},
	[]string{"outcome"},
)

var ProviderRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "sandboxd",
		Subsystem: "provider",
		Name:      "request_duration_seconds",
		Help:      "Compute-provider HTTP request duration in seconds, by operation and outcome.",
		Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"operation", "outcome"},
)

var LiveCheckTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sandboxd",
		Subsystem: "status",
		Name:      "live_check_total",
		Help:      "Total number of background live-checks dispatched by getStatus, by result.",
	},
	[]string{"result"},
)

// All returns all sandboxd-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ReconcileActionsTotal,
		AlarmScheduledTotal,
		CapacityRecoveryTotal,
		SelfHealTotal,
		MetadataRecoveryTotal,
		ProviderRequestDuration,
		LiveCheckTotal,
	}
}

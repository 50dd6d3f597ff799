package fleet

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aetherdock",
			Subsystem: "fleet",
			Name:      "reconcile_ticks_total",
			Help:      "Reconciliation ticks by result",
		},
		[]string{"result"},
	)

	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "aetherdock",
			Subsystem: "fleet",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of runtime list calls made by the reconciler",
			Buckets:   prometheus.DefBuckets,
		},
	)

	fleetContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aetherdock",
			Subsystem: "fleet",
			Name:      "containers",
			Help:      "Containers in the latest snapshot",
		},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aetherdock",
			Subsystem: "fleet",
			Name:      "sessions_active",
			Help:      "Connected viewer sessions",
		},
	)

	subscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aetherdock",
			Subsystem: "fleet",
			Name:      "subscriptions_active",
			Help:      "Live log and stats subscriptions",
		},
		[]string{"kind"},
	)

	logChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aetherdock",
			Subsystem: "fleet",
			Name:      "log_chunks_forwarded_total",
			Help:      "Log chunks forwarded to viewers",
		},
	)

	statSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aetherdock",
			Subsystem: "fleet",
			Name:      "stat_samples_total",
			Help:      "Stat samples taken by result",
		},
		[]string{"result"},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aetherdock",
			Subsystem: "fleet",
			Name:      "actions_total",
			Help:      "Control actions dispatched by verb and result",
		},
		[]string{"verb", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		reconcileTicksTotal,
		reconcileDuration,
		fleetContainers,
		sessionsActive,
		subscriptionsActive,
		logChunksTotal,
		statSamplesTotal,
		actionsTotal,
	)
}

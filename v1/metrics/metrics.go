package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ClaimCounter tracks the number of successful claims.
	ClaimCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "namedlock_claims_total",
		Help: "Total number of successful lock claims",
	})
	// OutcomeCounter tracks Run outcomes by final state.
	OutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "namedlock_outcomes_total",
		Help: "Total number of Run calls by resulting state",
	}, []string{"state"})
	// CancelCounter tracks the number of Cancel calls that hit a held lock.
	CancelCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "namedlock_cancels_total",
		Help: "Total number of locks canceled while held",
	})
	// HeldGauge reports the number of callbacks currently running, including
	// those whose Run already returned expired or canceled.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "namedlock_held",
		Help: "Current number of running critical sections",
	})
	// WaitHistogram observes the time spent polling before a claim.
	WaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "namedlock_wait_seconds",
		Help:    "Time spent waiting before a lock was claimed",
		Buckets: prometheus.DefBuckets,
	})
	// InstanceExpiredCounter tracks fired instance expiration timers.
	InstanceExpiredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "namedlock_instance_expirations_total",
		Help: "Total number of instance expiration callbacks fired",
	})
	// EventsDroppedCounter tracks transition events dropped on a full queue.
	EventsDroppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "namedlock_events_dropped_total",
		Help: "Total number of lock events dropped before publishing",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(ClaimCounter, OutcomeCounter, CancelCounter, HeldGauge, WaitHistogram, InstanceExpiredCounter, EventsDroppedCounter)
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Server loop metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskwire_requests_total",
			Help: "Total number of handled requests by tag",
		},
		[]string{"tag"},
	)

	WorkQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskwire_work_queued",
			Help: "Work units queued by work type",
		},
		[]string{"type"},
	)

	WorkersParked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskwire_workers_parked",
			Help: "Worker requests currently parked",
		},
	)

	TasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskwire_tasks_dispatched_total",
			Help: "Tasks dispatched to workers by match kind",
		},
		[]string{"kind"},
	)

	// Data store metrics
	DatumsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskwire_datums_live",
			Help: "Datums currently alive in this shard",
		},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskwire_notifications_total",
			Help: "Notifications emitted by kind",
		},
		[]string{"kind"},
	)

	// Steal protocol metrics
	StealAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskwire_steal_attempts_total",
			Help: "Steal syncs initiated",
		},
	)

	StealRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskwire_steal_rejections_total",
			Help: "Steal syncs rejected by the target",
		},
	)

	UnitsStolen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskwire_units_stolen_total",
			Help: "Work units received through stealing",
		},
	)

	SyncsServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskwire_syncs_served_total",
			Help: "Inbound server syncs accepted",
		},
	)
)

var enabled bool

// Init registers the collectors. When the perf-counter toggle is off
// nothing is registered and Handler serves an empty registry.
func Init(enable bool) {
	if !enable || enabled {
		return
	}
	enabled = true
	prometheus.MustRegister(
		RequestsTotal,
		WorkQueued,
		WorkersParked,
		TasksDispatched,
		DatumsLive,
		NotificationsTotal,
		StealAttempts,
		StealRejections,
		UnitsStolen,
		SyncsServed,
	)
}

// Enabled reports whether counters are being collected.
func Enabled() bool { return enabled }

// Handler returns the metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram-free duration logging.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

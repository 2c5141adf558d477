package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Engine
	BatchTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "batch_transitions_total", Help: "Batch state transitions."},
		[]string{"to"}, // PROCESSING | PAUSED | COMPLETED | CANCELLED | FAILED
	)
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_claim_total", Help: "GetNext results."},
		[]string{"result"}, // task | no_work | error
	)
	OutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_outcome_total", Help: "Reported recipient outcomes."},
		[]string{"outcome"}, // sent | failed | skipped
	)

	// Push driver
	DriverSendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "driver_send_total", Help: "Push-mode send attempts."},
		[]string{"outcome"}, // sent | failed
	)
	DriverSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driver_send_duration_seconds",
			Help:    "Channel send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	DriverAutoPause = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "driver_auto_pause_total", Help: "Auto-pauses after consecutive failures."},
	)
	DriverInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "driver_inflight", Help: "Batches being driven by this process."},
	)
	DriverScanTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "driver_scan_total", Help: "Supervisor scans for runnable batches."},
	)

	NotifyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "notify_failures_total", Help: "Dropped progress notifications."},
	)
)

// Register default + our collectors
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration,
		BatchTransitions, ClaimTotal, OutcomeTotal,
		DriverSendTotal, DriverSendDuration, DriverAutoPause, DriverInFlight, DriverScanTotal,
		NotifyFailures,
	)
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Add(float64(s.AcquireCount()))
			m.acquireLatency.Add(s.AcquireDuration().Seconds())
		}
	}
}

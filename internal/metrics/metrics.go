package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bottle_rewards",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bottle_rewards",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bottle_rewards",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	claimAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bottle_rewards",
			Subsystem: "redemption",
			Name:      "claims_total",
			Help:      "Reward claim attempts by outcome.",
		},
		[]string{"outcome"},
	)

	pointsAccrued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bottle_rewards",
			Subsystem: "ledger",
			Name:      "points_accrued_total",
			Help:      "Points credited by recorded disposals.",
		},
	)

	bottlesDeposited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bottle_rewards",
			Subsystem: "ledger",
			Name:      "bottles_deposited_total",
			Help:      "Bottles recorded by disposals.",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bottle_rewards",
			Subsystem: "queue",
			Name:      "entries",
			Help:      "Queue entries by status after the last mutation.",
		},
		[]string{"status"},
	)

	realtimeViewers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bottle_rewards",
			Subsystem: "realtime",
			Name:      "viewers",
			Help:      "Currently connected realtime viewers.",
		},
	)

	realtimeDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bottle_rewards",
			Subsystem: "realtime",
			Name:      "dropped_messages_total",
			Help:      "Broadcast messages not delivered to a viewer.",
		},
		[]string{"channel"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpInFlight,
		httpRequests,
		httpDuration,
		claimAttempts,
		pointsAccrued,
		bottlesDeposited,
		queueDepth,
		realtimeViewers,
		realtimeDropped,
	)
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RequestStarted tracks an in-flight request; call the returned func when done.
func RequestStarted() func() {
	httpInFlight.Inc()
	return httpInFlight.Dec
}

// RecordHTTPRequest records a completed HTTP request.
func RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordClaim counts a claim attempt. Outcome is "committed" or an error reason/kind.
func RecordClaim(outcome string) {
	claimAttempts.WithLabelValues(outcome).Inc()
}

// RecordDisposal counts a recorded deposit.
func RecordDisposal(bottles, points int64) {
	bottlesDeposited.Add(float64(bottles))
	pointsAccrued.Add(float64(points))
}

// SetQueueDepth publishes per-status queue sizes.
func SetQueueDepth(pending, inProgress int) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("in_progress").Set(float64(inProgress))
}

// ViewerConnected adjusts the viewer gauge.
func ViewerConnected() { realtimeViewers.Inc() }

// ViewerDisconnected adjusts the viewer gauge.
func ViewerDisconnected() { realtimeViewers.Dec() }

// RecordDropped counts a broadcast not delivered to one viewer.
func RecordDropped(channel string) {
	realtimeDropped.WithLabelValues(channel).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

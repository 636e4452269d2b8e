package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Authorization pipeline metrics.
var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by outcome.",
		},
		[]string{"decision"},
	)

	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, by rule scope.",
		},
		[]string{"scope"},
	)

	auditQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_queue_depth",
		Help: "Audit events waiting in tenant writer queues.",
	})

	auditDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_dropped_events_total",
		Help: "Audit events dropped after queue saturation.",
	})

	auditDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_degraded",
		Help: "1 while the audit writer is dropping or failing appends; 0 once appends commit again.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		decisionsTotal, rateLimitRejections,
		auditQueueDepth, auditDroppedTotal, auditDegraded,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts an authorization decision outcome
// (allow, deny, error, none).
func ObserveDecision(decision string) {
	decisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveRateLimitRejection counts a limiter rejection by rule scope.
func ObserveRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// SetAuditQueueDepth records the total queued audit events.
func SetAuditQueueDepth(n int) {
	auditQueueDepth.Set(float64(n))
}

// ObserveAuditDrop counts a dropped audit event and raises the degraded flag.
func ObserveAuditDrop() {
	auditDroppedTotal.Inc()
	auditDegraded.Set(1)
}

// ClearAuditDegraded lowers the degraded flag. The audit writer calls it
// when an append commits, so the gauge tracks current writer health; the
// drop counter keeps the history.
func ClearAuditDegraded() {
	auditDegraded.Set(0)
}

// Instrument wraps next with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

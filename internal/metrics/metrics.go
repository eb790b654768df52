package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trust_engine",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trust_engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trust_engine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trust_engine",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total number of inbound events processed.",
		},
		[]string{"type", "result"},
	)

	recomputeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trust_engine",
			Subsystem: "scoring",
			Name:      "recompute_duration_seconds",
			Help:      "Duration of score recomputations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"mode"},
	)

	recomputeIterations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trust_engine",
			Subsystem: "scoring",
			Name:      "recompute_iterations",
			Help:      "Iterations needed per score recomputation.",
			Buckets:   prometheus.LinearBuckets(5, 10, 10),
		},
		[]string{"mode"},
	)

	convergenceFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "trust_engine",
			Subsystem: "scoring",
			Name:      "convergence_failures_total",
			Help:      "Recomputations that hit the iteration cap without stabilizing.",
		},
	)

	rewardsDistributed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trust_engine",
			Subsystem: "rewards",
			Name:      "records_total",
			Help:      "Reward records by generation and terminal status.",
		},
		[]string{"generation", "status"},
	)

	leaderboardRebuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trust_engine",
			Subsystem: "leaderboard",
			Name:      "rebuilds_total",
			Help:      "Leaderboard rebuilds by window.",
		},
		[]string{"window"},
	)

	leaderboardRebuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trust_engine",
			Subsystem: "leaderboard",
			Name:      "rebuild_duration_seconds",
			Help:      "Duration of a full leaderboard rebuild pass.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		eventsIngested,
		recomputeDuration,
		recomputeIterations,
		convergenceFailures,
		rewardsDistributed,
		leaderboardRebuilds,
		leaderboardRebuildDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordEvent counts one processed inbound event.
func RecordEvent(eventType, result string) {
	eventsIngested.WithLabelValues(eventType, result).Inc()
}

// RecordRecompute records a recomputation pass. Mode is "full" or
// "incremental".
func RecordRecompute(mode string, duration time.Duration, iterations int, converged bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	recomputeDuration.WithLabelValues(mode).Observe(duration.Seconds())
	recomputeIterations.WithLabelValues(mode).Observe(float64(iterations))
	if !converged {
		convergenceFailures.Inc()
	}
}

// RecordReward counts a reward record reaching a terminal status.
func RecordReward(generation int, status string) {
	rewardsDistributed.WithLabelValues(strconv.Itoa(generation), status).Inc()
}

// RecordLeaderboardRebuild records one rebuild pass for a window.
func RecordLeaderboardRebuild(window string, duration time.Duration) {
	leaderboardRebuilds.WithLabelValues(window).Inc()
	leaderboardRebuildDuration.Observe(duration.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "users":
		if len(parts) >= 3 {
			return "/users/:user/" + parts[2]
		}
		return "/users/:user"
	case "leaderboard":
		if len(parts) >= 4 && parts[2] == "percentile" {
			return "/leaderboard/:window/percentile/:user"
		}
		if len(parts) >= 2 {
			return "/leaderboard/:window"
		}
		return "/leaderboard"
	default:
		return "/" + parts[0]
	}
}

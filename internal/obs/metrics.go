package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by all handlers.
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

// Engine-level metrics.
var (
	PostingBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_posting_batches_total",
			Help: "Posting batches processed, by outcome (created, reused, rejected).",
		},
		[]string{"outcome"},
	)

	PostingLegs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_posting_legs_total",
		Help: "Ledger legs written.",
	})

	SuggestionRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_runs_total",
			Help: "Suggestion generation runs, by outcome (ok, error).",
		},
		[]string{"outcome"},
	)

	SuggestionsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_suggestions_total",
			Help: "Suggestions emitted, by kind (match, fallback, standalone).",
		},
		[]string{"kind"},
	)
)

var readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "service_ready",
	Help: "1 when the service considers itself ready.",
})

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		PostingBatches, PostingLegs, SuggestionRuns, SuggestionsEmitted,
		readyGauge,
	)
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with RPS/latency/in-flight accounting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

// CanonicalPath collapses resource identifiers so metric cardinality stays
// bounded regardless of how many suggestions or clients exist.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	// /v1/reconciliation/{clientID}/generate|suggestions|matches
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "reconciliation" &&
		(parts[3] == "generate" || parts[3] == "suggestions" || parts[3] == "matches") {
		return "/v1/reconciliation/:id/" + parts[3]
	}
	// /v1/reconciliation/suggestions/{id}/accept|reject
	if len(parts) == 5 && parts[0] == "v1" && parts[1] == "reconciliation" && parts[2] == "suggestions" {
		return "/v1/reconciliation/suggestions/:id/" + parts[4]
	}
	// /v1/reconciliation/{clientID}/matches/bulk
	if len(parts) == 5 && parts[0] == "v1" && parts[1] == "reconciliation" && parts[3] == "matches" && parts[4] == "bulk" {
		return "/v1/reconciliation/:id/matches/bulk"
	}
	// /v1/ledger/documents/{id}/reverse
	if len(parts) == 5 && parts[0] == "v1" && parts[1] == "ledger" && parts[2] == "documents" && parts[4] == "reverse" {
		return "/v1/ledger/documents/:id/reverse"
	}
	// /v1/ledger/clients/{ein}/entries
	if len(parts) == 5 && parts[0] == "v1" && parts[1] == "ledger" && parts[2] == "clients" && parts[4] == "entries" {
		return "/v1/ledger/clients/:ein/entries"
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

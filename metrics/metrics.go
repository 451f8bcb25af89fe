package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts accepted client connections
	ConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlgate_connections_total",
			Help: "Total number of accepted client connections",
		},
	)

	// ConnectionsActive tracks currently open client connections
	ConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlgate_connections_active",
			Help: "Currently open client connections",
		},
	)

	// AuthFailures counts failed authentication attempts
	AuthFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlgate_auth_failures_total",
			Help: "Total number of failed authentication attempts",
		},
	)

	// QueryTotal counts queries by file, line, query_type, cached
	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlgate_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"file", "line", "query_type", "cached"},
	)

	// QueryLatency tracks query latency by file, line, query_type
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlgate_query_latency_seconds",
			Help:    "Query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"file", "line", "query_type"},
	)

	// CacheHits counts cache hits by file, line
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlgate_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"file", "line"},
	)

	// CacheMisses counts cache misses by file, line
	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlgate_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"file", "line"},
	)

	// SessionCommands counts commands journaled for replay
	SessionCommands = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlgate_session_commands_total",
			Help: "Total number of session commands journaled",
		},
	)

	// Replays counts session commands replayed to late backends
	Replays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlgate_replays_total",
			Help: "Total session commands replayed to backends",
		},
		[]string{"backend"},
	)

	// BackendQueries counts queries routed to each backend
	BackendQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlgate_backend_queries_total",
			Help: "Total queries routed to backends",
		},
		[]string{"backend"},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(ConnectionsTotal)
		prometheus.MustRegister(ConnectionsActive)
		prometheus.MustRegister(AuthFailures)
		prometheus.MustRegister(QueryTotal)
		prometheus.MustRegister(QueryLatency)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(SessionCommands)
		prometheus.MustRegister(Replays)
		prometheus.MustRegister(BackendQueries)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

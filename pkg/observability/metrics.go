package observability

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Discovery metrics
	DiscoveryRunsTotal     *prometheus.CounterVec
	DiscoveryRunDuration   *prometheus.HistogramVec
	DiscoveryEndpointCount *prometheus.GaugeVec

	// RBAC metrics
	ResolutionsTotal   *prometheus.CounterVec
	ResolutionDuration prometheus.Histogram

	// Token metrics
	TokensIssuedTotal  *prometheus.CounterVec
	TokenIssueFailures *prometheus.CounterVec

	// Rotation metrics
	KeyRotationsTotal   *prometheus.CounterVec
	RotationSweepsTotal prometheus.Counter
	ActiveAPIKeys       prometheus.Gauge

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cids_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cids_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		DiscoveryRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cids_discovery_runs_total",
				Help: "Total number of discovery runs by result status",
			},
			[]string{"status"},
		),
		DiscoveryRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cids_discovery_run_duration_seconds",
				Help:    "Discovery crawl duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),
		DiscoveryEndpointCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cids_discovery_endpoints",
				Help: "Endpoints discovered in the latest run per app",
			},
			[]string{"client_id"},
		),
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cids_rbac_resolutions_total",
				Help: "Total number of RBAC resolutions",
			},
			[]string{"result"},
		),
		ResolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cids_rbac_resolution_duration_seconds",
				Help:    "RBAC resolution duration in seconds",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cids_tokens_issued_total",
				Help: "Total number of tokens issued by kind",
			},
			[]string{"kind"},
		),
		TokenIssueFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cids_token_issue_failures_total",
				Help: "Total number of failed token issuance attempts",
			},
			[]string{"kind", "reason"},
		),
		KeyRotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cids_key_rotations_total",
				Help: "Total number of API key rotations by trigger",
			},
			[]string{"trigger"},
		),
		RotationSweepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cids_rotation_sweeps_total",
				Help: "Total number of rotation sweep executions",
			},
		),
		ActiveAPIKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cids_api_keys_active",
				Help: "Number of currently active API keys",
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cids_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cids_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cids_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cids_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DiscoveryRunsTotal,
		m.DiscoveryRunDuration,
		m.DiscoveryEndpointCount,
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.TokensIssuedTotal,
		m.TokenIssueFailures,
		m.KeyRotationsTotal,
		m.RotationSweepsTotal,
		m.ActiveAPIKeys,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns the Prometheus metrics HTTP handler for a registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records metrics for a completed HTTP request
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveDiscoveryRun records metrics for a completed discovery run
func (m *Metrics) ObserveDiscoveryRun(status string, duration time.Duration) {
	m.DiscoveryRunsTotal.WithLabelValues(status).Inc()
	m.DiscoveryRunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordDBStats updates the connection gauges from a pool snapshot
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// CollectDBStats samples the pool's connection stats on the given interval
// until ctx is cancelled.
func (m *Metrics) CollectDBStats(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.RecordDBStats(db.Stats())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RecordDBStats(db.Stats())
		}
	}
}

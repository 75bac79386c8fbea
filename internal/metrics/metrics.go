package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the view engine.
type Metrics struct {
	ObservationsTotal   prometheus.Counter
	FeatureVectorsTotal prometheus.Counter
	ComputeDur          prometheus.Histogram
	DroppedVectors      prometheus.Counter
	MalformedTotal      prometheus.Counter

	// Sinks
	RedisWriteDur   prometheus.Histogram
	SQLiteCommitDur prometheus.Histogram
	WriteErrors     *prometheus.CounterVec // labels: sink

	// PEL reclaim
	PELMessagesReclaimed prometheus.Counter

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter

	// Engine shape
	ActiveSeries prometheus.Gauge
	ActiveViews  prometheus.Gauge
	Reloads      *prometheus.CounterVec // labels: result=ok|error

	WSClients prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWith registers all metrics with reg and serves them from g.
// Tests pass a fresh prometheus.NewRegistry() for both.
func NewMetricsWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		ObservationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewengine_observations_total",
			Help: "Total observations consumed",
		}),
		FeatureVectorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewengine_feature_vectors_total",
			Help: "Total feature vectors emitted",
		}),
		ComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "viewengine_compute_duration_seconds",
			Help:    "View update latency per observation (all views)",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		DroppedVectors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewengine_dropped_vectors_total",
			Help: "Feature vectors dropped because the sink channel was full",
		}),
		MalformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewengine_malformed_observations_total",
			Help: "Stream entries that could not be decoded as observations",
		}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "viewengine_redis_write_duration_seconds",
			Help:    "Redis batch write latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "viewengine_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		WriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewengine_write_errors_total",
			Help: "Failed batch writes per sink",
		}, []string{"sink"}),

		PELMessagesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewengine_pel_messages_reclaimed_total",
			Help: "Messages reclaimed from dead consumers via XCLAIM",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "viewengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		ActiveSeries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewengine_active_series",
			Help: "Series with live view state",
		}),
		ActiveViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewengine_active_views",
			Help: "Configured views per series",
		}),
		Reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "viewengine_reloads_total",
			Help: "View configuration reloads",
		}, []string{"result"}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "viewengine_ws_clients",
			Help: "Connected WebSocket clients",
		}),

		gatherer: g,
	}

	reg.MustRegister(
		m.ObservationsTotal,
		m.FeatureVectorsTotal,
		m.ComputeDur,
		m.DroppedVectors,
		m.MalformedTotal,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.WriteErrors,
		m.PELMessagesReclaimed,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.ActiveSeries,
		m.ActiveViews,
		m.Reloads,
		m.WSClients,
	)

	return m
}

// Handler serves the metrics this instance was registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected  bool      `json:"redis_connected"`
	SQLiteEnabled   bool      `json:"sqlite_enabled"`
	SQLiteOK        bool      `json:"sqlite_ok"`
	ConsumerOK      bool      `json:"consumer_ok"`
	LastObservation time.Time `json:"last_observation"`
	Views           []string  `json:"views"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

// SetSQLiteEnabled marks SQLite as a required dependency.
func (h *HealthStatus) SetSQLiteEnabled(v bool) {
	h.mu.Lock()
	h.SQLiteEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetConsumerOK(v bool) {
	h.mu.Lock()
	h.ConsumerOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastObservation(t time.Time) {
	h.mu.Lock()
	h.LastObservation = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetViews(names []string) {
	h.mu.Lock()
	h.Views = append([]string(nil), names...)
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// Overall reports "healthy", "degraded" or "unhealthy".
func (h *HealthStatus) Overall() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.overallLocked()
}

func (h *HealthStatus) overallLocked() string {
	sqliteDown := h.SQLiteEnabled && !h.SQLiteOK
	switch {
	case !h.RedisConnected && (sqliteDown || !h.SQLiteEnabled):
		return "unhealthy"
	case !h.RedisConnected || sqliteDown || !h.ConsumerOK:
		return "degraded"
	default:
		return "healthy"
	}
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := h.overallLocked()
	httpCode := http.StatusOK
	if overallStatus != "healthy" {
		httpCode = http.StatusServiceUnavailable
	}

	obsAge := ""
	if !h.LastObservation.IsZero() {
		obsAge = time.Since(h.LastObservation).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		LastObservation string   `json:"last_observation"`
		ObservationAge  string   `json:"observation_age"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteEnabled   bool     `json:"sqlite_enabled"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		ConsumerOK      bool     `json:"consumer_ok"`
		Views           []string `json:"views"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		LastObservation: h.LastObservation.Format(time.RFC3339),
		ObservationAge:  obsAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteEnabled:   h.SQLiteEnabled,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		ConsumerOK:      h.ConsumerOK,
		Views:           h.Views,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs a standalone HTTP server exposing /metrics and /healthz, for
// deployments that keep the API listener private.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, m *Metrics, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

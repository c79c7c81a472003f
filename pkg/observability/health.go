package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Probe checks one dependency, returning an error when it is unusable.
type Probe func(ctx context.Context) error

type probe struct {
	check Probe
	// optional dependencies degrade the service instead of failing
	// readiness: the API can still take payments without them.
	optional bool
}

// HealthChecker answers liveness and readiness probes. The database is the
// only required dependency; Redis and any registered probes (the payment
// gateway, in the API binary) merely degrade the status when down, since
// charges can still be served from the store.
type HealthChecker struct {
	db     *sql.DB
	probes map[string]probe
}

// NewHealthChecker builds a checker over the primary database and an
// optional Redis client.
func NewHealthChecker(db *sql.DB, rdb *redis.Client) *HealthChecker {
	h := &HealthChecker{db: db, probes: map[string]probe{}}
	if rdb != nil {
		h.AddProbe("redis", true, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	return h
}

// AddProbe registers an extra dependency check under name. Optional probes
// report degraded rather than unhealthy when they fail.
func (h *HealthChecker) AddProbe(name string, optional bool, p Probe) {
	h.probes[name] = probe{check: p, optional: optional}
}

// HealthStatus is the readiness response body.
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus reports one dependency's health.
type DependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Liveness answers 200 whenever the process is serving at all.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness runs every dependency check and answers 503 only when a
// required dependency is down.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(status)
}

// Check runs the database check and every registered probe.
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      buildVersion(),
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.db != nil {
		status.merge("database", h.checkDatabase(ctx))
	}
	for name, p := range h.probes {
		dep := runProbe(ctx, p.check)
		if dep.Status == StatusUnhealthy && p.optional {
			dep.Status = StatusDegraded
		}
		status.merge(name, dep)
	}
	return status
}

// merge records one dependency and folds its state into the overall status.
func (s *HealthStatus) merge(name string, dep DependencyStatus) {
	s.Dependencies[name] = dep
	switch dep.Status {
	case StatusUnhealthy:
		s.Status = StatusUnhealthy
	case StatusDegraded:
		if s.Status == StatusHealthy {
			s.Status = StatusDegraded
		}
	}
}

func (h *HealthChecker) checkDatabase(ctx context.Context) DependencyStatus {
	start := time.Now()
	dep := DependencyStatus{Status: StatusHealthy}

	var one int
	if err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
		dep.LatencyMS = time.Since(start).Milliseconds()
		return dep
	}
	dep.LatencyMS = time.Since(start).Milliseconds()

	stats := h.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
		dep.Status = StatusDegraded
		dep.Message = "connection pool exhausted"
	}
	return dep
}

func runProbe(ctx context.Context, p Probe) DependencyStatus {
	start := time.Now()
	dep := DependencyStatus{Status: StatusHealthy}
	if err := p(ctx); err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	dep.LatencyMS = time.Since(start).Milliseconds()
	return dep
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// RegisterHealthRoutes mounts the probe endpoints on mux.
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}

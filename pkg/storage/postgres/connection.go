// Package postgres owns the database connection pools. Writes always go to
// the primary; deployments that set replica URLs get round-robin read
// distribution with automatic pruning of replicas that stop answering.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/kombina-app/kombina/pkg/observability"
)

const (
	defaultPruneInterval = 30 * time.Second
	pruneProbeTimeout    = 5 * time.Second
)

// ConnectionConfig sizes the pools. Replica pools get half the primary's
// MaxConns since the billing workload is write-heavy.
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// ConnectionManager hands out the primary pool for writes and rotates reads
// across whatever replicas are currently healthy.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	next     uint32
	mu       sync.RWMutex
	config   ConnectionConfig
	logger   *observability.Logger
}

// NewConnectionManager opens and verifies the primary pool. Replicas are
// best effort: one that fails to open or answer is logged and skipped, the
// manager still comes up.
func NewConnectionManager(config ConnectionConfig, logger *observability.Logger) (*ConnectionManager, error) {
	cm := &ConnectionManager{config: config, logger: logger}

	primary, err := openPool(config.PrimaryURL, config.MaxConns, config)
	if err != nil {
		return nil, fmt.Errorf("opening primary pool: %w", err)
	}
	if err := pingPool(primary, config.Timeout); err != nil {
		primary.Close()
		return nil, fmt.Errorf("primary unreachable: %w", err)
	}
	cm.primary = primary

	for i, url := range config.ReplicaURLs {
		replica, err := openPool(url, replicaMaxConns(config.MaxConns), config)
		if err == nil {
			err = pingPool(replica, config.Timeout)
			if err != nil {
				replica.Close()
			}
		}
		if err != nil {
			logger.WithError(err).Warnf("skipping replica %d", i)
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	logger.WithField("replicas", len(cm.replicas)).Info("postgres pools ready")
	return cm, nil
}

func openPool(url string, maxConns int, config ConnectionConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(config.MinConns)
	db.SetConnMaxLifetime(config.MaxLifetime)
	db.SetConnMaxIdleTime(config.MaxIdleTime)
	return db, nil
}

func pingPool(db *sql.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return db.PingContext(ctx)
}

func replicaMaxConns(primaryMax int) int {
	if half := primaryMax / 2; half >= 2 {
		return half
	}
	return 2
}

// Primary returns the write pool.
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns the next read pool in round-robin order, or the primary
// when no replicas are configured or all have been pruned.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}
	n := atomic.AddUint32(&cm.next, 1)
	return cm.replicas[int(n%uint32(len(cm.replicas)))]
}

// HealthCheck pings the primary and every replica. A dead primary is an
// error; dead replicas only fail the check when none remain answering.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	cm.mu.RLock()
	replicas := make([]*sql.DB, len(cm.replicas))
	copy(replicas, cm.replicas)
	cm.mu.RUnlock()

	var down []string
	for i, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			down = append(down, fmt.Sprintf("replica-%d", i))
		}
	}
	if len(down) > 0 && len(down) == len(replicas) {
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(down, ", "))
	}
	return nil
}

// PruneUnhealthyReplicas closes and drops replicas that no longer answer a
// ping. Returns how many were dropped.
func (cm *ConnectionManager) PruneUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := cm.replicas[:0]
	pruned := 0
	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			pruned++
			continue
		}
		healthy = append(healthy, replica)
	}
	cm.replicas = healthy
	return pruned
}

// StartHealthCheckRoutine prunes dead replicas on a timer until ctx is
// cancelled. A zero interval means every 30 seconds.
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = defaultPruneInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer observability.RecoverPanic(cm.logger, "replica health check")

		for {
			select {
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(context.Background(), pruneProbeTimeout)
				pruned := cm.PruneUnhealthyReplicas(probeCtx)
				cancel()
				if pruned > 0 {
					cm.logger.WithField("pruned", pruned).Warn("dropped unhealthy replicas")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close shuts down the primary and any remaining replicas.
func (cm *ConnectionManager) Close() error {
	var errs []error
	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d close: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing pools: %v", errs)
	}
	return nil
}

// ParseReplicaURLs splits a comma-separated replica URL list, dropping
// empty entries.
func ParseReplicaURLs(raw string) []string {
	if raw == "" {
		return nil
	}
	var urls []string
	for _, url := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}
	return urls
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/pandasalon/salon-billing/pkg/observability"
)

const (
	defaultPingTimeout   = 5 * time.Second
	defaultPruneInterval = 30 * time.Second
	minReplicaConns      = 2
)

// ConnectionManager holds the primary, which takes every billing write and
// every state-machine read, and optional replicas that serve the operator
// reporting queries (dead letters, observability counts).
type ConnectionManager struct {
	config ConnectionConfig
	logger *observability.Logger

	primary *sql.DB

	mu       sync.RWMutex
	replicas []*sql.DB
	next     uint32
}

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// NewConnectionManager connects to the primary and to every reachable
// replica. A replica that cannot be reached is skipped.
func NewConnectionManager(config ConnectionConfig, logger *observability.Logger) (*ConnectionManager, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	cm := &ConnectionManager{
		config: config,
		logger: logger.WithField("component", "postgres"),
	}

	primary, err := cm.connect(config.PrimaryURL, config.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary: %w", err)
	}
	cm.primary = primary

	replicaConns := max(config.MaxConns/2, minReplicaConns)
	for i, url := range config.ReplicaURLs {
		replica, err := cm.connect(url, replicaConns)
		if err != nil {
			cm.logger.WithError(err).WithField("replica", i).Warn("Replica unreachable, reporting queries will not use it")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	cm.logger.WithField("replicas", len(cm.replicas)).Info("Connected to billing database")
	return cm, nil
}

// connect opens a pool and pings it, closing the pool if the ping fails
func (cm *ConnectionManager) connect(url string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cm.config.MinConns)
	db.SetConnMaxLifetime(cm.config.MaxLifetime)
	db.SetConnMaxIdleTime(cm.config.MaxIdleTime)

	timeout := cm.config.Timeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Primary returns the write pool
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Reporting returns a replica, round-robin, or the primary when none is left.
func (cm *ConnectionManager) Reporting() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}
	n := atomic.AddUint32(&cm.next, 1)
	return cm.replicas[int(n%uint32(len(cm.replicas)))]
}

func (cm *ConnectionManager) snapshot() []*sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return append([]*sql.DB(nil), cm.replicas...)
}

// ReplicaHealth is a readiness probe for the reporting replicas. It fails
// only when replicas are configured and none answers.
func (cm *ConnectionManager) ReplicaHealth(ctx context.Context) error {
	replicas := cm.snapshot()
	if len(replicas) == 0 {
		return nil
	}

	var errs []error
	for i, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d: %w", i, err))
		}
	}
	if len(errs) == len(replicas) {
		return fmt.Errorf("all reporting replicas unhealthy: %w", errors.Join(errs...))
	}
	return nil
}

// pruneReplicas closes and drops replicas that fail a ping. Reporting
// falls back to the primary once all are gone.
func (cm *ConnectionManager) pruneReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	kept := cm.replicas[:0]
	removed := 0
	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			_ = replica.Close()
			removed++
			continue
		}
		kept = append(kept, replica)
	}
	cm.replicas = kept
	return removed
}

// StartReplicaPruning drops failing replicas every interval until ctx is done
func (cm *ConnectionManager) StartReplicaPruning(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPruneInterval
	}

	go func() {
		defer observability.RecoverPanic(cm.logger, "replica pruning")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
				if removed := cm.pruneReplicas(pingCtx); removed > 0 {
					cm.logger.WithField("removed", removed).Warn("Dropped unhealthy reporting replicas")
				}
				cancel()
			}
		}
	}()
}

// Close closes the primary and every replica
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	var errs []error
	if cm.primary != nil {
		if err := cm.primary.Close(); err != nil {
			errs = append(errs, fmt.Errorf("primary: %w", err))
		}
	}
	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// ParseReplicaURLs splits SALON_DATABASE_REPLICA_URLS on commas
func ParseReplicaURLs(raw string) []string {
	if raw == "" {
		return nil
	}

	urls := []string{}
	for _, u := range strings.Split(raw, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Package datasource manages per-project connection pools to customer
// databases and runs generated statements on them.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/logging"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/retry"
)

const (
	DefaultPoolTTLMinutes           = 30
	DefaultCleanupInterval          = 1 * time.Minute
	DefaultPoolMaxConns             = 10
	DefaultIdleTimeout              = 30 * time.Second
	DefaultStatementTimeout         = 5 * time.Minute
	DefaultIdleInTransactionTimeout = 1 * time.Minute
	// DefaultHealthCheckAfter is how long a pool may sit unused before it is pinged on reuse.
	DefaultHealthCheckAfter = 30 * time.Second
)

// ErrManagerClosed is returned after Close.
var ErrManagerClosed = errors.New("connection manager closed")

// ConnectionManagerConfig holds configuration for the connection manager
type ConnectionManagerConfig struct {
	TTLMinutes               int
	PoolMaxConns             int32
	PoolMinConns             int32
	IdleTimeout              time.Duration
	StatementTimeout         time.Duration
	IdleInTransactionTimeout time.Duration
}

// DSNResolver returns the plaintext connection string for a project.
// It is only called when a pool has to be created.
type DSNResolver func(ctx context.Context) (string, error)

// ConnectionManager caches one bounded pool per project and closes pools
// that have not been used within the TTL.
type ConnectionManager struct {
	mu               sync.Mutex
	pools            map[uuid.UUID]*managedPool
	ttl              time.Duration
	healthCheckAfter time.Duration
	cfg              ConnectionManagerConfig
	stopped          bool
	stopChan         chan struct{}
	logger           *zap.Logger
}

// managedPool is one project's pool. Its mutex serializes creation and
// health checks for that project only, so a slow datasource never blocks
// requests for other projects.
type managedPool struct {
	mu       sync.Mutex
	pool     *pgxpool.Pool
	lastUsed time.Time
	// removed is set once the entry left the map; holders must start over.
	removed bool
}

// NewConnectionManager creates a connection manager with the given configuration.
// Starts a background cleanup goroutine that runs until Close() is called.
func NewConnectionManager(cfg ConnectionManagerConfig, logger *zap.Logger) *ConnectionManager {
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = DefaultPoolTTLMinutes
	}
	if cfg.PoolMaxConns <= 0 {
		cfg.PoolMaxConns = DefaultPoolMaxConns
	}
	if cfg.PoolMinConns < 0 {
		cfg.PoolMinConns = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = DefaultStatementTimeout
	}
	if cfg.IdleInTransactionTimeout <= 0 {
		cfg.IdleInTransactionTimeout = DefaultIdleInTransactionTimeout
	}

	manager := &ConnectionManager{
		pools:            make(map[uuid.UUID]*managedPool),
		ttl:              time.Duration(cfg.TTLMinutes) * time.Minute,
		healthCheckAfter: DefaultHealthCheckAfter,
		cfg:              cfg,
		stopChan:         make(chan struct{}),
		logger:           logger.Named("datasource"),
	}

	go manager.cleanupExpiredPools()
	return manager
}

// entry returns the project's slot, creating an empty one if needed.
func (m *ConnectionManager) entry(projectID uuid.UUID) (*managedPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrManagerClosed
	}
	e, ok := m.pools[projectID]
	if !ok {
		e = &managedPool{}
		m.pools[projectID] = e
	}
	return e, nil
}

// GetOrCreatePool returns the project's pool, creating it on first use.
// Concurrent first requests for one project create a single pool.
// A pool idle longer than the health check threshold is pinged and
// replaced if unhealthy.
func (m *ConnectionManager) GetOrCreatePool(ctx context.Context, projectID uuid.UUID, resolve DSNResolver) (*pgxpool.Pool, error) {
	for {
		e, err := m.entry(projectID)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		pool, err := m.acquireLocked(ctx, projectID, e, resolve)
		e.mu.Unlock()
		return pool, err
	}
}

// acquireLocked runs with e.mu held.
func (m *ConnectionManager) acquireLocked(ctx context.Context, projectID uuid.UUID, e *managedPool, resolve DSNResolver) (*pgxpool.Pool, error) {
	if e.pool != nil {
		if time.Since(e.lastUsed) < m.healthCheckAfter {
			e.lastUsed = time.Now()
			return e.pool, nil
		}

		// Health check with retry and timeout
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := retry.Do(healthCtx, retry.DefaultConfig(), func() error {
			return e.pool.Ping(healthCtx)
		})
		cancel()

		if err == nil {
			e.lastUsed = time.Now()
			return e.pool, nil
		}

		// Unhealthy - log sanitized error, close, and recreate
		m.logger.Warn("Datasource pool unhealthy, recreating",
			zap.String("project_id", projectID.String()),
			zap.String("error", logging.SanitizeError(err)),
		)
		e.pool.Close()
		e.pool = nil
	}

	connString, err := resolve(ctx)
	if err != nil {
		return nil, err
	}

	pool, err := m.createPool(ctx, projectID, connString)
	if err != nil {
		return nil, err
	}
	e.pool = pool
	e.lastUsed = time.Now()
	return pool, nil
}

// createPool builds a bounded pool with session-level safety settings.
// The connection string is never logged or included in returned errors.
func (m *ConnectionManager) createPool(ctx context.Context, projectID uuid.UUID, connString string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		m.logger.Error("Failed to parse datasource connection string",
			zap.String("project_id", projectID.String()),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, fmt.Errorf("%w: invalid datasource connection string: %s", apperrors.ErrQueryFailed, logging.SanitizeError(err))
	}
	poolConfig.MaxConns = m.cfg.PoolMaxConns
	poolConfig.MinConns = m.cfg.PoolMinConns
	poolConfig.MaxConnIdleTime = m.cfg.IdleTimeout
	poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = millis(m.cfg.StatementTimeout)
	poolConfig.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = millis(m.cfg.IdleInTransactionTimeout)

	// Create pool with retry logic for transient failures
	pool, err := retry.DoWithResult(ctx, retry.ConnectConfig(), func() (*pgxpool.Pool, error) {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		m.logger.Error("Failed to create datasource pool after retries",
			zap.String("project_id", projectID.String()),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, fmt.Errorf("%w: failed to connect to datasource: %s", apperrors.ErrQueryFailed, logging.SanitizeError(err))
	}

	m.logger.Info("Created datasource pool",
		zap.String("project_id", projectID.String()),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return pool, nil
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// Evict closes and forgets a project's pool, e.g. after its DSN changed.
func (m *ConnectionManager) Evict(projectID uuid.UUID) {
	m.mu.Lock()
	e, ok := m.pools[projectID]
	if ok {
		delete(m.pools, projectID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	if e.pool != nil {
		e.pool.Close()
		e.pool = nil
	}
}

// cleanupExpiredPools runs periodically to remove expired pools.
// Runs in a background goroutine until stopChan is closed.
func (m *ConnectionManager) cleanupExpiredPools() {
	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCleanup()
		case <-m.stopChan:
			return
		}
	}
}

// performCleanup removes pools that haven't been used within TTL.
// Entries busy with creation or a health check are skipped until the next pass.
// Lock ordering: manager lock then entry lock, the latter only via TryLock.
func (m *ConnectionManager) performCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	now := time.Now()
	removed := 0
	for projectID, e := range m.pools {
		if !e.mu.TryLock() {
			continue
		}
		idle := now.Sub(e.lastUsed)
		if e.pool == nil || idle > m.ttl {
			if e.pool != nil {
				e.pool.Close()
				e.pool = nil
				m.logger.Debug("Closing idle datasource pool",
					zap.String("project_id", projectID.String()),
					zap.Duration("idle", idle),
					zap.Duration("ttl", m.ttl),
				)
			}
			e.removed = true
			delete(m.pools, projectID)
			removed++
		}
		e.mu.Unlock()
	}

	if removed > 0 {
		m.logger.Info("Cleaned up idle datasource pools",
			zap.Int("count", removed),
			zap.Int("remaining", len(m.pools)),
		)
	}
}

// Close closes all pools and stops the cleanup goroutine.
// This method is idempotent and safe to call multiple times.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stopChan)
	pools := m.pools
	m.pools = make(map[uuid.UUID]*managedPool)
	m.mu.Unlock()

	for _, e := range pools {
		e.mu.Lock()
		e.removed = true
		if e.pool != nil {
			e.pool.Close()
			e.pool = nil
		}
		e.mu.Unlock()
	}

	m.logger.Info("Connection manager closed")
	return nil
}

// GetStats returns statistics about the connection manager.
// Safe to call concurrently.
func (m *ConnectionManager) GetStats() ConnectionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	stats := ConnectionStats{
		TTLMinutes: int(m.ttl.Minutes()),
	}
	for _, e := range m.pools {
		if !e.mu.TryLock() {
			// Busy entries are being created or checked; count them as live.
			stats.TotalPools++
			continue
		}
		if e.pool != nil {
			stats.TotalPools++
			if idle := int(now.Sub(e.lastUsed).Seconds()); idle > stats.OldestIdleSeconds {
				stats.OldestIdleSeconds = idle
			}
		}
		e.mu.Unlock()
	}
	return stats
}

// ConnectionStats contains statistics about the connection manager state.
type ConnectionStats struct {
	TotalPools        int `json:"total_pools"`
	TTLMinutes        int `json:"ttl_minutes"`
	OldestIdleSeconds int `json:"oldest_idle_seconds"`
}

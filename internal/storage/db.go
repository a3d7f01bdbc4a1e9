package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/willf/bloom"
	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/config"
	"github.com/towns-protocol/towns-sub009/internal/constants"
	"github.com/towns-protocol/towns-sub009/internal/logger"
	"github.com/towns-protocol/towns-sub009/internal/metrics"
)

// DBState represents the current state of the database connection
type DBState int

const (
	DBStateInitial DBState = iota
	DBStateConnecting
	DBStateConnected
	DBStateDisconnecting
	DBStateClosed
)

// DB represents the PostgreSQL connection
type DB struct {
	Pool         *pgxpool.Pool
	seenEvents   *bloom.BloomFilter
	seenMu       sync.Mutex
	state        DBState
	stateMu      sync.RWMutex
	errors       chan error
	errorCount   int32
	errorCountMu sync.RWMutex
}

// BuildDatabaseURL assembles a connection string from discrete settings when
// no full URL was configured.
func BuildDatabaseURL(cfg config.DatabaseConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	name := cfg.Name
	if name == "" {
		name = constants.DatabaseName
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgresql",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Server, cfg.Port),
		Path:     "/" + name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}

// createPool creates the pool configuration for steady sync plus web traffic
func createPool(ctx context.Context, dbURI string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}

	poolCfg.MaxConns = int32(constants.DBPoolMaxConns)
	poolCfg.MinConns = int32(constants.DBPoolMinConns)
	poolCfg.MaxConnLifetime = constants.DBConnMaxLifetime
	poolCfg.MaxConnIdleTime = constants.DBConnMaxIdleTime
	poolCfg.ConnConfig.ConnectTimeout = constants.DBConnAcquireTimeout
	poolCfg.HealthCheckPeriod = 30 * time.Second // Regular health checks

	logger.Info("Database connection pool configured",
		zap.Int32("db_max_conns", poolCfg.MaxConns),
		zap.Int32("db_min_conns", poolCfg.MinConns),
		zap.Duration("max_lifetime", constants.DBConnMaxLifetime),
		zap.Duration("max_idle_time", constants.DBConnMaxIdleTime))

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// InitDB initializes the PostgreSQL connection with retries
func InitDB(ctx context.Context, dbURI string) (*DB, error) {
	var pool *pgxpool.Pool
	var err error
	backoff := 2 * time.Second
	attempts := 0

	db := &DB{
		state:  DBStateConnecting,
		errors: make(chan error, 100),
	}

	for i := 0; i < 5; i++ { // Retry up to 5 times
		attempts++
		pool, err = createPool(ctx, dbURI)
		if err == nil {
			// Test the actual connection
			if err = pool.Ping(ctx); err == nil {
				db.Pool = pool
				// Sized for roughly a day of stream events with 1% false positives
				db.seenEvents = bloom.NewWithEstimates(10_000_000, 0.01)
				db.state = DBStateConnected

				stat := pool.Stat()
				logger.Info("DB connected",
					zap.Int("attempts", attempts),
					zap.Int32("db_max_connections", stat.MaxConns()),
					zap.Int32("db_total_connections", stat.TotalConns()))
				metrics.DBConnections.WithLabelValues("success").Inc()
				return db, nil
			}
			// Connection pool created but ping failed, close it
			pool.Close()
		}

		logger.Warn("Failed to connect to DB, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff))
		metrics.DBConnections.WithLabelValues("failure").Inc()
		time.Sleep(backoff)
		backoff *= 2 // Exponential backoff (2s, 4s, 8s...)
	}

	db.state = DBStateClosed
	metrics.DBErrors.WithLabelValues("connection_failed").Inc()
	return nil, fmt.Errorf("failed to connect to DB after %d attempts: %w", attempts, err)
}

// CloseDB closes the database connection
func (db *DB) CloseDB() error {
	db.stateMu.Lock()
	if db.state == DBStateDisconnecting || db.state == DBStateClosed {
		db.stateMu.Unlock()
		return nil
	}
	db.state = DBStateDisconnecting
	db.stateMu.Unlock()

	if db.Pool != nil {
		db.Pool.Close()
		db.state = DBStateClosed
		logger.Debug("Database connection closed")
		metrics.DBConnections.WithLabelValues("closed").Inc()
		return nil
	}

	return fmt.Errorf("database pool is nil")
}

// MarkEventSeen records an event hash in the dedup filter and reports whether
// it was probably seen before. False positives skip at most a notification;
// false negatives cannot occur.
func (db *DB) MarkEventSeen(eventHash []byte) bool {
	db.seenMu.Lock()
	defer db.seenMu.Unlock()
	if db.seenEvents.Test(eventHash) {
		metrics.DuplicateEvents.Inc()
		return true
	}
	db.seenEvents.Add(eventHash)
	return false
}

// ExecuteQuery handles single-row queries (SELECT)
func (db *DB) ExecuteQuery(ctx context.Context, query string, args ...interface{}) (pgx.Row, error) {
	if !db.isConnected() {
		return nil, fmt.Errorf("database is not connected")
	}

	logger.Debug("Executing query",
		zap.String("query", query),
		zap.Any("args", args))

	row := db.Pool.QueryRow(ctx, query, args...)
	return row, nil
}

// ExecuteBatch handles batch inserts or updates
func (db *DB) ExecuteBatch(ctx context.Context, batch *pgx.Batch) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		db.recordError(fmt.Errorf("failed to start transaction: %w", err))
		metrics.DBErrors.WithLabelValues("transaction_start_failed").Inc()
		return err
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && rollbackErr != pgx.ErrTxClosed {
			db.recordError(fmt.Errorf("rollback failed: %w", rollbackErr))
		}
	}()

	br := tx.SendBatch(ctx, batch)
	if err := br.Close(); err != nil {
		db.recordError(fmt.Errorf("batch execution failed: %w", err))
		metrics.DBErrors.WithLabelValues("batch_execution_failed").Inc()
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		db.recordError(fmt.Errorf("transaction commit failed: %w", err))
		metrics.DBErrors.WithLabelValues("transaction_commit_failed").Inc()
		return err
	}

	logger.Debug("Batch operation completed")
	metrics.DBOperations.WithLabelValues("batch_success").Inc()
	return nil
}

// ExecuteCommand handles INSERT, UPDATE, DELETE commands
func (db *DB) ExecuteCommand(ctx context.Context, query string, args ...interface{}) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	logger.Debug("Executing command",
		zap.String("query", query),
		zap.Any("args", args))

	err := db.executeWithRetry(ctx, func(ctx context.Context) error {
		_, err := db.Pool.Exec(ctx, query, args...)
		return err
	})
	if err != nil {
		db.recordError(fmt.Errorf("command execution failed: %w", err))
		logger.Error("Command execution failed",
			zap.Error(err),
			zap.String("query", query))
		metrics.DBErrors.WithLabelValues("command_execution_failed").Inc()
	}
	return err
}

// isConnected checks if the database is in a connected state
func (db *DB) isConnected() bool {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.state == DBStateConnected
}

// recordError records an error in the database service
func (db *DB) recordError(err error) {
	db.errorCountMu.Lock()
	db.errorCount++
	count := db.errorCount
	db.errorCountMu.Unlock()

	select {
	case db.errors <- err:
	default:
		// Channel is full, log directly
		logger.Error("Database error (channel full)",
			zap.Error(err),
			zap.Int32("error_count", count))
	}
}

// executeWithRetry re-runs f on timeout or deadlock errors with a short
// exponential backoff. Non-retryable errors return immediately.
func (db *DB) executeWithRetry(ctx context.Context, f func(context.Context) error) error {
	retries := constants.MaxDBRetries
	var lastErr error

	for i := 0; i < retries; i++ {
		err := f(ctx)
		if err == nil {
			return nil
		}

		// Check if error is a timeout or deadlock (retryable)
		if strings.Contains(err.Error(), "statement timeout") ||
			strings.Contains(err.Error(), "deadlock") {
			lastErr = err
			// Exponential backoff
			time.Sleep(time.Duration(1<<i) * 100 * time.Millisecond)
			continue
		}

		// Not a retryable error
		return err
	}

	return fmt.Errorf("operation failed after %d retries: %w", retries, lastErr)
}

// Ping checks database connectivity
func (db *DB) Ping() error {
	if db.Pool == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.HealthCheckTimeout*time.Second)
	defer cancel()

	return db.Pool.Ping(ctx)
}

// Stats returns database connection pool statistics
func (db *DB) Stats() DatabaseStats {
	if db.Pool == nil {
		return DatabaseStats{}
	}

	stat := db.Pool.Stat()
	return DatabaseStats{
		OpenConnections:    int(stat.TotalConns()),
		InUse:              int(stat.AcquiredConns()),
		Idle:               int(stat.IdleConns()),
		MaxOpenConnections: int(stat.MaxConns()),
	}
}

// DatabaseStats represents database connection pool statistics
type DatabaseStats struct {
	OpenConnections    int
	InUse              int
	Idle               int
	MaxOpenConnections int
}

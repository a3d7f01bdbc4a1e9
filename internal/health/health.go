// Package health aggregates component status for the health endpoint.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/logger"
	"github.com/towns-protocol/towns-sub009/internal/storage"
)

// Status is the health classification of a component or the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentStatus is the status of one checked component.
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Report is the complete health check response.
type Report struct {
	Status     Status             `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	Version    string             `json:"version"`
	Uptime     string             `json:"uptime"`
	Components []*ComponentStatus `json:"components"`
}

// DatabaseInterface is the database surface needed for health checks.
type DatabaseInterface interface {
	Ping() error
	Stats() storage.DatabaseStats
}

// SyncerInterface is the sync loop surface needed for health checks.
type SyncerInterface interface {
	IsSyncing() bool
	StateName() string
}

// Checker performs component health checks.
type Checker struct {
	db        DatabaseInterface
	syncer    SyncerInterface
	log       *zap.Logger
	startTime time.Time
	version   string
	mu        sync.RWMutex
}

// NewChecker builds a health checker over the service's components.
func NewChecker(db DatabaseInterface, syncer SyncerInterface, version string) *Checker {
	return &Checker{
		db:        db,
		syncer:    syncer,
		log:       logger.New("health"),
		startTime: time.Now(),
		version:   version,
	}
}

// Check runs all component checks and aggregates the result. The service
// is unhealthy when the database is unreachable and degraded while the
// sync loop is reconnecting.
func (c *Checker) Check(ctx context.Context) *Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	components := []*ComponentStatus{
		c.checkDatabase(ctx),
		c.checkSync(),
	}

	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	return &Report{
		Status:     overall,
		Timestamp:  time.Now().UTC(),
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Components: components,
	}
}

func (c *Checker) checkDatabase(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{Name: "database", Status: StatusHealthy}
	if c.db == nil {
		status.Status = StatusUnhealthy
		status.Message = "database not configured"
		return status
	}

	if err := c.db.Ping(); err != nil {
		c.log.Warn("database health check failed", zap.Error(err))
		status.Status = StatusUnhealthy
		status.Message = err.Error()
		return status
	}

	stats := c.db.Stats()
	status.Details = map[string]interface{}{
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"max_connections":  stats.MaxOpenConnections,
	}
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("connection pool exhausted (%d/%d)", stats.InUse, stats.MaxOpenConnections)
	}
	return status
}

func (c *Checker) checkSync() *ComponentStatus {
	status := &ComponentStatus{Name: "stream_sync", Status: StatusHealthy}
	if c.syncer == nil {
		status.Status = StatusUnhealthy
		status.Message = "sync loop not configured"
		return status
	}

	state := c.syncer.StateName()
	status.Details = map[string]interface{}{"state": state}
	if !c.syncer.IsSyncing() {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("sync loop in state %s", state)
	}
	return status
}

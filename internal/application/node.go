// Package application wires the notification service's components into a
// single runnable node: database, stream sync, notification engine, HTTP
// API, and metrics.
package application

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/config"
	"github.com/towns-protocol/towns-sub009/internal/health"
	"github.com/towns-protocol/towns-sub009/internal/logger"
	"github.com/towns-protocol/towns-sub009/internal/notify"
	"github.com/towns-protocol/towns-sub009/internal/storage"
	"github.com/towns-protocol/towns-sub009/internal/streamrpc"
	syncpkg "github.com/towns-protocol/towns-sub009/internal/sync"
	"github.com/towns-protocol/towns-sub009/internal/web"
)

const shutdownTimeout = 30 * time.Second

// Node ties together the components needed to run the notification service.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	config    *config.Config
	db        *storage.DB
	rpc       *streamrpc.Client
	engine    *notify.Engine
	syncer    *syncpkg.Syncer
	monitor   *syncpkg.Monitor
	checker   *health.Checker
	webServer *web.Server

	metricsSrv *http.Server
	wg         sync.WaitGroup
	startTime  time.Time
}

// New creates and configures a Node using the NodeBuilder.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	builder := NewNodeBuilder(ctx, cfg)

	if err := builder.BuildDB(); err != nil {
		return nil, fmt.Errorf("failed building db: %w", err)
	}
	builder.BuildStreamClient()
	builder.BuildEngine()
	builder.BuildSync()
	builder.BuildWeb()

	node, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	node.startTime = time.Now()
	return node, nil
}

// Start launches the sync loop, the reconciliation monitor, the HTTP API,
// and the metrics endpoint. It returns once everything is running.
func (n *Node) Start() error {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.syncer.Run(n.ctx); err != nil {
			logger.Error("Sync loop exited", zap.Error(err))
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.monitor.Run(n.ctx)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.webServer.Start(); err != nil {
			logger.Error("Web server error", zap.Error(err))
		}
	}()

	if n.config.Metrics.Enabled {
		n.startMetricsServer()
	}

	logger.Info("Notification service started",
		zap.String("api_addr", n.config.Web.ListenAddr),
		zap.String("node_url", n.config.River.NodeURL))
	return nil
}

func (n *Node) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	n.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.Metrics.Port),
		Handler: mux,
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		logger.Info("Metrics endpoint listening", zap.Int("port", n.config.Metrics.Port))
		if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
}

// Shutdown stops the node gracefully: the API drains first so no new work
// arrives, then the sync loop cancels its server session, and finally the
// database pool closes.
func (n *Node) Shutdown() {
	logger.Info("Initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := n.webServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Web server shutdown error", zap.Error(err))
	}
	if n.metricsSrv != nil {
		if err := n.metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown error", zap.Error(err))
		}
	}

	if err := n.syncer.Stop(shutdownCtx); err != nil {
		logger.Warn("Sync loop stop error", zap.Error(err))
	}

	// Stops the monitor and anything else bound to the node context.
	n.cancel()
	n.wg.Wait()

	if err := n.db.CloseDB(); err != nil {
		logger.Warn("Database close error", zap.Error(err))
	}

	logger.Info("Shutdown complete", zap.Duration("uptime", time.Since(n.startTime)))
}

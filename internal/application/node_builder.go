package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/config"
	"github.com/towns-protocol/towns-sub009/internal/constants"
	"github.com/towns-protocol/towns-sub009/internal/health"
	"github.com/towns-protocol/towns-sub009/internal/logger"
	"github.com/towns-protocol/towns-sub009/internal/metrics"
	"github.com/towns-protocol/towns-sub009/internal/notify"
	"github.com/towns-protocol/towns-sub009/internal/protocol"
	"github.com/towns-protocol/towns-sub009/internal/storage"
	"github.com/towns-protocol/towns-sub009/internal/streamrpc"
	syncpkg "github.com/towns-protocol/towns-sub009/internal/sync"
	"github.com/towns-protocol/towns-sub009/internal/web"
)

// NodeBuilder incrementally constructs a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	database  *storage.DB
	rpc       *streamrpc.Client
	engine    *notify.Engine
	syncer    *syncpkg.Syncer
	monitor   *syncpkg.Monitor
	checker   *health.Checker
	webServer *web.Server
}

// NewNodeBuilder creates a builder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
	}
}

// BuildDB connects to the database, creates the notification database if
// missing, and prepares the schema.
func (b *NodeBuilder) BuildDB() error {
	dbURI := storage.BuildDatabaseURL(b.config.Database)
	logger.Info("Connecting to database",
		zap.String("server", b.config.Database.Server),
		zap.Int("port", b.config.Database.Port))

	db, err := storage.InitDB(b.ctx, dbURI)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.CreateDatabaseIfNotExists(b.ctx, constants.DatabaseName); err != nil {
		logger.Warn("Could not ensure database exists", zap.Error(err))
	}
	if err := db.InitializeSchema(b.ctx); err != nil {
		db.CloseDB()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := db.VerifySchema(b.ctx); err != nil {
		db.CloseDB()
		return fmt.Errorf("schema verification failed: %w", err)
	}

	b.database = db
	logger.Info("Database ready")
	return nil
}

// BuildStreamClient constructs the stream node RPC client.
func (b *NodeBuilder) BuildStreamClient() {
	b.rpc = streamrpc.NewClient(b.config.River)
	logger.Debug("Stream RPC client built", zap.String("node_url", b.config.River.NodeURL))
}

// BuildEngine assembles the notification engine with the configured push
// transports.
func (b *NodeBuilder) BuildEngine() {
	transports := []notify.Transport{
		notify.NewWebPushTransport(b.config.Push),
	}
	if b.config.Push.APNS.Enabled {
		transports = append(transports, notify.NewAPNSTransport(b.config.Push.APNS))
	}
	b.engine = notify.NewEngine(b.database, transports...)
	logger.Debug("Notification engine built", zap.Int("transports", len(transports)))
}

// BuildSync assembles the sync loop and the reconciliation monitor.
func (b *NodeBuilder) BuildSync() {
	var verifier protocol.EventVerifier = protocol.NopVerifier{}
	if b.config.River.VerifyEvents {
		verifier = protocol.SecpVerifier{}
	}

	b.syncer = syncpkg.NewSyncer(b.rpc, b.database, b.engine,
		syncpkg.WithVerifier(verifier),
		syncpkg.WithPingInterval(b.config.River.PingInterval),
	)
	b.monitor = syncpkg.NewMonitor(b.rpc, b.database, b.syncer,
		syncpkg.WithMonitorInterval(b.config.River.RefreshInterval),
		syncpkg.WithMonitorVerifier(verifier),
	)
	logger.Debug("Sync loop built", zap.Bool("verify_events", b.config.River.VerifyEvents))
}

// BuildWeb assembles the health checker and the HTTP API server.
func (b *NodeBuilder) BuildWeb() {
	b.checker = health.NewChecker(b.database, b.syncer, config.Version)
	handler := web.NewHandler(b.database, b.engine, b.monitor, b.checker)
	b.webServer = web.NewServer(b.config.Web, handler)
	logger.Debug("Web server built", zap.String("listen_addr", b.config.Web.ListenAddr))
}

// Build assembles the final Node.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.database == nil || b.rpc == nil || b.engine == nil || b.syncer == nil || b.webServer == nil {
		b.cancel()
		return nil, fmt.Errorf("node builder is missing components")
	}

	metrics.RegisterMetrics()

	return &Node{
		ctx:       b.ctx,
		cancel:    b.cancel,
		config:    b.config,
		db:        b.database,
		rpc:       b.rpc,
		engine:    b.engine,
		syncer:    b.syncer,
		monitor:   b.monitor,
		checker:   b.checker,
		webServer: b.webServer,
	}, nil
}

package constants

import "time"

// Service identity constants
const (
	ServiceName    = "notification-service"
	DatabaseName   = "notifications"
	DefaultContact = "support@towns.com"
)

// Sync retry constants
const (
	// Retry delay is RetryBaseDelay * 2^min(retryCount, MaxRetryDelayFactor).
	// The retry counter itself is unbounded; only the delay is capped.
	RetryBaseDelay      = 1 * time.Second
	MaxRetryDelayFactor = 6
)

// Sync loop constants
const (
	KeepAlivePingInterval = 5 * time.Minute
	StopSyncGracePeriod   = 5 * time.Second
	SyncDialTimeout       = 30 * time.Second
	GetStreamTimeout      = 30 * time.Second
	// How often the loop re-checks for streams when none are registered.
	NoStreamsRecheck = 10 * time.Second
)

// Streams monitor constants
const (
	MonitorRefreshInterval = 10 * time.Minute
	// Streams that failed DM party extraction are remembered so they are not
	// reprocessed every refresh cycle.
	UnprocessedStreamsMemory = 100
)

// Database operation constants
const (
	MaxDBRetries = 3 // Maximum database connection retry attempts
	DBRetryDelay = 1 // Database retry delay in seconds

	// Database connection pool constants
	DBPoolMaxConns = 25 // Steady-state sync plus web traffic
	DBPoolMinConns = 5  // Minimum idle connections
)

// Duration constants
const (
	DBConnMaxLifetime    = 60 * time.Minute // Connection max lifetime (1 hour)
	DBConnMaxIdleTime    = 15 * time.Minute // Max idle time (15 minutes)
	DBConnAcquireTimeout = 10 * time.Second // Timeout for acquiring connection
)

// Timeout constants (in seconds)
const (
	HealthCheckTimeout = 5 // Timeout for health check operations
)

// Push delivery constants
const (
	WebPushTTLSeconds    = 12 * 60 * 60 // Undelivered notifications expire after 12h
	NotificationTagLimit = 512          // Max tag payload bytes accepted per event
)

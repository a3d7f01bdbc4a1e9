package config

import "time"

// RiverConfig holds the stream node connection and sync settings.
type RiverConfig struct {
	// WebSocket endpoint of the stream node the service syncs from.
	NodeURL string `mapstructure:"NODE_URL" json:"node_url" validate:"required,nodeurl"`

	// When true, event envelopes are hash-checked and their secp256k1
	// signatures recovered and matched against the creator address.
	VerifyEvents bool `mapstructure:"VERIFY_EVENTS" json:"verify_events"`

	PingInterval    time.Duration `mapstructure:"PING_INTERVAL"    json:"ping_interval"    validate:"required,reasonable_duration"`
	RefreshInterval time.Duration `mapstructure:"REFRESH_INTERVAL" json:"refresh_interval" validate:"required,reasonable_duration"`
	DialTimeout     time.Duration `mapstructure:"DIAL_TIMEOUT"     json:"dial_timeout"     validate:"required,timeout_duration"`
}

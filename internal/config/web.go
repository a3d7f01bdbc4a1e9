package config

import "time"

// WebConfig holds the HTTP API settings.
type WebConfig struct {
	ListenAddr   string        `mapstructure:"LISTEN_ADDR"   json:"listen_addr"   validate:"required,listenaddr"`
	JWTSecret    string        `mapstructure:"JWT_SECRET"    json:"jwt_secret"    validate:"required,min=32"`
	ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"  json:"read_timeout"  validate:"required,timeout_duration"`
	WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT" json:"write_timeout" validate:"required,timeout_duration"`

	RateLimit RateLimitConfig `mapstructure:"RATE_LIMIT" json:"rate_limit"`
}

// RateLimitConfig holds per-client HTTP rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `mapstructure:"ENABLED"                 json:"enabled"`
	MaxRequestsPerSecond int  `mapstructure:"MAX_REQUESTS_PER_SECOND" json:"max_requests_per_second" validate:"min=0,max=50000"`
	BurstSize            int  `mapstructure:"BURST_SIZE"              json:"burst_size"              validate:"min=0,max=1000"`
}

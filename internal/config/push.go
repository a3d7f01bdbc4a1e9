package config

// PushConfig holds push delivery settings.
type PushConfig struct {
	WebPush WebPushConfig `mapstructure:"WEB_PUSH" json:"web_push" validate:"required"`
	APNS    APNSConfig    `mapstructure:"APNS"     json:"apns"`

	// TTL for undelivered notifications, in seconds.
	TTLSeconds int `mapstructure:"TTL_SECONDS" json:"ttl_seconds" validate:"required,min=60,max=86400"`
}

// WebPushConfig holds the VAPID identity used to sign web push requests.
type WebPushConfig struct {
	Subject         string `mapstructure:"SUBJECT"           json:"subject"           validate:"required"`
	VapidPublicKey  string `mapstructure:"VAPID_PUBLIC_KEY"  json:"vapid_public_key"  validate:"required"`
	VapidPrivateKey string `mapstructure:"VAPID_PRIVATE_KEY" json:"vapid_private_key" validate:"required"`
}

// APNSConfig holds Apple push settings. Delivery is disabled when empty.
type APNSConfig struct {
	Enabled  bool   `mapstructure:"ENABLED"   json:"enabled"`
	KeyID    string `mapstructure:"KEY_ID"    json:"key_id"    validate:"omitempty"`
	TeamID   string `mapstructure:"TEAM_ID"   json:"team_id"   validate:"omitempty"`
	BundleID string `mapstructure:"BUNDLE_ID" json:"bundle_id" validate:"omitempty"`
	KeyPath  string `mapstructure:"KEY_PATH"  json:"key_path"  validate:"omitempty"`
}

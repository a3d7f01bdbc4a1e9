package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/towns-protocol/towns-sub009/internal/logger"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev" // This will be set by the main package during initialization

var validate = validator.New()

// Config holds every sub‑config.
type Config struct {
	Metrics  MetricsConfig  `mapstructure:"metrics"  validate:"required"`
	Logging  LoggingConfig  `mapstructure:"logging"  validate:"required"`
	River    RiverConfig    `mapstructure:"river"    validate:"required"`
	Push     PushConfig     `mapstructure:"push"     validate:"required"`
	Web      WebConfig      `mapstructure:"web"      validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
}

// Register custom validation rules
func init() {
	registerCustomValidators()

	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(Config)

		// Validate nested structs
		if err := validate.Struct(cfg.Metrics); err != nil {
			sl.ReportError(cfg.Metrics, "Metrics", "Metrics", "required", "")
		}
		if err := validate.Struct(cfg.Logging); err != nil {
			sl.ReportError(cfg.Logging, "Logging", "Logging", "required", "")
		}
		if err := validate.Struct(cfg.River); err != nil {
			sl.ReportError(cfg.River, "River", "River", "required", "")
		}
		if err := validate.Struct(cfg.Push); err != nil {
			sl.ReportError(cfg.Push, "Push", "Push", "required", "")
		}
		if err := validate.Struct(cfg.Web); err != nil {
			sl.ReportError(cfg.Web, "Web", "Web", "required", "")
		}
		if err := validate.Struct(cfg.Database); err != nil {
			sl.ReportError(cfg.Database, "Database", "Database", "required", "")
		}

		// Cross-field validation
		performCrossFieldValidation(sl, cfg)
	}, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	// Validate listen address format
	if err := validate.RegisterValidation("listenaddr", func(fl validator.FieldLevel) bool {
		addr := fl.Field().String()
		if addr == "" {
			return false
		}

		// Port-only format like ":8080"
		if strings.HasPrefix(addr, ":") {
			port := addr[1:]
			if port == "" {
				return false
			}
			if _, err := net.LookupPort("tcp", port); err != nil {
				return false
			}
			return true
		}

		// Host:port format
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return false
		}
		if _, err := net.LookupPort("tcp", port); err != nil {
			return false
		}
		if host != "" {
			if ip := net.ParseIP(host); ip == nil {
				if matched, _ := regexp.MatchString(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`, host); !matched {
					return false
				}
			}
		}
		return true
	}); err != nil {
		logger.Error("Failed to register listenaddr validator", zap.Error(err))
	}

	// Validate stream node URL (ws or wss)
	if err := validate.RegisterValidation("nodeurl", func(fl validator.FieldLevel) bool {
		raw := fl.Field().String()
		if raw == "" {
			return false
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return false
		}
		return (parsed.Scheme == "ws" || parsed.Scheme == "wss") && parsed.Host != ""
	}); err != nil {
		logger.Error("Failed to register nodeurl validator", zap.Error(err))
	}

	// Validate duration is reasonable (not too short or too long)
	if err := validate.RegisterValidation("reasonable_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		// Should be between 1 second and 24 hours
		return duration >= time.Second && duration <= 24*time.Hour
	}); err != nil {
		logger.Error("Failed to register reasonable_duration validator", zap.Error(err))
	}

	// Validate timeout duration (shorter range)
	if err := validate.RegisterValidation("timeout_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		// Should be between 1 second and 1 hour
		return duration >= time.Second && duration <= time.Hour
	}); err != nil {
		logger.Error("Failed to register timeout_duration validator", zap.Error(err))
	}

	// Validate log level
	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		level := fl.Field().String()
		validLevels := []string{"debug", "info", "warn", "error", "fatal"}
		for _, valid := range validLevels {
			if level == valid {
				return true
			}
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	// Validate log format
	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}

	// Validate hostname or IP
	if err := validate.RegisterValidation("host", func(fl validator.FieldLevel) bool {
		host := fl.Field().String()
		if host == "" {
			return false
		}
		if ip := net.ParseIP(host); ip != nil {
			return true
		}
		matched, _ := regexp.MatchString(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`, host)
		return matched
	}); err != nil {
		logger.Error("Failed to register host validator", zap.Error(err))
	}
}

// performCrossFieldValidation performs validation across multiple fields
func performCrossFieldValidation(sl validator.StructLevel, cfg Config) {
	// Web API and metrics endpoints must not collide
	if webPort := portOf(cfg.Web.ListenAddr); webPort != 0 && webPort == cfg.Metrics.Port {
		sl.ReportError(cfg.Web.ListenAddr, "ListenAddr", "ListenAddr", "port_conflict", "")
	}

	// Keepalive pings must fit inside a monitor refresh cycle
	if cfg.River.PingInterval >= cfg.River.RefreshInterval {
		sl.ReportError(cfg.River.PingInterval, "PingInterval", "PingInterval", "ping_slower_than_refresh", "")
	}
}

func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := net.LookupPort("tcp", port)
	if err != nil {
		return 0
	}
	return n
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("NOTIFY") // NOTIFY_RIVER_NODE_URL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		// Check for config.yaml in current directory if no path specified
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			// Config file not found is okay, we'll use defaults
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else {
			if log != nil {
				log.Info("Loaded config.yaml from current directory")
			}
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}

	if log != nil {
		log.Info("configuration loaded",
			zap.String("version", Version),
		)
	}
	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	} else {
		if log != nil {
			log.Info("logger initialized",
				zap.String("level", cfg.Logging.Level),
				zap.String("format", cfg.Logging.Format),
				zap.String("file", cfg.Logging.FilePath),
			)
		}
	}
	return &cfg, nil
}

// initializeLogger initializes the logger using the LoggingConfig
func initializeLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("notification-service"),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string

		for _, fieldError := range validationErrors {
			message := getFieldErrorMessage(fieldError)
			messages = append(messages, message)
		}

		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}

	return fmt.Errorf("configuration validation failed: %w", err)
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	value := fe.Value()
	tag := fe.Tag()
	param := fe.Param()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "url":
		return fmt.Sprintf("%s must be a valid URL (got: %v)", field, value)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s (got: %v)", field, param, value)
	case "listenaddr":
		return fmt.Sprintf("%s must be a valid listen address in format ':port' or 'host:port' (got: %v)", field, value)
	case "nodeurl":
		return fmt.Sprintf("%s must be a ws:// or wss:// stream node URL (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 1 second and 1 hour (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "host":
		return fmt.Sprintf("%s must be a valid hostname or IP address (got: %v)", field, value)
	case "port_conflict":
		return "web listen address conflicts with metrics port, they must be different"
	case "ping_slower_than_refresh":
		return fmt.Sprintf("%s must be shorter than the monitor refresh interval", field)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, tag, value)
	}
}

package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/roost-relay/roost/internal/logger"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at startup from build information.
var Version = "dev"

var validate = validator.New()

// Config holds every sub-config.
type Config struct {
	Relay   RelayConfig   `mapstructure:"relay"   validate:"required"`
	Limits  LimitsConfig  `mapstructure:"limits"  validate:"required"`
	Logging LoggingConfig `mapstructure:"logging" validate:"required"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// envBindings maps config keys to the flat environment variables the relay
// documents for operators.
var envBindings = map[string]string{
	"relay.PORT":                            "RELAY_PORT",
	"relay.DATA_DIR":                        "DATA_DIR",
	"relay.NAME":                            "RELAY_NAME",
	"relay.DESCRIPTION":                     "RELAY_DESCRIPTION",
	"relay.CONTACT":                         "RELAY_CONTACT",
	"relay.PUBLIC_KEY":                      "RELAY_PUBLIC_KEY",
	"relay.OWNER_ONLY":                      "RELAY_OWNER_ONLY",
	"relay.OWNER_PUBKEY":                    "NOSTR_OWNER_PUBKEY",
	"relay.MIN_POW":                         "RELAY_MIN_POW",
	"relay.CREATED_AT_FUTURE_LIMIT_SECONDS": "RELAY_CREATED_AT_FUTURE_LIMIT_SECONDS",
	"relay.CREATED_AT_PAST_LIMIT_SECONDS":   "RELAY_CREATED_AT_PAST_LIMIT_SECONDS",
	"limits.MAX_CONNECTIONS":                "RELAY_MAX_CONNECTIONS",
	"limits.EVENTS_PER_SECOND":              "RELAY_EVENTS_PER_SECOND",
	"limits.BURST_SIZE":                     "RELAY_BURST_SIZE",
	"logging.LEVEL":                         "LOG_LEVEL",
	"logging.FILE":                          "LOG_FILE",
	"logging.FORMAT":                        "LOG_FORMAT",
	"metrics.ENABLED":                       "METRICS_ENABLED",
}

var hexPubkeyRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

func init() {
	registerCustomValidators()
}

func registerCustomValidators() {
	if err := validate.RegisterValidation("pubkey", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		if key == "" {
			return true
		}
		return hexPubkeyRe.MatchString(key)
	}); err != nil {
		logger.Error("register pubkey validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	}); err != nil {
		logger.Error("register log_level validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		f := fl.Field().String()
		return f == "console" || f == "json"
	}); err != nil {
		logger.Error("register log_format validator", zap.Error(err))
	}
}

// SetVersion sets the version from build information.
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → optional file → env vars, validates the result,
// and initializes the global logger from the logging section.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err == nil && log != nil {
			log.Info("loaded config.yaml from current directory")
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}
	if cfg.Relay.OwnerOnly && cfg.Relay.OwnerPubKey == "" {
		return nil, fmt.Errorf("RELAY_OWNER_ONLY requires NOSTR_OWNER_PUBKEY to be set")
	}

	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if log != nil {
		log.Info("configuration loaded",
			zap.String("version", Version),
			zap.Int("port", cfg.Relay.Port),
			zap.String("data_dir", cfg.Relay.DataDir),
			zap.Bool("owner_only", cfg.Relay.OwnerOnly),
		)
	}
	return &cfg, nil
}

func initializeLogger(lc LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(lc.Level),
		logger.WithFormat(lc.Format),
		logger.WithFile(lc.FilePath),
		logger.WithVersion(Version),
		logger.WithRotation(lc.MaxSize, lc.MaxBackups, lc.MaxAge),
	)
}

// formatValidationError converts validator errors into operator-friendly
// messages.
func formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		messages = append(messages, fieldErrorMessage(fe))
	}
	return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}

func fieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "pubkey":
		return fmt.Sprintf("%s must be a 64-character lowercase hex string (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}

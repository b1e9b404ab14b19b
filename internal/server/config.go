// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay service.
package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/gochat-relay/internal/protocol"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string          `yaml:"port"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`

	// SendBufferSize bounds each session's outbound queue. A full queue
	// drops frames instead of blocking the sender.
	SendBufferSize int           `yaml:"send_buffer_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	// AuthTimeout closes connections that never authenticate. Zero disables it.
	AuthTimeout     time.Duration `yaml:"auth_timeout"`
	PersistTimeout  time.Duration `yaml:"persist_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	JWTSecret   string        `yaml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	BadgerPath  string        `yaml:"badger_path"`
	UsersDBPath string        `yaml:"users_db_path"`
	LogLevel    string        `yaml:"log_level"`
}

// envOverrides mirrors Config for environment variables. Unset variables
// leave the zero value, which means "keep what the file or defaults say".
type envOverrides struct {
	Port            string        `env:"SERVER_PORT"`
	AllowedOrigins  string        `env:"ALLOWED_ORIGINS"`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST"`
	RefillInterval  time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`
	SendBufferSize  int           `env:"SEND_BUFFER_SIZE"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT"`
	AuthTimeout     time.Duration `env:"AUTH_TIMEOUT"`
	PersistTimeout  time.Duration `env:"PERSIST_TIMEOUT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
	JWTSecret       string        `env:"JWT_SECRET"`
	TokenTTL        time.Duration `env:"TOKEN_TTL"`
	BadgerPath      string        `env:"BADGER_PATH"`
	UsersDBPath     string        `env:"USERS_DB_PATH"`
	LogLevel        string        `env:"LOG_LEVEL"`
}

// DefaultJWTSecret is only suitable for local development.
const DefaultJWTSecret = "gochat-relay-dev-secret"

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: protocol.MaxFrameSize,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		SendBufferSize:  256,
		WriteTimeout:    10 * time.Second,
		AuthTimeout:     30 * time.Second,
		PersistTimeout:  5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		JWTSecret:       DefaultJWTSecret,
		TokenTTL:        24 * time.Hour,
		BadgerPath:      "data/messages",
		UsersDBPath:     "data/users.db",
		LogLevel:        "INFO",
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	// A smaller read limit would drop connections for frames the
	// protocol accepts as valid.
	if cfg.MaxMessageSize < protocol.MaxFrameSize {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.AuthTimeout < 0 {
		cfg.AuthTimeout = 0
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaults.PersistTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = defaults.JWTSecret
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaults.TokenTTL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)

	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig builds the configuration from defaults, then the YAML file
// at path (skipped when path is empty), then environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	var overrides envOverrides
	if _, err := env.UnmarshalFromEnviron(&overrides); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	applyOverrides(&cfg, overrides)

	sanitized := sanitizeConfig(cfg)
	return &sanitized, nil
}

func loadConfigFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

func applyOverrides(cfg *Config, o envOverrides) {
	setString(&cfg.Port, o.Port)
	if o.AllowedOrigins != "" {
		cfg.AllowedOrigins = parseOrigins(o.AllowedOrigins)
	}
	if o.MaxMessageSize > 0 {
		cfg.MaxMessageSize = o.MaxMessageSize
	}
	if o.RateLimitBurst > 0 {
		cfg.RateLimit.Burst = o.RateLimitBurst
	}
	setDuration(&cfg.RateLimit.RefillInterval, o.RefillInterval)
	if o.SendBufferSize > 0 {
		cfg.SendBufferSize = o.SendBufferSize
	}
	setDuration(&cfg.WriteTimeout, o.WriteTimeout)
	setDuration(&cfg.AuthTimeout, o.AuthTimeout)
	setDuration(&cfg.PersistTimeout, o.PersistTimeout)
	setDuration(&cfg.ShutdownTimeout, o.ShutdownTimeout)
	setString(&cfg.JWTSecret, o.JWTSecret)
	setDuration(&cfg.TokenTTL, o.TokenTTL)
	setString(&cfg.BadgerPath, o.BadgerPath)
	setString(&cfg.UsersDBPath, o.UsersDBPath)
	setString(&cfg.LogLevel, o.LogLevel)
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setDuration(dst *time.Duration, value time.Duration) {
	if value > 0 {
		*dst = value
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

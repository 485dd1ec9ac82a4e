// Package config loads runtime settings from defaults, an optional config
// file and the environment, then sanitizes them.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// KeysConfig describes where the server RSA key pair lives.
type KeysConfig struct {
	Dir  string
	Bits int
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port             string
	AllowedOrigins   []string
	MaxMessageSize   int64
	RateLimit        RateLimitConfig
	LogLevel         string
	Keys             KeysConfig
	HandshakeTimeout time.Duration
	EmptyRoomTTL     time.Duration
	ShutdownTimeout  time.Duration
}

const (
	defaultPort             = ":8080"
	defaultMaxMessageSize   = 64 * 1024
	defaultBurst            = 20
	defaultRefillInterval   = time.Second
	defaultLogLevel         = "info"
	defaultKeyDir           = "data/keys"
	defaultKeyBits          = 2048
	minKeyBits              = 2048
	defaultHandshakeTimeout = 30 * time.Second
	defaultShutdownTimeout  = 15 * time.Second
)

var defaultOrigins = []string{"http://localhost:8080", "http://localhost:5173"}

// environment variable names, keyed by config key.
var envBindings = map[string]string{
	"port":                       "SERVER_PORT",
	"allowed_origins":            "ALLOWED_ORIGINS",
	"max_message_size":           "MAX_MESSAGE_SIZE",
	"rate_limit.burst":           "RATE_LIMIT_BURST",
	"rate_limit.refill_interval": "RATE_LIMIT_REFILL_INTERVAL",
	"log_level":                  "LOG_LEVEL",
	"keys.dir":                   "KEY_DIR",
	"keys.bits":                  "RSA_KEY_BITS",
	"handshake_timeout":          "HANDSHAKE_TIMEOUT",
	"empty_room_ttl":             "EMPTY_ROOM_TTL",
	"shutdown_timeout":           "SHUTDOWN_TIMEOUT",
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Port:           defaultPort,
		AllowedOrigins: append([]string(nil), defaultOrigins...),
		MaxMessageSize: defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefillInterval,
		},
		LogLevel:         defaultLogLevel,
		Keys:             KeysConfig{Dir: defaultKeyDir, Bits: defaultKeyBits},
		HandshakeTimeout: defaultHandshakeTimeout,
		ShutdownTimeout:  defaultShutdownTimeout,
	}
}

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables override file values; values that do
// not parse fall back to defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	def := Default()
	v.SetDefault("port", def.Port)
	v.SetDefault("allowed_origins", def.AllowedOrigins)
	v.SetDefault("max_message_size", def.MaxMessageSize)
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", def.RateLimit.RefillInterval.String())
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("keys.dir", def.Keys.Dir)
	v.SetDefault("keys.bits", def.Keys.Bits)
	v.SetDefault("handshake_timeout", def.HandshakeTimeout.String())
	v.SetDefault("empty_room_ttl", "0s")
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Viper hands back whatever the source held; parse each value here so a
	// bad entry degrades to its default instead of failing startup.
	cfg := Config{
		Port:           v.GetString("port"),
		AllowedOrigins: parseOrigins(v.Get("allowed_origins")),
		MaxMessageSize: parseInt64(v.GetString("max_message_size"), def.MaxMessageSize),
		RateLimit: RateLimitConfig{
			Burst:          int(parseInt64(v.GetString("rate_limit.burst"), int64(def.RateLimit.Burst))),
			RefillInterval: parseDuration(v.GetString("rate_limit.refill_interval"), def.RateLimit.RefillInterval),
		},
		LogLevel: v.GetString("log_level"),
		Keys: KeysConfig{
			Dir:  v.GetString("keys.dir"),
			Bits: int(parseInt64(v.GetString("keys.bits"), int64(def.Keys.Bits))),
		},
		HandshakeTimeout: parseDuration(v.GetString("handshake_timeout"), def.HandshakeTimeout),
		EmptyRoomTTL:     parseDuration(v.GetString("empty_room_ttl"), 0),
		ShutdownTimeout:  parseDuration(v.GetString("shutdown_timeout"), def.ShutdownTimeout),
	}

	return Sanitize(cfg), nil
}

// Sanitize replaces missing or out-of-range values with defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = def.Port
	} else if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}

	if strings.TrimSpace(cfg.Keys.Dir) == "" {
		cfg.Keys.Dir = def.Keys.Dir
	}
	if cfg.Keys.Bits < minKeyBits {
		cfg.Keys.Bits = minKeyBits
	}

	if cfg.HandshakeTimeout < 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.EmptyRoomTTL < 0 {
		cfg.EmptyRoomTTL = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	cfg.AllowedOrigins = origins

	return cfg
}

// parseOrigins accepts either a list (config file) or a comma separated
// string (environment).
func parseOrigins(raw any) []string {
	switch val := raw.(type) {
	case string:
		return strings.Split(val, ",")
	case []string:
		return append([]string(nil), val...)
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

func parseInt64(value string, defaultValue int64) int64 {
	if parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration strings ("30s", "5m") and bare integers,
// which are read as seconds. Zero is a valid result.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return defaultValue
		}
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	return defaultValue
}

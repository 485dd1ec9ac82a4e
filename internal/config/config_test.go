package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := Default()
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("expected defaults %+v, got %+v", want, cfg)
	}
	if cfg.EmptyRoomTTL != 0 {
		t.Fatalf("expected empty rooms to be kept by default, got ttl %s", cfg.EmptyRoomTTL)
	}
}

func TestLoadWithFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(`
port: ":9000"
allowed_origins:
  - "https://chat.example.com"
  - "https://admin.example.com"
log_level: "debug"
rate_limit:
  burst: 7
  refill_interval: "2s"
keys:
  dir: "/var/lib/cipherroom"
  bits: 3072
handshake_timeout: "10s"
empty_room_ttl: "1h"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("SERVER_PORT", ":6000")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "3")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != ":6000" {
		t.Fatalf("expected env override for port, got %s", cfg.Port)
	}
	if want := []string{"https://chat.example.com", "https://admin.example.com"}; !reflect.DeepEqual(cfg.AllowedOrigins, want) {
		t.Fatalf("expected origins %v, got %v", want, cfg.AllowedOrigins)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.RateLimit.Burst != 7 {
		t.Fatalf("expected burst 7, got %d", cfg.RateLimit.Burst)
	}
	if cfg.RateLimit.RefillInterval != 3*time.Second {
		t.Fatalf("expected refill interval 3s from env, got %s", cfg.RateLimit.RefillInterval)
	}
	if cfg.Keys.Dir != "/var/lib/cipherroom" || cfg.Keys.Bits != 3072 {
		t.Fatalf("unexpected keys config %+v", cfg.Keys)
	}
	if cfg.HandshakeTimeout != 10*time.Second {
		t.Fatalf("expected handshake timeout 10s, got %s", cfg.HandshakeTimeout)
	}
	if cfg.EmptyRoomTTL != time.Hour {
		t.Fatalf("expected empty room ttl 1h, got %s", cfg.EmptyRoomTTL)
	}
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", " http://a.test , ,http://b.test")
	t.Setenv("MAX_MESSAGE_SIZE", "4096")
	t.Setenv("HANDSHAKE_TIMEOUT", "0")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("KEY_DIR", "/tmp/keys")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if want := []string{"http://a.test", "http://b.test"}; !reflect.DeepEqual(cfg.AllowedOrigins, want) {
		t.Fatalf("expected origins %v, got %v", want, cfg.AllowedOrigins)
	}
	if cfg.MaxMessageSize != 4096 {
		t.Fatalf("expected max message size 4096, got %d", cfg.MaxMessageSize)
	}
	if cfg.HandshakeTimeout != 0 {
		t.Fatalf("expected handshake timeout disabled, got %s", cfg.HandshakeTimeout)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("expected shutdown timeout 5s, got %s", cfg.ShutdownTimeout)
	}
	if cfg.Keys.Dir != "/tmp/keys" {
		t.Fatalf("expected key dir /tmp/keys, got %s", cfg.Keys.Dir)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "huge")
	t.Setenv("RATE_LIMIT_BURST", "-3")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "soon")
	t.Setenv("RSA_KEY_BITS", "1024")
	t.Setenv("EMPTY_ROOM_TTL", "-5m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	def := Default()
	if cfg.MaxMessageSize != def.MaxMessageSize {
		t.Fatalf("expected default max message size, got %d", cfg.MaxMessageSize)
	}
	if cfg.RateLimit != def.RateLimit {
		t.Fatalf("expected default rate limit, got %+v", cfg.RateLimit)
	}
	if cfg.Keys.Bits != 2048 {
		t.Fatalf("expected key bits raised to 2048, got %d", cfg.Keys.Bits)
	}
	if cfg.EmptyRoomTTL != 0 {
		t.Fatalf("expected negative ttl to disable reclamation, got %s", cfg.EmptyRoomTTL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input Config
		check func(t *testing.T, cfg Config)
	}{
		{
			name:  "bare port gets colon",
			input: Config{Port: "9090"},
			check: func(t *testing.T, cfg Config) {
				if cfg.Port != ":9090" {
					t.Fatalf("expected :9090, got %s", cfg.Port)
				}
			},
		},
		{
			name:  "zero values become defaults",
			input: Config{},
			check: func(t *testing.T, cfg Config) {
				def := Default()
				if cfg.Port != def.Port || cfg.MaxMessageSize != def.MaxMessageSize || cfg.ShutdownTimeout != def.ShutdownTimeout {
					t.Fatalf("expected defaults, got %+v", cfg)
				}
				if cfg.HandshakeTimeout != 0 {
					t.Fatalf("expected zero handshake timeout to stay disabled, got %s", cfg.HandshakeTimeout)
				}
			},
		},
		{
			name:  "negative handshake timeout",
			input: Config{HandshakeTimeout: -time.Second},
			check: func(t *testing.T, cfg Config) {
				if cfg.HandshakeTimeout != defaultHandshakeTimeout {
					t.Fatalf("expected default handshake timeout, got %s", cfg.HandshakeTimeout)
				}
			},
		},
		{
			name:  "log level normalized",
			input: Config{LogLevel: " WARN "},
			check: func(t *testing.T, cfg Config) {
				if cfg.LogLevel != "warn" {
					t.Fatalf("expected warn, got %q", cfg.LogLevel)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Sanitize(tt.input))
		})
	}
}

// Package config loads the process's environment-variable surface,
// following the per-section envconfig.Process pattern used by
// api/pkg/config.LoadServerConfig.
package config

import (
	"fmt"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full process configuration, read once at startup.
type Config struct {
	HTTP   HTTPConfig
	Sync   SyncConfig
	TUS    TUSConfig
	Pin    PinConfig
	Sentry Sentry
}

type HTTPConfig struct {
	StreamPort         int   `envconfig:"SYNC_HTTP_PORT" default:"8080"`
	StreamPortFallback []int `envconfig:"SYNC_HTTP_PORT_FALLBACK" default:"8081,8082,8083,8084,8085"`
	TransportPort      int   `envconfig:"SYNC_WS_PORT" default:"8091"`
	TransportFallback  []int `envconfig:"SYNC_WS_PORT_FALLBACK" default:"8086,8087,8088,8089,8090"`
	UploadPort         int   `envconfig:"SYNC_UPLOAD_PORT" default:"8092"`
	UploadPortFallback []int `envconfig:"SYNC_UPLOAD_PORT_FALLBACK" default:"8093,8094,8095,8096,8097"`
}

type SyncConfig struct {
	LeadMS                    int `envconfig:"SYNC_LEAD_MS" default:"500"`
	DriftIntervalMS           int `envconfig:"SYNC_DRIFT_INTERVAL_MS" default:"5000"`
	SpeedCooldownMS           int `envconfig:"SYNC_SPEED_COOLDOWN_MS" default:"2000"`
	SeekCooldownMS            int `envconfig:"SYNC_SEEK_COOLDOWN_MS" default:"10000"`
	InitialPlaybackCooldownMS int `envconfig:"SYNC_INITIAL_PLAYBACK_COOLDOWN_MS" default:"15000"`
}

// TUSConfig holds the resumable-upload surface. MaxUploadBytes accepts either
// a raw byte count or a human size ("2GiB") via go-bytesize.
type TUSConfig struct {
	MaxUploadBytesRaw  string `envconfig:"TUS_MAX_UPLOAD_BYTES"`
	SessionExpiryHours int    `envconfig:"TUS_SESSION_EXPIRY_HOURS" default:"24"`
	CleanupIntervalHrs int    `envconfig:"TUS_CLEANUP_INTERVAL_HOURS" default:"6"`
}

// MaxUploadBytes resolves the configured ceiling, falling back to freeBytes
// minus a 500 MiB headroom when unset.
func (t TUSConfig) MaxUploadBytes(freeBytes int64) (int64, error) {
	const headroom = 500 << 20
	if t.MaxUploadBytesRaw == "" {
		v := freeBytes - headroom
		if v < 0 {
			v = 0
		}
		return v, nil
	}
	sz, err := bytesize.Parse(t.MaxUploadBytesRaw)
	if err != nil {
		return 0, fmt.Errorf("parsing TUS_MAX_UPLOAD_BYTES=%q: %w", t.MaxUploadBytesRaw, err)
	}
	return int64(sz), nil
}

type PinConfig struct {
	UploadDigits int `envconfig:"UPLOAD_PIN_DIGITS" default:"4"`
	SyncDigits   int `envconfig:"SYNC_PIN_DIGITS" default:"6"`
}

// Sentry configures optional crash/correctness-fatal reporting (§7).
type Sentry struct {
	DSN string `envconfig:"SYNC_SENTRY_DSN"`
}

func (s SyncConfig) DriftInterval() time.Duration {
	return time.Duration(s.DriftIntervalMS) * time.Millisecond
}

func (s SyncConfig) SpeedCooldown() time.Duration {
	return time.Duration(s.SpeedCooldownMS) * time.Millisecond
}

func (s SyncConfig) SeekCooldown() time.Duration {
	return time.Duration(s.SeekCooldownMS) * time.Millisecond
}

func (s SyncConfig) InitialPlaybackCooldown() time.Duration {
	return time.Duration(s.InitialPlaybackCooldownMS) * time.Millisecond
}

func (s SyncConfig) LeadTime() time.Duration {
	return time.Duration(s.LeadMS) * time.Millisecond
}

// Load parses the environment into a Config using the standard
// envconfig.Process("", &cfg) idiom.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

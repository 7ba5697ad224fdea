// Package config reads collabd settings from COLLAB_* environment variables
// and an optional JSON file, and watches that file for tunable changes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const FileEnv = "COLLAB_CONFIG_FILE"

// Duration is a time.Duration that reads "2s" style strings from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"2s\": %s", data)
		}
		*d = Duration(n)
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(value)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Addr           string   `json:"addr"`
	JWTSecret      string   `json:"jwtSecret"`
	JWTAudience    string   `json:"jwtAudience"`
	AllowedOrigins []string `json:"allowedOrigins"`

	StorageDSN     string `json:"storageDsn"`
	MetadataDSN    string `json:"metadataDsn"`
	RedisURL       string `json:"redisUrl"`
	EventChannel   string `json:"eventChannel"`
	EventQueueSize int    `json:"eventQueueSize"`

	QuietPeriod         Duration `json:"quietPeriod"`
	MaxDirty            Duration `json:"maxDirty"`
	MaxRetryAttempts    int      `json:"maxRetryAttempts"`
	IdleTimeout         Duration `json:"idleTimeout"`
	MetadataQuietPeriod Duration `json:"metadataQuietPeriod"`
	MetadataMaxDirty    Duration `json:"metadataMaxDirty"`

	OutboxHighWater int      `json:"outboxHighWater"`
	PingInterval    Duration `json:"pingInterval"`
	WriteTimeout    Duration `json:"writeTimeout"`
	MaxFrameBytes   int64    `json:"maxFrameBytes"`
	RateLimitMax    int      `json:"rateLimitMax"`
	RateLimitWindow Duration `json:"rateLimitWindow"`
	ShutdownTimeout Duration `json:"shutdownTimeout"`

	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`

	// DevMode allows running without a JWT secret; tokens are then signed
	// with a well-known development key.
	DevMode bool `json:"devMode"`

	// File is the JSON overlay that was read, if any.
	File string `json:"-"`
	// Warnings lists values that were ignored in favour of the previous one.
	Warnings []string `json:"-"`
}

func Defaults() Config {
	return Config{
		Addr:                ":8080",
		JWTAudience:         "collabsync",
		StorageDSN:          "memory://",
		EventChannel:        "collab.metadata.changed",
		EventQueueSize:      1024,
		QuietPeriod:         Duration(2 * time.Second),
		MaxDirty:            Duration(30 * time.Second),
		MaxRetryAttempts:    5,
		IdleTimeout:         Duration(30 * time.Second),
		MetadataQuietPeriod: Duration(2 * time.Second),
		MetadataMaxDirty:    Duration(30 * time.Second),
		OutboxHighWater:     256,
		PingInterval:        Duration(30 * time.Second),
		WriteTimeout:        Duration(10 * time.Second),
		MaxFrameBytes:       1 << 20,
		RateLimitWindow:     Duration(time.Minute),
		ShutdownTimeout:     Duration(15 * time.Second),
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// Load starts from Defaults, overlays the file named by COLLAB_CONFIG_FILE
// and then the environment.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.overlayEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Reload builds the configuration again from path. Environment values keep
// precedence over the file, as in Load.
func Reload(path string) (Config, error) {
	cfg := Defaults()
	if err := cfg.overlayFile(path); err != nil {
		return Config{}, err
	}
	cfg.overlayEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.File = path
	return nil
}

func (c *Config) overlayEnv() {
	c.Addr = stringEnv("COLLAB_ADDR", c.Addr)
	c.JWTSecret = stringEnv("COLLAB_JWT_SECRET", c.JWTSecret)
	c.JWTAudience = stringEnv("COLLAB_JWT_AUDIENCE", c.JWTAudience)
	if raw := strings.TrimSpace(os.Getenv("COLLAB_ALLOWED_ORIGINS")); raw != "" {
		c.AllowedOrigins = splitList(raw)
	}
	c.StorageDSN = stringEnv("COLLAB_STORAGE_DSN", c.StorageDSN)
	c.MetadataDSN = stringEnv("COLLAB_METADATA_DSN", c.MetadataDSN)
	c.RedisURL = stringEnv("COLLAB_REDIS_URL", c.RedisURL)
	c.EventChannel = stringEnv("COLLAB_EVENT_CHANNEL", c.EventChannel)
	c.EventQueueSize = c.intEnv("COLLAB_EVENT_QUEUE_SIZE", c.EventQueueSize)

	c.QuietPeriod = c.durationEnv("COLLAB_QUIET_PERIOD", c.QuietPeriod)
	c.MaxDirty = c.durationEnv("COLLAB_MAX_DIRTY", c.MaxDirty)
	c.MaxRetryAttempts = c.intEnv("COLLAB_MAX_RETRY_ATTEMPTS", c.MaxRetryAttempts)
	c.IdleTimeout = c.durationEnv("COLLAB_IDLE_TIMEOUT", c.IdleTimeout)
	c.MetadataQuietPeriod = c.durationEnv("COLLAB_METADATA_QUIET_PERIOD", c.MetadataQuietPeriod)
	c.MetadataMaxDirty = c.durationEnv("COLLAB_METADATA_MAX_DIRTY", c.MetadataMaxDirty)

	c.OutboxHighWater = c.intEnv("COLLAB_OUTBOX_HIGH_WATER", c.OutboxHighWater)
	c.PingInterval = c.durationEnv("COLLAB_PING_INTERVAL", c.PingInterval)
	c.WriteTimeout = c.durationEnv("COLLAB_WRITE_TIMEOUT", c.WriteTimeout)
	c.MaxFrameBytes = c.int64Env("COLLAB_MAX_FRAME_BYTES", c.MaxFrameBytes)
	c.RateLimitMax = c.intEnv("COLLAB_RATE_LIMIT_MAX", c.RateLimitMax)
	c.RateLimitWindow = c.durationEnv("COLLAB_RATE_LIMIT_WINDOW", c.RateLimitWindow)
	c.ShutdownTimeout = c.durationEnv("COLLAB_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.LogLevel = stringEnv("COLLAB_LOG_LEVEL", c.LogLevel)
	c.LogFormat = stringEnv("COLLAB_LOG_FORMAT", c.LogFormat)
	c.DevMode = c.boolEnv("COLLAB_DEV_MODE", c.DevMode)
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.JWTSecret == "" && !c.DevMode {
		errs = append(errs, errors.New("jwtSecret is required unless devMode is set"))
	}
	if c.QuietPeriod <= 0 {
		errs = append(errs, errors.New("quietPeriod must be positive"))
	}
	if c.MaxDirty < c.QuietPeriod {
		errs = append(errs, errors.New("maxDirty must not be shorter than quietPeriod"))
	}
	if c.MaxRetryAttempts < 1 {
		errs = append(errs, errors.New("maxRetryAttempts must be at least 1"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idleTimeout must be positive"))
	}
	if c.OutboxHighWater < 1 {
		errs = append(errs, errors.New("outboxHighWater must be at least 1"))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown logFormat %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func (c *Config) intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, fallback))
		return fallback
	}
	return value
}

func (c *Config) int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using fallback %d", name, raw, fallback))
		return fallback
	}
	return value
}

func (c *Config) boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using fallback %t", name, raw, fallback))
		return fallback
	}
	return value
}

func (c *Config) durationEnv(name string, fallback Duration) Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("invalid %s=%q, using fallback %s", name, raw, fallback.Std()))
		return fallback
	}
	return Duration(value)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

const (
	defaultAppName          = "ClinicSession"
	defaultAppEnv           = "development"
	defaultPort             = "7070"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultRemoteTimeout    = 30 * time.Second
	defaultPinAttemptLimit  = 5
	defaultPinBlockDuration = 20 * time.Minute
	defaultSyncSchedule     = "@every 15m"
	defaultSyncRetryCount   = 1
	defaultRedisKeyPrefix   = "clinic:"
	idemTTLSecondsEnvVar    = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar        = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar   = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar  = "SHUTDOWN_TIMEOUT"
	remoteTimeoutEnvVar     = "REMOTE_API_TIMEOUT"
	pinAttemptLimitEnvVar   = "PIN_ATTEMPT_LIMIT"
	pinBlockDurationEnvVar  = "PIN_BLOCK_DURATION"
	pinProtectionEnvVar     = "PIN_PROTECTION_ENABLED"
	syncRetryCountEnvVar    = "SYNC_RETRY_COUNT"
	syncScheduleEnvVar      = "SYNC_SCHEDULE"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LogFormat      string
	DatabaseURL    string
	RedisURL       string
	RedisKeyPrefix string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	RemoteAPIURL     string
	RemoteAPITimeout time.Duration

	PinAttemptLimit      int
	PinBlockDuration     time.Duration
	PinProtectionEnabled bool

	SyncSchedule   string
	SyncRetryCount int
}

// LoadDotEnv seeds the environment from the given files (".env" when none
// are given). Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:              getEnv("APP_NAME", defaultAppName),
		AppEnv:               getEnv("APP_ENV", defaultAppEnv),
		Port:                 getEnv("PORT", defaultPort),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:            strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		RedisKeyPrefix:       getEnv("REDIS_KEY_PREFIX", defaultRedisKeyPrefix),
		ShutdownPeriod:       defaultShutdownDelay,
		IdempotencyTTL:       defaultIdempotencyTTL,
		RemoteAPIURL:         strings.TrimRight(os.Getenv("REMOTE_API_URL"), "/"),
		RemoteAPITimeout:     defaultRemoteTimeout,
		PinAttemptLimit:      defaultPinAttemptLimit,
		PinBlockDuration:     defaultPinBlockDuration,
		PinProtectionEnabled: true,
		SyncSchedule:         getEnv(syncScheduleEnvVar, defaultSyncSchedule),
		SyncRetryCount:       defaultSyncRetryCount,
	}

	var err error
	if cfg.ShutdownPeriod, err = secondsOrDuration(shutdownSecondsEnvVar, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = secondsOrDuration(idemTTLSecondsEnvVar, idemTTLDurEnvVar, cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.RemoteAPITimeout, err = duration(remoteTimeoutEnvVar, cfg.RemoteAPITimeout); err != nil {
		return Config{}, err
	}
	if cfg.PinBlockDuration, err = duration(pinBlockDurationEnvVar, cfg.PinBlockDuration); err != nil {
		return Config{}, err
	}
	if cfg.PinAttemptLimit, err = integer(pinAttemptLimitEnvVar, cfg.PinAttemptLimit); err != nil {
		return Config{}, err
	}
	if cfg.SyncRetryCount, err = integer(syncRetryCountEnvVar, cfg.SyncRetryCount); err != nil {
		return Config{}, err
	}
	if v := os.Getenv(pinProtectionEnvVar); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", pinProtectionEnvVar, err)
		}
		cfg.PinProtectionEnabled = enabled
	}

	if cfg.PinAttemptLimit <= 0 {
		return Config{}, fmt.Errorf("%s must be positive", pinAttemptLimitEnvVar)
	}
	if cfg.PinBlockDuration < 0 {
		return Config{}, fmt.Errorf("%s must not be negative", pinBlockDurationEnvVar)
	}
	if cfg.SyncRetryCount < 0 {
		return Config{}, fmt.Errorf("%s must not be negative", syncRetryCountEnvVar)
	}
	if _, err := cron.ParseStandard(cfg.SyncSchedule); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", syncScheduleEnvVar, err)
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}
	if cfg.RemoteAPIURL == "" {
		return Config{}, fmt.Errorf("REMOTE_API_URL must be set")
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects. The agent
// only serves the device, so a bare port binds to loopback.
func (c Config) Address() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return "127.0.0.1:" + c.Port
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func secondsOrDuration(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	return duration(durationKey, fallback)
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func integer(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all tunable timings and limits for the session engine.
// Everything is overridable from the environment so operators can slow
// accounts down further without a rebuild.
type Config struct {
	// Authentication
	AuthTimeout    time.Duration // total window for QR scan + login
	QRPollInterval time.Duration // how often to check login state while AwaitingQR

	// Dispatch
	SendTimeout     time.Duration // per-send deadline against the browser session
	ReadTimeout     time.Duration // per inbound read deadline
	MaxSendAttempts int           // attempts per item before recording a failure
	RetryBackoff    time.Duration // first retry delay, doubles per attempt

	// Auto-reply
	InboundPollInterval time.Duration

	// Default pacing, used when a session is created without an explicit policy
	DefaultMinDelay  time.Duration
	DefaultMaxJitter time.Duration

	// Daily outreach cap; 0 disables the cap
	DailySendLimit int
	DailyResetHour int // local hour (0-23) at which the cap resets

	// Cleanup
	TerminatedGracePeriod time.Duration // how long dead sessions stay visible
	JanitorInterval       time.Duration
}

// Load reads configuration from the environment with production defaults.
func Load() Config {
	return Config{
		AuthTimeout:           getDuration("AUTH_TIMEOUT", 120*time.Second),
		QRPollInterval:        getDuration("QR_POLL_INTERVAL", 2*time.Second),
		SendTimeout:           getDuration("SEND_TIMEOUT", 30*time.Second),
		ReadTimeout:           getDuration("READ_TIMEOUT", 15*time.Second),
		MaxSendAttempts:       getInt("MAX_SEND_ATTEMPTS", 3),
		RetryBackoff:          getDuration("RETRY_BACKOFF", 2*time.Second),
		InboundPollInterval:   getDuration("INBOUND_POLL_INTERVAL", 5*time.Second),
		DefaultMinDelay:       getDuration("DEFAULT_MIN_DELAY", 5*time.Second),
		DefaultMaxJitter:      getDuration("DEFAULT_MAX_JITTER", 3*time.Second),
		DailySendLimit:        getCount("DAILY_SEND_LIMIT", 0),
		DailyResetHour:        getHour("DAILY_RESET_HOUR", 0),
		TerminatedGracePeriod: getDuration("TERMINATED_GRACE_PERIOD", 45*time.Second),
		JanitorInterval:       getDuration("JANITOR_INTERVAL", 15*time.Second),
	}
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[Config] Invalid %s=%q, using default %v", key, v, def)
		return def
	}
	return d
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		log.Printf("[Config] Invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

// getCount is getInt with zero allowed; zero disables the feature it gates.
func getCount(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Printf("[Config] Invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func getHour(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > 23 {
		log.Printf("[Config] Invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

// GetEnv returns an environment variable or a default.
func GetEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Package config provides the environment-driven configuration schema and the
// optional assistant profile for the voxline server.
//
// Runtime settings (credentials, endpoints, limits) come from the
// environment via [FromEnv]; the assistant's persona lives in an optional
// YAML [Profile] that can be hot-reloaded with a [Watcher].
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// LogLevel controls log verbosity for the voxline server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to the slog level it names. Unrecognised values map to
// info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [FromEnv] when the corresponding key is unset.
const (
	DefaultRealtimeModel   = "gpt-4o-realtime-preview"
	DefaultVoice           = "alloy"
	DefaultRecapModel      = "gpt-4o-mini"
	DefaultPort            = 8080
	DefaultSessionCacheURL = "redis://localhost:6379/0"
	DefaultMaxCallMinutes  = 5
)

// Config is the root runtime configuration, populated from the environment
// by [FromEnv].
type Config struct {
	// LLMAPIKey is the bearer token for both the realtime socket and the
	// recap completions. Required.
	LLMAPIKey string

	// RealtimeModel is the model query parameter on the realtime socket URL.
	RealtimeModel string

	// Voice is the default voice timbre; a profile may override it per
	// deployment.
	Voice string

	// RecapModel is the chat model used for post-call summaries. Empty
	// disables them; FromEnv maps the value "none" to empty.
	RecapModel string

	// TelephonyAuthToken verifies webhook signatures. Empty disables
	// verification.
	TelephonyAuthToken string

	// PublicURL is the externally reachable host used to build the WSS media
	// URL handed to the telephony provider. Required.
	PublicURL string

	// Port is the HTTP listener port.
	Port int

	// SessionCacheURL is the redis URL for the ephemeral call cache.
	SessionCacheURL string

	// DatabaseURL is the postgres DSN for the booking store. Required.
	DatabaseURL string

	// MaxCallDuration is the per-call ceiling. After it fires the assistant
	// gets a short grace period to say goodbye, then the call is cut.
	MaxCallDuration time.Duration

	// LogLevel controls verbosity.
	LogLevel LogLevel
}

// FromEnv builds a [Config] from the process environment, applying defaults
// for unset keys, and validates the result.
func FromEnv() (*Config, error) {
	cfg := &Config{
		LLMAPIKey:          os.Getenv("LLM_API_KEY"),
		RealtimeModel:      envOr("LLM_REALTIME_MODEL", DefaultRealtimeModel),
		Voice:              envOr("LLM_VOICE", DefaultVoice),
		RecapModel:         envOr("LLM_RECAP_MODEL", DefaultRecapModel),
		TelephonyAuthToken: os.Getenv("TELEPHONY_AUTH_TOKEN"),
		PublicURL:          normalizePublicURL(os.Getenv("PUBLIC_URL")),
		SessionCacheURL:    envOr("SESSION_CACHE_URL", DefaultSessionCacheURL),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		LogLevel:           LogLevel(envOr("LOG_LEVEL", string(LogInfo))),
	}

	port, err := envInt("PORT", DefaultPort)
	if err != nil {
		return nil, err
	}
	cfg.Port = port

	minutes, err := envInt("MAX_CALL_DURATION_MINUTES", DefaultMaxCallMinutes)
	if err != nil {
		return nil, err
	}
	cfg.MaxCallDuration = time.Duration(minutes) * time.Minute

	if strings.EqualFold(cfg.RecapModel, "none") {
		cfg.RecapModel = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that c contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func (c *Config) Validate() error {
	var errs []error

	if c.LLMAPIKey == "" {
		errs = append(errs, fmt.Errorf("config: LLM_API_KEY is required"))
	}
	if c.PublicURL == "" {
		errs = append(errs, fmt.Errorf("config: PUBLIC_URL is required"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("config: DATABASE_URL is required"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: PORT %d is out of range [1, 65535]", c.Port))
	}
	if c.MaxCallDuration <= 0 {
		errs = append(errs, fmt.Errorf("config: MAX_CALL_DURATION_MINUTES must be positive"))
	}
	if c.LogLevel != "" && !c.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("config: LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", c.LogLevel))
	}
	if c.SessionCacheURL != "" {
		if _, err := url.Parse(c.SessionCacheURL); err != nil {
			errs = append(errs, fmt.Errorf("config: SESSION_CACHE_URL is not a valid URL: %w", err))
		}
	}

	// Non-fatal concerns are warned, not refused.
	if c.TelephonyAuthToken == "" {
		slog.Warn("TELEPHONY_AUTH_TOKEN is empty; webhook signature verification is disabled")
	}

	return errors.Join(errs...)
}

// ListenAddr returns the TCP address the HTTP server binds,
// e.g. ":8080".
func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// SignatureVerificationEnabled reports whether inbound webhooks must carry a
// valid provider signature.
func (c *Config) SignatureVerificationEnabled() bool {
	return c.TelephonyAuthToken != ""
}

// normalizePublicURL assumes https for bare hostnames and strips a trailing
// slash so URL building can concatenate paths safely.
func normalizePublicURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	return strings.TrimSuffix(raw, "/")
}

// envOr returns the value of key, or fallback when unset or empty.
func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// envInt parses key as an integer, returning fallback when unset.
func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s %q is not an integer", key, v)
	}
	return n, nil
}

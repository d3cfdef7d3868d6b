// Package config holds OPERATOR-LEVEL configuration for a snare installation.
//
// This is infrastructure config set by whoever deploys the engagement core,
// NOT per-session or counterparty-facing state. Everything here is resolved
// once at process start via env vars (SNARE_*) or a config file
// (snare.config.yaml) and passed down as an immutable *Config.
//
// Finalization thresholds, retry budgets, and SLO targets all live here so
// that the orchestrator, outbox worker, and aggregator never read the
// environment directly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the SNARE_ prefix
// (e.g. "callback_url" → SNARE_CALLBACK_URL) and to a YAML field
// in snare.config.yaml.
const (
	KeyDataDir = "data_dir"

	KeyCallbackURL             = "callback_url"
	KeyCallbackTimeoutSec      = "callback_timeout_sec"
	KeyCallbackMaxAttempts     = "callback_max_attempts"
	KeyCallbackBaseDelayMS     = "callback_base_delay_ms"
	KeyCallbackMaxDelayMS      = "callback_max_delay_ms"
	KeyCallbackRetry429        = "callback_retry_429"
	KeyCallbackContractVersion = "callback_contract_version"

	KeyFinalizeMinIOCCategories = "finalize_min_ioc_categories"
	KeyFinalizeMinRedFlags      = "finalize_min_red_flags"
	KeyQuorumRequireBoth        = "quorum_require_both"
	KeyQuorumMinTurns           = "quorum_min_turns"
	KeyMaxTurns                 = "max_turns"
	KeyInactivitySeconds        = "inactivity_seconds"
	KeyNoProgressTurns          = "no_progress_turns"
	KeyRepeatLimit              = "repeat_limit"

	KeyOutboxPollIntervalMS = "outbox_poll_interval_ms"
	KeyOutboxClaimTTLSec    = "outbox_claim_ttl_sec"
	KeyWatchdogSpec         = "watchdog_spec"

	KeySLOWindowSeconds     = "slo_window_seconds"
	KeyTargetFinalizeP95Sec = "target_finalize_p95_sec"
	KeyTargetCallbackP95Sec = "target_callback_p95_sec"
	KeyRateLimitRPS         = "rate_limit_rps"
	KeyRateLimitBurst       = "rate_limit_burst"
	KeyRecognizerFile       = "recognizer_file"
)

// Defaults. Retry and window defaults mirror the delivery SLO: a report must
// survive hours of downstream outage without being dropped, so the retry
// ceiling is one hour and the attempt budget is generous.
const (
	DefaultCallbackTimeoutSec  = 12
	DefaultCallbackMaxAttempts = 12
	DefaultCallbackBaseDelayMS = 1000
	DefaultCallbackMaxDelayMS  = 3600000
	DefaultContractVersion     = "1.1"

	DefaultMinIOCCategories = 2
	DefaultMinRedFlags      = 3
	// DefaultQuorumMinTurns delays the evidence-quorum trigger until the
	// engagement has some depth: an artifact-dense opening message will not
	// end a session before turn 8. Operators who want quorum to fire on the
	// message that completes it must lower quorum_min_turns.
	DefaultQuorumMinTurns = 8
	DefaultMaxTurns         = 10
	DefaultInactivitySec    = 180
	DefaultNoProgressTurns  = 3
	DefaultRepeatLimit      = 2

	DefaultOutboxPollMS   = 500
	DefaultOutboxClaimTTL = 60
	DefaultWatchdogSpec   = "* * * * *" // every minute, standard 5-field cron
	DefaultSLOWindowSec   = 900
	DefaultFinalizeP95Sec = 5.0
	DefaultCallbackP95Sec = 3.0
	DefaultRateLimitRPS   = 5
	DefaultRateLimitBurst = 10
)

// Config holds resolved operator-level configuration for a snare process.
type Config struct {
	DataDir string // Base directory for all state (~/.snare)

	// Delivery
	CallbackURL             string
	CallbackTimeout         time.Duration
	CallbackMaxAttempts     int
	CallbackBaseDelay       time.Duration
	CallbackMaxDelay        time.Duration
	CallbackRetry429        bool // when true, 429 is retryable instead of terminal
	CallbackContractVersion string

	// Finalization triggers
	MinIOCCategories  int
	MinRedFlags       int
	QuorumRequireBoth bool // AND the two quorum sub-conditions instead of OR
	QuorumMinTurns    int
	MaxTurns          int
	InactivityWindow  time.Duration
	NoProgressTurns   int
	RepeatLimit       int

	// Outbox worker
	OutboxPollInterval time.Duration
	OutboxClaimTTL     time.Duration
	WatchdogSpec       string

	// SLO / admin
	SLOWindow         time.Duration
	TargetFinalizeP95 float64 // seconds
	TargetCallbackP95 float64 // seconds
	RateLimitRPS      float64
	RateLimitBurst    int

	// Optional operator recognizer override file (YAML, artifact registry format)
	RecognizerFile string
}

// SessionsDBPath returns the full path to the session/outbox SQLite database.
func (c *Config) SessionsDBPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("SNARE")
	viper.AutomaticEnv()

	viper.SetDefault(KeyCallbackTimeoutSec, DefaultCallbackTimeoutSec)
	viper.SetDefault(KeyCallbackMaxAttempts, DefaultCallbackMaxAttempts)
	viper.SetDefault(KeyCallbackBaseDelayMS, DefaultCallbackBaseDelayMS)
	viper.SetDefault(KeyCallbackMaxDelayMS, DefaultCallbackMaxDelayMS)
	viper.SetDefault(KeyCallbackRetry429, true)
	viper.SetDefault(KeyCallbackContractVersion, DefaultContractVersion)

	viper.SetDefault(KeyFinalizeMinIOCCategories, DefaultMinIOCCategories)
	viper.SetDefault(KeyFinalizeMinRedFlags, DefaultMinRedFlags)
	viper.SetDefault(KeyQuorumRequireBoth, false)
	viper.SetDefault(KeyQuorumMinTurns, DefaultQuorumMinTurns)
	viper.SetDefault(KeyMaxTurns, DefaultMaxTurns)
	viper.SetDefault(KeyInactivitySeconds, DefaultInactivitySec)
	viper.SetDefault(KeyNoProgressTurns, DefaultNoProgressTurns)
	viper.SetDefault(KeyRepeatLimit, DefaultRepeatLimit)

	viper.SetDefault(KeyOutboxPollIntervalMS, DefaultOutboxPollMS)
	viper.SetDefault(KeyOutboxClaimTTLSec, DefaultOutboxClaimTTL)
	viper.SetDefault(KeyWatchdogSpec, DefaultWatchdogSpec)

	viper.SetDefault(KeySLOWindowSeconds, DefaultSLOWindowSec)
	viper.SetDefault(KeyTargetFinalizeP95Sec, DefaultFinalizeP95Sec)
	viper.SetDefault(KeyTargetCallbackP95Sec, DefaultCallbackP95Sec)
	viper.SetDefault(KeyRateLimitRPS, DefaultRateLimitRPS)
	viper.SetDefault(KeyRateLimitBurst, DefaultRateLimitBurst)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir: resolveDataDir(),

		CallbackURL:             viper.GetString(KeyCallbackURL),
		CallbackTimeout:         time.Duration(viper.GetInt(KeyCallbackTimeoutSec)) * time.Second,
		CallbackMaxAttempts:     viper.GetInt(KeyCallbackMaxAttempts),
		CallbackBaseDelay:       time.Duration(viper.GetInt(KeyCallbackBaseDelayMS)) * time.Millisecond,
		CallbackMaxDelay:        time.Duration(viper.GetInt(KeyCallbackMaxDelayMS)) * time.Millisecond,
		CallbackRetry429:        viper.GetBool(KeyCallbackRetry429),
		CallbackContractVersion: viper.GetString(KeyCallbackContractVersion),

		MinIOCCategories:  viper.GetInt(KeyFinalizeMinIOCCategories),
		MinRedFlags:       viper.GetInt(KeyFinalizeMinRedFlags),
		QuorumRequireBoth: viper.GetBool(KeyQuorumRequireBoth),
		QuorumMinTurns:    viper.GetInt(KeyQuorumMinTurns),
		MaxTurns:          viper.GetInt(KeyMaxTurns),
		InactivityWindow:  time.Duration(viper.GetInt(KeyInactivitySeconds)) * time.Second,
		NoProgressTurns:   viper.GetInt(KeyNoProgressTurns),
		RepeatLimit:       viper.GetInt(KeyRepeatLimit),

		OutboxPollInterval: time.Duration(viper.GetInt(KeyOutboxPollIntervalMS)) * time.Millisecond,
		OutboxClaimTTL:     time.Duration(viper.GetInt(KeyOutboxClaimTTLSec)) * time.Second,
		WatchdogSpec:       viper.GetString(KeyWatchdogSpec),

		SLOWindow:         time.Duration(viper.GetInt(KeySLOWindowSeconds)) * time.Second,
		TargetFinalizeP95: viper.GetFloat64(KeyTargetFinalizeP95Sec),
		TargetCallbackP95: viper.GetFloat64(KeyTargetCallbackP95Sec),
		RateLimitRPS:      viper.GetFloat64(KeyRateLimitRPS),
		RateLimitBurst:    viper.GetInt(KeyRateLimitBurst),

		RecognizerFile: viper.GetString(KeyRecognizerFile),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".snare"
	}
	return filepath.Join(home, ".snare")
}

func (c *Config) validate() error {
	if c.CallbackTimeout <= 0 {
		return fmt.Errorf("callback_timeout_sec must be positive")
	}
	if c.CallbackMaxAttempts <= 0 {
		return fmt.Errorf("callback_max_attempts must be positive")
	}
	if c.CallbackBaseDelay <= 0 || c.CallbackMaxDelay < c.CallbackBaseDelay {
		return fmt.Errorf("callback delay bounds invalid: base=%s max=%s", c.CallbackBaseDelay, c.CallbackMaxDelay)
	}
	if c.MinIOCCategories <= 0 {
		return fmt.Errorf("finalize_min_ioc_categories must be positive")
	}
	if c.MaxTurns <= 0 {
		return fmt.Errorf("max_turns must be positive")
	}
	if c.InactivityWindow <= 0 {
		return fmt.Errorf("inactivity_seconds must be positive")
	}
	if c.SLOWindow <= 0 {
		return fmt.Errorf("slo_window_seconds must be positive")
	}
	return nil
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxctl/internal/ratelimit"
	"github.com/MrWong99/voxctl/internal/settings"
	"github.com/MrWong99/voxctl/pkg/types"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultLogMaxSizeMB = 100
)

// EnvPrefix prefixes every environment variable read by [ApplyEnv].
const EnvPrefix = "VOXCTL_"

// LookupFunc reports the value of an environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies VOXCTL_*
// environment overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, nil)
}

func parse(data []byte, lookup LookupFunc) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		if err := ApplyEnv(cfg, lookup); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults. Governor and
// controller zero values are resolved by their own packages.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Server.LogMaxSizeMB == 0 {
		cfg.Server.LogMaxSizeMB = DefaultLogMaxSizeMB
	}
	if cfg.RateLimit.STT == (ratelimit.Limits{}) {
		cfg.RateLimit.STT = ratelimit.DefaultLimits(types.OperationSTT)
	}
	if cfg.RateLimit.TTS == (ratelimit.Limits{}) {
		cfg.RateLimit.TTS = ratelimit.DefaultLimits(types.OperationTTS)
	}
	if cfg.Settings.Store.Driver == "" {
		cfg.Settings.Store.Driver = StoreMemory
	}
}

// ApplyEnv overrides fields from VOXCTL_* environment variables:
//
//	VOXCTL_LISTEN_ADDR          server.listen_addr
//	VOXCTL_LOG_LEVEL            server.log_level
//	VOXCTL_LOG_FORMAT           server.log_format
//	VOXCTL_LOG_FILE             server.log_file
//	VOXCTL_RATE_LIMIT_ENABLED   rate_limit.enabled
//	VOXCTL_POSTGRES_DSN         settings.store.postgres_dsn (selects the postgres driver)
//	VOXCTL_TOGGLES_URL          toggles.remote_url
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return v, ok && v != ""
	}
	var errs []error

	if v, ok := get("LISTEN_ADDR"); ok {
		cfg.Server.ListenAddr = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.Server.LogFormat = LogFormat(v)
	}
	if v, ok := get("LOG_FILE"); ok {
		cfg.Server.LogFile = v
	}
	if v, ok := get("RATE_LIMIT_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT_ENABLED: %w", EnvPrefix, err))
		} else {
			cfg.RateLimit.Enabled = &b
		}
	}
	if v, ok := get("POSTGRES_DSN"); ok {
		cfg.Settings.Store.PostgresDSN = v
		if cfg.Settings.Store.Driver == "" {
			cfg.Settings.Store.Driver = StorePostgres
		}
	}
	if v, ok := get("TOGGLES_URL"); ok {
		cfg.Toggles.RemoteURL = v
		cfg.Toggles.File = ""
	}
	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.LogMaxSizeMB < 0 {
		errs = append(errs, fmt.Errorf("server.log_max_size_mb %d must not be negative", cfg.Server.LogMaxSizeMB))
	}
	if cfg.Server.LogMaxBackups < 0 {
		errs = append(errs, fmt.Errorf("server.log_max_backups %d must not be negative", cfg.Server.LogMaxBackups))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Rate limits
	for name, lim := range map[string]ratelimit.Limits{"stt": cfg.RateLimit.STT, "tts": cfg.RateLimit.TTS} {
		if lim.Burst < 0 || lim.PerMinute < 0 || lim.PerHour < 0 {
			errs = append(errs, fmt.Errorf("rate_limit.%s: limits must not be negative", name))
		}
		if lim.BurstWindow < 0 {
			errs = append(errs, fmt.Errorf("rate_limit.%s.burst_window %s must not be negative", name, lim.BurstWindow))
		}
	}
	if !cfg.RateLimit.IsEnabled() {
		slog.Warn("config: rate limiting is disabled")
	}

	// Governor
	g := cfg.Governor
	if g.MaxConcurrentSessions < 0 {
		errs = append(errs, fmt.Errorf("governor.max_concurrent_sessions %d must not be negative", g.MaxConcurrentSessions))
	}
	if g.MemoryLimitMB < 0 || g.SessionMemoryMB < 0 {
		errs = append(errs, errors.New("governor: memory limits must not be negative"))
	}
	if g.StaleAfter < 0 || g.SweepInterval < 0 {
		errs = append(errs, errors.New("governor: stale_after and sweep_interval must not be negative"))
	}
	if g.MaxSamples < 0 {
		errs = append(errs, fmt.Errorf("governor.max_samples %d must not be negative", g.MaxSamples))
	}
	if g.MemoryLimitMB > 0 && g.SessionMemoryMB > g.MemoryLimitMB {
		slog.Warn("config: governor.session_memory_mb exceeds memory_limit_mb; every session will be refused",
			"session_memory_mb", g.SessionMemoryMB,
			"memory_limit_mb", g.MemoryLimitMB,
		)
	}

	// Controller
	c := cfg.Controller
	if c.MaxRecordingDuration != nil && *c.MaxRecordingDuration < 0 {
		errs = append(errs, fmt.Errorf("controller.max_recording_duration %s must not be negative", *c.MaxRecordingDuration))
	}
	if c.NetworkRetries != nil && *c.NetworkRetries < 0 {
		errs = append(errs, fmt.Errorf("controller.network_retries %d must not be negative", *c.NetworkRetries))
	}
	if c.RetryBackoff < 0 || c.RetryMaxBackoff < 0 || c.BreakerReset < 0 {
		errs = append(errs, errors.New("controller: durations must not be negative"))
	}
	if c.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("controller.breaker_failures %d must not be negative", c.BreakerFailures))
	}

	// Settings
	if _, err := cfg.Settings.Defaults.Merge(settings.Defaults()); err != nil {
		errs = append(errs, fmt.Errorf("settings.defaults: %w", err))
	}
	st := cfg.Settings.Store
	if st.Driver != "" && !st.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("settings.store.driver %q is invalid; valid values: memory, postgres", st.Driver))
	}
	if st.Driver == StorePostgres && st.PostgresDSN == "" {
		errs = append(errs, errors.New("settings.store.postgres_dsn is required when driver is postgres"))
	}
	if st.Driver == StoreMemory && st.PostgresDSN != "" {
		slog.Warn("config: settings.store.postgres_dsn is ignored by the memory driver")
	}

	// Toggles
	t := cfg.Toggles
	if t.RemoteURL != "" && t.File != "" {
		errs = append(errs, errors.New("toggles: remote_url and file are mutually exclusive"))
	}
	if t.RemoteURL != "" {
		if u, err := url.Parse(t.RemoteURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("toggles.remote_url %q must be an absolute http(s) URL", t.RemoteURL))
		}
	}
	if t.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("toggles.poll_interval %s must not be negative", t.PollInterval))
	}
	if err := t.Config.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("toggles: %w", err))
	}
	if t.HasSource() && len(t.Toggles) > 0 {
		slog.Warn("config: inline toggles are replaced by the first document fetched from the toggle source",
			"source", t.Source().String(),
		)
	}

	return errors.Join(errs...)
}

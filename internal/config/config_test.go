package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxctl/internal/config"
	"github.com/MrWong99/voxctl/internal/ratelimit"
	"github.com/MrWong99/voxctl/internal/toggle"
	"github.com/MrWong99/voxctl/internal/voice"
	"github.com/MrWong99/voxctl/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  log_format: json
  log_file: /var/log/voxctl.log
  log_max_size_mb: 20
  log_max_backups: 3
  allowed_origins: ["chat.example.com"]

rate_limit:
  enabled: true
  stt:
    burst: 2
    burst_window: 5s
    per_minute: 8
    per_hour: 60

governor:
  max_concurrent_sessions: 4
  memory_limit_mb: 200
  session_memory_mb: 15
  stale_after: 2m
  sweep_interval: 10s

controller:
  max_recording_duration: 45s
  network_retries: 0
  retry_backoff: 250ms
  breaker_failures: 3

settings:
  defaults:
    speech_rate: 1.2
    language: de-DE
  store:
    driver: postgres
    postgres_dsn: "postgres://localhost/voxctl"

toggles:
  poll_interval: 1m
  toggles:
    - name: voice_auto_play
      enabled: true
      rollout_percentage: 50
      user_groups: [beta]
  experiments:
    - name: voice_style
      variants: [calm, lively]
      percentage: 20
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug || cfg.Server.LogFormat != config.LogFormatJSON {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.LogMaxSizeMB != 20 || cfg.Server.LogMaxBackups != 3 {
		t.Errorf("log rotation = %d/%d", cfg.Server.LogMaxSizeMB, cfg.Server.LogMaxBackups)
	}

	wantSTT := ratelimit.Limits{Burst: 2, BurstWindow: 5 * time.Second, PerMinute: 8, PerHour: 60}
	if cfg.RateLimit.STT != wantSTT {
		t.Errorf("rate_limit.stt = %+v, want %+v", cfg.RateLimit.STT, wantSTT)
	}
	if cfg.RateLimit.TTS != ratelimit.DefaultLimits(types.OperationTTS) {
		t.Errorf("rate_limit.tts should default, got %+v", cfg.RateLimit.TTS)
	}

	g := cfg.Governor.Governor()
	if g.MaxConcurrentSessions != 4 || g.MemoryLimitMB != 200 || g.StaleAfter != 2*time.Minute {
		t.Errorf("governor = %+v", g)
	}

	vc := cfg.Controller.Voice()
	if vc.MaxRecordingDuration != 45*time.Second {
		t.Errorf("MaxRecordingDuration = %s", vc.MaxRecordingDuration)
	}
	if vc.NetworkRetries != 0 {
		t.Errorf("NetworkRetries = %d, want explicit 0", vc.NetworkRetries)
	}
	if vc.RetryBackoff.Initial != 250*time.Millisecond || vc.BreakerFailures != 3 {
		t.Errorf("controller = %+v", vc)
	}
	if vc.BreakerReset != voice.DefaultConfig().BreakerReset {
		t.Errorf("BreakerReset should default, got %s", vc.BreakerReset)
	}

	d := cfg.Settings.EffectiveDefaults()
	if d.SpeechRate != 1.2 || d.Language != "de-DE" || d.SpeechPitch != 1.0 {
		t.Errorf("effective defaults = %+v", d)
	}
	if cfg.Settings.Store.Driver != config.StorePostgres {
		t.Errorf("store driver = %q", cfg.Settings.Store.Driver)
	}

	if len(cfg.Toggles.Toggles) != 1 || cfg.Toggles.Toggles[0].Name != "voice_auto_play" {
		t.Fatalf("toggles = %+v", cfg.Toggles.Toggles)
	}
	if len(cfg.Toggles.Experiments) != 1 || cfg.Toggles.Experiments[0].Percentage != 20 {
		t.Errorf("experiments = %+v", cfg.Toggles.Experiments)
	}
	if cfg.Toggles.HasSource() || cfg.Toggles.Source() != nil {
		t.Error("no toggle source configured")
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "")

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo || cfg.Server.LogFormat != config.LogFormatText {
		t.Errorf("logging = %q/%q", cfg.Server.LogLevel, cfg.Server.LogFormat)
	}
	if !cfg.RateLimit.IsEnabled() {
		t.Error("rate limiting should default to enabled")
	}
	if cfg.RateLimit.STT != ratelimit.DefaultLimits(types.OperationSTT) {
		t.Errorf("stt limits = %+v", cfg.RateLimit.STT)
	}
	if cfg.Settings.Store.Driver != config.StoreMemory {
		t.Errorf("store driver = %q", cfg.Settings.Store.Driver)
	}
	if cfg.Controller.Voice() != voice.DefaultConfig() {
		t.Errorf("controller = %+v", cfg.Controller.Voice())
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_port: 80\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "listen_port") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestTogglesConfig_Source(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  config.TogglesConfig
		want toggle.Source
	}{
		{"none", config.TogglesConfig{}, nil},
		{"remote", config.TogglesConfig{RemoteURL: "https://flags.example.com/voice.yaml"}, toggle.HTTPSource{URL: "https://flags.example.com/voice.yaml"}},
		{"file", config.TogglesConfig{File: "/etc/voxctl/toggles.yaml"}, toggle.FileSource{Path: "/etc/voxctl/toggles.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.cfg.Source(); got != tt.want {
				t.Errorf("Source() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	for lvl, want := range map[config.LogLevel]string{
		config.LogDebug: "DEBUG",
		config.LogInfo:  "INFO",
		config.LogWarn:  "WARN",
		config.LogError: "ERROR",
		"bogus":         "INFO",
	} {
		if got := lvl.SlogLevel().String(); got != want {
			t.Errorf("%q.SlogLevel() = %s, want %s", lvl, got, want)
		}
	}
}

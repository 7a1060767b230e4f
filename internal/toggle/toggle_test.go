package toggle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxctl/internal/observe"
)

func mustManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(cfg, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func users(n int) []User {
	out := make([]User, n)
	for i := range out {
		out[i] = User{ID: fmt.Sprintf("user-%d", i)}
	}
	return out
}

func TestResolve_RolloutExtremes(t *testing.T) {
	m := mustManager(t, Config{Toggles: []Toggle{
		{Name: "none", Enabled: true, RolloutPercentage: 0},
		{Name: "all", Enabled: true, RolloutPercentage: 100},
	}})
	for _, u := range users(500) {
		if m.IsEnabled("none", u) {
			t.Fatalf("rollout 0 enabled for %s", u.ID)
		}
		if !m.IsEnabled("all", u) {
			t.Fatalf("rollout 100 disabled for %s", u.ID)
		}
	}
}

func TestResolve_RolloutIsDeterministicAndProportional(t *testing.T) {
	m := mustManager(t, Config{Toggles: []Toggle{{Name: "half", Enabled: true, RolloutPercentage: 50}}})
	enabled := 0
	for _, u := range users(2000) {
		first := m.IsEnabled("half", u)
		for range 3 {
			if m.IsEnabled("half", u) != first {
				t.Fatalf("resolution for %s changed between calls", u.ID)
			}
		}
		if first {
			enabled++
		}
	}
	if enabled < 800 || enabled > 1200 {
		t.Errorf("enabled for %d of 2000 users, want roughly half", enabled)
	}
}

func TestResolve_Gates(t *testing.T) {
	m := mustManager(t, Config{Toggles: []Toggle{
		{Name: "off", Enabled: false, RolloutPercentage: 100},
		{Name: "beta", Enabled: true, RolloutPercentage: 100, UserGroups: []string{"beta", "staff"}},
		{Name: "chrome", Enabled: true, RolloutPercentage: 100, Conditions: []Condition{
			{Type: ConditionBrowser, Values: []string{"Chrome", "Edge"}},
		}},
		{Name: "desktop-beta", Enabled: true, RolloutPercentage: 100, UserGroups: []string{"beta"}, Conditions: []Condition{
			{Type: ConditionPlatform, Values: []string{"windows", "macos", "linux"}},
		}},
		{Name: "custom", Enabled: true, RolloutPercentage: 100, Conditions: []Condition{
			{Type: ConditionCustom, Name: "attr", Values: []string{"tier", "gold"}},
		}},
		{Name: "missing-predicate", Enabled: true, RolloutPercentage: 100, Conditions: []Condition{
			{Type: ConditionCustom, Name: "nope"},
		}},
	}}, WithPredicate("attr", func(u User, v []string) bool { return u.Attrs[v[0]] == v[1] }))

	tests := []struct {
		toggle string
		user   User
		want   Resolution
	}{
		{"off", User{ID: "a"}, Resolution{Reason: ReasonDisabled}},
		{"unknown", User{ID: "a"}, Resolution{Reason: ReasonUnknown}},
		{"beta", User{ID: "a"}, Resolution{Reason: ReasonGroup}},
		{"beta", User{ID: "a", Groups: []string{"staff"}}, Resolution{Enabled: true, Reason: ReasonEnabled}},
		{"chrome", User{ID: "a", Browser: "firefox"}, Resolution{Reason: ReasonCondition}},
		{"chrome", User{ID: "a", Browser: "chrome"}, Resolution{Enabled: true, Reason: ReasonEnabled}},
		{"desktop-beta", User{ID: "a", Platform: "linux"}, Resolution{Reason: ReasonGroup}},
		{"desktop-beta", User{ID: "a", Groups: []string{"beta"}, Platform: "ios"}, Resolution{Reason: ReasonCondition}},
		{"desktop-beta", User{ID: "a", Groups: []string{"beta"}, Platform: "Linux"}, Resolution{Enabled: true, Reason: ReasonEnabled}},
		{"custom", User{ID: "a", Attrs: map[string]string{"tier": "gold"}}, Resolution{Enabled: true, Reason: ReasonEnabled}},
		{"custom", User{ID: "a", Attrs: map[string]string{"tier": "free"}}, Resolution{Reason: ReasonCondition}},
		{"missing-predicate", User{ID: "a"}, Resolution{Reason: ReasonCondition}},
	}
	for _, tt := range tests {
		t.Run(tt.toggle+"/"+fmt.Sprint(tt.user.Groups, tt.user.Browser, tt.user.Platform), func(t *testing.T) {
			if got := m.Resolve(tt.toggle, tt.user); got != tt.want {
				t.Errorf("Resolve = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolve_OverrideWins(t *testing.T) {
	m := mustManager(t, Config{Toggles: []Toggle{
		{Name: "off", Enabled: false},
		{Name: "on", Enabled: true, RolloutPercentage: 100},
	}}, WithOverride("off", true))

	if got := m.Resolve("off", User{}); !got.Enabled || got.Reason != ReasonOverride {
		t.Errorf("override on disabled toggle = %+v", got)
	}
	m.SetOverride("on", false)
	if m.IsEnabled("on", User{ID: "x"}) {
		t.Error("override false did not win")
	}
	m.ClearOverride("on")
	if !m.IsEnabled("on", User{ID: "x"}) {
		t.Error("cleared override still applied")
	}

	snap := m.Snapshot(User{ID: "x"})
	if len(snap) != 2 || !snap["off"].Enabled || !snap["on"].Enabled {
		t.Errorf("Snapshot = %+v", snap)
	}
}

func TestAssignVariant(t *testing.T) {
	m := mustManager(t, Config{Experiments: []Experiment{
		{Name: "voice", Variants: []string{"a", "b"}, Percentage: 50},
		{Name: "nobody", Variants: []string{"a"}, Percentage: 0},
	}})

	sampled := 0
	seen := map[string]int{}
	for _, u := range users(2000) {
		v, ok := m.AssignVariant("voice", u)
		v2, ok2 := m.AssignVariant("voice", u)
		if v != v2 || ok != ok2 {
			t.Fatalf("assignment for %s not deterministic", u.ID)
		}
		if ok {
			sampled++
			seen[v]++
		}
		if _, ok := m.AssignVariant("nobody", u); ok {
			t.Fatalf("0%% experiment sampled %s", u.ID)
		}
	}
	if sampled < 800 || sampled > 1200 {
		t.Errorf("sampled %d of 2000, want roughly half", sampled)
	}
	if seen["a"] == 0 || seen["b"] == 0 {
		t.Errorf("variants = %v, want both assigned", seen)
	}
	if _, ok := m.AssignVariant("missing", User{ID: "x"}); ok {
		t.Error("unknown experiment assigned a variant")
	}
}

func TestApplyConfig_NotifiesSubscribers(t *testing.T) {
	m := mustManager(t, Config{}, WithOverride("pinned", true))
	var got []string
	unsub := m.Subscribe(func(c Config) { got = append(got, fmt.Sprintf("first:%d", len(c.Toggles))) })
	m.Subscribe(func(c Config) { got = append(got, fmt.Sprintf("second:%d", len(c.Toggles))) })

	if err := m.ApplyConfig(Config{Toggles: []Toggle{{Name: "x", Enabled: true, RolloutPercentage: 100}}}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if want := "[first:1 second:1]"; fmt.Sprint(got) != want {
		t.Errorf("notifications = %v, want %s", got, want)
	}
	if !m.IsEnabled("x", User{ID: "u"}) || !m.IsEnabled("pinned", User{}) {
		t.Error("new toggle or surviving override not applied")
	}

	unsub()
	got = nil
	err := m.ApplyConfig(Config{Toggles: []Toggle{{Name: "bad", RolloutPercentage: 150}}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("invalid config err = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("invalid config notified %v", got)
	}
	if !m.IsEnabled("x", User{ID: "u"}) {
		t.Error("invalid config replaced the toggle set")
	}
}

func TestLoadConfig(t *testing.T) {
	doc := `
toggles:
  - name: voice_auto_play
    enabled: true
    rollout_percentage: 25
    user_groups: [beta]
    conditions:
      - type: browser
        values: [chrome]
experiments:
  - name: voice_style
    variants: [calm, lively]
    percentage: 10
`
	cfg, err := LoadConfig(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Toggles) != 1 || cfg.Toggles[0].RolloutPercentage != 25 || cfg.Toggles[0].Conditions[0].Type != ConditionBrowser {
		t.Errorf("toggles = %+v", cfg.Toggles)
	}
	if len(cfg.Experiments) != 1 || cfg.Experiments[0].Variants[1] != "lively" {
		t.Errorf("experiments = %+v", cfg.Experiments)
	}

	if _, err := LoadConfig(strings.NewReader(`{"toggles":[{"name":"j","enabled":true,"rollout_percentage":100}]}`)); err != nil {
		t.Errorf("JSON document: %v", err)
	}

	for name, bad := range map[string]string{
		"unknown field":  "toggles:\n  - name: x\n    colour: red\n",
		"duplicate":      "toggles:\n  - name: x\n  - name: x\n",
		"bad condition":  "toggles:\n  - name: x\n    conditions:\n      - type: moon\n",
		"no variants":    "experiments:\n  - name: e\n    percentage: 5\n",
		"custom no name": "toggles:\n  - name: x\n    conditions:\n      - type: custom\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(strings.NewReader(bad)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func TestPoller_FileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toggles.yaml")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("toggles:\n  - name: a\n    enabled: true\n    rollout_percentage: 100\n")

	m := mustManager(t, Config{})
	updates := 0
	m.Subscribe(func(Config) { updates++ })
	p := NewPoller(FileSource{Path: path}, m, WithPollerMetrics(testMetrics(t)))
	ctx := context.Background()

	if changed, err := p.Poll(ctx); err != nil || !changed {
		t.Fatalf("first Poll = %v, %v", changed, err)
	}
	if changed, err := p.Poll(ctx); err != nil || changed {
		t.Fatalf("unchanged Poll = %v, %v", changed, err)
	}

	write("toggles:\n  - name: a\n    rollout_percentage: 500\n")
	if _, err := p.Poll(ctx); err == nil {
		t.Fatal("invalid document applied")
	}
	if !m.IsEnabled("a", User{ID: "u"}) {
		t.Error("previous configuration lost after invalid document")
	}

	write("toggles:\n  - name: a\n    enabled: false\n")
	if changed, err := p.Poll(ctx); err != nil || !changed {
		t.Fatalf("changed Poll = %v, %v", changed, err)
	}
	if m.IsEnabled("a", User{ID: "u"}) {
		t.Error("updated toggle still enabled")
	}
	if updates != 2 {
		t.Errorf("updates = %d, want 2", updates)
	}
}

func TestPoller_HTTPSource(t *testing.T) {
	var hits atomic.Int32
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"toggles":[{"name":"remote","enabled":true,"rollout_percentage":100}]}`))
	}))
	defer srv.Close()

	m := mustManager(t, Config{})
	p := NewPoller(HTTPSource{URL: srv.URL, Client: srv.Client()}, m, WithPollerMetrics(testMetrics(t)))
	if changed, err := p.Poll(context.Background()); err != nil || !changed {
		t.Fatalf("Poll = %v, %v", changed, err)
	}
	if !m.IsEnabled("remote", User{ID: "u"}) {
		t.Error("remote toggle not applied")
	}

	status.Store(http.StatusInternalServerError)
	if _, err := p.Poll(context.Background()); err == nil {
		t.Error("5xx response accepted")
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	m := mustManager(t, Config{})
	p := NewPoller(FileSource{Path: filepath.Join(t.TempDir(), "missing.yaml")}, m, WithPollerMetrics(testMetrics(t)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

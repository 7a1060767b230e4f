package app_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxctl/internal/app"
	"github.com/MrWong99/voxctl/internal/bridge"
	"github.com/MrWong99/voxctl/internal/capability"
	"github.com/MrWong99/voxctl/internal/config"
	"github.com/MrWong99/voxctl/internal/governor"
	"github.com/MrWong99/voxctl/internal/ratelimit"
	"github.com/MrWong99/voxctl/internal/settings"
	"github.com/MrWong99/voxctl/internal/toggle"
	"github.com/MrWong99/voxctl/internal/voice"
	sttmock "github.com/MrWong99/voxctl/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxctl/pkg/provider/tts/mock"
)

// fakeEngine is a browser connection backed by the provider mocks.
type fakeEngine struct {
	*sttmock.Recognizer
	*ttsmock.Synthesizer

	hello bridge.Hello

	mu      sync.Mutex
	events  []voice.Event
	closed  string
	message []string
}

func newFakeEngine(userID string) *fakeEngine {
	return &fakeEngine{
		Recognizer:  &sttmock.Recognizer{AutoStart: true, EndOnStop: true},
		Synthesizer: &ttsmock.Synthesizer{AutoStart: true},
		hello: bridge.Hello{
			Capabilities: capability.Features{SpeechRecognition: true, SpeechSynthesis: true, MediaDevices: true},
			UserID:       userID,
			Browser:      "firefox",
			Platform:     "linux",
		},
	}
}

func (e *fakeEngine) Features() capability.Features { return e.hello.Capabilities }

func (e *fakeEngine) RequestMicrophone(context.Context) (func(), error) { return func() {}, nil }

func (e *fakeEngine) Announce(message string, _ voice.Priority) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.message = append(e.message, message)
}

func (e *fakeEngine) Hello() bridge.Hello { return e.hello }

func (e *fakeEngine) SendEvent(ev voice.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *fakeEngine) Close(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = reason
	return nil
}

func (e *fakeEngine) eventNames() []voice.EventName {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]voice.EventName, len(e.events))
	for i, ev := range e.events {
		names[i] = ev.Name
	}
	return names
}

func (e *fakeEngine) closeReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func newTestSessionManager(t *testing.T, p settings.Persister) (*app.SessionManager, *governor.Governor) {
	t.Helper()
	toggles, err := toggle.NewManager(toggle.Config{})
	if err != nil {
		t.Fatalf("toggle.NewManager: %v", err)
	}
	gov := governor.New(governor.Config{MaxConcurrentSessions: 5})
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Settings.Defaults.Language = ptr("de-DE")

	sm := app.NewSessionManager(app.SessionManagerConfig{
		Limiter:   ratelimit.New(),
		Governor:  gov,
		Toggles:   toggles,
		Persister: p,
		Metrics:   testMetrics(t),
		Config:    func() *config.Config { return cfg },
	})
	return sm, gov
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t, nil)
	eng := newFakeEngine("alice")

	info, handle, err := sm.Start(context.Background(), eng, "10.0.0.1:5555")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if handle == nil {
		t.Fatal("Start() returned nil command handler")
	}
	if info.SessionID == "" {
		t.Error("SessionID should not be empty")
	}
	if info.UserID != "alice" || info.Browser != "firefox" || info.RemoteAddr != "10.0.0.1:5555" {
		t.Errorf("info = %+v", info)
	}
	if sm.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", sm.Count())
	}

	ctrl, ok := sm.Controller(info.SessionID)
	if !ok {
		t.Fatal("Controller() not found")
	}
	if got := ctrl.State().Settings.Language; got != "de-DE" {
		t.Errorf("language = %q, want configured default de-DE", got)
	}
	if !ctrl.Capabilities().FullVoiceSupported {
		t.Error("expected full voice support from the probed features")
	}

	if err := sm.Stop(info.SessionID); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if sm.Count() != 0 {
		t.Errorf("Count() after Stop = %d, want 0", sm.Count())
	}
	if err := sm.Stop(info.SessionID); err != nil {
		t.Errorf("second Stop() = %v, want nil", err)
	}
}

func TestSessionManager_AnonymousUser(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t, nil)
	info, _, err := sm.Start(context.Background(), newFakeEngine("  "), "")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !strings.HasPrefix(info.UserID, "anon-") {
		t.Errorf("UserID = %q, want anon- prefix", info.UserID)
	}
}

func TestSessionManager_ForwardsEvents(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t, nil)
	eng := newFakeEngine("bob")
	info, handle, err := sm.Start(context.Background(), eng, "")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	if _, err := handle(context.Background(), bridge.Command{Name: bridge.CmdStartRecording}); err != nil {
		t.Fatalf("start_recording: %v", err)
	}
	ctrl, _ := sm.Controller(info.SessionID)
	if !ctrl.State().IsRecording {
		t.Fatal("expected recording after start_recording")
	}

	names := eng.eventNames()
	if len(names) == 0 || names[0] != voice.EventRecordingStarted {
		t.Errorf("events = %v, want recording_started first", names)
	}
}

func TestSessionManager_SettingsPersistPerUser(t *testing.T) {
	t.Parallel()

	p := settings.NewMemoryPersister()
	sm, _ := newTestSessionManager(t, p)
	ctx := context.Background()

	info, _, err := sm.Start(ctx, newFakeEngine("carol"), "")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	ctrl, _ := sm.Controller(info.SessionID)
	if err := ctrl.UpdateSettings(ctx, settings.Patch{SpeechRate: ptr(1.5)}); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if _, err := p.Load(ctx, "voice_settings:carol"); err != nil {
		t.Fatalf("settings not persisted under the user's key: %v", err)
	}

	// A second connection for the same user picks up the stored settings.
	info2, _, err := sm.Start(ctx, newFakeEngine("carol"), "")
	if err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	ctrl2, _ := sm.Controller(info2.SessionID)
	if got := ctrl2.State().Settings.SpeechRate; got != 1.5 {
		t.Errorf("speech_rate = %v, want 1.5", got)
	}

	// Another user still starts from the defaults.
	info3, _, err := sm.Start(ctx, newFakeEngine("dave"), "")
	if err != nil {
		t.Fatalf("third Start() error: %v", err)
	}
	ctrl3, _ := sm.Controller(info3.SessionID)
	if got := ctrl3.State().Settings.SpeechRate; got != 1.0 {
		t.Errorf("speech_rate for other user = %v, want 1.0", got)
	}
}

func TestSessionManager_ListOrdered(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t, nil)
	for _, u := range []string{"u1", "u2", "u3"} {
		if _, _, err := sm.Start(context.Background(), newFakeEngine(u), ""); err != nil {
			t.Fatalf("Start(%s): %v", u, err)
		}
	}

	list := sm.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].StartedAt.Before(list[i-1].StartedAt) {
			t.Errorf("List() not ordered by start time: %v", list)
		}
	}
}

func TestSessionManager_StopAll(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t, nil)
	engines := []*fakeEngine{newFakeEngine("a"), newFakeEngine("b")}
	for _, e := range engines {
		if _, _, err := sm.Start(context.Background(), e, ""); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	if err := sm.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll() error: %v", err)
	}
	if sm.Count() != 0 {
		t.Errorf("Count() after StopAll = %d", sm.Count())
	}
	for i, e := range engines {
		if e.closeReason() == "" {
			t.Errorf("engine %d was not closed", i)
		}
	}

	_, _, err := sm.Start(context.Background(), newFakeEngine("late"), "")
	if !errors.Is(err, app.ErrShuttingDown) {
		t.Errorf("Start() after StopAll = %v, want ErrShuttingDown", err)
	}
}

func TestSessionManager_StopReleasesGovernorSessions(t *testing.T) {
	t.Parallel()

	sm, gov := newTestSessionManager(t, nil)
	info, handle, err := sm.Start(context.Background(), newFakeEngine("erin"), "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := handle(context.Background(), bridge.Command{Name: bridge.CmdStartRecording}); err != nil {
		t.Fatalf("start_recording: %v", err)
	}
	if got := gov.Metrics().ActiveSessions; got != 1 {
		t.Fatalf("active sessions = %d, want 1", got)
	}

	if err := sm.Stop(info.SessionID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := gov.Metrics().ActiveSessions; got != 0 {
		t.Errorf("active sessions after Stop = %d, want 0", got)
	}
}

func TestSessionManager_ReleasesEvictedSessions(t *testing.T) {
	t.Parallel()

	var (
		clockMu sync.Mutex
		now     = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		sm      *app.SessionManager
	)
	gov := governor.New(governor.Config{MaxConcurrentSessions: 2, StaleAfter: time.Minute},
		governor.WithClock(func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			return now
		}),
		governor.WithOnEvict(func(s governor.VoiceSession) { sm.ReleaseEvicted(s) }),
	)
	toggles, err := toggle.NewManager(toggle.Config{})
	if err != nil {
		t.Fatalf("toggle.NewManager: %v", err)
	}
	sm = app.NewSessionManager(app.SessionManagerConfig{
		Limiter:  ratelimit.New(),
		Governor: gov,
		Toggles:  toggles,
		Metrics:  testMetrics(t),
	})

	ctx := context.Background()
	recInfo, recHandle, err := sm.Start(ctx, newFakeEngine("rita"), "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := recHandle(ctx, bridge.Command{Name: bridge.CmdStartRecording}); err != nil {
		t.Fatalf("start_recording: %v", err)
	}
	spkEng := newFakeEngine("sam")
	spkInfo, _, err := sm.Start(ctx, spkEng, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	spkCtrl, _ := sm.Controller(spkInfo.SessionID)
	if err := spkCtrl.PlayResponse("hello"); err != nil {
		t.Fatalf("PlayResponse: %v", err)
	}

	clockMu.Lock()
	now = now.Add(2 * time.Minute)
	clockMu.Unlock()
	if n := len(gov.Sweep()); n != 2 {
		t.Fatalf("evicted = %d, want 2", n)
	}

	recCtrl, _ := sm.Controller(recInfo.SessionID)
	if recCtrl.State().IsRecording {
		t.Error("recording survived the eviction of its governor session")
	}
	if spkCtrl.State().IsSpeaking {
		t.Error("speech survived the eviction of its governor session")
	}
	if slices.Index(spkEng.eventNames(), voice.EventSpeechInterrupted) < 0 {
		t.Errorf("events = %v, want speech_interrupted forwarded to the client", spkEng.eventNames())
	}
	if got := gov.Metrics().ActiveSessions; got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

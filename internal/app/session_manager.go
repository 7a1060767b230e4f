package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxctl/internal/bridge"
	"github.com/MrWong99/voxctl/internal/capability"
	"github.com/MrWong99/voxctl/internal/config"
	"github.com/MrWong99/voxctl/internal/governor"
	"github.com/MrWong99/voxctl/internal/observe"
	"github.com/MrWong99/voxctl/internal/ratelimit"
	"github.com/MrWong99/voxctl/internal/settings"
	"github.com/MrWong99/voxctl/internal/toggle"
	"github.com/MrWong99/voxctl/internal/voice"
	"github.com/MrWong99/voxctl/pkg/provider/stt"
	"github.com/MrWong99/voxctl/pkg/provider/tts"
)

// ErrShuttingDown is returned by [SessionManager.Start] once StopAll has run.
var ErrShuttingDown = errors.New("app: server shutting down")

// settingsKeyPrefix namespaces persisted settings by user.
const settingsKeyPrefix = "voice_settings:"

// SessionInfo holds metadata about an active voice session.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	Browser    string    `json:"browser,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// Engine is the host side of one voice session: the browser's recognition
// and synthesis engines plus the channel events are pushed to.
// [bridge.Conn] implements it.
type Engine interface {
	stt.Recognizer
	tts.Synthesizer
	voice.Announcer
	capability.Host
	Hello() bridge.Hello
	SendEvent(voice.Event)
	Close(reason string) error
}

var _ Engine = (*bridge.Conn)(nil)

type session struct {
	info SessionInfo
	ctrl *voice.Controller
	eng  Engine
}

// SessionManager owns the voice controllers of every connected client. One
// controller is created per connection; all of them share the process-wide
// limiter, governor and toggle manager.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	limiter   *ratelimit.Limiter
	gov       *governor.Governor
	toggles   *toggle.Manager
	persister settings.Persister
	metrics   *observe.Metrics
	config    func() *config.Config
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Limiter   *ratelimit.Limiter
	Governor  *governor.Governor
	Toggles   *toggle.Manager
	Persister settings.Persister // nil keeps settings in memory
	Metrics   *observe.Metrics

	// Config returns the live configuration. Controller tunables and
	// settings defaults are read from it when a session starts.
	Config func() *config.Config
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		limiter:   cfg.Limiter,
		gov:       cfg.Governor,
		toggles:   cfg.Toggles,
		persister: cfg.Persister,
		metrics:   cfg.Metrics,
		config:    cfg.Config,
		now:       time.Now,
		sessions:  make(map[string]*session),
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.config == nil {
		def := &config.Config{}
		config.ApplyDefaults(def)
		sm.config = func() *config.Config { return def }
	}
	return sm
}

// Start creates a controller driven by eng, loads the user's persisted
// settings and registers the session. The returned CommandFunc routes client
// commands to the controller.
func (sm *SessionManager) Start(ctx context.Context, eng Engine, remoteAddr string) (SessionInfo, bridge.CommandFunc, error) {
	sm.mu.Lock()
	closed := sm.closed
	sm.mu.Unlock()
	if closed {
		return SessionInfo{}, nil, ErrShuttingDown
	}

	hello := eng.Hello()
	user := toggle.User{
		ID:       strings.TrimSpace(hello.UserID),
		Groups:   hello.Groups,
		Browser:  hello.Browser,
		Platform: hello.Platform,
	}
	if user.ID == "" {
		user.ID = "anon-" + uuid.NewString()
	}

	cfg := sm.config()
	store := settings.NewStore(sm.persister,
		settings.WithKey(settingsKeyPrefix+user.ID),
		settings.WithDefaults(cfg.Settings.EffectiveDefaults()),
	)
	if err := store.Load(ctx); err != nil {
		slog.Warn("session: loading settings failed, using defaults", "user", user.ID, "err", err)
	}

	ctrl, err := voice.New(voice.Deps{
		Recognizer:   eng,
		Synthesizer:  eng,
		Capabilities: capability.Probe(eng),
		Settings:     store,
		Limiter:      sm.limiter,
		Governor:     sm.gov,
	},
		voice.WithConfig(cfg.Controller.Voice()),
		voice.WithToggles(sm.toggles),
		voice.WithUser(user),
		voice.WithAnnouncer(eng),
		voice.WithMetrics(sm.metrics),
	)
	if err != nil {
		return SessionInfo{}, nil, fmt.Errorf("session: create controller: %w", err)
	}
	ctrl.AddEventListener(voice.AllEvents, eng.SendEvent)

	info := SessionInfo{
		SessionID:  uuid.NewString(),
		UserID:     user.ID,
		Browser:    hello.Browser,
		Platform:   hello.Platform,
		RemoteAddr: remoteAddr,
		StartedAt:  sm.now().UTC(),
	}

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		_ = ctrl.Close()
		return SessionInfo{}, nil, ErrShuttingDown
	}
	sm.sessions[info.SessionID] = &session{info: info, ctrl: ctrl, eng: eng}
	sm.mu.Unlock()

	slog.Info("session: started",
		"session_id", info.SessionID,
		"user", info.UserID,
		"browser", info.Browser,
		"full_voice", ctrl.Capabilities().FullVoiceSupported,
	)
	return info, bridge.ControllerCommands(ctrl, eng), nil
}

// Stop closes the session's controller, releasing its governor sessions.
// Stopping an unknown session is a no-op.
func (sm *SessionManager) Stop(id string) error {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if !ok {
		return nil
	}

	err := s.ctrl.Close()
	slog.Info("session: stopped",
		"session_id", id,
		"user", s.info.UserID,
		"duration", sm.now().Sub(s.info.StartedAt).Round(time.Second),
	)
	return err
}

// StopAll refuses new sessions, closes every controller and asks each client
// to disconnect.
func (sm *SessionManager) StopAll(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	all := make([]*session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		all = append(all, s)
	}
	clear(sm.sessions)
	sm.mu.Unlock()

	var errs []error
	for i, s := range all {
		if err := ctx.Err(); err != nil {
			slog.Warn("session: stop deadline exceeded", "remaining", len(all)-i)
			return err
		}
		if err := s.ctrl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.info.SessionID, err))
		}
		_ = s.eng.Close("server shutting down")
	}
	return errors.Join(errs...)
}

// ReleaseEvicted hands a governor session reclaimed by the stale sweep to the
// controller that owned it, so the controller stops using the slot. It is
// meant for [governor.WithOnEvict].
func (sm *SessionManager) ReleaseEvicted(s governor.VoiceSession) {
	sm.mu.Lock()
	var owners []*session
	for _, sess := range sm.sessions {
		if sess.info.UserID == s.UserID {
			owners = append(owners, sess)
		}
	}
	sm.mu.Unlock()

	for _, sess := range owners {
		if sess.ctrl.ReleaseSession(s.ID) {
			slog.Info("session: released reclaimed governor session",
				"session_id", sess.info.SessionID,
				"governor_session", s.ID,
				"operation", s.OperationType,
			)
			return
		}
	}
}

// List returns the active sessions ordered by start time.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s.info)
	}
	sm.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Controller returns the controller of an active session.
func (sm *SessionManager) Controller(id string) (*voice.Controller, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	return s.ctrl, true
}

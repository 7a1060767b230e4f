// Package app wires the voxctl subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the process-wide
// limiter, governor, toggle manager and settings persister, Run serves HTTP
// and runs the background loops, and Shutdown drains sessions and tears
// everything down in order.
//
// For testing, inject test doubles via functional options (WithPersister,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxctl/internal/bridge"
	"github.com/MrWong99/voxctl/internal/config"
	"github.com/MrWong99/voxctl/internal/governor"
	"github.com/MrWong99/voxctl/internal/health"
	"github.com/MrWong99/voxctl/internal/observe"
	"github.com/MrWong99/voxctl/internal/ratelimit"
	"github.com/MrWong99/voxctl/internal/settings"
	"github.com/MrWong99/voxctl/internal/settings/pgstore"
	"github.com/MrWong99/voxctl/internal/toggle"
	"github.com/MrWong99/voxctl/pkg/types"
)

const (
	// handshakeTimeout bounds the wait for a client's hello message.
	handshakeTimeout = 10 * time.Second

	// limiterSweepInterval is how often idle rate-limit logs are dropped.
	limiterSweepInterval = time.Minute

	// serverStopTimeout bounds the HTTP shutdown when Run's context ends.
	serverStopTimeout = 5 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg atomic.Pointer[config.Config]

	// Subsystems are initialised in New, torn down in Shutdown.
	metrics  *observe.Metrics
	limiter  *ratelimit.Limiter
	gov      *governor.Governor
	toggles  *toggle.Manager
	poller   *toggle.Poller
	watcher  *config.Watcher
	persist  settings.Persister
	guard    *settings.Guard
	pg       *pgstore.Store
	sessions *SessionManager
	health   *health.Handler
	handler  http.Handler
	server   *http.Server

	// Injected by options.
	configPath     string
	configInterval time.Duration
	logLevel       *slog.LevelVar
	metricsHandler http.Handler

	mu        sync.Mutex
	cancelRun context.CancelFunc
	stopped   bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics sink instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithPersister injects a settings persister instead of creating one from
// settings.store.
func WithPersister(p settings.Persister) Option {
	return func(a *App) { a.persist = p }
}

// WithConfigFile enables hot reload of the YAML file at path, polled every
// interval. A zero interval uses the watcher default.
func WithConfigFile(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.configInterval = interval
	}
}

// WithLogLevel lets reloads of server.log_level adjust lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithMetricsHandler replaces the /metrics handler. The default serves the
// Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must have passed
// [config.Validate]. Use Option functions to inject test doubles.
//
// New performs all initialisation synchronously: settings store connection,
// toggle installation and HTTP route registration. Nothing runs in the
// background until [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	a := &App{}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Admission control ─────────────────────────────────────────────
	if err := a.initLimiter(cfg); err != nil {
		return nil, fmt.Errorf("app: init rate limiter: %w", err)
	}
	a.gov = governor.New(cfg.Governor.Governor(),
		governor.WithMetrics(a.metrics),
		governor.WithOnEvict(func(s governor.VoiceSession) {
			if a.sessions != nil {
				a.sessions.ReleaseEvicted(s)
			}
		}),
	)

	// ── 2. Feature toggles ───────────────────────────────────────────────
	if err := a.initToggles(cfg); err != nil {
		return nil, fmt.Errorf("app: init toggles: %w", err)
	}

	// ── 3. Settings persistence ──────────────────────────────────────────
	if err := a.initSettings(ctx, cfg); err != nil {
		return nil, fmt.Errorf("app: init settings store: %w", err)
	}

	// ── 4. Config hot reload ─────────────────────────────────────────────
	if a.configPath != "" {
		if err := a.initWatcher(); err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
	}

	// ── 5. Sessions and HTTP ─────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Limiter:   a.limiter,
		Governor:  a.gov,
		Toggles:   a.toggles,
		Persister: a.guard,
		Metrics:   a.metrics,
		Config:    a.config,
	})
	a.initHTTP(cfg)

	slog.Info("app initialised",
		"listen_addr", cfg.Server.ListenAddr,
		"settings_store", cfg.Settings.Store.Driver,
		"toggles", len(a.toggles.Config().Toggles),
		"toggle_source", cfg.Toggles.HasSource(),
		"hot_reload", a.watcher != nil,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initLimiter builds the limiter from rate_limit. The enabled flag is settled
// by initToggles once the voice_rate_limiting toggle is known.
func (a *App) initLimiter(cfg *config.Config) error {
	a.limiter = ratelimit.New()
	return a.configureLimiter(cfg)
}

func (a *App) configureLimiter(cfg *config.Config) error {
	return errors.Join(
		a.limiter.Configure(types.OperationSTT, cfg.RateLimit.STT),
		a.limiter.Configure(types.OperationTTS, cfg.RateLimit.TTS),
	)
}

// initToggles installs the inline toggle document and, when a source is
// configured, the poller that replaces it at runtime.
func (a *App) initToggles(cfg *config.Config) error {
	mgr, err := toggle.NewManager(cfg.Toggles.Config)
	if err != nil {
		return err
	}
	a.toggles = mgr
	mgr.Subscribe(func(tc toggle.Config) {
		a.applyRateLimiting(a.config().RateLimit, tc)
	})
	a.applyRateLimiting(cfg.RateLimit, mgr.Config())

	if src := cfg.Toggles.Source(); src != nil {
		a.poller = toggle.NewPoller(src, mgr,
			toggle.WithPollInterval(cfg.Toggles.PollInterval),
			toggle.WithPollerMetrics(a.metrics),
		)
	}
	return nil
}

// applyRateLimiting enables the limiter when rate_limit.enabled is set and
// the voice_rate_limiting toggle, if defined, is enabled.
func (a *App) applyRateLimiting(rl config.RateLimitConfig, tc toggle.Config) {
	enabled := rl.IsEnabled()
	for _, t := range tc.Toggles {
		if t.Name == toggle.RateLimiting {
			enabled = enabled && t.Enabled
		}
	}
	if a.limiter.Enabled() != enabled {
		slog.Info("ratelimit: enforcement changed", "enabled", enabled)
	}
	a.limiter.SetEnabled(enabled)
}

// initSettings selects the persister and wraps it in a [settings.Guard].
func (a *App) initSettings(ctx context.Context, cfg *config.Config) error {
	if a.persist == nil {
		switch cfg.Settings.Store.Driver {
		case config.StorePostgres:
			pg, err := pgstore.New(ctx, cfg.Settings.Store.PostgresDSN)
			if err != nil {
				return err
			}
			a.pg = pg
			a.persist = pg
			a.closers = append(a.closers, func() error {
				pg.Close()
				return nil
			})
		default:
			a.persist = settings.NewMemoryPersister()
		}
	}
	a.guard = settings.NewGuard(a.persist)
	return nil
}

func (a *App) initWatcher() error {
	w, err := config.NewWatcher(a.configPath,
		func(_, next *config.Config) { a.Reload(next) },
		config.WithInterval(a.configInterval),
		config.WithErrorHandler(func(err error) {
			slog.Error("config: reload rejected, keeping previous configuration", "path", a.configPath, "err", err)
			a.metrics.RecordConfigReload(context.Background(), "file", "invalid")
		}),
	)
	if err != nil {
		return err
	}
	a.watcher = w
	return nil
}

func (a *App) initHTTP(cfg *config.Config) {
	checkers := []health.Checker{
		health.Probe("governor", a.gov),
		health.Probe("settings_store", a.guard),
	}
	if a.pg != nil {
		checkers = append(checkers, health.Checker{Name: "postgres", Check: a.pg.Ping})
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	mux.HandleFunc("GET /v1/voice", a.serveVoice)
	mux.HandleFunc("GET /v1/toggles", a.serveToggles)
	mux.HandleFunc("GET /v1/sessions", a.serveSessions)
	mux.HandleFunc("GET /v1/stats", a.serveStats)

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// config returns the live configuration.
func (a *App) config() *config.Config {
	return a.cfg.Load()
}

// Handler returns the root HTTP handler including middleware.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager {
	return a.sessions
}

// Limiter returns the process-wide rate limiter.
func (a *App) Limiter() *ratelimit.Limiter {
	return a.limiter
}

// Toggles returns the toggle manager.
func (a *App) Toggles() *toggle.Manager {
	return a.toggles
}

// ─── HTTP handlers ───────────────────────────────────────────────────────────

// serveVoice upgrades to a WebSocket, waits for the client's hello and runs
// one voice controller for the lifetime of the connection.
func (a *App) serveVoice(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.config().Server.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("app: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn := bridge.New(ws, bridge.WithMetrics(a.metrics))
	log := observe.Logger(r.Context()).With("remote", r.RemoteAddr)

	hctx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	_, err = conn.Handshake(hctx)
	cancel()
	if err != nil {
		log.Warn("app: voice handshake failed", "err", err)
		_ = ws.Close(websocket.StatusPolicyViolation, "expected hello")
		return
	}

	info, handle, err := a.sessions.Start(r.Context(), conn, r.RemoteAddr)
	if err != nil {
		log.Warn("app: voice session rejected", "err", err)
		_ = ws.Close(websocket.StatusTryAgainLater, "session unavailable")
		return
	}
	defer func() {
		if err := a.sessions.Stop(info.SessionID); err != nil {
			log.Warn("app: closing voice session", "session_id", info.SessionID, "err", err)
		}
	}()

	if err := conn.Serve(r.Context(), handle); err != nil {
		log.Info("app: voice connection ended", "session_id", info.SessionID, "err", err)
	}
}

// togglesResponse is the body of GET /v1/toggles.
type togglesResponse struct {
	User        string                       `json:"user"`
	Toggles     map[string]toggle.Resolution `json:"toggles"`
	Experiments map[string]string            `json:"experiments,omitempty"`
}

// serveToggles resolves every toggle and experiment for the user described by
// the query: user, groups (comma separated), browser and platform.
func (a *App) serveToggles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	u := toggle.User{
		ID:       q.Get("user"),
		Browser:  q.Get("browser"),
		Platform: q.Get("platform"),
	}
	if g := q.Get("groups"); g != "" {
		for _, name := range strings.Split(g, ",") {
			if name = strings.TrimSpace(name); name != "" {
				u.Groups = append(u.Groups, name)
			}
		}
	}

	resp := togglesResponse{User: u.ID, Toggles: a.toggles.Snapshot(u)}
	for _, e := range a.toggles.Config().Experiments {
		if v, ok := a.toggles.AssignVariant(e.Name, u); ok {
			if resp.Experiments == nil {
				resp.Experiments = make(map[string]string)
			}
			resp.Experiments[e.Name] = v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) serveSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessions.List())
}

// statsResponse is the body of GET /v1/stats.
type statsResponse struct {
	Sessions     int               `json:"sessions"`
	RateLimiting bool              `json:"rate_limiting"`
	Governor     governor.Snapshot `json:"governor"`
}

func (a *App) serveStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Sessions:     a.sessions.Count(),
		RateLimiting: a.limiter.Enabled(),
		Governor:     a.gov.Metrics(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("app: write response", "err", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload installs next as the live configuration and applies every section
// that can change without a restart. Controller tunables and settings
// defaults apply to sessions started afterwards.
func (a *App) Reload(next *config.Config) {
	prev := a.cfg.Swap(next)
	d := config.Diff(prev, next)
	if !d.Changed() {
		return
	}
	ctx := context.Background()

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.SlogLevel())
		slog.Info("config: log level changed", "level", d.NewLogLevel)
	}
	if d.RateLimitChanged {
		if err := a.configureLimiter(next); err != nil {
			slog.Error("config: applying rate limits", "err", err)
		}
		a.applyRateLimiting(next.RateLimit, a.toggles.Config())
	}
	if d.GovernorChanged {
		a.gov.Configure(next.Governor.Governor())
		slog.Info("config: governor limits changed",
			"max_sessions", next.Governor.MaxConcurrentSessions,
			"memory_limit_mb", next.Governor.MemoryLimitMB,
		)
	}
	if d.TogglesChanged {
		if a.poller != nil {
			slog.Warn("config: inline toggles ignored while a toggle source is polled")
		} else if err := a.toggles.ApplyConfig(next.Toggles.Config); err != nil {
			slog.Error("config: applying toggles", "err", err)
		}
	}
	if d.ControllerChanged || d.SettingsDefaultsChanged {
		slog.Info("config: session settings changed, applies to new sessions")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: changes require a restart", "fields", d.RestartRequired)
	}
	a.metrics.RecordConfigReload(ctx, "file", "applied")
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and runs the governor sweeper, rate-limit sweeper, toggle
// poller and config watcher until ctx is cancelled or [App.Shutdown] is
// called. It returns the first fatal error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.cancelRun = cancel
	a.mu.Unlock()

	cfg := a.config()
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	slog.Info("app: serving", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			slog.Warn("app: http shutdown", "err", err)
		}
		return nil
	})
	g.Go(func() error { return a.gov.Run(gctx) })
	g.Go(func() error { return a.sweepLimiter(gctx) })
	if a.poller != nil {
		g.Go(func() error { return a.poller.Run(gctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	return g.Wait()
}

func (a *App) sweepLimiter(ctx context.Context) error {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := a.limiter.Sweep(); n > 0 {
				slog.Debug("ratelimit: swept idle logs", "count", n)
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, stops accepting connections, closes
// every voice session and runs the closers. It respects the context deadline:
// if ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Count(), "closers", len(a.closers))
		a.health.SetDraining(true)

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		if err := a.sessions.StopAll(ctx); err != nil {
			slog.Warn("session shutdown error", "err", err)
		}

		a.mu.Lock()
		a.stopped = true
		if a.cancelRun != nil {
			a.cancelRun()
		}
		a.mu.Unlock()

		if ctx.Err() != nil {
			shutdownErr = ctx.Err()
			return
		}
		shutdownErr = a.runClosersCtx(ctx)
		if shutdownErr == nil {
			slog.Info("shutdown complete")
		}
	})
	return shutdownErr
}

func (a *App) runClosers() {
	_ = a.runClosersCtx(context.Background())
}

func (a *App) runClosersCtx(ctx context.Context) error {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	return nil
}

// Package voice implements the voice interaction controller: a per-user state
// machine that coordinates speech recognition and speech synthesis, owns the
// playback queue, and dispatches lifecycle events.
//
// # States
//
// A [Controller] is Idle, Recording or Speaking, never Recording and
// Speaking at once. Starting a recording pre-empts speech (the in-flight
// utterance is cancelled and [EventSpeechInterrupted] is emitted); speaking
// never pre-empts a recording, so [Controller.PlayResponse] is refused with
// [ErrRecordingActive] while one is active.
//
// # Queue policy
//
// Responses played while speaking are queued and spoken strictly FIFO.
// [Controller.StopPlayback] and a recording interrupt cancel only the
// in-flight utterance: pending items are kept but held, and draining resumes
// from the head on the next [Controller.PlayResponse], whose text is appended
// to the tail. [Controller.ClearQueue] discards held items.
//
// # Events
//
// State transitions happen under the controller's lock; events and engine
// calls are queued and run in order after the lock is released, so listeners
// may call back into the controller. The engine callbacks are the only
// authoritative signal for asynchronous completion, except for explicit
// stops and interrupts, which take effect (and emit) immediately.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxctl/internal/capability"
	"github.com/MrWong99/voxctl/internal/governor"
	"github.com/MrWong99/voxctl/internal/observe"
	"github.com/MrWong99/voxctl/internal/ratelimit"
	"github.com/MrWong99/voxctl/internal/resilience"
	"github.com/MrWong99/voxctl/internal/settings"
	"github.com/MrWong99/voxctl/internal/toggle"
	"github.com/MrWong99/voxctl/pkg/provider/stt"
	"github.com/MrWong99/voxctl/pkg/provider/tts"
	"github.com/MrWong99/voxctl/pkg/types"
)

// Config holds the controller's tunables.
type Config struct {
	// MaxRecordingDuration force-stops a recording that runs longer and
	// emits a timeout error. Zero disables the guard.
	MaxRecordingDuration time.Duration

	// NetworkRetries is how many times a recognition failing with a network
	// error is restarted before the error is surfaced. Zero disables retries.
	NetworkRetries int

	// RetryBackoff spaces the retries.
	RetryBackoff resilience.Backoff

	// BreakerFailures and BreakerReset configure the recognition circuit
	// breaker created when none is injected with [WithBreaker].
	BreakerFailures int
	BreakerReset    time.Duration
}

// DefaultConfig returns the built-in controller configuration.
func DefaultConfig() Config {
	return Config{
		MaxRecordingDuration: 60 * time.Second,
		NetworkRetries:       2,
		RetryBackoff:         resilience.Backoff{Initial: 500 * time.Millisecond, Max: 4 * time.Second},
		BreakerFailures:      5,
		BreakerReset:         30 * time.Second,
	}
}

// Deps are the collaborators every controller needs. Settings, Limiter and
// Governor are required. A nil engine marks the matching capability as
// unavailable.
type Deps struct {
	Recognizer   stt.Recognizer
	Synthesizer  tts.Synthesizer
	Capabilities capability.Report
	Settings     *settings.Store
	Limiter      *ratelimit.Limiter
	Governor     *governor.Governor
}

// QueueItem is a response waiting to be spoken.
type QueueItem struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	EnqueueTime time.Time `json:"enqueue_time"`
}

// State is a point-in-time view of the controller.
type State struct {
	IsRecording  bool              `json:"is_recording"`
	IsSpeaking   bool              `json:"is_speaking"`
	IsPaused     bool              `json:"is_paused"`
	QueueHeld    bool              `json:"queue_held"`
	CurrentQueue []QueueItem       `json:"current_queue"`
	Settings     settings.Settings `json:"settings"`
}

// Controller is the voice state machine for one user.
//
// All methods are safe for concurrent use.
type Controller struct {
	recognizer stt.Recognizer
	synth      tts.Synthesizer
	caps       capability.Report
	store      *settings.Store
	limiter    *ratelimit.Limiter
	gov        *governor.Governor
	toggles    *toggle.Manager
	user       toggle.User
	announcer  Announcer
	metrics    *observe.Metrics
	breaker    *resilience.CircuitBreaker
	cfg        Config
	now        func() time.Time
	newID      func() string

	mu         sync.Mutex
	closed     bool
	rec        *recording
	utt        *utterance
	ttsSession string
	ttsFailed  bool
	queue      []QueueItem
	held       bool
	voices     []tts.Voice
	unsubs     []func()

	// runMu guards the ordered queue of events and engine calls. Lock order
	// is mu before runMu.
	runMu   sync.Mutex
	pending []func()
	running bool

	lmu       sync.RWMutex
	listeners map[ListenerID]listenerEntry
	nextLID   ListenerID
}

// Option configures a [Controller].
type Option func(*Controller)

// WithConfig replaces [DefaultConfig].
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithToggles gates auto-play through m and forwards its configuration
// updates as [EventConfigUpdated].
func WithToggles(m *toggle.Manager) Option {
	return func(c *Controller) { c.toggles = m }
}

// WithUser sets the user the controller acts for. Its ID keys rate limits
// and governor sessions.
func WithUser(u toggle.User) Option {
	return func(c *Controller) { c.user = u }
}

// WithAnnouncer sets the accessibility announcer.
func WithAnnouncer(a Announcer) Option {
	return func(c *Controller) { c.announcer = a }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithBreaker shares a recognition circuit breaker between controllers.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Controller) { c.breaker = cb }
}

// WithClock overrides the time source used for queue timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithIDGenerator overrides queue item id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// New creates a Controller.
func New(d Deps, opts ...Option) (*Controller, error) {
	switch {
	case d.Settings == nil:
		return nil, errors.New("voice: settings store is required")
	case d.Limiter == nil:
		return nil, errors.New("voice: rate limiter is required")
	case d.Governor == nil:
		return nil, errors.New("voice: governor is required")
	}

	caps := d.Capabilities
	if d.Recognizer == nil || d.Synthesizer == nil {
		caps = capability.NewReport(capability.Features{
			SpeechRecognition: caps.SpeechRecognition && d.Recognizer != nil,
			SpeechSynthesis:   caps.SpeechSynthesis && d.Synthesizer != nil,
			MediaDevices:      caps.MediaDevices,
		})
	}

	c := &Controller{
		recognizer: d.Recognizer,
		synth:      d.Synthesizer,
		caps:       caps,
		store:      d.Settings,
		limiter:    d.Limiter,
		gov:        d.Governor,
		announcer:  logAnnouncer{},
		cfg:        DefaultConfig(),
		now:        time.Now,
		newID:      uuid.NewString,
		listeners:  make(map[ListenerID]listenerEntry),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "stt",
			MaxFailures:  c.cfg.BreakerFailures,
			ResetTimeout: c.cfg.BreakerReset,
			OnStateChange: func(name string, _, to resilience.State) {
				c.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		})
	}

	c.unsubs = append(c.unsubs, c.store.Subscribe(c.onSettingsChange))
	if c.toggles != nil {
		c.unsubs = append(c.unsubs, c.toggles.Subscribe(c.onToggleConfig))
	}
	return c, nil
}

// --- dispatch ---

// post queues fn behind every event and engine call queued so far. Caller
// holds c.mu.
func (c *Controller) post(fn func()) {
	c.runMu.Lock()
	c.pending = append(c.pending, fn)
	c.runMu.Unlock()
}

// emitLocked queues an event. Caller holds c.mu.
func (c *Controller) emitLocked(name EventName, payload any) {
	ev := Event{Name: name, Payload: payload}
	c.post(func() { c.deliver(ev) })
}

func (c *Controller) announceLocked(msg string, p Priority) {
	a := c.announcer
	c.post(func() { a.Announce(msg, p) })
}

// unlock releases c.mu and runs queued work. If another goroutine (or an
// outer frame of this one) is already draining, the work is left to it.
func (c *Controller) unlock() {
	c.mu.Unlock()
	c.drain()
}

func (c *Controller) drain() {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return
	}
	c.running = true
	for len(c.pending) > 0 {
		fn := c.pending[0]
		c.pending = c.pending[1:]
		c.runMu.Unlock()
		c.run(fn)
		c.runMu.Lock()
	}
	c.running = false
	c.runMu.Unlock()
}

func (c *Controller) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("voice: panic in queued work", "panic", r)
		}
	}()
	fn()
}

func (c *Controller) deliver(ev Event) {
	c.metrics.RecordEvent(context.Background(), string(ev.Name))

	c.lmu.RLock()
	ids := make([]ListenerID, 0, len(c.listeners))
	for id, l := range c.listeners {
		if l.name == ev.Name || l.name == AllEvents {
			ids = append(ids, id)
		}
	}
	entries := make([]listenerEntry, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		entries = append(entries, c.listeners[id])
	}
	c.lmu.RUnlock()

	for _, l := range entries {
		c.call(l.fn, ev)
	}
}

func (c *Controller) call(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("voice: listener panicked", "event", ev.Name, "panic", r)
		}
	}()
	fn(ev)
}

// AddEventListener registers fn for events named name, or for every event
// when name is [AllEvents].
func (c *Controller) AddEventListener(name EventName, fn Listener) ListenerID {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.nextLID++
	c.listeners[c.nextLID] = listenerEntry{name: name, fn: fn}
	return c.nextLID
}

// RemoveEventListener unregisters a listener. It reports whether id was
// registered.
func (c *Controller) RemoveEventListener(id ListenerID) bool {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	if _, ok := c.listeners[id]; !ok {
		return false
	}
	delete(c.listeners, id)
	return true
}

// emitErrorLocked normalises an error into an [EventError], counts it and
// announces it. Caller holds c.mu.
func (c *Controller) emitErrorLocked(op types.OperationType, cat types.ErrorCategory, err error) {
	msg := UserMessage(cat)
	c.emitLocked(EventError, ErrorPayload{Type: cat, Error: err.Error(), Message: msg})
	c.gov.RecordError(cat)
	c.metrics.RecordVoiceError(context.Background(), string(op), string(cat))
	c.announceLocked(msg, priorityFor(cat))

	level := slog.LevelWarn
	if cat.Benign() {
		level = slog.LevelDebug
	}
	slog.Log(context.Background(), level, "voice: operation failed",
		"operation", op,
		"category", cat,
		"user_id", c.user.ID,
		"err", err,
	)
}

// --- accessors ---

// State returns a snapshot of the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		IsRecording:  c.rec != nil,
		IsSpeaking:   c.utt != nil,
		IsPaused:     c.utt != nil && c.utt.paused,
		QueueHeld:    c.held && len(c.queue) > 0,
		CurrentQueue: slices.Clone(c.queue),
		Settings:     c.store.Current(),
	}
}

// Capabilities returns the capability report the controller was built with.
func (c *Controller) Capabilities() capability.Report {
	return c.caps
}

// AvailableVoices lists the synthesis engine's voices. The list is kept for
// resolving the configured voice name of later utterances.
func (c *Controller) AvailableVoices(ctx context.Context) ([]tts.Voice, error) {
	if !c.caps.CanSpeak() {
		return nil, ErrCapabilityUnavailable
	}
	voices, err := c.synth.Voices(ctx)
	if err != nil {
		return nil, fmt.Errorf("voice: list voices: %w", err)
	}
	c.mu.Lock()
	c.voices = slices.Clone(voices)
	c.mu.Unlock()
	return voices, nil
}

// --- settings ---

// UpdateSettings validates p and merges it into the user's settings. An
// invalid patch returns an error wrapping [settings.ErrInvalid] and changes
// nothing. Persistence failures are logged; the update still applies.
func (c *Controller) UpdateSettings(ctx context.Context, p settings.Patch) error {
	if c.isClosed() {
		return ErrClosed
	}
	if p.IsEmpty() {
		return nil
	}
	if _, err := c.store.Update(ctx, p); err != nil {
		if errors.Is(err, settings.ErrInvalid) {
			return err
		}
		slog.Warn("voice: settings updated but not persisted", "user_id", c.user.ID, "err", err)
	}
	return nil
}

// ResetSettings restores the default settings.
func (c *Controller) ResetSettings(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if _, err := c.store.Reset(ctx); err != nil {
		slog.Warn("voice: settings reset but not persisted", "user_id", c.user.ID, "err", err)
	}
	return nil
}

func (c *Controller) onSettingsChange(ch settings.Change) {
	if ch.Action == settings.ActionSave {
		return
	}
	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return
	}
	c.emitLocked(EventSettingsChanged, SettingsPayload{Settings: ch.Current})

	run := c.rec
	if run == nil || ch.Previous.Language == ch.Current.Language {
		return
	}
	lang := ch.Current.Language
	run.cfg.Language = lang
	if run.att == nil {
		return
	}
	recog := run.att.recog
	c.post(func() {
		if err := recog.SetLanguage(lang); err != nil {
			slog.Warn("voice: live language switch failed", "language", lang, "err", err)
		}
	})
}

func (c *Controller) onToggleConfig(cfg toggle.Config) {
	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return
	}
	c.emitLocked(EventConfigUpdated, ConfigPayload{Config: cfg})
}

// HandleResponse is the auto-play entry point for the chat layer: it speaks
// text only when the user enabled auto-play and the auto-play toggle
// resolves enabled. It reports whether the text was accepted for playback.
func (c *Controller) HandleResponse(text string) (bool, error) {
	if !c.store.Current().AutoPlayEnabled {
		return false, nil
	}
	if c.toggles != nil && !c.toggles.IsEnabled(toggle.AutoPlay, c.user) {
		return false, nil
	}
	if err := c.PlayResponse(text); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ReleaseSession stops the operation holding governor session id after the
// governor reclaimed it. A recording is aborted with a timeout error followed
// by [EventRecordingStopped]; an utterance is cancelled with a timeout error
// followed by [EventSpeechInterrupted] and the queue is held. It reports
// whether id belonged to this controller.
func (c *Controller) ReleaseSession(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return false
	}

	errReclaimed := fmt.Errorf("voice: governor reclaimed stale session %s", id)
	if run := c.rec; run != nil && run.sessionID == id {
		c.abortAttemptLocked(run)
		c.emitErrorLocked(types.OperationSTT, types.ErrorTimeout, errReclaimed)
		c.finishRecordingLocked(run, types.OutcomeAborted)
		return true
	}
	if c.ttsSession != id {
		return false
	}
	c.ttsSession = ""
	c.held = true
	if run := c.utt; run != nil {
		c.dropUtteranceLocked(run, types.OutcomeAborted)
		c.emitErrorLocked(types.OperationTTS, types.ErrorTimeout, errReclaimed)
		c.emitLocked(EventSpeechInterrupted, nil)
		c.post(c.synth.Cancel)
	}
	return true
}

// Close aborts any recording or playback, releases governor sessions, drops
// the queue and detaches every listener once the final events are delivered.
// Closing twice is harmless.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	if run := c.rec; run != nil {
		c.abortAttemptLocked(run)
		c.finishRecordingLocked(run, types.OutcomeAborted)
	}
	if run := c.utt; run != nil {
		c.dropUtteranceLocked(run, types.OutcomeAborted)
		c.emitLocked(EventSpeechInterrupted, nil)
		c.post(c.synth.Cancel)
	}
	c.endSpeakingLocked(types.OutcomeAborted)
	c.clearQueueLocked()

	unsubs := c.unsubs
	c.unsubs = nil
	c.post(func() {
		c.lmu.Lock()
		clear(c.listeners)
		c.lmu.Unlock()
	})
	c.unlock()

	for _, u := range unsubs {
		u()
	}
	return nil
}

// Package governor tracks open voice sessions and enforces the process-wide
// concurrency and memory budget.
//
// A [Governor] is an explicitly owned service object shared by every voice
// controller. Admission ([Governor.StartSession]) is an atomic check-and-add,
// so concurrent controllers can never overshoot the cap. A periodic sweep
// ([Governor.Run]) force-removes sessions that outlived the staleness
// threshold, for example a recording abandoned by a backgrounded tab.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxctl/internal/observe"
	"github.com/MrWong99/voxctl/pkg/types"
)

// ErrResourceExhausted is returned by [Governor.StartSession] when the
// concurrency cap or the memory limit would be exceeded.
var ErrResourceExhausted = errors.New("governor: resource exhausted")

// ErrInvalidOperation is returned for an unknown operation type.
var ErrInvalidOperation = errors.New("governor: invalid operation type")

// VoiceSession is a single admitted voice operation.
type VoiceSession struct {
	ID            string              `json:"id"`
	OperationType types.OperationType `json:"operation_type"`
	UserID        string              `json:"user_id,omitempty"`
	StartTime     time.Time           `json:"start_time"`
	EndTime       time.Time           `json:"end_time,omitzero"`
	Outcome       types.Outcome       `json:"outcome,omitempty"`
}

// Duration returns EndTime-StartTime, or zero for an open session.
func (s VoiceSession) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Config holds the governor's limits.
type Config struct {
	// MaxConcurrentSessions caps open sessions across all operation types.
	// Default: 3.
	MaxConcurrentSessions int

	// MemoryLimitMB is the memory budget for voice work. Zero disables the
	// memory check.
	MemoryLimitMB float64

	// SessionMemoryMB is the estimated footprint of one session. Default: 10.
	SessionMemoryMB float64

	// StaleAfter is the age after which an open session is considered
	// abandoned. Default: 5m.
	StaleAfter time.Duration

	// SweepInterval is how often [Governor.Run] sweeps. Default: 30s.
	SweepInterval time.Duration

	// MaxSamples bounds the processing-time samples kept per operation type.
	// Default: 100.
	MaxSamples int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 3
	}
	if c.SessionMemoryMB <= 0 {
		c.SessionMemoryMB = 10
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = 100
	}
	return c
}

// Governor tracks open [VoiceSession]s.
//
// All methods are safe for concurrent use.
type Governor struct {
	now      func() time.Time
	newID    func() string
	memProbe func() float64
	onEvict  func(VoiceSession)
	metrics  *observe.Metrics

	mu        sync.Mutex
	cfg       Config
	active    map[string]*VoiceSession
	samples   map[types.OperationType]*ring
	errors    map[types.ErrorCategory]int
	outcomes  map[types.Outcome]int
	denied    int
	evictions int
}

// Option configures a [Governor].
type Option func(*Governor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithMemoryProbe replaces the per-session memory estimate with a measured
// value in MB.
func WithMemoryProbe(probe func() float64) Option {
	return func(g *Governor) { g.memProbe = probe }
}

// WithOnEvict registers a callback invoked (outside the lock) for every
// session removed by a sweep.
func WithOnEvict(fn func(VoiceSession)) Option {
	return func(g *Governor) { g.onEvict = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Governor) { g.metrics = m }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() string) Option {
	return func(g *Governor) { g.newID = fn }
}

// New creates a Governor. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Governor {
	g := &Governor{
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
		cfg:      cfg.withDefaults(),
		active:   make(map[string]*VoiceSession),
		samples:  make(map[types.OperationType]*ring),
		errors:   make(map[types.ErrorCategory]int),
		outcomes: make(map[types.Outcome]int),
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Configure replaces the limits. Sessions already open are kept even if they
// now exceed the cap.
func (g *Governor) Configure(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg.withDefaults()
	for _, r := range g.samples {
		r.resize(g.cfg.MaxSamples)
	}
}

// Config returns the effective limits.
func (g *Governor) Config() Config {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg
}

// CheckOperationAllowed reports whether a new session of type op could be
// admitted right now. It does not reserve a slot; use StartSession for that.
func (g *Governor) CheckOperationAllowed(op types.OperationType, userID string) bool {
	if !op.IsValid() {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admissibleLocked() == nil
}

// StartSession atomically checks the limits and opens a session. It returns
// the session id, or an error wrapping [ErrResourceExhausted].
func (g *Governor) StartSession(op types.OperationType, userID string) (string, error) {
	if !op.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}

	g.mu.Lock()
	if err := g.admissibleLocked(); err != nil {
		g.denied++
		g.mu.Unlock()
		slog.Debug("governor: session denied", "operation", op, "user_id", userID, "err", err)
		return "", err
	}
	s := &VoiceSession{
		ID:            g.newID(),
		OperationType: op,
		UserID:        userID,
		StartTime:     g.now(),
	}
	g.active[s.ID] = s
	g.mu.Unlock()

	g.metrics.ActiveSessions.Add(context.Background(), 1,
		metricAttrs(op))
	return s.ID, nil
}

// admissibleLocked must be called with g.mu held.
func (g *Governor) admissibleLocked() error {
	if len(g.active) >= g.cfg.MaxConcurrentSessions {
		return fmt.Errorf("%w: %d of %d sessions in use",
			ErrResourceExhausted, len(g.active), g.cfg.MaxConcurrentSessions)
	}
	if g.cfg.MemoryLimitMB > 0 {
		if est := g.memoryLocked() + g.cfg.SessionMemoryMB; est > g.cfg.MemoryLimitMB {
			return fmt.Errorf("%w: memory estimate %.1fMB exceeds limit %.1fMB",
				ErrResourceExhausted, est, g.cfg.MemoryLimitMB)
		}
	}
	return nil
}

// memoryLocked must be called with g.mu held.
func (g *Governor) memoryLocked() float64 {
	if g.memProbe != nil {
		return g.memProbe()
	}
	return float64(len(g.active)) * g.cfg.SessionMemoryMB
}

// EndSession closes the session with the given outcome and records its
// duration. It reports false if the session is unknown, for example because
// a sweep already evicted it; ending a session twice is harmless.
func (g *Governor) EndSession(id string, outcome types.Outcome) bool {
	g.mu.Lock()
	s, ok := g.active[id]
	if !ok {
		g.mu.Unlock()
		return false
	}
	closed := g.closeLocked(s, outcome)
	g.mu.Unlock()

	g.recordClosed(closed)
	return true
}

// Handover atomically closes prevID with prevOutcome and opens a new session
// of type op. The slot held by prevID counts as free for the admission check.
// When admission fails nothing changes and prevID stays open. An unknown
// prevID makes Handover behave like StartSession.
func (g *Governor) Handover(prevID string, prevOutcome types.Outcome, op types.OperationType, userID string) (string, error) {
	if !op.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, op)
	}

	g.mu.Lock()
	prev, hadPrev := g.active[prevID]
	if hadPrev {
		delete(g.active, prevID)
	}
	if err := g.admissibleLocked(); err != nil {
		if hadPrev {
			g.active[prevID] = prev
		}
		g.denied++
		g.mu.Unlock()
		slog.Debug("governor: handover denied", "operation", op, "user_id", userID, "err", err)
		return "", err
	}
	var closed VoiceSession
	if hadPrev {
		closed = g.closeLocked(prev, prevOutcome)
	}
	s := &VoiceSession{
		ID:            g.newID(),
		OperationType: op,
		UserID:        userID,
		StartTime:     g.now(),
	}
	g.active[s.ID] = s
	g.mu.Unlock()

	if hadPrev {
		g.recordClosed(closed)
	}
	g.metrics.ActiveSessions.Add(context.Background(), 1, metricAttrs(op))
	return s.ID, nil
}

// closeLocked must be called with g.mu held. s must be in g.active.
func (g *Governor) closeLocked(s *VoiceSession, outcome types.Outcome) VoiceSession {
	delete(g.active, s.ID)
	s.EndTime = g.now()
	s.Outcome = outcome
	g.outcomes[outcome]++
	g.sampleLocked(s.OperationType, s.Duration())
	return *s
}

func (g *Governor) recordClosed(s VoiceSession) {
	ctx := context.Background()
	g.metrics.ActiveSessions.Add(ctx, -1, metricAttrs(s.OperationType))
	g.metrics.RecordSession(ctx, string(s.OperationType), string(s.Outcome), s.Duration())
}

// Session returns a copy of the open session with the given id.
func (g *Governor) Session(id string) (VoiceSession, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.active[id]
	if !ok {
		return VoiceSession{}, false
	}
	return *s, true
}

// RecordError counts an error by category.
func (g *Governor) RecordError(cat types.ErrorCategory) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errors[cat]++
}

// Sweep force-removes every session older than StaleAfter, closing it with
// [types.OutcomeAborted]. Removal is unconditional: the active count always
// drops by the number of sessions returned.
func (g *Governor) Sweep() []VoiceSession {
	g.mu.Lock()
	now := g.now()
	var evicted []VoiceSession
	for id, s := range g.active {
		if now.Sub(s.StartTime) <= g.cfg.StaleAfter {
			continue
		}
		delete(g.active, id)
		s.EndTime = now
		s.Outcome = types.OutcomeAborted
		g.outcomes[types.OutcomeAborted]++
		g.evictions++
		evicted = append(evicted, *s)
	}
	onEvict := g.onEvict
	g.mu.Unlock()

	sort.Slice(evicted, func(i, j int) bool { return evicted[i].StartTime.Before(evicted[j].StartTime) })

	ctx := context.Background()
	for _, s := range evicted {
		g.metrics.ActiveSessions.Add(ctx, -1, metricAttrs(s.OperationType))
		g.metrics.StaleEvictions.Add(ctx, 1, metricAttrs(s.OperationType))
		slog.Warn("governor: evicted stale session",
			"session_id", s.ID,
			"operation", s.OperationType,
			"user_id", s.UserID,
			"age", s.Duration(),
		)
		if onEvict != nil {
			onEvict(s)
		}
	}
	return evicted
}

// Run sweeps every SweepInterval until ctx is cancelled. It always returns
// nil so it can run inside an errgroup.
func (g *Governor) Run(ctx context.Context) error {
	interval := g.Config().SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Sweep()
			if next := g.Config().SweepInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Check is a readiness probe: it fails when the memory estimate exceeds the
// configured limit.
func (g *Governor) Check(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.MemoryLimitMB > 0 {
		if est := g.memoryLocked(); est > g.cfg.MemoryLimitMB {
			return fmt.Errorf("governor: memory estimate %.1fMB exceeds limit %.1fMB", est, g.cfg.MemoryLimitMB)
		}
	}
	return nil
}

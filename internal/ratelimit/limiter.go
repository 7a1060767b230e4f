// Package ratelimit implements sliding-window admission control for voice
// operations.
//
// Each operation type (STT, TTS) has its own [Limits] with three tiers: a
// short burst window and per-minute and per-hour caps. Counters are kept per
// (operation, user) pair, so exhausting one type never affects the other and
// one user cannot starve another. A [Limiter] is an injected service object
// shared by every controller in the process.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxctl/pkg/types"
)

// Tier identifies which ceiling denied a request.
type Tier string

const (
	TierNone   Tier = ""
	TierBurst  Tier = "burst"
	TierMinute Tier = "minute"
	TierHour   Tier = "hour"
)

// Limits configures the ceilings of one operation type. A zero count disables
// that tier.
type Limits struct {
	// Burst is the maximum number of admissions within BurstWindow.
	Burst int `yaml:"burst"`

	// BurstWindow is the length of the burst window. Default: 10s.
	BurstWindow time.Duration `yaml:"burst_window"`

	// PerMinute caps admissions within any rolling minute.
	PerMinute int `yaml:"per_minute"`

	// PerHour caps admissions within any rolling hour.
	PerHour int `yaml:"per_hour"`
}

// DefaultLimits returns the built-in limits for op.
func DefaultLimits(op types.OperationType) Limits {
	switch op {
	case types.OperationTTS:
		return Limits{Burst: 5, BurstWindow: 10 * time.Second, PerMinute: 30, PerHour: 500}
	default:
		return Limits{Burst: 3, BurstWindow: 10 * time.Second, PerMinute: 10, PerHour: 100}
	}
}

func (l Limits) withDefaults() Limits {
	if l.BurstWindow <= 0 {
		l.BurstWindow = 10 * time.Second
	}
	return l
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed is true when the request was admitted and counted.
	Allowed bool

	// Tier names the ceiling that denied the request.
	Tier Tier

	// RetryAfter is how long until the denying window admits again.
	RetryAfter time.Duration

	// at is the counted timestamp; zero when nothing was recorded.
	at time.Time
}

// key identifies one counter log.
type key struct {
	op   types.OperationType
	user string
}

// Limiter is a sliding-log rate limiter.
//
// All methods are safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	enabled bool
	limits  map[types.OperationType]Limits
	logs    map[key][]time.Time
	now     func() time.Time
}

// Option configures a [Limiter].
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLimits sets the limits for op.
func WithLimits(op types.OperationType, lim Limits) Option {
	return func(l *Limiter) { l.limits[op] = lim.withDefaults() }
}

// New creates an enabled Limiter with [DefaultLimits] for every operation
// type unless overridden.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		enabled: true,
		limits: map[types.OperationType]Limits{
			types.OperationSTT: DefaultLimits(types.OperationSTT),
			types.OperationTTS: DefaultLimits(types.OperationTTS),
		},
		logs: make(map[key][]time.Time),
		now:  time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow is shorthand for Check(op, userID).Allowed.
func (l *Limiter) Allow(op types.OperationType, userID string) bool {
	return l.Check(op, userID).Allowed
}

// Check counts and admits a request while it is under every ceiling for op.
// A denied request is not counted. When the limiter is disabled every request
// is admitted and nothing is recorded.
func (l *Limiter) Check(op types.OperationType, userID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return Decision{Allowed: true}
	}
	lim, ok := l.limits[op]
	if !ok {
		return Decision{Allowed: true}
	}

	now := l.now()
	k := key{op: op, user: userID}
	log := prune(l.logs[k], now.Add(-time.Hour))

	for _, t := range []struct {
		tier   Tier
		limit  int
		window time.Duration
	}{
		{TierBurst, lim.Burst, lim.BurstWindow},
		{TierMinute, lim.PerMinute, time.Minute},
		{TierHour, lim.PerHour, time.Hour},
	} {
		if t.limit <= 0 {
			continue
		}
		n, first := countSince(log, now.Add(-t.window))
		if n >= t.limit {
			l.logs[k] = log
			// Admission resumes once the count inside the window drops below
			// the limit.
			expire := log[first+n-t.limit].Add(t.window)
			return Decision{Tier: t.tier, RetryAfter: expire.Sub(now)}
		}
	}

	l.logs[k] = append(log, now)
	return Decision{Allowed: true, at: now}
}

// Refund uncounts a request admitted by d. Callers use it when a later
// admission step refuses the operation. It reports whether an entry was
// removed; decisions that counted nothing are ignored.
func (l *Limiter) Refund(op types.OperationType, userID string, d Decision) bool {
	if !d.Allowed || d.at.IsZero() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{op: op, user: userID}
	log := l.logs[k]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Equal(d.at) {
			l.logs[k] = append(log[:i:i], log[i+1:]...)
			return true
		}
	}
	return false
}

// prune drops entries at or before cutoff. log is sorted ascending.
func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0:0], log[i:]...)
}

// countSince returns the number of entries after since and the index of the
// first of them. log is sorted ascending.
func countSince(log []time.Time, since time.Time) (int, int) {
	for i, t := range log {
		if t.After(since) {
			return len(log) - i, i
		}
	}
	return 0, len(log)
}

// Window returns the current counters for (op, userID): the time of the
// oldest admission inside the burst window (zero if there is none), the
// admissions in the last minute, and the admissions inside the burst window.
func (l *Limiter) Window(op types.OperationType, userID string) types.Window {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim := l.limits[op].withDefaults()
	now := l.now()
	log := l.logs[key{op: op, user: userID}]
	burst, first := countSince(log, now.Add(-lim.BurstWindow))
	minute, _ := countSince(log, now.Add(-time.Minute))
	w := types.Window{Count: minute, BurstCount: burst}
	if burst > 0 {
		w.WindowStart = log[first]
	}
	return w
}

// SetEnabled turns admission control on or off. Counters are kept so
// re-enabling resumes with history intact.
func (l *Limiter) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Enabled reports whether admission control is active.
func (l *Limiter) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Configure replaces the limits for op.
func (l *Limiter) Configure(op types.OperationType, lim Limits) error {
	if !op.IsValid() {
		return fmt.Errorf("ratelimit: unknown operation type %q", op)
	}
	if lim.Burst < 0 || lim.PerMinute < 0 || lim.PerHour < 0 {
		return fmt.Errorf("ratelimit: negative limit for %s", op)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[op] = lim.withDefaults()
	return nil
}

// Limits returns the limits configured for op.
func (l *Limiter) Limits(op types.OperationType) Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits[op]
}

// Reset forgets all counters for userID, or for everyone when userID is empty.
func (l *Limiter) Reset(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if userID == "" {
		l.logs = make(map[key][]time.Time)
		return
	}
	for k := range l.logs {
		if k.user == userID {
			delete(l.logs, k)
		}
	}
}

// Sweep drops logs with no entry in the last hour. It returns the number of
// logs removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-time.Hour)
	n := 0
	for k, log := range l.logs {
		if len(log) == 0 || !log[len(log)-1].After(cutoff) {
			delete(l.logs, k)
			n++
		}
	}
	return n
}

package toggle

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// Reason explains how a toggle resolved.
type Reason string

const (
	ReasonOverride  Reason = "override"
	ReasonUnknown   Reason = "unknown"
	ReasonDisabled  Reason = "disabled"
	ReasonRollout   Reason = "rollout"
	ReasonGroup     Reason = "group"
	ReasonCondition Reason = "condition"
	ReasonEnabled   Reason = "enabled"
)

// Resolution is the outcome of resolving one toggle for one user.
type Resolution struct {
	Enabled bool   `json:"enabled"`
	Reason  Reason `json:"reason"`
}

// Manager holds the active toggle set.
//
// All methods are safe for concurrent use. Subscribers are notified outside
// the lock, in subscription order.
type Manager struct {
	mu          sync.RWMutex
	cfg         Config
	toggles     map[string]Toggle
	experiments map[string]Experiment
	overrides   map[string]bool
	predicates  map[string]Predicate
	subs        map[int]func(Config)
	nextSub     int
}

// Option configures a [Manager].
type Option func(*Manager)

// WithPredicate registers a custom condition predicate under name.
func WithPredicate(name string, p Predicate) Option {
	return func(m *Manager) { m.predicates[name] = p }
}

// WithOverride pins a toggle to a value regardless of its configuration.
func WithOverride(name string, enabled bool) Option {
	return func(m *Manager) { m.overrides[name] = enabled }
}

// NewManager creates a Manager serving cfg.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		overrides:  make(map[string]bool),
		predicates: make(map[string]Predicate),
		subs:       make(map[int]func(Config)),
	}
	for _, o := range opts {
		o(m)
	}
	m.install(cfg)
	return m, nil
}

// install must be called with m.mu held for writing (or before m is shared).
func (m *Manager) install(cfg Config) {
	m.cfg = cfg
	m.toggles = make(map[string]Toggle, len(cfg.Toggles))
	for _, t := range cfg.Toggles {
		m.toggles[t.Name] = t
	}
	m.experiments = make(map[string]Experiment, len(cfg.Experiments))
	for _, e := range cfg.Experiments {
		m.experiments[e.Name] = e
	}
}

// Resolve evaluates toggle name for u.
func (m *Manager) Resolve(name string, u User) Resolution {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.overrides[name]; ok {
		return Resolution{Enabled: v, Reason: ReasonOverride}
	}
	t, ok := m.toggles[name]
	if !ok {
		return Resolution{Reason: ReasonUnknown}
	}
	if !t.Enabled {
		return Resolution{Reason: ReasonDisabled}
	}
	if !inRollout(t.Name, u.ID, t.RolloutPercentage) {
		return Resolution{Reason: ReasonRollout}
	}
	if len(t.UserGroups) > 0 && !u.InGroup(t.UserGroups) {
		return Resolution{Reason: ReasonGroup}
	}
	for _, c := range t.Conditions {
		if !c.matches(u, m.predicates) {
			return Resolution{Reason: ReasonCondition}
		}
	}
	return Resolution{Enabled: true, Reason: ReasonEnabled}
}

// IsEnabled is shorthand for Resolve(name, u).Enabled.
func (m *Manager) IsEnabled(name string, u User) bool {
	return m.Resolve(name, u).Enabled
}

// Snapshot resolves every configured or overridden toggle for u.
func (m *Manager) Snapshot(u User) map[string]Resolution {
	m.mu.RLock()
	names := make([]string, 0, len(m.toggles)+len(m.overrides))
	for n := range m.toggles {
		names = append(names, n)
	}
	for n := range m.overrides {
		if _, ok := m.toggles[n]; !ok {
			names = append(names, n)
		}
	}
	m.mu.RUnlock()

	out := make(map[string]Resolution, len(names))
	for _, n := range names {
		out[n] = m.Resolve(n, u)
	}
	return out
}

// SetOverride pins name to enabled for every user.
func (m *Manager) SetOverride(name string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[name] = enabled
}

// ClearOverride removes a local override.
func (m *Manager) ClearOverride(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.overrides, name)
}

// AssignVariant returns the experiment variant for u. Users outside the
// sampled percentage, and unknown experiments, get ok=false. Assignment is
// deterministic: repeat calls agree until the experiment changes.
func (m *Manager) AssignVariant(experiment string, u User) (variant string, ok bool) {
	m.mu.RLock()
	e, found := m.experiments[experiment]
	m.mu.RUnlock()
	if !found || len(e.Variants) == 0 {
		return "", false
	}
	if !inRollout("experiment:"+e.Name, u.ID, e.Percentage) {
		return "", false
	}
	idx := bucket("variant:"+e.Name, u.ID) % uint32(len(e.Variants))
	return e.Variants[idx], true
}

// Config returns the active toggle document.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ApplyConfig validates cfg, replaces the toggle set, and notifies
// subscribers. Overrides survive.
func (m *Manager) ApplyConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("toggle: apply config: %w", err)
	}
	m.mu.Lock()
	m.install(cfg)
	fns := maps.Clone(m.subs)
	m.mu.Unlock()

	slog.Info("toggle: configuration updated",
		"toggles", len(cfg.Toggles),
		"experiments", len(cfg.Experiments),
	)
	for _, id := range slices.Sorted(maps.Keys(fns)) {
		fns[id](cfg)
	}
	return nil
}

// Subscribe registers fn to receive every applied configuration. The
// returned func removes the subscription.
func (m *Manager) Subscribe(fn func(Config)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

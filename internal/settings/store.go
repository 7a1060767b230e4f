package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotFound is returned by a [Persister] when no blob is stored under a key.
var ErrNotFound = errors.New("settings: not found")

// Persister loads and saves opaque settings blobs by key.
//
// Implementations must be safe for concurrent use.
type Persister interface {
	// Load returns the blob stored under key, or [ErrNotFound].
	Load(ctx context.Context, key string) ([]byte, error)

	// Save stores blob under key, replacing any previous value.
	Save(ctx context.Context, key string, blob []byte) error
}

// Action names the kind of change delivered to listeners.
type Action string

const (
	ActionUpdate Action = "update"
	ActionSave   Action = "save"
	ActionReset  Action = "reset"
)

// Change is delivered to listeners after the store's snapshot changed or was
// saved.
type Change struct {
	Action   Action
	Previous Settings
	Current  Settings
}

// Listener receives store changes. It is called synchronously, after the
// store's lock has been released.
type Listener func(Change)

// DefaultKey is the persistence key used when no user key is configured.
const DefaultKey = "voice_settings"

// Store owns one user's settings snapshot.
//
// All methods are safe for concurrent use.
type Store struct {
	persister Persister
	key       string
	defaults  Settings

	mu        sync.Mutex
	current   Settings
	listeners map[int]Listener
	nextID    int
}

// Option configures a [Store].
type Option func(*Store)

// WithKey sets the persistence key, typically derived from the user id.
func WithKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.key = key
		}
	}
}

// WithDefaults replaces the factory defaults. Invalid defaults are ignored
// with a warning.
func WithDefaults(d Settings) Option {
	return func(s *Store) {
		if err := d.Validate(); err != nil {
			slog.Warn("settings: ignoring invalid defaults", "err", err)
			return
		}
		s.defaults = d
	}
}

// NewStore creates a Store holding the defaults. A nil persister keeps
// settings in memory only.
func NewStore(p Persister, opts ...Option) *Store {
	s := &Store{
		persister: p,
		key:       DefaultKey,
		defaults:  Defaults(),
		listeners: make(map[int]Listener),
	}
	for _, o := range opts {
		o(s)
	}
	s.current = s.defaults
	return s
}

// Key returns the persistence key.
func (s *Store) Key() string { return s.key }

// Current returns the current snapshot.
func (s *Store) Current() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Load reads the persisted blob and merges it with the defaults. Missing and
// unknown keys fall back to the defaults; fields that fail validation are
// dropped with a warning. A missing blob is not an error. Load does not
// notify listeners.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	blob, err := s.persister.Load(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settings: load %q: %w", s.key, err)
	}

	var p Patch
	if err := json.Unmarshal(blob, &p); err != nil {
		slog.Warn("settings: stored blob is not valid JSON, using defaults", "key", s.key, "err", err)
		return nil
	}
	merged, err := p.Merge(s.defaults)
	if err != nil {
		slog.Warn("settings: dropped invalid stored fields", "key", s.key, "err", err)
	}

	s.mu.Lock()
	s.current = merged
	s.mu.Unlock()
	return nil
}

// Update validates p against the current snapshot and, if valid, replaces it
// and notifies listeners with [ActionUpdate]. On validation failure the
// snapshot is untouched and the returned error wraps [ErrInvalid]. A
// persistence failure after a successful update is returned but does not roll
// the update back.
func (s *Store) Update(ctx context.Context, p Patch) (Settings, error) {
	s.mu.Lock()
	prev := s.current
	next := p.Apply(prev)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return prev, err
	}
	s.current = next
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, Change{Action: ActionUpdate, Previous: prev, Current: next})
	return next, s.persist(ctx, next)
}

// Save persists the current snapshot and notifies listeners with [ActionSave].
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	cur := s.current
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	if err := s.persist(ctx, cur); err != nil {
		return err
	}
	notify(listeners, Change{Action: ActionSave, Previous: cur, Current: cur})
	return nil
}

// Reset restores the defaults, persists them and notifies listeners with
// [ActionReset].
func (s *Store) Reset(ctx context.Context) (Settings, error) {
	s.mu.Lock()
	prev := s.current
	s.current = s.defaults
	next := s.current
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, Change{Action: ActionReset, Previous: prev, Current: next})
	return next, s.persist(ctx, next)
}

// Subscribe registers fn and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// snapshotListeners must be called with s.mu held.
func (s *Store) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for i := 0; i < s.nextID; i++ {
		if fn, ok := s.listeners[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (s *Store) persist(ctx context.Context, cur Settings) error {
	if s.persister == nil {
		return nil
	}
	blob, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := s.persister.Save(ctx, s.key, blob); err != nil {
		return fmt.Errorf("settings: save %q: %w", s.key, err)
	}
	return nil
}

func notify(listeners []Listener, c Change) {
	for _, fn := range listeners {
		fn(c)
	}
}

// MemoryPersister is an in-process [Persister].
type MemoryPersister struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryPersister returns an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{blobs: make(map[string][]byte)}
}

// Load implements [Persister].
func (m *MemoryPersister) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// Save implements [Persister].
func (m *MemoryPersister) Save(_ context.Context, key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), blob...)
	return nil
}

var _ Persister = (*MemoryPersister)(nil)

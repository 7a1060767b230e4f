package settings

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// Guard wraps a [Persister] and makes all operations non-fatal. A failed Load
// reports [ErrNotFound] so the store falls back to defaults; a failed Save is
// logged and swallowed. IsDegraded reports whether the most recent operation
// on the underlying persister failed.
//
// Guard implements [Persister]. All methods are safe for concurrent use.
type Guard struct {
	p        Persister
	degraded atomic.Bool
}

// NewGuard creates a Guard wrapping p.
func NewGuard(p Persister) *Guard {
	return &Guard{p: p}
}

// Load implements [Persister].
func (g *Guard) Load(ctx context.Context, key string) ([]byte, error) {
	blob, err := g.p.Load(ctx, key)
	switch {
	case err == nil:
		g.degraded.Store(false)
		return blob, nil
	case errors.Is(err, ErrNotFound):
		g.degraded.Store(false)
		return nil, ErrNotFound
	default:
		g.degraded.Store(true)
		slog.Warn("settings guard: Load failed, falling back to defaults",
			"key", key,
			"err", err,
		)
		return nil, ErrNotFound
	}
}

// Save implements [Persister].
func (g *Guard) Save(ctx context.Context, key string, blob []byte) error {
	if err := g.p.Save(ctx, key, blob); err != nil {
		g.degraded.Store(true)
		slog.Warn("settings guard: Save failed, swallowing error",
			"key", key,
			"err", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// IsDegraded reports whether the persister is currently failing.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

// Check is a readiness probe: it fails while the persister is degraded.
func (g *Guard) Check(context.Context) error {
	if g.IsDegraded() {
		return errDegraded
	}
	return nil
}

var errDegraded = errors.New("settings: persister degraded")

var _ Persister = (*Guard)(nil)

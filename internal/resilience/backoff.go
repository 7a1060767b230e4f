package resilience

import "time"

// Default backoff parameters.
const (
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 8 * time.Second
)

// Backoff computes exponential retry delays: Initial, 2×Initial, 4×Initial …
// capped at Max. The zero value uses 500ms doubling up to 8s.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the delay.
	Max time.Duration
}

// Delay returns the wait before retry number attempt (1-based). Attempts below
// 1 are treated as 1.
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = defaultBackoff
	}
	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = defaultMaxBackoff
	}
	if ceiling < initial {
		ceiling = initial
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}

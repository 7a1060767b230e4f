package governor

import (
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxctl/internal/observe"
	"github.com/MrWong99/voxctl/pkg/types"
)

// ring is a fixed-capacity buffer of the most recent durations.
type ring struct {
	buf  []time.Duration
	next int
	full bool
}

func newRing(n int) *ring { return &ring{buf: make([]time.Duration, n)} }

func (r *ring) add(d time.Duration) {
	r.buf[r.next] = d
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) values() []time.Duration {
	if r.full {
		out := make([]time.Duration, 0, len(r.buf))
		out = append(out, r.buf[r.next:]...)
		return append(out, r.buf[:r.next]...)
	}
	return append([]time.Duration(nil), r.buf[:r.next]...)
}

// resize keeps the newest samples that fit in n.
func (r *ring) resize(n int) {
	vals := r.values()
	if len(vals) > n {
		vals = vals[len(vals)-n:]
	}
	*r = ring{buf: make([]time.Duration, n)}
	for _, v := range vals {
		r.add(v)
	}
}

// sampleLocked must be called with g.mu held.
func (g *Governor) sampleLocked(op types.OperationType, d time.Duration) {
	r, ok := g.samples[op]
	if !ok {
		r = newRing(g.cfg.MaxSamples)
		g.samples[op] = r
	}
	r.add(d)
}

func metricAttrs(op types.OperationType) metric.AddOption {
	return metric.WithAttributes(observe.Attr("operation", string(op)))
}

// Timing summarises the processing-time samples of one operation type.
type Timing struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean"`
	P95   time.Duration `json:"p95"`
	Max   time.Duration `json:"max"`
}

func summarise(samples []time.Duration) Timing {
	if len(samples) == 0 {
		return Timing{}
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	idx := (len(sorted)*95+99)/100 - 1
	return Timing{
		Count: len(sorted),
		Mean:  total / time.Duration(len(sorted)),
		P95:   sorted[idx],
		Max:   sorted[len(sorted)-1],
	}
}

// Snapshot is an aggregated point-in-time view of governor state.
type Snapshot struct {
	ActiveSessions   int                                     `json:"active_sessions"`
	ActiveByType     map[types.OperationType]int             `json:"active_by_type"`
	MaxSessions      int                                     `json:"max_sessions"`
	MemoryEstimateMB float64                                 `json:"memory_estimate_mb"`
	MemoryLimitMB    float64                                 `json:"memory_limit_mb"`
	ProcessingTimes  map[types.OperationType]Timing          `json:"processing_times"`
	Errors           map[types.ErrorCategory]int             `json:"errors"`
	Outcomes         map[types.Outcome]int                   `json:"outcomes"`
	Denied           int                                     `json:"denied"`
	Evictions        int                                     `json:"evictions"`
	Samples          map[types.OperationType][]time.Duration `json:"-"`
}

// Metrics returns an aggregated snapshot: active sessions, per-type
// processing-time samples, and error counts keyed by category.
func (g *Governor) Metrics() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Snapshot{
		ActiveSessions:   len(g.active),
		ActiveByType:     make(map[types.OperationType]int),
		MaxSessions:      g.cfg.MaxConcurrentSessions,
		MemoryEstimateMB: g.memoryLocked(),
		MemoryLimitMB:    g.cfg.MemoryLimitMB,
		ProcessingTimes:  make(map[types.OperationType]Timing, len(g.samples)),
		Errors:           make(map[types.ErrorCategory]int, len(g.errors)),
		Outcomes:         make(map[types.Outcome]int, len(g.outcomes)),
		Denied:           g.denied,
		Evictions:        g.evictions,
		Samples:          make(map[types.OperationType][]time.Duration, len(g.samples)),
	}
	for _, v := range g.active {
		s.ActiveByType[v.OperationType]++
	}
	for op, r := range g.samples {
		vals := r.values()
		s.Samples[op] = vals
		s.ProcessingTimes[op] = summarise(vals)
	}
	for k, v := range g.errors {
		s.Errors[k] = v
	}
	for k, v := range g.outcomes {
		s.Outcomes[k] = v
	}
	return s
}

package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxctl/internal/observe"
	"github.com/MrWong99/voxctl/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestGovernor(t *testing.T, cfg Config, opts ...Option) (*Governor, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	n := 0
	opts = append([]Option{
		WithClock(clk.Now),
		WithMetrics(testMetrics(t)),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("s%d", n) }),
	}, opts...)
	return New(cfg, opts...), clk
}

func TestGovernor_CapDeniesExtraSession(t *testing.T) {
	g, _ := newTestGovernor(t, Config{MaxConcurrentSessions: 2})

	var ids []string
	for i := 0; i < 2; i++ {
		id, err := g.StartSession(types.OperationSTT, "u")
		if err != nil {
			t.Fatalf("session %d: %v", i+1, err)
		}
		ids = append(ids, id)
	}

	if g.CheckOperationAllowed(types.OperationTTS, "u") {
		t.Error("CheckOperationAllowed = true at capacity")
	}
	if _, err := g.StartSession(types.OperationTTS, "u"); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("extra session err = %v, want ErrResourceExhausted", err)
	}

	if !g.EndSession(ids[0], types.OutcomeSuccess) {
		t.Fatal("EndSession returned false for open session")
	}
	if _, err := g.StartSession(types.OperationTTS, "u"); err != nil {
		t.Fatalf("session after freeing a slot: %v", err)
	}
	// Exactly one slot was freed.
	if _, err := g.StartSession(types.OperationTTS, "u"); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("second session after one EndSession err = %v, want ErrResourceExhausted", err)
	}
}

func TestGovernor_EndSessionTwice(t *testing.T) {
	g, _ := newTestGovernor(t, Config{})
	id, _ := g.StartSession(types.OperationSTT, "u")
	if !g.EndSession(id, types.OutcomeAborted) {
		t.Fatal("first EndSession = false")
	}
	if g.EndSession(id, types.OutcomeAborted) {
		t.Error("second EndSession = true, want false")
	}
	if got := g.Metrics().ActiveSessions; got != 0 {
		t.Errorf("ActiveSessions = %d, want 0", got)
	}
}

func TestGovernor_InvalidOperation(t *testing.T) {
	g, _ := newTestGovernor(t, Config{})
	if _, err := g.StartSession("video", "u"); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("err = %v, want ErrInvalidOperation", err)
	}
	if g.CheckOperationAllowed("video", "u") {
		t.Error("CheckOperationAllowed accepted unknown operation")
	}
}

func TestGovernor_MemoryLimit(t *testing.T) {
	g, _ := newTestGovernor(t, Config{
		MaxConcurrentSessions: 10,
		MemoryLimitMB:         25,
		SessionMemoryMB:       10,
	})
	for i := 0; i < 2; i++ {
		if _, err := g.StartSession(types.OperationTTS, "u"); err != nil {
			t.Fatalf("session %d: %v", i+1, err)
		}
	}
	if _, err := g.StartSession(types.OperationTTS, "u"); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("third session err = %v, want ErrResourceExhausted (30MB > 25MB)", err)
	}
	if err := g.Check(context.Background()); err != nil {
		t.Errorf("Check at 20MB of 25MB: %v", err)
	}
}

func TestGovernor_MemoryProbe(t *testing.T) {
	var mb float64 = 90
	g, _ := newTestGovernor(t, Config{MemoryLimitMB: 100, SessionMemoryMB: 5},
		WithMemoryProbe(func() float64 { return mb }))

	if !g.CheckOperationAllowed(types.OperationSTT, "u") {
		t.Fatal("95MB of 100MB should be allowed")
	}
	mb = 120
	if g.CheckOperationAllowed(types.OperationSTT, "u") {
		t.Fatal("probe over limit should deny")
	}
	if err := g.Check(context.Background()); err == nil {
		t.Error("Check should fail while probe exceeds the limit")
	}
}

func TestGovernor_SweepEvictsStaleUnconditionally(t *testing.T) {
	var evicted []VoiceSession
	g, clk := newTestGovernor(t, Config{MaxConcurrentSessions: 2, StaleAfter: time.Minute},
		WithOnEvict(func(s VoiceSession) { evicted = append(evicted, s) }))

	old, _ := g.StartSession(types.OperationSTT, "tab-1")
	clk.Advance(45 * time.Second)
	fresh, _ := g.StartSession(types.OperationTTS, "tab-2")
	clk.Advance(30 * time.Second)

	got := g.Sweep()
	if len(got) != 1 || got[0].ID != old {
		t.Fatalf("Sweep evicted %+v, want only %s", got, old)
	}
	if got[0].Outcome != types.OutcomeAborted {
		t.Errorf("Outcome = %q, want aborted", got[0].Outcome)
	}
	if len(evicted) != 1 {
		t.Errorf("OnEvict called %d times, want 1", len(evicted))
	}

	snap := g.Metrics()
	if snap.ActiveSessions != 1 || snap.Evictions != 1 {
		t.Errorf("snapshot = %+v, want 1 active / 1 eviction", snap)
	}
	if _, ok := g.Session(fresh); !ok {
		t.Error("fresh session evicted")
	}
	// The evicted holder's late EndSession is a harmless no-op.
	if g.EndSession(old, types.OutcomeSuccess) {
		t.Error("EndSession on evicted session = true")
	}
	// The freed slot is usable.
	if _, err := g.StartSession(types.OperationSTT, "tab-3"); err != nil {
		t.Errorf("StartSession after sweep: %v", err)
	}
}

func TestGovernor_MetricsSnapshot(t *testing.T) {
	g, clk := newTestGovernor(t, Config{MaxConcurrentSessions: 5, MaxSamples: 3})

	for i, d := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second} {
		id, err := g.StartSession(types.OperationTTS, "u")
		if err != nil {
			t.Fatalf("session %d: %v", i, err)
		}
		clk.Advance(d)
		g.EndSession(id, types.OutcomeSuccess)
	}
	_, _ = g.StartSession(types.OperationSTT, "u")
	g.RecordError(types.ErrorNetwork)
	g.RecordError(types.ErrorNetwork)
	g.RecordError(types.ErrorPermission)

	snap := g.Metrics()
	if snap.ActiveSessions != 1 || snap.ActiveByType[types.OperationSTT] != 1 {
		t.Errorf("active = %d by type %v", snap.ActiveSessions, snap.ActiveByType)
	}
	timing := snap.ProcessingTimes[types.OperationTTS]
	if timing.Count != 3 {
		t.Fatalf("sample count = %d, want 3 (bounded)", timing.Count)
	}
	if timing.Mean != 3*time.Second || timing.Max != 4*time.Second {
		t.Errorf("timing = %+v, want mean 3s max 4s", timing)
	}
	if want := []time.Duration{2 * time.Second, 3 * time.Second, 4 * time.Second}; fmt.Sprint(snap.Samples[types.OperationTTS]) != fmt.Sprint(want) {
		t.Errorf("samples = %v, want %v", snap.Samples[types.OperationTTS], want)
	}
	if snap.Errors[types.ErrorNetwork] != 2 || snap.Errors[types.ErrorPermission] != 1 {
		t.Errorf("errors = %v", snap.Errors)
	}
	if snap.Outcomes[types.OutcomeSuccess] != 4 {
		t.Errorf("outcomes = %v", snap.Outcomes)
	}
}

func TestGovernor_ConcurrentStartNeverExceedsCap(t *testing.T) {
	g := New(Config{MaxConcurrentSessions: 4}, WithMetrics(testMetrics(t)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.StartSession(types.OperationSTT, "u"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 4 {
		t.Errorf("admitted = %d, want 4", admitted)
	}
	if got := g.Metrics().Denied; got != 60 {
		t.Errorf("denied = %d, want 60", got)
	}
}

func TestGovernor_ConfigureResizesSamples(t *testing.T) {
	g, clk := newTestGovernor(t, Config{MaxSamples: 5})
	for i := 0; i < 5; i++ {
		id, _ := g.StartSession(types.OperationSTT, "u")
		clk.Advance(time.Duration(i+1) * time.Second)
		g.EndSession(id, types.OutcomeSuccess)
	}
	g.Configure(Config{MaxSamples: 2, MaxConcurrentSessions: 7})
	if got := g.Config().MaxConcurrentSessions; got != 7 {
		t.Errorf("MaxConcurrentSessions = %d, want 7", got)
	}
	samples := g.Metrics().Samples[types.OperationSTT]
	if len(samples) != 2 || samples[1] != 5*time.Second {
		t.Errorf("samples = %v, want newest two", samples)
	}
}

func TestGovernor_RunSweepsUntilCancelled(t *testing.T) {
	g := New(Config{StaleAfter: time.Millisecond, SweepInterval: 5 * time.Millisecond},
		WithMetrics(testMetrics(t)))
	_, _ = g.StartSession(types.OperationSTT, "u")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for g.Metrics().ActiveSessions != 0 {
		select {
		case <-deadline:
			t.Fatal("stale session never swept")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}

func TestGovernor_HandoverReusesSlot(t *testing.T) {
	g, _ := newTestGovernor(t, Config{MaxConcurrentSessions: 1})

	tts, err := g.StartSession(types.OperationTTS, "u")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := g.StartSession(types.OperationSTT, "u"); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("plain start at capacity err = %v", err)
	}

	stt, err := g.Handover(tts, types.OutcomeAborted, types.OperationSTT, "u")
	if err != nil {
		t.Fatalf("Handover: %v", err)
	}
	if _, ok := g.Session(tts); ok {
		t.Error("previous session still open")
	}
	s, ok := g.Session(stt)
	if !ok || s.OperationType != types.OperationSTT {
		t.Errorf("new session = %+v, %v", s, ok)
	}
	if got := g.Metrics().Outcomes[types.OutcomeAborted]; got != 1 {
		t.Errorf("aborted outcomes = %d, want 1", got)
	}
}

func TestGovernor_HandoverDeniedKeepsPrevious(t *testing.T) {
	g, _ := newTestGovernor(t, Config{MaxConcurrentSessions: 2, MemoryLimitMB: 15, SessionMemoryMB: 10})

	prev, err := g.StartSession(types.OperationTTS, "u")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	g.memProbe = func() float64 { return 100 }
	if _, err := g.Handover(prev, types.OutcomeAborted, types.OperationSTT, "u"); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Handover err = %v, want ErrResourceExhausted", err)
	}
	if _, ok := g.Session(prev); !ok {
		t.Error("denied handover closed the previous session")
	}
	if got := g.Metrics().ActiveSessions; got != 1 {
		t.Errorf("ActiveSessions = %d, want 1", got)
	}
}

func TestGovernor_HandoverUnknownPrevious(t *testing.T) {
	g, _ := newTestGovernor(t, Config{MaxConcurrentSessions: 1})
	if _, err := g.Handover("missing", types.OutcomeAborted, types.OperationSTT, "u"); err != nil {
		t.Fatalf("Handover with unknown previous: %v", err)
	}
	if _, err := g.Handover("missing", types.OutcomeAborted, types.OperationSTT, "u"); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("second Handover err = %v, want ErrResourceExhausted", err)
	}
}

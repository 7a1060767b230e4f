package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxctl/internal/governor"
	"github.com/MrWong99/voxctl/internal/settings"
)

func readyz(t *testing.T, h *Handler, ctx context.Context) (int, result) {
	t.Helper()
	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func ok(context.Context) error { return nil }

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New(Checker{Name: "broken", Check: func(context.Context) error { return errors.New("down") }})

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantBody   string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "governor", Check: ok}, {Name: "settings_store", Check: ok}},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
			wantChecks: map[string]string{"governor": "ok", "settings_store": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "governor", Check: ok},
				{Name: "settings_store", Check: func(context.Context) error { return errors.New("connection refused") }},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "fail",
			wantChecks: map[string]string{"governor": "ok", "settings_store": "fail: connection refused"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := readyz(t, New(tt.checkers...), context.Background())
			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d", code, tt.wantStatus)
			}
			if body.Status != tt.wantBody {
				t.Errorf("body status = %q, want %q", body.Status, tt.wantBody)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_RunsCheckersConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := func(context.Context) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow}, Checker{Name: "c", Check: slow})

	if code, _ := readyz(t, h, context.Background()); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if peak.Load() < 2 {
		t.Errorf("peak concurrency = %d, want checkers to overlap", peak.Load())
	}
}

func TestReadyz_Draining(t *testing.T) {
	called := false
	h := New(Checker{Name: "governor", Check: func(context.Context) error { called = true; return nil }})
	h.SetDraining(true)

	code, body := readyz(t, h, context.Background())
	if code != http.StatusServiceUnavailable || body.Status != "draining" {
		t.Errorf("got %d %q, want 503 draining", code, body.Status)
	}
	if called {
		t.Error("checkers should not run while draining")
	}

	h.SetDraining(false)
	if code, _ := readyz(t, h, context.Background()); code != http.StatusOK {
		t.Errorf("status after drain cleared = %d", code)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if code, _ := readyz(t, h, ctx); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
}

func TestProbe_Governor(t *testing.T) {
	var memMB atomic.Int64
	gov := governor.New(governor.Config{MaxConcurrentSessions: 5, MemoryLimitMB: 100, SessionMemoryMB: 10},
		governor.WithMemoryProbe(func() float64 { return float64(memMB.Load()) }))
	h := New(Probe("governor", gov))

	if code, _ := readyz(t, h, context.Background()); code != http.StatusOK {
		t.Fatalf("status = %d, want 200 under the limit", code)
	}

	memMB.Store(150)
	code, body := readyz(t, h, context.Background())
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 over the memory limit", code)
	}
	if body.Checks["governor"] == "ok" {
		t.Errorf("governor check = %q", body.Checks["governor"])
	}
}

type failingPersister struct{ fail atomic.Bool }

func (p *failingPersister) Load(context.Context, string) ([]byte, error) {
	if p.fail.Load() {
		return nil, errors.New("db down")
	}
	return nil, nil
}

func (p *failingPersister) Save(context.Context, string, []byte) error {
	if p.fail.Load() {
		return errors.New("db down")
	}
	return nil
}

func TestProbe_SettingsGuard(t *testing.T) {
	p := &failingPersister{}
	guard := settings.NewGuard(p)
	h := New(Probe("settings_store", guard))

	p.fail.Store(true)
	_ = guard.Save(context.Background(), "k", []byte("{}"))
	if code, _ := readyz(t, h, context.Background()); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 while degraded", code)
	}

	p.fail.Store(false)
	_ = guard.Save(context.Background(), "k", []byte("{}"))
	if code, _ := readyz(t, h, context.Background()); code != http.StatusOK {
		t.Errorf("status = %d, want 200 after recovery", code)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(Checker{Name: "test", Check: ok})
	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxctl/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
governor:
  max_concurrent_sessions: 3
`

const watcherUpdatedYAML = `
server:
  log_level: debug
governor:
  max_concurrent_sessions: 5
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func noEnv(string) (string, bool) { return "", false }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// bumpMtime moves the file's mtime forward so a rewrite within the
// filesystem's timestamp granularity is still noticed.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithLookup(noEnv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_CheckDetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var gotOld, gotNew *config.Config
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		gotOld, gotNew = old, new
	}, config.WithLookup(noEnv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if w.Check() {
		t.Fatal("Check() reported a change for an untouched file")
	}

	writeFile(t, cfgPath, watcherUpdatedYAML)
	bumpMtime(t, cfgPath)
	if !w.Check() {
		t.Fatal("Check() missed the change")
	}

	if gotOld == nil || gotNew == nil {
		t.Fatal("callback received nil configs")
	}
	if gotOld.Server.LogLevel != config.LogInfo || gotNew.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level old=%q new=%q", gotOld.Server.LogLevel, gotNew.Server.LogLevel)
	}
	if w.Current().Governor.MaxConcurrentSessions != 5 {
		t.Errorf("Current() was not replaced")
	}
}

func TestWatcher_RunDetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	called := make(chan *config.Config, 1)
	w, err := config.NewWatcher(cfgPath, func(_, new *config.Config) {
		select {
		case called <- new:
		default:
		}
	}, config.WithInterval(20*time.Millisecond), config.WithLookup(noEnv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, cfgPath, watcherUpdatedYAML)
	bumpMtime(t, cfgPath)

	select {
	case cfg := <-called:
		if cfg.Server.LogLevel != config.LogDebug {
			t.Errorf("new log_level: got %q", cfg.Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var mu sync.Mutex
	calls := 0
	var reloadErr error
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithLookup(noEnv), config.WithErrorHandler(func(err error) { reloadErr = err }))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writeFile(t, cfgPath, watcherInvalidYAML)
	bumpMtime(t, cfgPath)
	if w.Check() {
		t.Error("Check() installed an invalid config")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", calls)
	}
	if reloadErr == nil {
		t.Error("error handler was not called")
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	_, err := config.NewWatcher("/nonexistent/path.yaml", nil)
	if err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	calls := 0
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) { calls++ }, config.WithLookup(noEnv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bumpMtime(t, cfgPath)
	if w.Check() {
		t.Error("Check() reported a change for a touch-only edit")
	}
	if calls != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", calls)
	}
}

package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/talkloop/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
transport:
  stream_url: "ws://localhost:8000/ws"
vad:
  silence_duration: 1s
`

const watcherUpdatedYAML = `
server:
  log_level: debug
transport:
  stream_url: "ws://localhost:8000/ws"
vad:
  silence_duration: 2s
`

const watcherInvalidYAML = `
server:
  log_level: bananas
transport:
  stream_url: "ws://localhost:8000/ws"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func newWatchedFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "talkloop.yaml")
	writeFile(t, path, watcherValidYAML)
	return path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	w, err := config.NewWatcher(newWatchedFile(t), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	if got := w.Current().VAD.SilenceDuration; got != time.Second {
		t.Errorf("silence_duration: got %v, want 1s", got)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t)

	var mu sync.Mutex
	var gotOld, gotNew *config.Config
	called := make(chan struct{}, 1)

	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		mu.Lock()
		gotOld, gotNew = old, new
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, watcherUpdatedYAML)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotOld.Server.LogLevel != config.LogInfo || gotNew.Server.LogLevel != config.LogDebug {
		t.Errorf("log levels: old %q new %q", gotOld.Server.LogLevel, gotNew.Server.LogLevel)
	}
	d := config.Diff(gotOld, gotNew)
	if !d.VADChanged || !d.LogLevelChanged {
		t.Errorf("diff: got %+v", d)
	}
	if w.Current().VAD.SilenceDuration != 2*time.Second {
		t.Errorf("Current() not updated")
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t)

	var mu sync.Mutex
	calls := 0
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, watcherInvalidYAML)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", calls)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should keep the old config, got log_level=%q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	w, err := config.NewWatcher(newWatchedFile(t), nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Stop()
	w.Stop()
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path := newWatchedFile(t)

	var mu sync.Mutex
	calls := 0
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	later := time.Now().Add(time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not fire for a touch, got %d calls", calls)
	}
}

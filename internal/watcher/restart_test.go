package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestRestartDelayBackoff(t *testing.T) {
	cases := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 0, expected: restartBaseDelay},
		{attempt: 1, expected: restartBaseDelay * 2},
		{attempt: 2, expected: restartBaseDelay * 4},
	}

	for _, testCase := range cases {
		if got := restartDelay(testCase.attempt); got != testCase.expected {
			t.Fatalf("attempt %d: expected %s, got %s", testCase.attempt, testCase.expected, got)
		}
	}
}

func TestScheduleRestartSetsTimer(t *testing.T) {
	watcher, err := New()
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	watcher.scheduleRestart(errors.New("boom"))

	watcher.restartMutex.Lock()
	timer := watcher.restartTimer
	attempts := watcher.restartAttempts
	watcher.restartMutex.Unlock()

	if attempts != 1 {
		t.Fatalf("expected 1 restart attempt, got %d", attempts)
	}
	if timer == nil {
		t.Fatalf("expected restart timer to be set")
	}
	if timer != nil {
		timer.Stop()
		watcher.restartMutex.Lock()
		watcher.restartTimer = nil
		watcher.restartMutex.Unlock()
	}
}

func TestScheduleRestartSkipsWhenTimerActive(t *testing.T) {
	watcher, err := New()
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	watcher.restartMutex.Lock()
	watcher.restartTimer = timer
	watcher.restartAttempts = 1
	watcher.restartMutex.Unlock()

	watcher.scheduleRestart(errors.New("boom"))

	watcher.restartMutex.Lock()
	attempts := watcher.restartAttempts
	watcher.restartMutex.Unlock()

	if attempts != 1 {
		t.Fatalf("expected restart attempts to remain 1, got %d", attempts)
	}
}

func TestPerformRestartKeepsWatchedDirectories(t *testing.T) {
	watcher, err := New()
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	dir := t.TempDir()
	events := make(chan Event, 4)
	handle, err := watcher.Subscribe(dir, SubscribeOptions{}, collect(events))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer handle.Close()

	watcher.restartMutex.Lock()
	watcher.restartAttempts = 2
	watcher.restartMutex.Unlock()

	watcher.performRestart()

	watcher.restartMutex.Lock()
	attempts := watcher.restartAttempts
	watcher.restartMutex.Unlock()
	if attempts != 0 {
		t.Fatalf("expected restart attempts to reset, got %d", attempts)
	}

	target := filepath.Join(dir, "auth.jpg")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !waitForPath(events, target) {
		t.Fatal("timed out waiting for event after restart")
	}
}

func TestScheduleRestartNotifiesWhenExhausted(t *testing.T) {
	received := make(chan error, 1)
	watcher, err := NewWithOptions(Options{ErrorHandler: func(err error) {
		received <- err
	}})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	watcher.restartMutex.Lock()
	watcher.restartAttempts = maxRestartAttempts
	watcher.restartMutex.Unlock()

	boom := errors.New("boom")
	watcher.scheduleRestart(boom)

	select {
	case err := <-received:
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected error handler to be called")
	}
}

func TestPerformRestartRescansSubscriptions(t *testing.T) {
	watcher, err := New()
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	dir := t.TempDir()
	events := make(chan Event, 16)
	handle, err := watcher.Subscribe(dir, SubscribeOptions{Ops: fsnotify.Create}, collect(events))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer handle.Close()

	watcher.performRestart()

	event, ok := waitForRescan(events)
	if !ok {
		t.Fatal("expected rescan event after restart")
	}
	if event.Path != dir || !event.Synthetic {
		t.Fatalf("unexpected rescan event %+v", event)
	}
}

func TestRestartRecoversDirectoryCreatedInGap(t *testing.T) {
	watcher, err := New()
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	root := t.TempDir()
	events := make(chan Event, 16)
	handle, err := watcher.Subscribe(root, SubscribeOptions{
		Recursive:  true,
		Extensions: []string{".json"},
		Ops:        fsnotify.Create,
	}, collect(events))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer handle.Close()

	// Drop the kernel watch so the next writes go unreported.
	watcher.mutex.Lock()
	source := watcher.watcher
	watcher.mutex.Unlock()
	if err := source.Remove(root); err != nil {
		t.Fatalf("remove watch: %v", err)
	}

	submission := filepath.Join(root, "a105")
	if err := os.Mkdir(submission, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	target := filepath.Join(submission, "enroll_1.json")
	if err := os.WriteFile(target, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	watcher.performRestart()

	if !waitForPath(events, target) {
		t.Fatal("expected file written during the gap to be replayed")
	}
	watcher.mutex.Lock()
	_, watched := watcher.dirRefs[submission]
	watcher.mutex.Unlock()
	if !watched {
		t.Fatal("expected directory created during the gap to be watched")
	}
}

func TestOverflowResyncsWithoutRestart(t *testing.T) {
	watcher, err := New()
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	dir := t.TempDir()
	events := make(chan Event, 16)
	handle, err := watcher.Subscribe(dir, SubscribeOptions{}, collect(events))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer handle.Close()

	watcher.handleError(fsnotify.ErrEventOverflow)

	if _, ok := waitForRescan(events); !ok {
		t.Fatal("expected rescan event after overflow")
	}
	watcher.restartMutex.Lock()
	timer := watcher.restartTimer
	attempts := watcher.restartAttempts
	watcher.restartMutex.Unlock()
	if timer != nil || attempts != 0 {
		t.Fatalf("expected no restart after overflow, got attempts %d", attempts)
	}
	if got := watcher.Metrics().Errors; got != 1 {
		t.Fatalf("expected one counted error, got %d", got)
	}
}

func TestRescanSkipsClosedSubscriptions(t *testing.T) {
	watcher, err := New()
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer watcher.Close()

	dir := t.TempDir()
	events := make(chan Event, 16)
	handle, err := watcher.Subscribe(dir, SubscribeOptions{}, collect(events))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = handle.Close()

	watcher.resync()

	select {
	case event := <-events:
		t.Fatalf("expected no event for closed subscription, got %+v", event)
	default:
	}
}

func waitForRescan(events <-chan Event) (Event, bool) {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Rescan {
				return event, true
			}
		case <-deadline:
			return Event{}, false
		}
	}
}

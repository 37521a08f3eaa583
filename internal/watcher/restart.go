package watcher

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// handleError runs on the event goroutine. An overflowed inotify queue only
// lost events, so the watch set is still valid and a resync is enough. Any
// other error replaces the fsnotify watcher.
func (watcher *Watcher) handleError(err error) {
	if err == nil {
		return
	}
	atomic.AddUint64(&watcher.errorCount, 1)
	watcher.metrics.IncNotificationError()

	if errors.Is(err, fsnotify.ErrEventOverflow) {
		watcher.logWarn("notification queue overflowed, rescanning", map[string]string{
			"error": err.Error(),
		})
		watcher.resync()
		return
	}

	watcher.logWarn("notification source error", map[string]string{
		"error": err.Error(),
	})
	watcher.scheduleRestart(err)
}

// restartDelay doubles from restartBaseDelay per failed attempt.
func restartDelay(attempt int) time.Duration {
	return restartBaseDelay << attempt
}

func (watcher *Watcher) scheduleRestart(cause error) {
	if watcher == nil {
		return
	}

	watcher.restartMutex.Lock()
	switch {
	case watcher.restartTimer != nil:
		watcher.restartMutex.Unlock()
		return
	case watcher.restartAttempts >= maxRestartAttempts:
		watcher.restartMutex.Unlock()
		watcher.logWarn("notification source gave up", map[string]string{
			"error":    cause.Error(),
			"attempts": strconv.Itoa(maxRestartAttempts),
		})
		watcher.notifyError(cause)
		return
	}
	attempt := watcher.restartAttempts
	watcher.restartAttempts++
	watcher.restartTimer = time.AfterFunc(restartDelay(attempt), watcher.performRestart)
	watcher.restartMutex.Unlock()
}

func (watcher *Watcher) performRestart() {
	if watcher == nil {
		return
	}
	err := watcher.restart()

	watcher.restartMutex.Lock()
	watcher.restartTimer = nil
	if err == nil {
		watcher.restartAttempts = 0
	}
	watcher.restartMutex.Unlock()

	if err != nil {
		watcher.logWarn("notification source restart failed", map[string]string{
			"error": err.Error(),
		})
		watcher.scheduleRestart(err)
		return
	}
	watcher.requestResync()
}

func (watcher *Watcher) notifyError(err error) {
	if watcher == nil || watcher.errorHandler == nil || err == nil {
		return
	}
	watcher.errorHandler(err)
}

// restart swaps in a fresh fsnotify watcher carrying every referenced
// directory. Events that arrive between the old watcher failing and the new
// one starting are lost; the resync that follows recovers them.
func (watcher *Watcher) restart() error {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	dirs := make([]string, 0, len(watcher.dirRefs))
	for dir := range watcher.dirRefs {
		dirs = append(dirs, dir)
	}
	watcher.mutex.Unlock()

	replacement, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := replacement.Add(dir); err != nil {
			// The directory is gone; drop it like a Remove event would.
			watcher.forgetDir(dir)
		}
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		_ = replacement.Close()
		return nil
	}
	previous := watcher.watcher
	watcher.watcher = replacement
	active := len(watcher.dirRefs)
	watcher.mutex.Unlock()

	watcher.metrics.IncNotificationRestart()
	watcher.logger.Info("notification source restarted", map[string]string{
		"active_watches": strconv.Itoa(active),
	})
	watcher.startForwarder(replacement)
	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

// requestResync queues a resync on the event goroutine so callbacks keep
// running on a single goroutine. Pending requests coalesce.
func (watcher *Watcher) requestResync() {
	select {
	case watcher.resyncs <- struct{}{}:
	default:
	}
}

// resync recovers from lost notifications. Recursive subscriptions pick up
// directories created in the gap and replay their files as synthetic
// creates, so new submission directories are still discovered. Every
// subscription then receives one Rescan event for its root, so a watcher
// whose last artifact went unreported re-reads its listing.
func (watcher *Watcher) resync() {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	subs := make([]*subscription, 0, len(watcher.subscriptions))
	for _, sub := range watcher.subscriptions {
		subs = append(subs, sub)
	}
	watcher.mutex.Unlock()

	watcher.metrics.IncNotificationResync()
	now := time.Now().UTC()

	replayed := make(map[string]struct{})
	for _, sub := range subs {
		if !sub.recursive {
			continue
		}
		dirs, files := collectTree(sub.root)
		for _, dir := range dirs {
			if err := watcher.addDir(sub, dir); err != nil {
				watcher.logWarn("rescan watch add failed", map[string]string{
					"path":  dir,
					"error": err.Error(),
				})
			}
		}
		for _, path := range files {
			if _, seen := replayed[path]; seen {
				continue
			}
			replayed[path] = struct{}{}
			watcher.deliver(Event{
				Path:      path,
				Op:        fsnotify.Create,
				Timestamp: now,
				Synthetic: true,
			})
		}
	}

	for _, sub := range subs {
		if !watcher.subscribed(sub.id) {
			continue
		}
		sub.callback(Event{
			Path:      sub.root,
			Op:        fsnotify.Create,
			Timestamp: now,
			Synthetic: true,
			Rescan:    true,
		})
		atomic.AddUint64(&watcher.eventsDelivered, 1)
	}
}

func (watcher *Watcher) subscribed(id uint64) bool {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	_, ok := watcher.subscriptions[id]
	return ok && !watcher.closed
}

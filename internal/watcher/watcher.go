package watcher

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"reportwatch/internal/logging"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultMaxWatches      = 4096
	defaultCleanupInterval = time.Minute
	maxRestartAttempts     = 3
	restartBaseDelay       = 200 * time.Millisecond
)

var (
	ErrMaxWatchesExceeded = errors.New("max watches exceeded")
	ErrClosed             = errors.New("watcher is closed")
)

// New creates a Watcher with default options.
func New() (*Watcher, error) {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a Watcher with custom options.
func NewWithOptions(options Options) (*Watcher, error) {
	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	maxWatches := options.MaxWatches
	if maxWatches <= 0 {
		maxWatches = defaultMaxWatches
	}

	cleanupInterval := options.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	instance := &Watcher{
		watcher:         source,
		subscriptions:   make(map[uint64]*subscription),
		dirRefs:         make(map[string]int),
		events:          make(chan fsnotify.Event, 64),
		errors:          make(chan error, 4),
		resyncs:         make(chan struct{}, 1),
		done:            make(chan struct{}),
		logger:          logger.Component("watcher"),
		metrics:         options.Metrics,
		maxWatches:      maxWatches,
		cleanupInterval: cleanupInterval,
		errorHandler:    options.ErrorHandler,
	}

	instance.startForwarder(source)
	go instance.run()
	go instance.cleanupLoop()
	return instance, nil
}

// Close shuts down the watcher and stops event processing. Handles closed
// afterwards are no-ops.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	source := watcher.watcher
	watcher.mutex.Unlock()

	watcher.restartMutex.Lock()
	if watcher.restartTimer != nil {
		watcher.restartTimer.Stop()
		watcher.restartTimer = nil
	}
	watcher.restartMutex.Unlock()

	close(watcher.done)
	if source == nil {
		return nil
	}
	return source.Close()
}

func (watcher *Watcher) run() {
	for {
		select {
		case event := <-watcher.events:
			watcher.handleEvent(event)
		case err := <-watcher.errors:
			watcher.handleError(err)
		case <-watcher.resyncs:
			watcher.resync()
		case <-watcher.done:
			return
		}
	}
}

func (watcher *Watcher) startForwarder(source *fsnotify.Watcher) {
	if source == nil {
		return
	}

	go func() {
		for {
			select {
			case event, ok := <-source.Events:
				if !ok {
					return
				}
				select {
				case watcher.events <- event:
				case <-watcher.done:
					return
				}
			case err, ok := <-source.Errors:
				if !ok {
					return
				}
				select {
				case watcher.errors <- err:
				case <-watcher.done:
					return
				}
			case <-watcher.done:
				return
			}
		}
	}()
}

func (watcher *Watcher) handleEvent(raw fsnotify.Event) {
	path := filepath.Clean(raw.Name)
	if raw.Op.Has(fsnotify.Remove) || raw.Op.Has(fsnotify.Rename) {
		watcher.forgetDir(path)
	}
	if raw.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			watcher.expandRecursive(path)
		}
	}
	watcher.deliver(Event{
		Path:      path,
		Op:        raw.Op,
		Timestamp: time.Now().UTC(),
	})
}

func (watcher *Watcher) deliver(event Event) {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	callbacks := make([]func(Event), 0, 2)
	for _, sub := range watcher.subscriptions {
		if sub.matches(event) {
			callbacks = append(callbacks, sub.callback)
		}
	}
	watcher.mutex.Unlock()

	if len(callbacks) == 0 {
		atomic.AddUint64(&watcher.eventsFiltered, 1)
		return
	}
	for _, callback := range callbacks {
		callback(event)
		atomic.AddUint64(&watcher.eventsDelivered, 1)
	}
}

func (sub *subscription) matches(event Event) bool {
	if sub.ops != 0 && event.Op&sub.ops == 0 {
		return false
	}
	if event.Path == sub.root {
		return false
	}
	if sub.recursive {
		if !isWithinPath(sub.root, event.Path) {
			return false
		}
	} else if filepath.Dir(event.Path) != sub.root {
		return false
	}
	return matchesExtension(event.Path, sub.extensions)
}

func matchesExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := filepath.Ext(path)
	if ext == "" {
		return false
	}
	for _, candidate := range extensions {
		if !strings.HasPrefix(candidate, ".") {
			candidate = "." + candidate
		}
		if strings.EqualFold(candidate, ext) {
			return true
		}
	}
	return false
}

func isWithinPath(parent, child string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(child))
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return true
}

func (watcher *Watcher) logWarn(message string, fields map[string]string) {
	if watcher == nil || watcher.logger == nil {
		return
	}
	watcher.logger.Warn(message, fields)
}

func (watcher *Watcher) logDebug(message, path string, activeCount int) {
	if watcher == nil || watcher.logger == nil {
		return
	}
	watcher.logger.Debug(message, map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(activeCount),
	})
}

// Metrics reports current watcher stats.
func (watcher *Watcher) Metrics() Metrics {
	if watcher == nil {
		return Metrics{}
	}
	watcher.mutex.Lock()
	active := len(watcher.dirRefs)
	subscriptions := len(watcher.subscriptions)
	watcher.mutex.Unlock()
	watcher.restartMutex.Lock()
	restartAttempts := watcher.restartAttempts
	watcher.restartMutex.Unlock()
	return Metrics{
		ActiveWatches:   active,
		Subscriptions:   subscriptions,
		EventsDelivered: atomic.LoadUint64(&watcher.eventsDelivered),
		EventsFiltered:  atomic.LoadUint64(&watcher.eventsFiltered),
		Errors:          atomic.LoadUint64(&watcher.errorCount),
		RestartAttempts: restartAttempts,
	}
}

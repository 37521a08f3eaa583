// Package submission watches a single submission directory until it holds
// an auth/enroll pair, dispatches it once and releases its registry entry.
package submission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"reportwatch/internal/artifact"
	"reportwatch/internal/dispatch"
	"reportwatch/internal/event"
	"reportwatch/internal/logging"
	"reportwatch/internal/metrics"
	"reportwatch/internal/registry"
	"reportwatch/internal/watcher"

	"github.com/fsnotify/fsnotify"
)

// Dispatcher delivers a completed directory.
type Dispatcher interface {
	Dispatch(ctx context.Context, dir string, set artifact.Set) dispatch.Result
}

type Options struct {
	Path       string
	Source     watcher.Source
	Registry   *registry.Registry
	Dispatcher Dispatcher
	Extensions []string
	Logger     *logging.Logger
	Metrics    *metrics.Registry
	Events     event.Publisher[event.WatcherEvent]
	// Evaluate lists and classifies the directory; defaults to
	// artifact.Evaluate.
	Evaluate func(dir string) (artifact.Set, error)
}

const (
	stateWatching int32 = iota
	stateCompleted
	stateTerminated
)

// Watcher is the Local Completion Watcher for one directory.
type Watcher struct {
	path       string
	source     watcher.Source
	registry   *registry.Registry
	dispatcher Dispatcher
	extensions []string
	logger     *logging.Logger
	metrics    *metrics.Registry
	events     event.Publisher[event.WatcherEvent]
	evaluate   func(dir string) (artifact.Set, error)

	state   atomic.Int32
	trigger chan struct{}
	done    chan struct{}

	resultMu  sync.Mutex
	result    dispatch.Result
	hasResult bool
}

func New(options Options) *Watcher {
	path := registry.Key(options.Path)
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	evaluate := options.Evaluate
	if evaluate == nil {
		evaluate = artifact.Evaluate
	}
	extensions := options.Extensions
	if len(extensions) == 0 {
		extensions = artifact.DefaultExtensions
	}
	return &Watcher{
		path:       path,
		source:     options.Source,
		registry:   options.Registry,
		dispatcher: options.Dispatcher,
		extensions: extensions,
		logger:     logger.Component("local").With(map[string]string{"path": path}),
		metrics:    options.Metrics,
		events:     options.Events,
		evaluate:   evaluate,
		trigger:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (w *Watcher) Path() string {
	return w.path
}

func (w *Watcher) State() registry.State {
	switch w.state.Load() {
	case stateCompleted:
		return registry.StateCompleted
	case stateTerminated:
		return registry.StateTerminated
	default:
		return registry.StateWatching
	}
}

// Done is closed when Run returns.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Result returns the dispatch outcome once the directory completed.
func (w *Watcher) Result() (dispatch.Result, bool) {
	w.resultMu.Lock()
	defer w.resultMu.Unlock()
	return w.result, w.hasResult
}

// Notify asks the watcher to re-evaluate its directory. Pending requests
// coalesce, so it never blocks.
func (w *Watcher) Notify() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run watches the directory until it completes or ctx is cancelled. A
// directory that is already complete is dispatched without subscribing.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)

	if w.source == nil || w.dispatcher == nil {
		w.cancel()
		return errors.New("submission watcher requires a source and a dispatcher")
	}

	w.logger.Info("attaching observer", nil)
	w.metrics.IncWatcherStarted()
	w.publish(event.NewWatcherEvent(event.TypeWatcherStarted, w.path))

	if err := w.ensureDir(); err != nil {
		w.cancel()
		return err
	}

	if ctx.Err() != nil {
		w.cancel()
		return nil
	}
	if set, ok := w.check(ctx); ok {
		w.complete(ctx, set, nil)
		return nil
	}

	handle, err := w.source.Subscribe(w.path, watcher.SubscribeOptions{
		Extensions: w.extensions,
		Ops:        fsnotify.Create,
	}, w.onEvent)
	if err != nil {
		w.logger.Warn("subscribe failed", map[string]string{"error": err.Error()})
		w.cancel()
		return fmt.Errorf("subscribe %s: %w", w.path, err)
	}

	// A file may have landed between the eager check and the subscription.
	w.Notify()

	for {
		select {
		case <-ctx.Done():
			_ = handle.Close()
			w.cancel()
			return nil
		case <-w.trigger:
			if ctx.Err() != nil {
				_ = handle.Close()
				w.cancel()
				return nil
			}
			if set, ok := w.check(ctx); ok {
				w.complete(ctx, set, handle)
				return nil
			}
		}
	}
}

func (w *Watcher) onEvent(evt watcher.Event) {
	w.metrics.IncEventsObserved()
	w.logger.Debug("file event", map[string]string{
		"file":      evt.Path,
		"op":        evt.Op.String(),
		"synthetic": fmt.Sprint(evt.Synthetic),
		"rescan":    fmt.Sprint(evt.Rescan),
	})
	w.Notify()
}

func (w *Watcher) ensureDir() error {
	if _, err := os.Stat(w.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", w.path, err)
	}
	if err := os.MkdirAll(w.path, 0o755); err != nil {
		w.logger.Error("directory create failed", map[string]string{"error": err.Error()})
		return fmt.Errorf("create %s: %w", w.path, err)
	}
	w.logger.Info("directory created", nil)
	w.publish(event.NewWatcherEvent(event.TypeDirectoryCreated, w.path))
	return nil
}

// check evaluates the completion predicate against the current listing.
// Listing errors count as "not complete yet".
func (w *Watcher) check(ctx context.Context) (artifact.Set, bool) {
	w.metrics.IncEvaluation()
	set, err := w.evaluate(w.path)
	if err != nil {
		w.metrics.IncListingError()
		w.logger.Warn("directory listing failed", map[string]string{"error": err.Error()})
		return artifact.Set{}, false
	}
	complete := set.Complete()
	evaluated := event.NewWatcherEvent(event.TypeEvaluated, w.path)
	evaluated.Complete = complete
	evaluated.State = string(w.State())
	w.publish(evaluated)
	return set, complete
}

// complete performs the single dispatch. Only the caller that moves the
// watcher out of Watching gets to send.
func (w *Watcher) complete(ctx context.Context, set artifact.Set, handle watcher.Handle) {
	if !w.state.CompareAndSwap(stateWatching, stateCompleted) {
		return
	}
	w.logger.Info("directory complete", map[string]string{
		"auth":   set.Auth,
		"enroll": set.Enroll,
	})

	result := w.dispatcher.Dispatch(ctx, w.path, set)
	w.resultMu.Lock()
	w.result = result
	w.hasResult = true
	w.resultMu.Unlock()

	outcome := event.NewWatcherEvent(event.TypeDispatched, w.path)
	if !result.Succeeded() {
		outcome.EventType = event.TypeDispatchFailed
	}
	outcome.StatusCode = result.StatusCode
	if result.Err != nil {
		outcome.Error = result.Err.Error()
	}
	w.publish(outcome)

	w.metrics.IncWatcherCompleted()
	w.state.Store(stateTerminated)
	if handle != nil {
		_ = handle.Close()
	}
	w.release(true)
	w.logger.Info("watcher task finished", map[string]string{"outcome": result.Outcome})
}

// cancel terminates a watcher that never completed.
func (w *Watcher) cancel() {
	if !w.state.CompareAndSwap(stateWatching, stateTerminated) {
		return
	}
	w.metrics.IncWatcherCancelled()
	w.release(false)
	w.logger.Info("watcher stopped", nil)
}

func (w *Watcher) release(completed bool) {
	if w.registry != nil {
		if err := w.registry.Finish(w.path, w, completed); err != nil {
			w.logger.Warn("registry release failed", map[string]string{"error": err.Error()})
		}
	}
	terminated := event.NewWatcherEvent(event.TypeWatcherTerminated, w.path)
	terminated.State = string(registry.StateTerminated)
	terminated.Complete = completed
	w.publish(terminated)
}

func (w *Watcher) publish(evt event.WatcherEvent) {
	if w.events == nil {
		return
	}
	w.events.Publish(evt)
}

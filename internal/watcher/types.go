package watcher

import (
	"sync"
	"time"

	"reportwatch/internal/logging"
	"reportwatch/internal/metrics"

	"github.com/fsnotify/fsnotify"
)

// Event represents a single filesystem change. Synthetic events are emitted
// for files found inside a directory that appeared after subscribing.
//
// A Rescan event carries the subscription root as its path and means
// notifications may have been lost: the receiver should re-read the directory
// instead of trusting the events it has seen.
type Event struct {
	Path      string
	Op        fsnotify.Op
	Timestamp time.Time
	Synthetic bool
	Rescan    bool
}

// Handle releases a subscription.
type Handle interface {
	Close() error
}

// SubscribeOptions scopes a subscription.
type SubscribeOptions struct {
	// Recursive includes every directory beneath the subscribed path,
	// including directories created later.
	Recursive bool
	// Extensions limits delivery to files with one of these extensions.
	// Empty delivers every path.
	Extensions []string
	// Ops limits delivery to these operations. Zero delivers every operation.
	Ops fsnotify.Op
}

// Source registers callbacks for filesystem events under a directory.
type Source interface {
	Subscribe(path string, options SubscribeOptions, callback func(Event)) (Handle, error)
}

// Options controls watcher behavior.
type Options struct {
	Logger          *logging.Logger
	Metrics         *metrics.Registry
	MaxWatches      int
	CleanupInterval time.Duration
	ErrorHandler    func(error)
}

// Metrics reports watcher counters.
type Metrics struct {
	ActiveWatches   int
	Subscriptions   int
	EventsDelivered uint64
	EventsFiltered  uint64
	Errors          uint64
	RestartAttempts int
}

type subscription struct {
	id         uint64
	root       string
	recursive  bool
	extensions []string
	ops        fsnotify.Op
	callback   func(Event)
	dirs       map[string]struct{}
}

// Watcher is the fsnotify-backed Source.
type Watcher struct {
	watcher         *fsnotify.Watcher
	mutex           sync.Mutex
	subscriptions   map[uint64]*subscription
	dirRefs         map[string]int
	events          chan fsnotify.Event
	errors          chan error
	resyncs         chan struct{}
	done            chan struct{}
	closed          bool
	logger          *logging.Logger
	metrics         *metrics.Registry
	maxWatches      int
	cleanupInterval time.Duration
	errorHandler    func(error)
	nextID          uint64

	eventsDelivered uint64
	eventsFiltered  uint64
	errorCount      uint64

	restartMutex    sync.Mutex
	restartTimer    *time.Timer
	restartAttempts int
}

// Package discovery watches the report root for new submission directories
// and starts one submission watcher per directory.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"reportwatch/internal/artifact"
	"reportwatch/internal/event"
	"reportwatch/internal/logging"
	"reportwatch/internal/metrics"
	"reportwatch/internal/registry"
	"reportwatch/internal/submission"
	"reportwatch/internal/watcher"

	"github.com/fsnotify/fsnotify"
)

type Options struct {
	Root       string
	Source     watcher.Source
	Registry   *registry.Registry
	Dispatcher submission.Dispatcher
	Extensions []string
	Logger     *logging.Logger
	Metrics    *metrics.Registry
	Events     event.Publisher[event.WatcherEvent]
	// InitialScan claims subdirectories that already exist under Root when
	// Run starts.
	InitialScan bool
}

// Coordinator is the Recursive Discovery Coordinator.
type Coordinator struct {
	root        string
	source      watcher.Source
	registry    *registry.Registry
	dispatcher  submission.Dispatcher
	extensions  []string
	logger      *logging.Logger
	metrics     *metrics.Registry
	events      event.Publisher[event.WatcherEvent]
	initialScan bool

	mu      sync.Mutex
	ctx     context.Context
	stopped bool
	wg      sync.WaitGroup
}

func New(options Options) (*Coordinator, error) {
	if options.Root == "" {
		return nil, errors.New("discovery root is required")
	}
	if options.Source == nil {
		return nil, errors.New("discovery requires a notification source")
	}
	if options.Dispatcher == nil {
		return nil, errors.New("discovery requires a dispatcher")
	}
	reg := options.Registry
	if reg == nil {
		reg = registry.New()
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	extensions := options.Extensions
	if len(extensions) == 0 {
		extensions = artifact.DefaultExtensions
	}
	root, err := filepath.Abs(options.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	return &Coordinator{
		root:        root,
		source:      options.Source,
		registry:    reg,
		dispatcher:  options.Dispatcher,
		extensions:  extensions,
		logger:      logger.Component("discovery"),
		metrics:     options.Metrics,
		events:      options.Events,
		initialScan: options.InitialScan,
	}, nil
}

func (c *Coordinator) Root() string {
	return c.root
}

func (c *Coordinator) Registry() *registry.Registry {
	return c.registry
}

// Run subscribes to the whole tree under the root and blocks until ctx is
// cancelled. Every spawned watcher has returned by the time Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return fmt.Errorf("create root %s: %w", c.root, err)
	}

	c.mu.Lock()
	c.ctx = ctx
	c.stopped = false
	c.mu.Unlock()

	handle, err := c.source.Subscribe(c.root, watcher.SubscribeOptions{
		Recursive:  true,
		Extensions: c.extensions,
		Ops:        fsnotify.Create,
	}, c.onEvent)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.root, err)
	}
	c.logger.Info("discovery started", map[string]string{"root": c.root})

	if c.initialScan {
		c.scan()
	}

	<-ctx.Done()

	_ = handle.Close()
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.wg.Wait()
	c.logger.Info("discovery stopped", map[string]string{"root": c.root})
	return nil
}

// Wait blocks until every spawned watcher has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) onEvent(evt watcher.Event) {
	c.metrics.IncEventsObserved()
	if evt.Rescan {
		// Files under root are replayed individually after a rescan.
		c.logger.Info("notification rescan", map[string]string{"root": c.root})
		return
	}
	c.Discover(filepath.Dir(evt.Path))
}

// Discover claims dir for a new submission watcher. It reports whether this
// call started the watcher. The root itself is never claimed.
func (c *Coordinator) Discover(dir string) bool {
	dir = registry.Key(dir)
	if dir == c.root || !isWithin(c.root, dir) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.ctx == nil {
		return false
	}

	var spawned *submission.Watcher
	_, claimed := c.registry.Claim(dir, func() registry.Watcher {
		spawned = submission.New(submission.Options{
			Path:       dir,
			Source:     c.source,
			Registry:   c.registry,
			Dispatcher: c.dispatcher,
			Extensions: c.extensions,
			Logger:     c.logger,
			Metrics:    c.metrics,
			Events:     c.events,
		})
		return spawned
	})
	if !claimed {
		c.metrics.IncDiscoveryDuplicate()
		c.logger.Debug("directory already claimed", map[string]string{"path": dir})
		c.publish(event.NewWatcherEvent(event.TypeDiscoveryDuplicate, dir))
		return false
	}

	ctx := c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := spawned.Run(ctx); err != nil {
			c.logger.Warn("watcher failed", map[string]string{
				"path":  dir,
				"error": err.Error(),
			})
		}
	}()
	return true
}

// scan claims the subdirectories that already hold accepted files.
func (c *Coordinator) scan() {
	err := filepath.WalkDir(c.root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			if path == c.root {
				return err
			}
			return nil
		}
		if entry.IsDir() || !artifact.AcceptedExtension(path, c.extensions) {
			return nil
		}
		c.Discover(filepath.Dir(path))
		return nil
	})
	if err != nil {
		c.logger.Warn("initial scan failed", map[string]string{"error": err.Error()})
	}
}

func (c *Coordinator) publish(evt event.WatcherEvent) {
	if c.events == nil {
		return
	}
	c.events.Publish(evt)
}

func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil || rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

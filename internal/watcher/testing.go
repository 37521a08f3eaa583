package watcher

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FakeSource is an in-memory Source for tests. Events reach subscribers only
// through Emit, synchronously, using the same scope and filter rules as
// Watcher.
type FakeSource struct {
	mu            sync.Mutex
	subscriptions map[uint64]*subscription
	nextID        uint64
	subscribed    chan string
	total         int
	err           error
}

func NewFakeSource() *FakeSource {
	return &FakeSource{
		subscriptions: make(map[uint64]*subscription),
		subscribed:    make(chan string, 64),
	}
}

// FailSubscribe makes every later Subscribe call return err.
func (source *FakeSource) FailSubscribe(err error) {
	source.mu.Lock()
	source.err = err
	source.mu.Unlock()
}

func (source *FakeSource) Subscribe(path string, options SubscribeOptions, callback func(Event)) (Handle, error) {
	source.mu.Lock()
	if source.err != nil {
		err := source.err
		source.mu.Unlock()
		return nil, err
	}
	source.nextID++
	sub := &subscription{
		id:         source.nextID,
		root:       filepath.Clean(path),
		recursive:  options.Recursive,
		extensions: append([]string(nil), options.Extensions...),
		ops:        options.Ops,
		callback:   callback,
	}
	source.subscriptions[sub.id] = sub
	source.total++
	source.mu.Unlock()

	select {
	case source.subscribed <- sub.root:
	default:
	}
	return &fakeHandle{source: source, id: sub.id}, nil
}

// Emit delivers a Create event for path and returns how many subscribers
// received it.
func (source *FakeSource) Emit(path string) int {
	return source.EmitEvent(Event{Path: filepath.Clean(path), Op: fsnotify.Create, Timestamp: time.Now().UTC()})
}

func (source *FakeSource) EmitEvent(event Event) int {
	source.mu.Lock()
	callbacks := make([]func(Event), 0, 2)
	for _, sub := range source.subscriptions {
		if sub.matches(event) {
			callbacks = append(callbacks, sub.callback)
		}
	}
	source.mu.Unlock()

	for _, callback := range callbacks {
		callback(event)
	}
	return len(callbacks)
}

// Rescan sends every subscription a Rescan event for its root, as Watcher
// does after recovering from lost notifications.
func (source *FakeSource) Rescan() int {
	source.mu.Lock()
	subs := make([]*subscription, 0, len(source.subscriptions))
	for _, sub := range source.subscriptions {
		subs = append(subs, sub)
	}
	source.mu.Unlock()

	now := time.Now().UTC()
	for _, sub := range subs {
		sub.callback(Event{Path: sub.root, Op: fsnotify.Create, Timestamp: now, Synthetic: true, Rescan: true})
	}
	return len(subs)
}

// Subscribed receives the root of every new subscription.
func (source *FakeSource) Subscribed() <-chan string {
	return source.subscribed
}

// Active reports open subscriptions rooted at path.
func (source *FakeSource) Active(path string) int {
	path = filepath.Clean(path)
	source.mu.Lock()
	defer source.mu.Unlock()
	count := 0
	for _, sub := range source.subscriptions {
		if sub.root == path {
			count++
		}
	}
	return count
}

// Total reports how many subscriptions were ever opened.
func (source *FakeSource) Total() int {
	source.mu.Lock()
	defer source.mu.Unlock()
	return source.total
}

type fakeHandle struct {
	source *FakeSource
	id     uint64
}

func (handle *fakeHandle) Close() error {
	handle.source.mu.Lock()
	delete(handle.source.subscriptions, handle.id)
	handle.source.mu.Unlock()
	return nil
}

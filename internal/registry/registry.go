package registry

import (
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle position of a submission directory watcher.
type State string

const (
	StateWatching   State = "watching"
	StateCompleted  State = "completed"
	StateTerminated State = "terminated"
)

var ErrNotOwner = errors.New("registry entry is owned by another watcher")

// Watcher is the live handle stored for a watched directory.
type Watcher interface {
	Path() string
	State() State
}

// Entry describes one registry slot. A tombstone has no Watcher.
type Entry struct {
	Path       string    `json:"path"`
	State      State     `json:"state"`
	Completed  bool      `json:"completed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Watcher    Watcher   `json:"-"`
}

// Live reports whether the entry still holds a running watcher.
func (entry Entry) Live() bool {
	return entry.Watcher != nil
}

// Registry maps submission directories to their watcher. Claim is the only
// way to insert, so at most one live watcher exists per path.
type Registry struct {
	mutex   sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Key cleans path so that "report/a101" and "report/a101/" share an entry.
func Key(path string) string {
	return filepath.Clean(path)
}

// Claim inserts the watcher built by spawn unless path is already present
// (live or tombstoned). spawn runs under the registry lock and must not block.
// The returned bool is true only for the caller that inserted.
func (registry *Registry) Claim(path string, spawn func() Watcher) (Entry, bool) {
	key := Key(path)

	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	if existing, ok := registry.entries[key]; ok {
		return *existing, false
	}
	watcher := spawn()
	if watcher == nil {
		return Entry{}, false
	}
	entry := &Entry{
		Path:      key,
		State:     StateWatching,
		StartedAt: registry.now().UTC(),
		Watcher:   watcher,
	}
	registry.entries[key] = entry
	return *entry, true
}

// Finish releases the entry owned by watcher. A completed directory keeps a
// tombstone so it is never claimed again; otherwise the entry is removed.
func (registry *Registry) Finish(path string, watcher Watcher, completed bool) error {
	key := Key(path)

	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	entry, ok := registry.entries[key]
	if !ok {
		return nil
	}
	if entry.Watcher != watcher {
		return ErrNotOwner
	}
	if !completed {
		delete(registry.entries, key)
		return nil
	}
	entry.Watcher = nil
	entry.State = StateTerminated
	entry.Completed = true
	entry.FinishedAt = registry.now().UTC()
	return nil
}

// Lookup returns a copy of the entry for path.
func (registry *Registry) Lookup(path string) (Entry, bool) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	entry, ok := registry.entries[Key(path)]
	if !ok {
		return Entry{}, false
	}
	return registry.refreshLocked(entry), true
}

// LiveCount reports how many entries hold a running watcher.
func (registry *Registry) LiveCount() int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	count := 0
	for _, entry := range registry.entries {
		if entry.Live() {
			count++
		}
	}
	return count
}

// Snapshot returns every entry sorted by path.
func (registry *Registry) Snapshot() []Entry {
	registry.mutex.Lock()
	entries := make([]Entry, 0, len(registry.entries))
	for _, entry := range registry.entries {
		entries = append(entries, registry.refreshLocked(entry))
	}
	registry.mutex.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries
}

func (registry *Registry) refreshLocked(entry *Entry) Entry {
	copied := *entry
	if copied.Watcher != nil {
		copied.State = copied.Watcher.State()
	}
	return copied
}

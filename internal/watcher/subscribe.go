package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type subscriptionHandle struct {
	watcher *Watcher
	id      uint64
	once    sync.Once
}

func (handle *subscriptionHandle) Close() error {
	if handle == nil || handle.watcher == nil {
		return nil
	}
	handle.once.Do(func() {
		handle.watcher.removeSubscription(handle.id)
	})
	return nil
}

// Subscribe registers callback for events under the directory at path.
// Callbacks run on the watcher's event goroutine and must not block.
func (watcher *Watcher) Subscribe(path string, options SubscribeOptions, callback func(Event)) (Handle, error) {
	if watcher == nil {
		return nil, errors.New("watcher is nil")
	}
	if path == "" {
		return nil, errors.New("path is required")
	}
	if callback == nil {
		return nil, errors.New("callback is required")
	}

	root := filepath.Clean(path)
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("subscribe %s: not a directory", root)
	}

	dirs := []string{root}
	if options.Recursive {
		dirs, _ = collectTree(root)
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil, ErrClosed
	}
	watcher.nextID++
	sub := &subscription{
		id:         watcher.nextID,
		root:       root,
		recursive:  options.Recursive,
		extensions: append([]string(nil), options.Extensions...),
		ops:        options.Ops,
		callback:   callback,
		dirs:       make(map[string]struct{}),
	}
	watcher.subscriptions[sub.id] = sub
	watcher.mutex.Unlock()

	for _, dir := range dirs {
		if err := watcher.addDir(sub, dir); err != nil {
			if dir == root || errors.Is(err, ErrMaxWatchesExceeded) {
				watcher.removeSubscription(sub.id)
				return nil, err
			}
		}
	}

	return &subscriptionHandle{watcher: watcher, id: sub.id}, nil
}

func (watcher *Watcher) removeSubscription(id uint64) {
	watcher.mutex.Lock()
	sub, ok := watcher.subscriptions[id]
	if !ok {
		watcher.mutex.Unlock()
		return
	}
	delete(watcher.subscriptions, id)
	dirs := make([]string, 0, len(sub.dirs))
	for dir := range sub.dirs {
		dirs = append(dirs, dir)
	}
	watcher.mutex.Unlock()

	for _, dir := range dirs {
		watcher.releaseDir(sub, dir)
	}
}

// addDir references dir on behalf of sub; the first reference adds the
// underlying fsnotify watch.
func (watcher *Watcher) addDir(sub *subscription, dir string) error {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return ErrClosed
	}
	if _, ok := sub.dirs[dir]; ok {
		watcher.mutex.Unlock()
		return nil
	}
	needsAdd := watcher.dirRefs[dir] == 0
	if needsAdd && len(watcher.dirRefs) >= watcher.maxWatches {
		watcher.mutex.Unlock()
		return ErrMaxWatchesExceeded
	}
	watcher.dirRefs[dir]++
	sub.dirs[dir] = struct{}{}
	activeCount := len(watcher.dirRefs)
	source := watcher.watcher
	watcher.mutex.Unlock()

	if !needsAdd || source == nil {
		return nil
	}
	if err := source.Add(dir); err != nil {
		watcher.dropDir(sub, dir)
		watcher.logWarn("watch add failed", map[string]string{
			"path":  dir,
			"error": err.Error(),
		})
		return err
	}
	watcher.logDebug("watch added", dir, activeCount)
	return nil
}

// releaseDir drops sub's reference to dir and removes the fsnotify watch when
// no subscription needs it anymore.
func (watcher *Watcher) releaseDir(sub *subscription, dir string) {
	shouldRemove, activeCount := watcher.unref(sub, dir)
	if !shouldRemove {
		return
	}

	watcher.mutex.Lock()
	source := watcher.watcher
	closed := watcher.closed
	watcher.mutex.Unlock()
	if closed || source == nil {
		return
	}
	if err := source.Remove(dir); err != nil {
		watcher.logDebug("watch remove skipped", dir, activeCount)
		return
	}
	watcher.logDebug("watch removed", dir, activeCount)
}

func (watcher *Watcher) dropDir(sub *subscription, dir string) {
	watcher.unref(sub, dir)
}

func (watcher *Watcher) unref(sub *subscription, dir string) (bool, int) {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()

	if _, ok := sub.dirs[dir]; !ok {
		return false, len(watcher.dirRefs)
	}
	delete(sub.dirs, dir)
	count := watcher.dirRefs[dir]
	if count > 1 {
		watcher.dirRefs[dir] = count - 1
		return false, len(watcher.dirRefs)
	}
	delete(watcher.dirRefs, dir)
	return count == 1, len(watcher.dirRefs)
}

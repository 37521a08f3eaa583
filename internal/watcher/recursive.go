package watcher

import (
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// expandRecursive extends every recursive subscription covering dir to the
// new directory tree and replays files that landed before the watch existed.
func (watcher *Watcher) expandRecursive(dir string) {
	watcher.mutex.Lock()
	targets := make([]*subscription, 0, 1)
	for _, sub := range watcher.subscriptions {
		if sub.recursive && dir != sub.root && isWithinPath(sub.root, dir) {
			targets = append(targets, sub)
		}
	}
	watcher.mutex.Unlock()

	if len(targets) == 0 {
		return
	}

	dirs, files := collectTree(dir)
	for _, sub := range targets {
		for _, path := range dirs {
			if err := watcher.addDir(sub, path); err != nil {
				watcher.logWarn("recursive watch add failed", map[string]string{
					"path":  path,
					"error": err.Error(),
				})
			}
		}
	}

	for _, path := range files {
		watcher.deliver(Event{
			Path:      path,
			Op:        fsnotify.Create,
			Timestamp: time.Now().UTC(),
			Synthetic: true,
		})
	}
}

// collectTree walks root and returns its directories (root first) and files.
// Unreadable entries are skipped.
func collectTree(root string) ([]string, []string) {
	dirs := []string{}
	files := []string{}
	_ = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		files = append(files, path)
		return nil
	})
	if len(dirs) == 0 {
		dirs = append(dirs, root)
	}
	return dirs, files
}

// forgetDir drops bookkeeping for a removed or renamed directory and every
// directory beneath it.
func (watcher *Watcher) forgetDir(path string) {
	watcher.mutex.Lock()
	removed := make([]string, 0, 1)
	for dir := range watcher.dirRefs {
		if isWithinPath(path, dir) {
			delete(watcher.dirRefs, dir)
			removed = append(removed, dir)
		}
	}
	for _, sub := range watcher.subscriptions {
		for _, dir := range removed {
			delete(sub.dirs, dir)
		}
	}
	activeCount := len(watcher.dirRefs)
	source := watcher.watcher
	watcher.mutex.Unlock()

	for _, dir := range removed {
		if source != nil {
			_ = source.Remove(dir)
		}
		watcher.logDebug("watch forgotten", dir, activeCount)
	}
}

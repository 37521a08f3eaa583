package watcher

import (
	"os"
	"time"
)

func (watcher *Watcher) cleanupLoop() {
	ticker := time.NewTicker(watcher.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			watcher.cleanup()
		case <-watcher.done:
			return
		}
	}
}

// cleanup forgets watched directories that no longer exist, covering removals
// whose events were lost.
func (watcher *Watcher) cleanup() {
	if watcher == nil {
		return
	}
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	paths := make([]string, 0, len(watcher.dirRefs))
	for path := range watcher.dirRefs {
		paths = append(paths, path)
	}
	watcher.mutex.Unlock()

	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			watcher.forgetDir(path)
		}
	}
}

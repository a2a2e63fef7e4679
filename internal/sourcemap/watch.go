// Copyright (c) Microsoft Corporation. All rights reserved.

package sourcemap

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const mapFileChanges = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

// fileWatch tracks which cache entries were read from which local map file.
type fileWatch struct {
	watcher *fsnotify.Watcher
	lock    sync.Mutex
	keys    map[string][]string
}

// WatchFiles makes the cache drop source maps read from local files when those files change,
// so the next request parses the rebuilt map. Watching stops when ctx is cancelled.
func (c *Cache) WatchFiles(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create source map file watcher: %w", err)
	}

	fw := &fileWatch{watcher: watcher, keys: make(map[string][]string)}
	c.watchLock.Lock()
	if c.watch != nil {
		c.watchLock.Unlock()
		_ = watcher.Close()
		return nil
	}
	c.watch = fw
	c.watchLock.Unlock()

	go c.processFileChanges(ctx, fw)
	return nil
}

func (c *Cache) processFileChanges(ctx context.Context, fw *fileWatch) {
	defer func() {
		c.watchLock.Lock()
		c.watch = nil
		c.watchLock.Unlock()
		_ = fw.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case we, isOpen := <-fw.watcher.Events:
			if !isOpen {
				return
			}
			if we.Op&mapFileChanges == 0 {
				continue
			}

			path := filepath.Clean(we.Name)
			fw.lock.Lock()
			keys := fw.keys[path]
			delete(fw.keys, path)
			fw.lock.Unlock()
			if len(keys) == 0 {
				continue
			}

			for _, key := range keys {
				c.cache.Del(key)
			}
			c.log.V(1).Info("Source map file changed, dropped cached maps", "Path", path, "Op", we.Op.String(), "Entries", len(keys))

		case watchErr, isOpen := <-fw.watcher.Errors:
			if !isOpen {
				return
			}
			c.log.Info("Source map file watcher reported an error", "Error", watchErr.Error())
		}
	}
}

// watchFile records that the cache entry for key was read from path.
func (c *Cache) watchFile(path string, key string) {
	c.watchLock.Lock()
	fw := c.watch
	c.watchLock.Unlock()
	if fw == nil {
		return
	}

	path = filepath.Clean(path)
	fw.lock.Lock()
	defer fw.lock.Unlock()

	// Adding an already watched path is harmless; a removed or renamed file has to be added again.
	if _, tracked := fw.keys[path]; !tracked {
		if err := fw.watcher.Add(path); err != nil {
			c.log.V(1).Info("Could not watch source map file", "Path", path, "Error", err.Error())
			return
		}
	}
	if !slices.Contains(fw.keys[path], key) {
		fw.keys[path] = append(fw.keys[path], key)
	}
}

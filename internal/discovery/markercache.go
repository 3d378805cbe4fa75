package discovery

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"han/internal/logging"
)

// MarkerCache memoizes candidateDirectories results for the lifetime of a
// single discovery run, keyed by the marker set. Several hooks across
// different plugins commonly share the same dirsWith markers (e.g. every
// JS hook watching for package.json), so a single walk can serve all of
// them. The cache is invalidated wholesale whenever fsnotify reports a
// create/remove/rename anywhere under the watched tree, since that's
// exactly the class of change that can add or remove a candidate directory
// out from under a walk that already ran.
type MarkerCache struct {
	mu      sync.Mutex
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	entries map[string][]string
	done    chan struct{}
}

// NewMarkerCache creates a MarkerCache watching every directory under root,
// excluding the same noise directories discovery itself never descends
// into. A directory that can't be watched (permissions, races) is skipped;
// the cache still functions for the rest of the tree, just without
// invalidation for that subtree.
func NewMarkerCache(root string, logger *slog.Logger) (*MarkerCache, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	c := &MarkerCache{
		logger:  logging.Default(logger).With("component", "discovery.markercache"),
		watcher: watcher,
		entries: make(map[string][]string),
		done:    make(chan struct{}),
	}

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && excludedDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			c.logger.Debug("failed to watch directory", "dir", path, "error", err)
		}
		return nil
	})

	go c.consumeEvents()
	return c, nil
}

func (c *MarkerCache) consumeEvents() {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				c.invalidateAll()
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Debug("fsnotify error", "error", err)
		case <-c.done:
			return
		}
	}
}

func (c *MarkerCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]string)
}

func markerKey(markers []string) string {
	sorted := append([]string(nil), markers...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}

// Get returns the memoized directory list for markers, if present.
func (c *MarkerCache) Get(markers []string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dirs, ok := c.entries[markerKey(markers)]
	return dirs, ok
}

// Put memoizes dirs for markers.
func (c *MarkerCache) Put(markers []string, dirs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[markerKey(markers)] = dirs
}

// Close stops the watcher and its background goroutine. Safe to call once.
func (c *MarkerCache) Close() error {
	close(c.done)
	return c.watcher.Close()
}

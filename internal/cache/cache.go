// Package cache implements the change-driven execution cache: it decides
// whether a hook's inputs have changed since its last successful run.
//
// The cache is advisory only. A read error is treated as "has changes" —
// corruption never yields a false skip (see Check's CacheCorrupt handling).
package cache

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/crypto/blake2b"

	"han/internal/logging"
)

// Entry is the persisted state for one (plugin, hook, directory) tuple.
type Entry struct {
	Plugin      string
	Hook        string
	Directory   string
	Files       map[string]string // relative path -> content hash
	CommandHash string
	SessionID   string
}

// Store persists and retrieves cache entries. Implemented by internal/store.
type Store interface {
	GetCacheEntry(ctx context.Context, pluginName, hook, directory string) (*Entry, error)
	PutCacheEntry(ctx context.Context, entry Entry) error
}

// SessionChanges answers "which files has this session touched?" Implemented
// by internal/store.
type SessionChanges interface {
	SessionChangedFiles(ctx context.Context, sessionID string) (map[string]bool, error)
}

// CheckOptions parameterizes Check.
type CheckOptions struct {
	SessionID               string
	CheckSessionChangesOnly bool
}

// TrackOptions parameterizes Track.
type TrackOptions struct {
	SessionID   string
	CommandHash string
}

// Checker evaluates and commits cache entries.
type Checker struct {
	store    Store
	sessions SessionChanges
	logger   *slog.Logger
}

// New creates a Checker.
func New(store Store, sessions SessionChanges, logger *slog.Logger) *Checker {
	return &Checker{
		store:    store,
		sessions: sessions,
		logger:   logging.Default(logger).With("component", "cache"),
	}
}

// HashCommand returns a stable hash of a command string, used as the
// command_hash baseline component.
func HashCommand(command string) string {
	sum := blake2b.Sum256([]byte(command))
	return hex.EncodeToString(sum[:])
}

// Check returns true iff the hook needs to run.
func (c *Checker) Check(ctx context.Context, pluginName, hook, directory string, patterns []string, pluginRoot, command string, opts CheckOptions) (bool, error) {
	entry, err := c.store.GetCacheEntry(ctx, pluginName, hook, directory)
	if err != nil {
		c.logger.Warn("cache read failed, treating as changed", "plugin", pluginName, "hook", hook, "directory", directory, "error", err)
		fmt.Fprintf(os.Stderr, "warning: cache unreadable for %s/%s in %s, re-running\n", pluginName, hook, directory)
		return true, nil
	}
	if entry == nil {
		return true, nil
	}

	cmdHash := HashCommand(command)
	if subtle.ConstantTimeCompare([]byte(entry.CommandHash), []byte(cmdHash)) != 1 {
		return true, nil
	}

	files, err := matchFiles(directory, patterns, opts, c.sessions, ctx)
	if err != nil {
		c.logger.Warn("cache glob failed, treating as changed", "plugin", pluginName, "hook", hook, "directory", directory, "error", err)
		fmt.Fprintf(os.Stderr, "warning: cache glob failed for %s/%s in %s, re-running\n", pluginName, hook, directory)
		return true, nil
	}

	if !sameFileSet(entry.Files, files) {
		return true, nil
	}

	for _, rel := range files {
		hash, err := hashFile(filepath.Join(directory, rel))
		if err != nil {
			c.logger.Warn("cache hash failed, treating as changed", "file", rel, "error", err)
			return true, nil
		}
		if entry.Files[rel] != hash {
			return true, nil
		}
	}

	return false, nil
}

// Track records current state as the new baseline.
func (c *Checker) Track(ctx context.Context, pluginName, hook, directory string, patterns []string, command string, opts TrackOptions) error {
	files, err := matchFiles(directory, patterns, CheckOptions{SessionID: opts.SessionID, CheckSessionChangesOnly: false}, c.sessions, ctx)
	if err != nil {
		return fmt.Errorf("track %s/%s in %s: glob: %w", pluginName, hook, directory, err)
	}

	hashes := make(map[string]string, len(files))
	for _, rel := range files {
		hash, err := hashFile(filepath.Join(directory, rel))
		if err != nil {
			return fmt.Errorf("track %s/%s in %s: hash %s: %w", pluginName, hook, directory, rel, err)
		}
		hashes[rel] = hash
	}

	entry := Entry{
		Plugin:      pluginName,
		Hook:        hook,
		Directory:   directory,
		Files:       hashes,
		CommandHash: HashCommand(command),
		SessionID:   opts.SessionID,
	}
	if err := c.store.PutCacheEntry(ctx, entry); err != nil {
		return fmt.Errorf("track %s/%s in %s: %w", pluginName, hook, directory, err)
	}
	return nil
}

// matchFiles returns files matching patterns relative to directory,
// intersected with the session's changed-file set when session-only mode is active.
func matchFiles(directory string, patterns []string, opts CheckOptions, sessions SessionChanges, ctx context.Context) ([]string, error) {
	var sessionFiles map[string]bool
	if opts.CheckSessionChangesOnly && sessions != nil {
		sf, err := sessions.SessionChangedFiles(ctx, opts.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load session changes: %w", err)
		}
		sessionFiles = sf
	}

	if len(patterns) == 0 {
		if opts.CheckSessionChangesOnly {
			return filesUnderSubtree(directory, sessionFiles), nil
		}
		return nil, nil
	}

	fsys := os.DirFS(directory)
	seen := make(map[string]bool)
	var result []string
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			abs := filepath.Join(directory, m)
			info, err := os.Stat(abs)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if sessionFiles != nil && !sessionFiles[abs] {
				continue
			}
			if !seen[m] {
				seen[m] = true
				result = append(result, m)
			}
		}
	}
	return result, nil
}

// filesUnderSubtree returns session-changed files (as paths relative to
// directory) that live under directory's subtree. Used when patterns is
// empty and session-only mode is active.
func filesUnderSubtree(directory string, sessionFiles map[string]bool) []string {
	var result []string
	for abs := range sessionFiles {
		rel, err := filepath.Rel(directory, abs)
		if err != nil || len(rel) >= 2 && rel[:2] == ".." {
			continue
		}
		if rel == ".." {
			continue
		}
		result = append(result, rel)
	}
	return result
}

func sameFileSet(recorded map[string]string, current []string) bool {
	if len(recorded) != len(current) {
		return false
	}
	for _, f := range current {
		if _, ok := recorded[f]; !ok {
			return false
		}
	}
	return true
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

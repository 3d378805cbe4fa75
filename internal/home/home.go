// Package home manages the han home directory layout.
//
// The home directory owns all persistent state: the orchestration/cache
// database, the local file-lock fallback directory, and per-orchestration
// log files.
//
// Layout:
//
//	<root>/
//	  han.db            (sqlite store: orchestrations, pending hooks, cache, attempts)
//	  locks/             (file-lock fallback for the slot client when the daemon is down)
//	  logs/
//	    <orchestration-id>.log
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a han home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/han
//   - macOS:   ~/Library/Application Support/han
//   - Windows: %APPDATA%/han
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "han")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// DBPath returns the path to the sqlite store.
func (d Dir) DBPath() string {
	return filepath.Join(d.root, "han.db")
}

// LockDir returns the directory holding the slot client's local file-lock
// fallback files, keyed per (hookName, pluginName).
func (d Dir) LockDir() string {
	return filepath.Join(d.root, "locks")
}

// LogDir returns the directory holding per-orchestration plain-text logs.
func (d Dir) LogDir() string {
	return filepath.Join(d.root, "logs")
}

// LogPath returns the log file path for a given orchestration id.
func (d Dir) LogPath(orchestrationID string) string {
	return filepath.Join(d.LogDir(), orchestrationID+".log")
}

// EnsureExists creates the home directory and its subdirectories if they
// don't already exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	if err := os.MkdirAll(d.LockDir(), 0o750); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	if err := os.MkdirAll(d.LogDir(), 0o750); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	return nil
}

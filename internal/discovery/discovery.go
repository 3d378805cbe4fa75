// Package discovery finds hook tasks that apply to a lifecycle event.
//
// Discover is pure modulo filesystem state: given an event, a project root,
// and a set of loaded plugins, it decides which hooks apply and in which
// directories, without imposing any ordering beyond plugin-load order (the
// scheduler reorders).
package discovery

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"time"

	"han/internal/logging"
	"han/internal/plugin"
)

// dirTestTimeout bounds how long a dirTest probe may run.
const dirTestTimeout = 5 * time.Second

// excludedDirs lists directory names never descended into while walking for
// dirsWith markers. Fixed, per spec.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	"vendor":       true,
	".next":        true,
	".venv":        true,
	"__pycache__":  true,
	"target":       true,
}

// Task is a materialized pairing of a hook with the directories it will run in.
type Task struct {
	Plugin      string
	PluginRoot  string
	HookName    string
	Hook        plugin.HookDefinition
	Directories []string
}

// Key returns the (plugin, hook) identity used for dependency resolution.
func (t Task) Key() Key {
	return Key{Plugin: t.Plugin, Hook: t.HookName}
}

// Key identifies a task by plugin and hook name.
type Key struct {
	Plugin string
	Hook   string
}

// Input parameterizes one discovery call.
type Input struct {
	EventName   string
	ToolName    string // populated for PreToolUse/PostToolUse/SubagentPrompt
	ProjectRoot string
	Plugins     []plugin.Plugin
	Logger      *slog.Logger
	Markers     *MarkerCache // optional; memoizes dirsWith walks shared by multiple hooks
}

// toolFilteredEvents are the events for which ToolFilter applies.
var toolFilteredEvents = map[string]bool{
	"PreToolUse":     true,
	"PostToolUse":    true,
	"SubagentPrompt": true,
}

// Discover returns every hook task that applies to the given event.
func Discover(ctx context.Context, in Input) []Task {
	logger := logging.Default(in.Logger).With("component", "discovery")

	var tasks []Task
	for _, p := range in.Plugins {
		for _, h := range p.Hooks {
			task, ok := matchHook(ctx, in, p, h, logger)
			if ok {
				tasks = append(tasks, task)
			}
		}
	}
	return tasks
}

func matchHook(ctx context.Context, in Input, p plugin.Plugin, h plugin.HookDefinition, logger *slog.Logger) (Task, bool) {
	if !slices.Contains(h.Events, in.EventName) {
		return Task{}, false
	}

	if toolFilteredEvents[in.EventName] && len(h.ToolFilter) > 0 {
		if !slices.Contains(h.ToolFilter, in.ToolName) {
			return Task{}, false
		}
	}

	dirs, err := candidateDirectoriesCached(in.ProjectRoot, h.DirsWith, in.Markers)
	if err != nil {
		logger.Debug("discovery walk failed", "plugin", p.Name, "hook", h.Name, "error", err)
		return Task{}, false
	}

	if h.DirTest != "" {
		dirs = filterByDirTest(ctx, dirs, h.DirTest, logger)
	}

	if len(dirs) == 0 {
		return Task{}, false
	}

	return Task{
		Plugin:      p.Name,
		PluginRoot:  p.RootDir,
		HookName:    h.Name,
		Hook:        h,
		Directories: dirs,
	}, true
}

// candidateDirectoriesCached serves candidateDirectories out of cache when
// an identical marker set has already been walked during this discovery run.
func candidateDirectoriesCached(projectRoot string, markers []string, cache *MarkerCache) ([]string, error) {
	if cache != nil {
		if dirs, ok := cache.Get(markers); ok {
			return dirs, nil
		}
	}
	dirs, err := candidateDirectories(projectRoot, markers)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.Put(markers, dirs)
	}
	return dirs, nil
}

// candidateDirectories returns [projectRoot] when markers is empty, otherwise
// every directory under projectRoot containing at least one marker file,
// excluding common noise directories.
func candidateDirectories(projectRoot string, markers []string) ([]string, error) {
	if len(markers) == 0 {
		return []string{projectRoot}, nil
	}

	var dirs []string
	err := filepath.WalkDir(projectRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != projectRoot && excludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if excludedDirs[filepath.Base(filepath.Dir(path))] {
			return nil
		}
		if slices.Contains(markers, d.Name()) {
			dir := filepath.Dir(path)
			if !slices.Contains(dirs, dir) {
				dirs = append(dirs, dir)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dirs, nil
}

// filterByDirTest retains only directories where the probe command exits 0.
func filterByDirTest(ctx context.Context, dirs []string, probe string, logger *slog.Logger) []string {
	var kept []string
	for _, dir := range dirs {
		if runDirTest(ctx, dir, probe) {
			kept = append(kept, dir)
		} else {
			logger.Debug("dirTest excluded directory", "dir", dir, "probe", probe)
		}
	}
	return kept
}

func runDirTest(ctx context.Context, dir, probe string) bool {
	ctx, cancel := context.WithTimeout(ctx, dirTestTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", probe)
	cmd.Dir = dir
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if f, err := os.Open(os.DevNull); err == nil {
		cmd.Stdin = f
		defer f.Close()
	}
	return cmd.Run() == nil
}


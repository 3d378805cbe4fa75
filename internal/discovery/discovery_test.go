package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"han/internal/plugin"
)

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("touch %s: %v", path, err)
	}
}

func TestDiscoverEventFilter(t *testing.T) {
	root := t.TempDir()
	plugins := []plugin.Plugin{
		{Name: "lint-core", RootDir: root, Hooks: []plugin.HookDefinition{
			{Name: "lint", Command: "eslint .", Events: []string{"Stop"}},
		}},
	}

	tasks := Discover(context.Background(), Input{
		EventName:   "PreToolUse",
		ProjectRoot: root,
		Plugins:     plugins,
	})
	if len(tasks) != 0 {
		t.Fatalf("expected 0 tasks for non-matching event, got %d", len(tasks))
	}

	tasks = Discover(context.Background(), Input{
		EventName:   "Stop",
		ProjectRoot: root,
		Plugins:     plugins,
	})
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task for matching event, got %d", len(tasks))
	}
	if tasks[0].Directories[0] != root {
		t.Errorf("Directories = %v, want [%s]", tasks[0].Directories, root)
	}
}

func TestDiscoverToolFilter(t *testing.T) {
	root := t.TempDir()
	plugins := []plugin.Plugin{
		{Name: "guard", RootDir: root, Hooks: []plugin.HookDefinition{
			{Name: "guard-edit", Command: "true", Events: []string{"PreToolUse"}, ToolFilter: []string{"Edit", "Write"}},
		}},
	}

	tasks := Discover(context.Background(), Input{
		EventName:   "PreToolUse",
		ToolName:    "Read",
		ProjectRoot: root,
		Plugins:     plugins,
	})
	if len(tasks) != 0 {
		t.Fatalf("expected 0 tasks, tool not in filter, got %d", len(tasks))
	}

	tasks = Discover(context.Background(), Input{
		EventName:   "PreToolUse",
		ToolName:    "Edit",
		ProjectRoot: root,
		Plugins:     plugins,
	})
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, tool in filter, got %d", len(tasks))
	}
}

func TestDiscoverDirsWithExcludesNoise(t *testing.T) {
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "pkg-a"))
	touch(t, filepath.Join(root, "pkg-a", "package.json"))
	mustMkdir(t, filepath.Join(root, "node_modules", "some-dep"))
	touch(t, filepath.Join(root, "node_modules", "some-dep", "package.json"))

	plugins := []plugin.Plugin{
		{Name: "lint-core", RootDir: root, Hooks: []plugin.HookDefinition{
			{Name: "lint", Command: "eslint .", Events: []string{"Stop"}, DirsWith: []string{"package.json"}},
		}},
	}

	tasks := Discover(context.Background(), Input{
		EventName:   "Stop",
		ProjectRoot: root,
		Plugins:     plugins,
	})
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if len(tasks[0].Directories) != 1 || tasks[0].Directories[0] != filepath.Join(root, "pkg-a") {
		t.Errorf("Directories = %v", tasks[0].Directories)
	}
}

func TestDiscoverDirTestFilters(t *testing.T) {
	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "has-marker"))
	touch(t, filepath.Join(root, "has-marker", "marker.txt"))
	mustMkdir(t, filepath.Join(root, "has-marker-2"))
	touch(t, filepath.Join(root, "has-marker-2", "marker.txt"))
	touch(t, filepath.Join(root, "has-marker-2", "qualifies.txt"))

	plugins := []plugin.Plugin{
		{Name: "probe", RootDir: root, Hooks: []plugin.HookDefinition{
			{
				Name:     "probe-hook",
				Command:  "true",
				Events:   []string{"Stop"},
				DirsWith: []string{"marker.txt"},
				DirTest:  "test -f qualifies.txt",
			},
		}},
	}

	tasks := Discover(context.Background(), Input{
		EventName:   "Stop",
		ProjectRoot: root,
		Plugins:     plugins,
	})
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if len(tasks[0].Directories) != 1 || tasks[0].Directories[0] != filepath.Join(root, "has-marker-2") {
		t.Errorf("Directories = %v", tasks[0].Directories)
	}
}

func TestDiscoverDropsHookWithNoDirectories(t *testing.T) {
	root := t.TempDir()
	plugins := []plugin.Plugin{
		{Name: "lint-core", RootDir: root, Hooks: []plugin.HookDefinition{
			{Name: "lint", Command: "eslint .", Events: []string{"Stop"}, DirsWith: []string{"nonexistent-marker"}},
		}},
	}

	tasks := Discover(context.Background(), Input{
		EventName:   "Stop",
		ProjectRoot: root,
		Plugins:     plugins,
	})
	if len(tasks) != 0 {
		t.Fatalf("expected hook to be dropped, got %d tasks", len(tasks))
	}
}

package orchestrator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"han/internal/discovery"
	"han/internal/errs"
	"han/internal/home"
	"han/internal/plugin"
	"han/internal/store/memstore"
)

func writePlugin(t *testing.T, pluginsRoot, name, manifest string) {
	t.Helper()
	dir := filepath.Join(pluginsRoot, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "hooks.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestDriver(t *testing.T, pluginsRoot string) *Driver {
	t.Helper()
	hd := home.New(t.TempDir())
	if err := hd.EnsureExists(); err != nil {
		t.Fatal(err)
	}
	sources, err := plugin.DiscoverSources(pluginsRoot)
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{
		Store:         memstore.New(),
		PluginSources: sources,
		Home:          hd,
	})
}

func TestRunWaitExecutesMatchingHookAndReturnsSuccess(t *testing.T) {
	projectRoot := t.TempDir()
	pluginsRoot := t.TempDir()
	writePlugin(t, pluginsRoot, "greeter", `
hooks:
  - name: greet
    command: "echo hello"
    events: ["PostToolUse"]
`)

	d := newTestDriver(t, pluginsRoot)

	var stderr bytes.Buffer
	code := d.Run(context.Background(), Options{
		EventType:   "PostToolUse",
		Wait:        true,
		ToolName:    "Edit",
		ProjectRoot: projectRoot,
		Stdout:      &bytes.Buffer{},
		Stderr:      &stderr,
	})

	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, stderr.String())
	}
}

func TestRunCheckReportsPlannedHooksWithoutRunning(t *testing.T) {
	projectRoot := t.TempDir()
	pluginsRoot := t.TempDir()
	marker := filepath.Join(projectRoot, "sentinel.txt")

	writePlugin(t, pluginsRoot, "toucher", `
hooks:
  - name: touch
    command: "touch sentinel.txt"
    events: ["PostToolUse"]
`)

	d := newTestDriver(t, pluginsRoot)

	var stdout, stderr bytes.Buffer
	code := d.Run(context.Background(), Options{
		EventType:   "PostToolUse",
		Check:       true,
		ToolName:    "Edit",
		ProjectRoot: projectRoot,
		Stdout:      &stdout,
		Stderr:      &stderr,
	})

	if code != errs.ExitActionNeeded {
		t.Fatalf("exit code = %d, want %d; stderr=%s", code, errs.ExitActionNeeded, stderr.String())
	}
	if stdout.Len() == 0 {
		t.Error("expected a check-mode report on stdout")
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("check mode must not execute the hook's command")
	}
}

func TestRunReturnsSuccessWhenNoHooksMatchEvent(t *testing.T) {
	projectRoot := t.TempDir()
	pluginsRoot := t.TempDir()
	writePlugin(t, pluginsRoot, "greeter", `
hooks:
  - name: greet
    command: "echo hello"
    events: ["PostToolUse"]
`)

	d := newTestDriver(t, pluginsRoot)

	var stderr bytes.Buffer
	code := d.Run(context.Background(), Options{
		EventType:   "PreToolUse",
		Wait:        true,
		ToolName:    "Edit",
		ProjectRoot: projectRoot,
		Stdout:      &bytes.Buffer{},
		Stderr:      &stderr,
	})

	if code != 0 {
		t.Fatalf("exit code = %d, want 0; stderr=%s", code, stderr.String())
	}
}

func TestFlattenExpandsOneTaskPerDirectory(t *testing.T) {
	batch := []discovery.Task{
		{Plugin: "p", HookName: "h", Directories: []string{"a", "b", "c"}},
	}

	out := flatten(batch)
	if len(out) != 3 {
		t.Fatalf("len(flatten) = %d, want 3", len(out))
	}
	for i, dir := range []string{"a", "b", "c"} {
		if out[i].Directory != dir {
			t.Errorf("out[%d].Directory = %q, want %q", i, out[i].Directory, dir)
		}
	}
}

func TestResolveProjectRootPrefersExplicitFlagOverCwd(t *testing.T) {
	d := newTestDriver(t, t.TempDir())
	root := t.TempDir()

	resolved, err := d.resolveProjectRoot(root)
	if err != nil {
		t.Fatalf("resolveProjectRoot: %v", err)
	}
	evaled, _ := filepath.EvalSymlinks(root)
	if resolved != evaled {
		t.Errorf("resolveProjectRoot = %q, want %q", resolved, evaled)
	}
}

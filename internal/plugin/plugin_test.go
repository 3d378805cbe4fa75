package plugin

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "hooks.yaml", `
hooks:
  - name: lint
    command: "eslint ."
    events: ["PreToolUse", "Stop"]
    ifChanged: ["**/*.ts"]
    dependsOn:
      - plugin: format-prettier
        hook: format
        optional: true
`)

	p, err := Load("lint-core", dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Name != "lint-core" {
		t.Errorf("Name = %q, want lint-core", p.Name)
	}
	if len(p.Hooks) != 1 {
		t.Fatalf("len(Hooks) = %d, want 1", len(p.Hooks))
	}
	h := p.Hooks[0]
	if h.Command != "eslint ." {
		t.Errorf("Command = %q", h.Command)
	}
	if !h.Cacheable() {
		t.Error("expected hook to be cacheable")
	}
	if h.Wildcard() {
		t.Error("expected hook not to be wildcard")
	}
	if len(h.DependsOn) != 1 || !h.DependsOn[0].Optional {
		t.Errorf("DependsOn = %+v", h.DependsOn)
	}
}

func TestLoadYML(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "hooks.yml", `
hooks:
  - name: format
    command: "prettier --write ."
    events: ["Stop"]
`)

	p, err := Load("format-prettier", dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(p.Hooks) != 1 {
		t.Fatalf("len(Hooks) = %d, want 1", len(p.Hooks))
	}
}

func TestLoadMissingManifest(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load("empty-plugin", dir); err == nil {
		t.Error("expected error for missing manifest")
	}
}

func TestLoadMalformedManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "hooks.yaml", "not: valid: yaml: at all: [")

	if _, err := Load("broken-plugin", dir); err == nil {
		t.Error("expected error for malformed manifest")
	}
}

func TestWildcardDetection(t *testing.T) {
	h := HookDefinition{
		DependsOn: []DependsOn{{Plugin: "*", Hook: "format"}},
	}
	if !h.Wildcard() {
		t.Error("expected wildcard detection on plugin=\"*\"")
	}

	h2 := HookDefinition{
		DependsOn: []DependsOn{{Plugin: "lint-core", Hook: "*"}},
	}
	if !h2.Wildcard() {
		t.Error("expected wildcard detection on hook=\"*\"")
	}

	h3 := HookDefinition{
		DependsOn: []DependsOn{{Plugin: "lint-core", Hook: "lint"}},
	}
	if h3.Wildcard() {
		t.Error("expected no wildcard detection")
	}
}

func TestDiscoverSourcesListsSubdirectories(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"lint-core", "format-prettier"} {
		if err := os.Mkdir(filepath.Join(root, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("not a plugin"), 0o644); err != nil {
		t.Fatal(err)
	}

	sources, err := DiscoverSources(root)
	if err != nil {
		t.Fatalf("DiscoverSources: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("sources = %+v, want 2 entries", sources)
	}
	if sources[0].Name != "format-prettier" || sources[1].Name != "lint-core" {
		t.Errorf("sources = %+v, want sorted by name", sources)
	}
}

func TestDiscoverSourcesMissingDirYieldsEmpty(t *testing.T) {
	sources, err := DiscoverSources(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("DiscoverSources: %v", err)
	}
	if len(sources) != 0 {
		t.Errorf("expected no sources, got %+v", sources)
	}
}

func TestLoadAllSkipsMalformed(t *testing.T) {
	good := t.TempDir()
	writeManifest(t, good, "hooks.yaml", `
hooks:
  - name: test
    command: "bun test"
    events: ["Stop"]
`)
	bad := t.TempDir()
	writeManifest(t, bad, "hooks.yaml", "[[[not yaml")

	plugins, skipped := LoadAll([]Source{
		{Name: "good-plugin", RootDir: good},
		{Name: "bad-plugin", RootDir: bad},
	})
	if len(plugins) != 1 || plugins[0].Name != "good-plugin" {
		t.Errorf("plugins = %+v", plugins)
	}
	if len(skipped) != 1 || skipped[0] != "bad-plugin" {
		t.Errorf("skipped = %+v", skipped)
	}
}

// Package plugin loads declarative hook manifests from plugin directories.
//
// A plugin is a directory containing a hooks.yaml (or hooks.yml) file that
// lists one or more hook definitions. Plugins are data, not dynamic code:
// loading a plugin means parsing its manifest, nothing more.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// DependsOn is one entry of a hook's dependsOn list. Plugin or Hook may be
// the wildcard value "*".
type DependsOn struct {
	Plugin   string `yaml:"plugin"`
	Hook     string `yaml:"hook"`
	Optional bool   `yaml:"optional"`
}

// HookDefinition is one hook declared by a plugin manifest.
type HookDefinition struct {
	Name       string      `yaml:"name"`
	Command    string      `yaml:"command"`
	Events     []string    `yaml:"events"`
	ToolFilter []string    `yaml:"toolFilter,omitempty"`
	DirsWith   []string    `yaml:"dirsWith,omitempty"`
	DirTest    string      `yaml:"dirTest,omitempty"`
	IfChanged  []string    `yaml:"ifChanged,omitempty"`
	DependsOn  []DependsOn `yaml:"dependsOn,omitempty"`
	TimeoutSec int         `yaml:"timeout,omitempty"`
}

// Cacheable reports whether the hook declares ifChanged patterns.
func (h HookDefinition) Cacheable() bool {
	return len(h.IfChanged) > 0
}

// Wildcard reports whether any dependsOn entry uses "*" for plugin or hook.
func (h HookDefinition) Wildcard() bool {
	for _, d := range h.DependsOn {
		if d.Plugin == "*" || d.Hook == "*" {
			return true
		}
	}
	return false
}

// manifest is the on-disk shape of hooks.yaml.
type manifest struct {
	Hooks []HookDefinition `yaml:"hooks"`
}

// Plugin is a loaded plugin: its name, root directory, and hook definitions.
type Plugin struct {
	Name    string
	RootDir string
	Hooks   []HookDefinition
}

// manifestNames are the filenames searched for, in order, within a plugin root.
var manifestNames = []string{"hooks.yaml", "hooks.yml"}

// Load reads and parses the manifest for a single plugin root directory.
// name is the plugin's declared name (supplied by the discovery layer,
// typically the directory's base name).
func Load(name, rootDir string) (Plugin, error) {
	var data []byte
	var err error
	found := false
	for _, fname := range manifestNames {
		data, err = os.ReadFile(filepath.Join(rootDir, fname))
		if err == nil {
			found = true
			break
		}
		if !os.IsNotExist(err) {
			return Plugin{}, fmt.Errorf("read manifest for plugin %q: %w", name, err)
		}
	}
	if !found {
		return Plugin{}, fmt.Errorf("no hooks.yaml/hooks.yml found in %s", rootDir)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Plugin{}, fmt.Errorf("parse manifest for plugin %q: %w", name, err)
	}

	return Plugin{Name: name, RootDir: rootDir, Hooks: m.Hooks}, nil
}

// Source describes an installed plugin as returned by plugin discovery
// (spec.md's DiscoverPlugins() → [(name, root_dir, config)] collaborator).
type Source struct {
	Name    string
	RootDir string
}

// DiscoverSources lists every immediate subdirectory of pluginsDir as a
// candidate plugin Source, named after the directory itself. This is the
// concrete default for spec.md's assumed DiscoverPlugins() collaborator:
// installed plugins live one level below a known plugins directory (the
// marketplace/install step that populates it is out of scope here). A
// missing pluginsDir yields an empty, error-free result, since a host with
// no plugins installed is a normal, not exceptional, state.
func DiscoverSources(pluginsDir string) ([]Source, error) {
	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugins directory %s: %w", pluginsDir, err)
	}

	var sources []Source
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sources = append(sources, Source{Name: e.Name(), RootDir: filepath.Join(pluginsDir, e.Name())})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
	return sources, nil
}

// LoadAll loads every plugin in sources, silently skipping any whose
// manifest fails to parse. skipped receives the names of plugins that
// were skipped, in the same order they were encountered, for debug logging
// by the caller.
func LoadAll(sources []Source) (plugins []Plugin, skipped []string) {
	for _, src := range sources {
		p, err := Load(src.Name, src.RootDir)
		if err != nil {
			skipped = append(skipped, src.Name)
			continue
		}
		plugins = append(plugins, p)
	}
	return plugins, skipped
}

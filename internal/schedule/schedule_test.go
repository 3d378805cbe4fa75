package schedule

import (
	"errors"
	"testing"

	"han/internal/discovery"
	"han/internal/errs"
	"han/internal/plugin"
)

func task(pluginName, hookName string, deps ...plugin.DependsOn) discovery.Task {
	return discovery.Task{
		Plugin:      pluginName,
		HookName:    hookName,
		Hook:        plugin.HookDefinition{Name: hookName, DependsOn: deps},
		Directories: []string{"/tmp"},
	}
}

func batchIndexOf(batches [][]discovery.Task, pluginName, hookName string) int {
	for i, b := range batches {
		for _, t := range b {
			if t.Plugin == pluginName && t.HookName == hookName {
				return i
			}
		}
	}
	return -1
}

func TestPhaseOrdering(t *testing.T) {
	tasks := []discovery.Task{
		task("p", "test-bun"),
		task("p", "format-prettier"),
		task("p", "lint-eslint"),
		task("p", "typecheck-tsc"),
	}
	batches, err := Build(tasks, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	format := batchIndexOf(batches, "p", "format-prettier")
	lint := batchIndexOf(batches, "p", "lint-eslint")
	typecheck := batchIndexOf(batches, "p", "typecheck-tsc")
	test := batchIndexOf(batches, "p", "test-bun")

	if !(format <= lint && lint <= typecheck && typecheck <= test) {
		t.Errorf("phase order violated: format=%d lint=%d typecheck=%d test=%d", format, lint, typecheck, test)
	}
	if format >= lint {
		t.Errorf("expected format strictly before lint: format=%d lint=%d", format, lint)
	}
}

func TestCircularDependencyDetected(t *testing.T) {
	tasks := []discovery.Task{
		task("p", "a", plugin.DependsOn{Plugin: "p", Hook: "b"}),
		task("p", "b", plugin.DependsOn{Plugin: "p", Hook: "a"}),
	}
	_, err := Build(tasks, nil)
	if !errors.Is(err, errs.ErrCircularDependency) {
		t.Fatalf("expected ErrCircularDependency, got %v", err)
	}
}

func TestWildcardAvoidsCycle(t *testing.T) {
	// Two wildcard-dependent hooks from different plugins: the wildcard-on-
	// wildcard rule (4.2.d) must yield an empty edge set between them, not a cycle.
	tasks := []discovery.Task{
		task("pluginA", "advisory-a", plugin.DependsOn{Plugin: "*", Hook: "*"}),
		task("pluginB", "advisory-b", plugin.DependsOn{Plugin: "*", Hook: "*"}),
	}
	batches, err := Build(tasks, nil)
	if err != nil {
		t.Fatalf("expected no cycle for wildcard-on-wildcard, got %v", err)
	}
	if len(batches) == 0 {
		t.Fatal("expected at least one batch")
	}
}

func TestOptionalDependencyToleratesMissing(t *testing.T) {
	tasks := []discovery.Task{
		task("p", "lint-eslint", plugin.DependsOn{Plugin: "p", Hook: "missing-hook", Optional: true}),
	}
	batches, err := Build(tasks, nil)
	if err != nil {
		t.Fatalf("expected no error for missing optional dependency, got %v", err)
	}
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected single task in single batch, got %+v", batches)
	}
}

func TestRequiredMissingDependencySkipsEdgeWithoutAborting(t *testing.T) {
	tasks := []discovery.Task{
		task("p", "lint-eslint", plugin.DependsOn{Plugin: "p", Hook: "missing-hook", Optional: false}),
	}
	batches, err := Build(tasks, nil)
	if err != nil {
		t.Fatalf("expected scheduler to continue past missing required dep, got %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected single batch, got %+v", batches)
	}
}

func TestWildcardEdgeFromConcreteTasks(t *testing.T) {
	// advisory hook depends on wildcard; every non-wildcard task must precede it.
	tasks := []discovery.Task{
		task("p", "format-prettier"),
		task("p", "lint-eslint"),
		task("q", "post-validate", plugin.DependsOn{Plugin: "*", Hook: "*"}),
	}
	batches, err := Build(tasks, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	post := batchIndexOf(batches, "q", "post-validate")
	format := batchIndexOf(batches, "p", "format-prettier")
	lint := batchIndexOf(batches, "p", "lint-eslint")
	if post <= format || post <= lint {
		t.Errorf("expected wildcard task after concrete tasks: post=%d format=%d lint=%d", post, format, lint)
	}
}

func TestEmptyTaskList(t *testing.T) {
	batches, err := Build(nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("expected no batches, got %+v", batches)
	}
}

// Package schedule orders hook tasks into execution batches.
//
// It injects implicit phase dependencies (format < lint < typecheck < test
// < advisory), resolves explicit and wildcard dependsOn edges, and
// topologically sorts the result with Kahn's algorithm. A non-empty
// remainder after Kahn's algorithm stalls is a circular dependency.
package schedule

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"han/internal/discovery"
	"han/internal/errs"
	"han/internal/logging"
)

// Phase is a hook category with a fixed total order.
type Phase int

const (
	PhaseFormat Phase = iota
	PhaseLint
	PhaseTypecheck
	PhaseTest
	PhaseAdvisory
)

func (p Phase) String() string {
	switch p {
	case PhaseFormat:
		return "format"
	case PhaseLint:
		return "lint"
	case PhaseTypecheck:
		return "typecheck"
	case PhaseTest:
		return "test"
	default:
		return "advisory"
	}
}

// PhaseOf infers a task's phase from its hook name by substring match.
func PhaseOf(hookName string) Phase {
	name := strings.ToLower(hookName)
	switch {
	case strings.Contains(name, "format") || strings.Contains(name, "prettier"):
		return PhaseFormat
	case strings.Contains(name, "lint"):
		return PhaseLint
	case strings.Contains(name, "typecheck") || strings.Contains(name, "tsc"):
		return PhaseTypecheck
	case strings.Contains(name, "test"):
		return PhaseTest
	default:
		return PhaseAdvisory
	}
}

// node is the scheduler's internal bookkeeping per task.
type node struct {
	task       discovery.Task
	wildcard   bool
	indegree   int
	successors []discovery.Key
}

// Build orders tasks into execution batches. All tasks in batch n must
// finish before batch n+1 starts; tasks within a batch are order-independent.
func Build(tasks []discovery.Task, logger *slog.Logger) ([][]discovery.Task, error) {
	logger = logging.Default(logger).With("component", "schedule")

	nodes := make(map[discovery.Key]*node, len(tasks))
	order := make([]discovery.Key, 0, len(tasks))
	for _, t := range tasks {
		k := t.Key()
		nodes[k] = &node{task: t, wildcard: t.Hook.Wildcard()}
		order = append(order, k)
	}

	addEdge := func(from, to discovery.Key) {
		if from == to {
			return
		}
		fn := nodes[from]
		// Avoid duplicate edges inflating indegree.
		for _, s := range fn.successors {
			if s == to {
				return
			}
		}
		fn.successors = append(fn.successors, to)
		nodes[to].indegree++
	}

	// Phase injection: every non-wildcard task in an earlier phase gets an
	// implicit optional edge into every non-wildcard task in a later phase.
	for _, a := range order {
		na := nodes[a]
		if na.wildcard {
			continue
		}
		for _, b := range order {
			if a == b {
				continue
			}
			nb := nodes[b]
			if nb.wildcard {
				continue
			}
			if PhaseOf(na.task.HookName) < PhaseOf(nb.task.HookName) {
				addEdge(a, b)
			}
		}
	}

	// Wildcard and regular dependsOn edges.
	for _, k := range order {
		n := nodes[k]
		for _, dep := range n.task.Hook.DependsOn {
			if dep.Plugin == "*" || dep.Hook == "*" {
				for _, u := range order {
					if u == k {
						continue
					}
					un := nodes[u]
					if un.wildcard {
						// Rule (d): U itself must have no wildcard entry.
						continue
					}
					if dep.Plugin != "*" && un.task.Plugin != dep.Plugin {
						continue
					}
					if dep.Hook != "*" && un.task.HookName != dep.Hook {
						continue
					}
					addEdge(u, k)
				}
				continue
			}

			target := discovery.Key{Plugin: dep.Plugin, Hook: dep.Hook}
			if _, ok := nodes[target]; !ok {
				if !dep.Optional {
					logger.Error("required dependency not found, skipping edge",
						"plugin", n.task.Plugin, "hook", n.task.HookName,
						"dep_plugin", dep.Plugin, "dep_hook", dep.Hook)
				}
				continue
			}
			addEdge(target, k)
		}
	}

	return kahn(order, nodes, logger)
}

func kahn(order []discovery.Key, nodes map[discovery.Key]*node, logger *slog.Logger) ([][]discovery.Task, error) {
	indegree := make(map[discovery.Key]int, len(nodes))
	for k, n := range nodes {
		indegree[k] = n.indegree
	}

	var batches [][]discovery.Task
	remaining := len(order)

	for remaining > 0 {
		var batchKeys []discovery.Key
		for _, k := range order {
			if indegree[k] == 0 {
				batchKeys = append(batchKeys, k)
			}
		}
		if len(batchKeys) == 0 {
			remainingKeys := make([]string, 0, remaining)
			for _, k := range order {
				if indegree[k] >= 0 {
					remainingKeys = append(remainingKeys, fmt.Sprintf("%s/%s", k.Plugin, k.Hook))
				}
			}
			sort.Strings(remainingKeys)
			logger.Error("circular dependency", "remaining", remainingKeys)
			return nil, fmt.Errorf("%w: remaining tasks %v", errs.ErrCircularDependency, remainingKeys)
		}

		sort.Slice(batchKeys, func(i, j int) bool {
			if batchKeys[i].Plugin != batchKeys[j].Plugin {
				return batchKeys[i].Plugin < batchKeys[j].Plugin
			}
			return batchKeys[i].Hook < batchKeys[j].Hook
		})

		batch := make([]discovery.Task, 0, len(batchKeys))
		for _, k := range batchKeys {
			batch = append(batch, nodes[k].task)
			indegree[k] = -1 // mark batched, removed from consideration
			remaining--
		}
		for _, k := range batchKeys {
			for _, succ := range nodes[k].successors {
				if indegree[succ] > 0 {
					indegree[succ]--
				}
			}
		}
		batches = append(batches, batch)
	}

	return batches, nil
}

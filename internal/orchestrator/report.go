package orchestrator

import (
	"fmt"
	"io"
	"sort"

	"han/internal/schedule"
)

// plannedTask is one (hook, directory) pairing check mode has classified.
type plannedTask struct {
	Plugin    string
	Hook      string
	Directory string
	Wildcard  bool
	WillRun   bool
}

// writeCheckReport prints the grouped check-mode report: one section per
// phase, plus a trailing "post-validation" section for wildcard-dep hooks,
// followed by the exact --wait invocation the assistant must run next.
func writeCheckReport(w io.Writer, eventType, orchestrationID string, planned []plannedTask) {
	groups := make(map[string][]plannedTask)
	var order []string
	for _, p := range planned {
		if !p.WillRun {
			continue
		}
		group := "post-validation"
		if !p.Wildcard {
			group = schedule.PhaseOf(p.Hook).String()
		}
		if _, ok := groups[group]; !ok {
			order = append(order, group)
		}
		groups[group] = append(groups[group], p)
	}
	sort.Strings(order)
	// post-validation always reported last regardless of alphabetical sort.
	order = movePostValidationLast(order)

	fmt.Fprintf(w, "Action required: hooks need to run for %q.\n\n", eventType)
	for _, group := range order {
		fmt.Fprintf(w, "[%s]\n", group)
		tasks := groups[group]
		sort.Slice(tasks, func(i, j int) bool {
			if tasks[i].Plugin != tasks[j].Plugin {
				return tasks[i].Plugin < tasks[j].Plugin
			}
			if tasks[i].Hook != tasks[j].Hook {
				return tasks[i].Hook < tasks[j].Hook
			}
			return tasks[i].Directory < tasks[j].Directory
		})
		for _, t := range tasks {
			fmt.Fprintf(w, "  %s/%s in %s\n", t.Plugin, t.Hook, t.Directory)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Run: han orchestrate %s --wait --orchestration-id %s\n", eventType, orchestrationID)
}

func movePostValidationLast(groups []string) []string {
	out := make([]string, 0, len(groups))
	hasPostValidation := false
	for _, g := range groups {
		if g == "post-validation" {
			hasPostValidation = true
			continue
		}
		out = append(out, g)
	}
	if hasPostValidation {
		out = append(out, "post-validation")
	}
	return out
}

// writeNoOpReport prints the plain-text "nothing to do" message for --check.
func writeNoOpReport(w io.Writer, eventType string) {
	fmt.Fprintf(w, "No validation needed for %q: everything is cached.\n", eventType)
}

// writeDedupSuppressedNotice prints the terse notice shown when an
// identical check report was already logged within the dedup window.
func writeDedupSuppressedNotice(w io.Writer, orchestrationID string) {
	fmt.Fprintf(w, "Same hooks already reported in the last few minutes; re-run with --orchestration-id %s --wait when ready.\n", orchestrationID)
}

// failedHook summarizes one failing task for reporting.
type failedHook struct {
	Plugin          string
	Hook            string
	Directory       string
	ConsecutiveFail int
	MaxAttempts     int
}

// writeStuckHooksNotice prints the "ask the user before raising max_attempts" message.
func writeStuckHooksNotice(w io.Writer, stuck []failedHook) {
	fmt.Fprintln(w, "The following hooks have failed too many times in a row and orchestration has stopped:")
	for _, h := range stuck {
		fmt.Fprintf(w, "  %s/%s in %s — %d consecutive failures (max_attempts=%d)\n",
			h.Plugin, h.Hook, h.Directory, h.ConsecutiveFail, h.MaxAttempts)
	}
	fmt.Fprintln(w, "Ask the user whether to raise max_attempts for these hooks before retrying the same --wait invocation.")
}

// writeFailureSummary prints the compact non-Stop failure report.
func writeFailureSummary(w io.Writer, logPath string, failed []failedHook) {
	fmt.Fprintf(w, "%d hook(s) failed:\n", len(failed))
	for _, h := range failed {
		fmt.Fprintf(w, "  %s/%s in %s\n", h.Plugin, h.Hook, h.Directory)
	}
	fmt.Fprintf(w, "See %s for full output.\n", logPath)
}

// writeCycleDiagnostic prints the hash-cycle trace that aborted the run.
func writeCycleDiagnostic(w io.Writer, trace []string) {
	fmt.Fprintln(w, "Hash cycle detected: two or more hooks are undoing each other's changes.")
	for _, t := range trace {
		fmt.Fprintf(w, "  -> %s\n", t)
	}
	fmt.Fprintln(w, "Resolve the conflicting hooks before retrying.")
}

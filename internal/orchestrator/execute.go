package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"han/internal/cache"
	"han/internal/cyclecheck"
	"han/internal/discovery"
	"han/internal/errs"
	"han/internal/hanenv"
	"han/internal/logging"
	"han/internal/slotclient"
	"han/internal/store"
)

// runCheck implements pipeline step 9: classify every task, report, and
// queue pending hooks without executing anything.
func (d *Driver) runCheck(ctx context.Context, opts Options, sessionID string, batches [][]discovery.Task, checker *cache.Checker) (int, error) {
	var planned []plannedTask
	var toQueue []store.PendingHook
	anyWillRun := false

	for _, batch := range batches {
		for _, dt := range flatten(batch) {
			willRun, err := d.classify(ctx, dt, sessionID, opts.AllFiles, checker)
			if err != nil {
				return errs.ExitInternal, err
			}
			planned = append(planned, plannedTask{
				Plugin: dt.Plugin, Hook: dt.HookName, Directory: dt.Directory,
				Wildcard: dt.Hook.Wildcard(), WillRun: willRun,
			})
			if willRun {
				anyWillRun = true
				toQueue = append(toQueue, store.PendingHook{
					Plugin: dt.Plugin, Hook: dt.HookName, Directory: dt.Directory,
					Command: dt.Hook.Command, IfChanged: dt.Hook.IfChanged,
				})
			}
		}
	}

	if !anyWillRun {
		writeNoOpReport(opts.Stdout, opts.EventType)
		return errs.ExitSuccess, nil
	}

	orchestrationID := uuidString()
	now := d.now()
	o := store.Orchestration{
		ID: orchestrationID, SessionID: sessionID, EventType: opts.EventType,
		Status: store.StatusPending, TotalTasks: len(toQueue),
		LogPath: d.home.LogPath(orchestrationID), CreatedAt: now, UpdatedAt: now,
	}
	if err := d.store.CreateOrchestration(ctx, o); err != nil {
		return errs.ExitInternal, fmt.Errorf("create orchestration: %w", err)
	}
	if err := d.store.QueuePendingHooks(ctx, orchestrationID, toQueue); err != nil {
		return errs.ExitInternal, fmt.Errorf("queue pending hooks: %w", err)
	}

	dedupKey := sessionID + "|" + opts.EventType
	dedupHash := cache.HashCommand(dedupKeyPayload(planned))
	shouldReport, err := d.store.ShouldReport(ctx, dedupKey, dedupHash)
	if err != nil {
		d.logger.Warn("check-mode dedup lookup failed, reporting anyway", "error", err)
		shouldReport = true
	}

	if !shouldReport {
		writeDedupSuppressedNotice(opts.Stdout, orchestrationID)
		return errs.ExitActionNeeded, nil
	}

	writeCheckReport(opts.Stdout, opts.EventType, orchestrationID, planned)
	return errs.ExitActionNeeded, nil
}

// dedupKeyPayload builds a canonical string representation of a planned set
// for hashing; it's deliberately based only on identity fields so a
// re-ordering of the same set hashes the same.
func dedupKeyPayload(planned []plannedTask) string {
	var s string
	for _, p := range planned {
		if !p.WillRun {
			continue
		}
		s += p.Plugin + "/" + p.Hook + "@" + p.Directory + ";"
	}
	return s
}

// classify reports whether a directory task will run under the active cache mode.
func (d *Driver) classify(ctx context.Context, dt directoryTask, sessionID string, allFiles bool, checker *cache.Checker) (bool, error) {
	if !dt.Hook.Cacheable() || allFiles {
		return true, nil
	}
	changed, err := checker.Check(ctx, dt.Plugin, dt.HookName, dt.Directory, dt.Hook.IfChanged, dt.PluginRoot, dt.Hook.Command, checkOptsFor(sessionID, allFiles))
	if err != nil {
		return true, nil //nolint:nilerr // a cache read failure is treated as "changed", never a hard error
	}
	return changed, nil
}

// hookResult is the outcome of running one directoryTask.
type hookResult struct {
	directoryTask
	Err      error
	Skipped  bool
	Cycle    bool
	CycleLog []string
}

// runWait implements pipeline step 10-13: execute every non-cached task in
// batch order, honoring fail-fast, slot acquisition for Stop-family hooks,
// and the hash-cycle detector, then report.
func (d *Driver) runWait(ctx context.Context, opts Options, sessionID, projectRoot, orchestrationID string, degraded bool, batches [][]discovery.Task, checker *cache.Checker) (int, error) {
	logPath := d.home.LogPath(orchestrationID)
	logFile, err := openOrchestrationLog(logPath)
	if err != nil {
		d.logger.Warn("could not open orchestration log", "error", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := d.store.UpdateOrchestrationStatus(ctx, orchestrationID, store.StatusRunning); err != nil {
		d.logger.Warn("update orchestration status failed", "error", err)
	}

	detector := cyclecheck.New()
	var results []hookResult
	aborted := false

	for _, batch := range batches {
		if aborted {
			break
		}
		for _, dt := range flatten(batch) {
			willRun, err := d.classify(ctx, dt, sessionID, opts.AllFiles, checker)
			if err != nil {
				return errs.ExitInternal, err
			}
			if !willRun {
				results = append(results, hookResult{directoryTask: dt, Skipped: true})
				continue
			}

			res := d.runOne(ctx, opts, dt, sessionID, projectRoot, orchestrationID, checker, detector, logFile)
			results = append(results, res)

			if res.Cycle {
				writeCycleDiagnostic(opts.Stderr, res.CycleLog)
				d.finishOrchestration(ctx, orchestrationID, store.StatusFailed)
				return errs.ExitCycle, nil
			}
			if res.Err != nil && !dt.Hook.Wildcard() && opts.FailFast {
				aborted = true
			}
		}
	}

	if stopFamily[opts.EventType] {
		return d.reportStopFamily(ctx, opts, sessionID, orchestrationID, results, degraded)
	}
	return d.reportNonStop(ctx, opts, orchestrationID, results, logPath)
}

// finishOrchestration transitions an orchestration to a terminal status and
// clears its queued pending hooks, since nothing will consume them again.
func (d *Driver) finishOrchestration(ctx context.Context, orchestrationID string, status store.OrchestrationStatus) {
	if err := d.store.UpdateOrchestrationStatus(ctx, orchestrationID, status); err != nil {
		d.logger.Warn("update orchestration status failed", "error", err)
	}
	if err := d.store.ClearPendingHooks(ctx, orchestrationID); err != nil {
		d.logger.Warn("clear pending hooks failed", "error", err)
	}
}

// runOne executes a single directory task, updating the cache and the
// cycle detector, and acquiring a global slot first when required.
func (d *Driver) runOne(ctx context.Context, opts Options, dt directoryTask, sessionID, projectRoot, orchestrationID string, checker *cache.Checker, detector *cyclecheck.Detector, logFile io.Writer) hookResult {
	d.events.LogEvent(ctx, logging.OrchestrationEvent{
		OrchestrationID: orchestrationID, SessionID: sessionID, Kind: "hook_started",
		Plugin: dt.Plugin, Hook: dt.HookName, Directory: dt.Directory, Message: "hook started",
	})

	files, _ := d.store.SessionChangedFiles(ctx, sessionID)
	relFiles := relativeToDir(dt.Directory, files)
	command := materializeCommand(dt.Hook.Command, d.hanBinaryPath, relFiles)

	var slot *slotclient.Handle
	if stopFamily[opts.EventType] && d.slotClient != nil {
		h, err := d.slotClient.AcquireGlobalSlot(ctx, sessionID, dt.HookName, dt.Plugin, 0)
		if err != nil {
			return hookResult{directoryTask: dt, Err: fmt.Errorf("acquire slot: %w", err)}
		}
		slot = h
		defer slot.Release()
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, invocationTimeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, "sh", "-c", command)
	cmd.Dir = dt.Directory
	cmd.Env = hanenv.SubprocessEnv(dt.PluginRoot, projectRoot, sessionID)
	if stopFamily[opts.EventType] && opts.Wait {
		cmd.Env = hanenv.WithOrchestrating(cmd.Env)
	}

	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	if opts.Verbose {
		cmd.Stdout = io.MultiWriter(&outBuf, opts.Stdout)
	}
	stderrWriters := []io.Writer{&errBuf, opts.Stderr}
	cmd.Stderr = io.MultiWriter(stderrWriters...)

	start := d.now()
	runErr := cmd.Run()
	duration := d.now().Sub(start)

	logHookRun(logFile, dt, command, outBuf.String(), errBuf.String(), runErr, duration)

	result := hookResult{directoryTask: dt}
	if runErr != nil {
		if timeoutCtx.Err() != nil {
			result.Err = fmt.Errorf("%w: %s/%s in %s", errs.ErrHookTimeout, dt.Plugin, dt.HookName, dt.Directory)
		} else {
			result.Err = fmt.Errorf("%w: %s/%s in %s: %v", errs.ErrHookFailed, dt.Plugin, dt.HookName, dt.Directory, runErr)
		}
	} else if dt.Hook.Cacheable() {
		if err := checker.Track(ctx, dt.Plugin, dt.HookName, dt.Directory, dt.Hook.IfChanged, dt.Hook.Command, cache.TrackOptions{SessionID: sessionID, CommandHash: cache.HashCommand(dt.Hook.Command)}); err != nil {
			d.logger.Warn("cache track failed", "plugin", dt.Plugin, "hook", dt.HookName, "error", err)
		}
	}

	if dt.Hook.Cacheable() {
		if hash, err := hashDirFiles(dt.Directory, dt.Hook.IfChanged); err == nil {
			cycleRes := detector.Record(dt.Directory, dt.Hook.IfChanged, hash, cyclecheck.Origin{Plugin: dt.Plugin, Hook: dt.HookName, Directory: dt.Directory})
			if cycleRes.HasCycle {
				result.Cycle = true
				for _, o := range cycleRes.Trace {
					result.CycleLog = append(result.CycleLog, o.String())
				}
				d.events.LogEvent(ctx, logging.OrchestrationEvent{
					OrchestrationID: orchestrationID, SessionID: sessionID, Kind: "cycle_detected",
					Plugin: dt.Plugin, Hook: dt.HookName, Directory: dt.Directory, Message: "hash cycle detected",
				})
			}
		}
	}

	kind := "hook_succeeded"
	if result.Err != nil {
		kind = "hook_failed"
	}
	d.events.LogEvent(ctx, logging.OrchestrationEvent{
		OrchestrationID: orchestrationID, SessionID: sessionID, Kind: kind,
		Plugin: dt.Plugin, Hook: dt.HookName, Directory: dt.Directory, Message: kind,
	})

	return result
}

func relativeToDir(dir string, absFiles map[string]bool) []string {
	var out []string
	for abs := range absFiles {
		rel, err := filepath.Rel(dir, abs)
		if err != nil || len(rel) >= 2 && rel[:2] == ".." {
			continue
		}
		out = append(out, rel)
	}
	return out
}

// matchPatterns resolves ifChanged glob patterns against the files actually
// present under directory, returning paths relative to it.
func matchPatterns(directory string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
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
			info, err := os.Stat(filepath.Join(directory, m))
			if err != nil || !info.Mode().IsRegular() {
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

func hashDirFiles(directory string, patterns []string) (string, error) {
	files := make(map[string]string)
	matches, err := matchPatterns(directory, patterns)
	if err != nil {
		return "", err
	}
	for _, rel := range matches {
		content, err := os.ReadFile(filepath.Join(directory, rel))
		if err != nil {
			continue
		}
		files[rel] = string(content)
	}
	return cyclecheck.HashFiles(files), nil
}

func openOrchestrationLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

func logHookRun(w io.Writer, dt directoryTask, command, stdout, stderr string, runErr error, duration time.Duration) {
	if w == nil {
		return
	}
	bw := bufio.NewWriter(w)
	defer bw.Flush()
	fmt.Fprintf(bw, "--- %s %s/%s in %s (%s) ---\n", time.Now().Format(time.RFC3339), dt.Plugin, dt.HookName, dt.Directory, duration)
	fmt.Fprintf(bw, "command: %s\n", command)
	if stdout != "" {
		fmt.Fprintf(bw, "stdout:\n%s\n", stdout)
	}
	if stderr != "" {
		fmt.Fprintf(bw, "stderr:\n%s\n", stderr)
	}
	if runErr != nil {
		fmt.Fprintf(bw, "error: %v\n", runErr)
	}
}

func uuidString() string {
	return uuid.NewString()
}

func orchestrationIDOrFresh(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// reportStopFamily implements pipeline steps 12-13 for Stop and
// SubagentStop: every real (non-wildcard) failure advances that hook's
// Attempt Counter, a hook that reaches max_attempts consecutive failures is
// reported as stuck, and any other hook that just succeeded has its counter
// reset. Wildcard-dependency hooks are advisory: their failures are
// reported but never block and never count toward an Attempt Counter.
func (d *Driver) reportStopFamily(ctx context.Context, opts Options, sessionID, orchestrationID string, results []hookResult, degraded bool) (int, error) {
	var stuck []failedHook
	anyFailed := false

	for _, res := range results {
		if res.Skipped {
			continue
		}
		if res.Hook.Wildcard() {
			if res.Err != nil {
				fmt.Fprintf(opts.Stderr, "warning: advisory hook %s/%s in %s failed: %v\n", res.Plugin, res.HookName, res.Directory, res.Err)
			}
			continue
		}
		if res.Err == nil {
			if err := d.store.ResetAttempt(ctx, sessionID, res.Plugin, res.HookName, res.Directory); err != nil {
				d.logger.Warn("reset attempt counter failed", "error", err)
			}
			continue
		}

		anyFailed = true
		counter, err := d.store.IncrementAttempt(ctx, sessionID, res.Plugin, res.HookName, res.Directory, DefaultMaxAttempts)
		if err != nil {
			d.logger.Warn("increment attempt counter failed", "error", err)
			continue
		}
		if counter.ConsecutiveFail >= counter.MaxAttempts {
			stuck = append(stuck, failedHook{
				Plugin: res.Plugin, Hook: res.HookName, Directory: res.Directory,
				ConsecutiveFail: counter.ConsecutiveFail, MaxAttempts: counter.MaxAttempts,
			})
		}
	}

	finalStatus := store.StatusCompleted
	if anyFailed {
		finalStatus = store.StatusFailed
	}
	d.finishOrchestration(ctx, orchestrationID, finalStatus)

	if len(stuck) > 0 {
		writeStuckHooksNotice(opts.Stderr, stuck)
		return errs.ExitActionNeeded, nil
	}
	if anyFailed {
		fmt.Fprintln(opts.Stderr, "a hook failed; re-run the same --wait command once it's fixed.")
		return errs.ExitActionNeeded, nil
	}
	if degraded {
		fmt.Fprintln(opts.Stderr, "hooks ran in degraded (local-lock) mode; global slot limits were not enforced.")
	}
	return errs.ExitSuccess, nil
}

// reportNonStop implements pipeline step 13 for every non-Stop-family
// event: a compact failure summary pointing at the orchestration log, with
// wildcard-dependency failures excluded as advisory-only.
func (d *Driver) reportNonStop(ctx context.Context, opts Options, orchestrationID string, results []hookResult, logPath string) (int, error) {
	var failed []failedHook
	for _, res := range results {
		if res.Skipped || res.Err == nil || res.Hook.Wildcard() {
			continue
		}
		failed = append(failed, failedHook{Plugin: res.Plugin, Hook: res.HookName, Directory: res.Directory})
	}

	finalStatus := store.StatusCompleted
	if len(failed) > 0 {
		finalStatus = store.StatusFailed
	}
	d.finishOrchestration(ctx, orchestrationID, finalStatus)

	if len(failed) == 0 {
		return errs.ExitSuccess, nil
	}
	writeFailureSummary(opts.Stderr, logPath, failed)
	return errs.ExitActionNeeded, nil
}

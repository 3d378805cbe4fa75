// Package orchestrator is the user-visible entry point: one invocation of
// the driver is one orchestration. It wires together discovery, scheduling,
// the execution cache, the hash-cycle detector, the slot client, and
// persistence into the pipeline described by the Stop/SubagentStop control
// flow: check mode reports what would run, wait mode runs it.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"

	"han/internal/cache"
	"han/internal/cyclecheck"
	"han/internal/discovery"
	"han/internal/errs"
	"han/internal/eventpayload"
	"han/internal/gate"
	"han/internal/hanenv"
	"han/internal/home"
	"han/internal/logging"
	"han/internal/plugin"
	"han/internal/schedule"
	"han/internal/slotclient"
	"han/internal/store"
)

// DefaultMaxAttempts is the starting max_attempts for a new Attempt Counter.
const DefaultMaxAttempts = 3

// selfHealDeadline bounds a single daemon self-heal attempt.
const selfHealDeadline = 5 * time.Second

// invocationTimeout bounds a single hook subprocess.
const invocationTimeout = 5 * time.Minute

var stopFamily = map[string]bool{"Stop": true, "SubagentStop": true}

// Options parameterizes a single Run.
type Options struct {
	EventType         string
	Check             bool
	Wait              bool
	OrchestrationID   string
	AllFiles          bool
	FailFast          bool
	Verbose           bool
	ToolName          string
	SkipIfQuestioning bool
	TranscriptPath    string
	ProjectRoot       string // overrides CLAUDE_PROJECT_DIR / cwd when set

	Stdin  io.Reader // nil means no stdin payload was piped in
	Stdout io.Writer
	Stderr io.Writer
}

// Config wires a Driver's collaborators.
type Config struct {
	Store         store.Store
	PluginSources []plugin.Source
	SlotClient    *slotclient.Client
	Home          home.Dir
	HanBinaryPath string
	Logger        *slog.Logger
	EventLogger   logging.EventLogger // defaults to a slog-backed logger when nil
	Now           func() time.Time
}

// Driver runs one orchestration per call to Run.
type Driver struct {
	store         store.Store
	pluginSources []plugin.Source
	slotClient    *slotclient.Client
	home          home.Dir
	hanBinaryPath string
	logger        *slog.Logger
	events        logging.EventLogger
	now           func() time.Time
}

// New creates a Driver.
func New(cfg Config) *Driver {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := logging.Default(cfg.Logger).With("component", "orchestrator")
	events := cfg.EventLogger
	if events == nil {
		events = logging.NewSlogEventLogger(cfg.Logger)
	}
	return &Driver{
		store:         cfg.Store,
		pluginSources: cfg.PluginSources,
		slotClient:    cfg.SlotClient,
		home:          cfg.Home,
		hanBinaryPath: cfg.HanBinaryPath,
		logger:        logger,
		events:        events,
		now:           now,
	}
}

// Run executes the full pipeline and returns the process exit code.
func (d *Driver) Run(ctx context.Context, opts Options) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	code, err := d.runInner(ctx, opts)
	if err != nil {
		fmt.Fprintln(opts.Stderr, err)
	}
	if ctx.Err() != nil {
		return errs.ExitInterrupted
	}
	return code
}

func (d *Driver) runInner(ctx context.Context, opts Options) (int, error) {
	// 2. Recursion guard.
	if stopFamily[opts.EventType] && hanenv.IsOrchestrating() && !opts.Wait {
		return errs.ExitSuccess, nil
	}
	if hanenv.HooksDisabled() {
		return errs.ExitSuccess, nil
	}

	// 3. Canonicalize project root.
	projectRoot, err := d.resolveProjectRoot(opts.ProjectRoot)
	if err != nil {
		return errs.ExitInternal, fmt.Errorf("resolve project root: %w", err)
	}

	// 4. Read or synthesize the stdin payload.
	payload, err := d.readPayload(opts, projectRoot)
	if err != nil {
		return errs.ExitInternal, err
	}
	if err := payload.ValidateEventType(opts.EventType); err != nil {
		return errs.ExitInternal, fmt.Errorf("%w: %v", errs.ErrArgMismatch, err)
	}

	// 5. Resolve session id.
	sessionID, err := d.resolveSessionID(ctx, opts, payload)
	if err != nil {
		return errs.ExitInternal, fmt.Errorf("resolve session id: %w", err)
	}

	// Conversational Gate, applied before check/wait both, for Stop-family events only.
	if opts.SkipIfQuestioning && stopFamily[opts.EventType] {
		transcriptPath := opts.TranscriptPath
		if transcriptPath == "" {
			transcriptPath = extraString(payload, "transcript_path")
		}
		skip, reason, err := gate.DecideFromTranscript(transcriptPath)
		if err != nil {
			d.logger.Debug("conversational gate unavailable, running hooks", "error", err)
		} else if skip {
			fmt.Fprintf(opts.Stderr, "skipping hooks: %s\n", reason)
			return errs.ExitSuccess, nil
		}
	}

	// 6. Coordinator health check (skipped entirely in --check mode).
	degraded := false
	var orchestrationID string
	if !opts.Check {
		orchestrationID, err = d.ensureOrchestration(ctx, opts, sessionID, projectRoot)
		if err != nil {
			return errs.ExitInternal, fmt.Errorf("ensure orchestration record: %w", err)
		}
		if d.slotClient != nil && !d.ensureCoordinatorHealthy(ctx) {
			degraded = true
			fmt.Fprintln(opts.Stderr, "warning: slot coordinator unreachable, running in degraded (local-lock) mode")
			if err := d.store.SetOrchestrationDegraded(ctx, orchestrationID, true); err != nil {
				d.logger.Warn("mark orchestration degraded failed", "error", err)
			}
		}
	}

	// 7/8. Discovery and scheduling.
	tasks, err := d.gatherTasks(ctx, opts, projectRoot)
	if err != nil {
		return errs.ExitInternal, err
	}
	if len(tasks) == 0 {
		fmt.Fprintf(opts.Stderr, "No hooks found for event type %q\n", opts.EventType)
		return errs.ExitSuccess, nil
	}

	batches, err := schedule.Build(tasks, d.logger)
	if err != nil {
		return errs.ExitInternal, fmt.Errorf("schedule hooks: %w", err)
	}

	checker := cache.New(d.store, d.store, d.logger)

	if opts.Check {
		return d.runCheck(ctx, opts, sessionID, batches, checker)
	}

	return d.runWait(ctx, opts, sessionID, projectRoot, orchestrationID, degraded, batches, checker)
}

// ensureOrchestration resolves the Orchestration Record a wait-mode run
// tracks status against: the record already created by a prior --check when
// --orchestration-id continues one, or a fresh pending record otherwise.
func (d *Driver) ensureOrchestration(ctx context.Context, opts Options, sessionID, projectRoot string) (string, error) {
	if opts.OrchestrationID != "" {
		existing, err := d.store.GetOrchestration(ctx, opts.OrchestrationID)
		if err == nil && existing != nil {
			return existing.ID, nil
		}
	}

	id := orchestrationIDOrFresh(opts.OrchestrationID)
	now := d.now()
	o := store.Orchestration{
		ID: id, SessionID: sessionID, EventType: opts.EventType, ProjectRoot: projectRoot,
		Status: store.StatusPending, LogPath: d.home.LogPath(id), CreatedAt: now, UpdatedAt: now,
	}
	if err := d.store.CreateOrchestration(ctx, o); err != nil {
		return "", err
	}
	return id, nil
}

// resolveProjectRoot applies the flag / env / cwd priority and resolves symlinks.
func (d *Driver) resolveProjectRoot(flagValue string) (string, error) {
	root := flagValue
	if root == "" {
		root = hanenv.ProjectRootOverride()
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getwd: %w", err)
		}
		root = wd
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve symlinks for %s: %w", root, err)
	}
	return resolved, nil
}

// readPayload reads stdin (if any) and falls back to a synthesized payload.
func (d *Driver) readPayload(opts Options, projectRoot string) (eventpayload.Payload, error) {
	var raw []byte
	if opts.Stdin != nil {
		b, err := io.ReadAll(opts.Stdin)
		if err != nil {
			return eventpayload.Payload{}, fmt.Errorf("read stdin payload: %w", err)
		}
		raw = b
	}

	payload, err := eventpayload.Parse(raw)
	if err != nil {
		return eventpayload.Payload{}, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		payload = eventpayload.Synthesize("", projectRoot, opts.EventType)
	}
	return payload, nil
}

// resolveSessionID applies the priority chain from the driver's session
// resolution rule.
func (d *Driver) resolveSessionID(ctx context.Context, opts Options, payload eventpayload.Payload) (string, error) {
	if opts.OrchestrationID != "" {
		o, err := d.store.GetOrchestration(ctx, opts.OrchestrationID)
		if err == nil && o != nil && o.SessionID != "" {
			return o.SessionID, nil
		}
	}
	if payload.SessionID != "" {
		return payload.SessionID, nil
	}
	if hint := hanenv.SessionHint(); hint != "" {
		return hint, nil
	}
	if active, err := d.store.ActiveSessionID(ctx); err == nil && active != "" {
		return active, nil
	}
	return "cli-" + uuid.NewString(), nil
}

// ensureCoordinatorHealthy probes the slot daemon, attempting a single
// self-heal spawn if it is unreachable.
func (d *Driver) ensureCoordinatorHealthy(ctx context.Context) bool {
	if d.slotClient.Healthy(ctx) {
		return true
	}
	if d.hanBinaryPath == "" {
		return false
	}

	cmd := exec.Command(d.hanBinaryPath, "slotd")
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		d.logger.Warn("coordinator self-heal spawn failed", "error", err)
		return false
	}

	deadline := time.Now().Add(selfHealDeadline)
	for time.Now().Before(deadline) {
		if d.slotClient.Healthy(ctx) {
			return true
		}
		time.Sleep(200 * time.Millisecond)
	}
	return false
}

// gatherTasks resolves the set of hook tasks for this run: fresh discovery,
// intersected with the queued pending-hook set when continuing an existing
// --orchestration-id.
func (d *Driver) gatherTasks(ctx context.Context, opts Options, projectRoot string) ([]discovery.Task, error) {
	plugins, skipped := plugin.LoadAll(d.pluginSources)
	for _, name := range skipped {
		d.logger.Debug("skipped plugin with invalid manifest", "plugin", name)
	}

	markers, err := discovery.NewMarkerCache(projectRoot, d.logger)
	if err != nil {
		d.logger.Debug("marker cache unavailable, discovery will re-walk per hook", "error", err)
	} else {
		defer markers.Close()
	}

	tasks := discovery.Discover(ctx, discovery.Input{
		EventName:   opts.EventType,
		ToolName:    opts.ToolName,
		ProjectRoot: projectRoot,
		Plugins:     plugins,
		Logger:      d.logger,
		Markers:     markers,
	})

	if opts.OrchestrationID == "" {
		return tasks, nil
	}

	rows, err := d.store.ListPendingHooks(ctx, opts.OrchestrationID)
	if err != nil {
		return nil, fmt.Errorf("list pending hooks for %s: %w", opts.OrchestrationID, err)
	}
	queued := make(map[discovery.Key]bool, len(rows))
	for _, r := range rows {
		queued[discovery.Key{Plugin: r.Plugin, Hook: r.Hook}] = true
	}

	filtered := tasks[:0:0]
	for _, t := range tasks {
		if queued[t.Key()] {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

// extraString reads a string-valued field out of a payload's opaque Extra map.
func extraString(p eventpayload.Payload, key string) string {
	raw, ok := p.Extra[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// directoryTask is one materialized (task, directory) pairing, the unit of
// cache checks and execution.
type directoryTask struct {
	discovery.Task
	Directory string
}

// flatten expands every task's directory list into individual directoryTasks.
func flatten(batch []discovery.Task) []directoryTask {
	var out []directoryTask
	for _, t := range batch {
		for _, dir := range t.Directories {
			out = append(out, directoryTask{Task: t, Directory: dir})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Plugin != out[j].Plugin {
			return out[i].Plugin < out[j].Plugin
		}
		if out[i].HookName != out[j].HookName {
			return out[i].HookName < out[j].HookName
		}
		return out[i].Directory < out[j].Directory
	})
	return out
}

// checkOptsFor builds cache.CheckOptions for a given --all-files/--only-changed mode.
func checkOptsFor(sessionID string, allFiles bool) cache.CheckOptions {
	return cache.CheckOptions{SessionID: sessionID, CheckSessionChangesOnly: !allFiles}
}

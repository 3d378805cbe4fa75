// Command han orchestrates plugin hooks for an agentic coding assistant's
// lifecycle events.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"han/internal/hanenv"
	"han/internal/home"
	"han/internal/logging"
	"han/internal/orchestrator"
	"han/internal/plugin"
	"han/internal/slotclient"
	"han/internal/slotd"
	"han/internal/store"
	"han/internal/store/memstore"
	"han/internal/store/sqlite"
)

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // filtering is done by ComponentFilterHandler below
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelWarn)
	if hanenv.SlotDebugEnabled() {
		filterHandler.SetLevel("slotd", slog.LevelDebug)
		filterHandler.SetLevel("slotclient", slog.LevelDebug)
	}
	if hanenv.LockDebugEnabled() {
		filterHandler.SetLevel("slotclient", slog.LevelDebug)
	}
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "han",
		Short: "Hook orchestration engine for agentic coding assistant plugins",
	}

	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("store", "sqlite", "persistence backend: sqlite or memory")
	rootCmd.PersistentFlags().String("plugins-dir", "", "directory of installed plugins (default: <project-root>/.claude/plugins)")
	rootCmd.PersistentFlags().String("slot-addr", "127.0.0.1:8787", "slot coordinator address")

	rootCmd.AddCommand(
		newOrchestrateCmd(logger),
		newSlotdCmd(logger),
		newSlotCmd(logger),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newOrchestrateCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orchestrate <event_type>",
		Short: "Discover, schedule, and run hooks for a lifecycle event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrate(cmd, args[0], logger)
		},
	}

	cmd.Flags().Bool("check", false, "report what would run without executing")
	cmd.Flags().Bool("wait", false, "execute the scheduled hooks")
	cmd.Flags().String("orchestration-id", "", "resume a previously-checked orchestration")
	cmd.Flags().Bool("all-files", false, "bypass the cache and treat every hook as changed")
	cmd.Flags().Bool("fail-fast", true, "stop scheduling new batches after the first failure")
	cmd.Flags().Bool("verbose", false, "stream subprocess stdout in addition to stderr")
	cmd.Flags().String("tool-name", "", "tool name, for PreToolUse/PostToolUse/SubagentPrompt")
	cmd.Flags().Bool("skip-if-questioning", false, "for Stop family, skip when the conversation is a pure Q&A exchange")
	cmd.Flags().String("transcript-path", "", "conversation transcript path, for --skip-if-questioning")
	cmd.Flags().String("project-root", "", "override the project root (default: CLAUDE_PROJECT_DIR or cwd)")

	return cmd
}

func runOrchestrate(cmd *cobra.Command, eventType string, logger *slog.Logger) error {
	hd, err := resolveHome(cmd)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if err := hd.EnsureExists(); err != nil {
		return fmt.Errorf("create home directory: %w", err)
	}

	st, closeStore, err := openStore(cmd, hd)
	if err != nil {
		return err
	}
	defer closeStore()

	slotAddr, _ := cmd.Flags().GetString("slot-addr")
	slotClient := slotclient.New("http://"+slotAddr, hd.LockDir(), logger)

	pluginsDir, _ := cmd.Flags().GetString("plugins-dir")
	if pluginsDir == "" {
		root, _ := cmd.Flags().GetString("project-root")
		if root == "" {
			root = hanenv.ProjectRootOverride()
		}
		if root == "" {
			root, _ = os.Getwd()
		}
		pluginsDir = defaultPluginsDir(root)
	}
	sources, err := plugin.DiscoverSources(pluginsDir)
	if err != nil {
		return fmt.Errorf("discover plugins: %w", err)
	}

	hanBinaryPath, err := os.Executable()
	if err != nil {
		logger.Warn("could not resolve own executable path, \"han\" self-references will not be rewritten", "error", err)
	}

	driver := orchestrator.New(orchestrator.Config{
		Store:         st,
		PluginSources: sources,
		SlotClient:    slotClient,
		Home:          hd,
		HanBinaryPath: hanBinaryPath,
		Logger:        logger,
	})

	opts := orchestratorOptionsFromFlags(cmd, eventType)
	opts.Stdin = cmd.InOrStdin()
	opts.Stdout = cmd.OutOrStdout()
	opts.Stderr = cmd.ErrOrStderr()

	code := driver.Run(cmd.Context(), opts)
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

func orchestratorOptionsFromFlags(cmd *cobra.Command, eventType string) orchestrator.Options {
	check, _ := cmd.Flags().GetBool("check")
	wait, _ := cmd.Flags().GetBool("wait")
	orchestrationID, _ := cmd.Flags().GetString("orchestration-id")
	allFiles, _ := cmd.Flags().GetBool("all-files")
	failFast, _ := cmd.Flags().GetBool("fail-fast")
	verbose, _ := cmd.Flags().GetBool("verbose")
	toolName, _ := cmd.Flags().GetString("tool-name")
	skipIfQuestioning, _ := cmd.Flags().GetBool("skip-if-questioning")
	transcriptPath, _ := cmd.Flags().GetString("transcript-path")
	projectRoot, _ := cmd.Flags().GetString("project-root")

	return orchestrator.Options{
		EventType:         eventType,
		Check:             check,
		Wait:              wait,
		OrchestrationID:   orchestrationID,
		AllFiles:          allFiles,
		FailFast:          failFast,
		Verbose:           verbose,
		ToolName:          toolName,
		SkipIfQuestioning: skipIfQuestioning,
		TranscriptPath:    transcriptPath,
		ProjectRoot:       projectRoot,
	}
}

func newSlotdCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slotd",
		Short: "Run the global slot coordinator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlotd(cmd, logger)
		},
	}
	cmd.Flags().Int("slots", 0, "slot pool size (default: max(2, CPUs/2), or HAN_GLOBAL_SLOTS)")
	return cmd
}

func runSlotd(cmd *cobra.Command, logger *slog.Logger) error {
	n, _ := cmd.Flags().GetInt("slots")
	if n <= 0 {
		if override, ok := hanenv.GlobalSlotOverride(); ok {
			n = override
		} else {
			n = defaultSlotCount()
		}
	}

	srv, err := slotd.New(n, logger)
	if err != nil {
		return fmt.Errorf("create slot daemon: %w", err)
	}

	addr, _ := cmd.Flags().GetString("slot-addr")
	ctx := cmd.Context()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeTCP(addr) }()

	select {
	case <-ctx.Done():
		return srv.Stop(context.Background())
	case err := <-errCh:
		return err
	}
}

func newSlotCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slot",
		Short: "Inspect the slot coordinator daemon",
	}
	cmd.AddCommand(newSlotStatusCmd(logger))
	return cmd
}

func newSlotStatusCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the slot coordinator's current holders",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("slot-addr")
			hd, err := resolveHome(cmd)
			if err != nil {
				return fmt.Errorf("resolve home directory: %w", err)
			}
			client := slotclient.New("http://"+addr, hd.LockDir(), logger)
			status, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetch slot status: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d/%d slots in use\n", status.Total-status.Available, status.Total)
			for _, h := range status.Holders {
				fmt.Fprintf(cmd.OutOrStdout(), "  slot %d: session=%s hook=%s plugin=%s pid=%d held_for=%dms\n",
					h.SlotID, h.SessionID, h.Hook, h.Plugin, h.PID, h.HeldForMs)
			}
			return nil
		},
	}
}

// defaultSlotCount implements spec.md's default N = max(2, CPUs/2).
func defaultSlotCount() int {
	n := runtime.NumCPU() / 2
	if n < 2 {
		n = 2
	}
	return n
}

// defaultPluginsDir is the concrete default location for installed plugins:
// <project-root>/.claude/plugins, matching the assistant's own on-disk
// layout rather than inventing a separate convention.
func defaultPluginsDir(projectRoot string) string {
	return projectRoot + string(os.PathSeparator) + ".claude" + string(os.PathSeparator) + "plugins"
}

// resolveHome returns a Dir from the --home flag, or the platform default.
func resolveHome(cmd *cobra.Command) (home.Dir, error) {
	homeFlag, _ := cmd.Flags().GetString("home")
	if homeFlag != "" {
		return home.New(homeFlag), nil
	}
	return home.Default()
}

// openStore opens the configured persistence backend. The returned close
// function is always safe to call, including for the memory backend.
func openStore(cmd *cobra.Command, hd home.Dir) (store.Store, func(), error) {
	backend, _ := cmd.Flags().GetString("store")
	switch backend {
	case "memory":
		st := memstore.New()
		return st, func() { _ = st.Close() }, nil
	case "sqlite":
		st, err := sqlite.Open(hd.DBPath())
		if err != nil {
			return nil, func() {}, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown store backend %q", backend)
	}
}

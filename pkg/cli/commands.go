package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meshforge/meshforge/internal/pipeline"
	"github.com/meshforge/meshforge/pkg/archive"
	"github.com/meshforge/meshforge/pkg/config"
	"github.com/meshforge/meshforge/pkg/engine"
	"github.com/meshforge/meshforge/pkg/geometry"
	"github.com/meshforge/meshforge/pkg/logger"
	"github.com/meshforge/meshforge/pkg/notifier"
	"github.com/meshforge/meshforge/pkg/process"
	"github.com/meshforge/meshforge/pkg/registry"
	"github.com/meshforge/meshforge/pkg/types"
	"github.com/meshforge/meshforge/pkg/validation"
)

func newProcessCmd() *cobra.Command {
	var (
		sessionID       string
		dense           bool
		mesh            bool
		matcher         string
		maxImageSize    int
		useGPU          bool
		gpuIndex        string
		guidedMatching  bool
		geomConsistency bool
		skipEngineCheck bool
	)

	cmd := &cobra.Command{
		Use:   "process <image-or-directory>...",
		Short: "Run a reconstruction session over a set of images",
		Long: `Run the full reconstruction pipeline over the given images in the
foreground. Directories are expanded to the image files they contain.
Interrupting the run cancels the session gracefully.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			opts := cfg.Defaults
			if cmd.Flags().Changed("dense") {
				opts.EnableDense = dense
			}
			if cmd.Flags().Changed("mesh") {
				opts.EnableMeshing = mesh
			}
			if cmd.Flags().Changed("matcher") {
				opts.MatcherType = types.MatcherType(strings.ToLower(matcher))
			}
			if cmd.Flags().Changed("max-image-size") {
				opts.MaxImageSize = maxImageSize
			}
			if cmd.Flags().Changed("gpu") {
				opts.UseGPU = useGPU
			}
			if cmd.Flags().Changed("gpu-index") {
				opts.GPUIndices = gpuIndex
			}
			if cmd.Flags().Changed("guided-matching") {
				opts.GuidedMatching = guidedMatching
			}
			if cmd.Flags().Changed("geom-consistency") {
				opts.GeomConsistent = geomConsistency
			}

			images, err := collectImages(args)
			if err != nil {
				return err
			}

			return runProcess(cfg, sessionID, images, opts, skipEngineCheck)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session-id", "", "session id (generated when empty)")
	cmd.Flags().BoolVar(&dense, "dense", false, "enable dense reconstruction")
	cmd.Flags().BoolVar(&mesh, "mesh", false, "enable mesh generation (requires --dense)")
	cmd.Flags().StringVar(&matcher, "matcher", "exhaustive", "feature matcher (exhaustive, sequential)")
	cmd.Flags().IntVar(&maxImageSize, "max-image-size", 1920, "maximum image dimension for processing")
	cmd.Flags().BoolVar(&useGPU, "gpu", false, "use GPU acceleration when the engine supports it")
	cmd.Flags().StringVar(&gpuIndex, "gpu-index", "0", "GPU device index")
	cmd.Flags().BoolVar(&guidedMatching, "guided-matching", false, "enable guided matching")
	cmd.Flags().BoolVar(&geomConsistency, "geom-consistency", false, "enable geometric consistency filtering")
	cmd.Flags().BoolVar(&skipEngineCheck, "skip-engine-check", false, "skip the engine installation check")

	return cmd
}

func runProcess(cfg *config.Config, sessionID string, images []string, opts types.PipelineOptions, skipEngineCheck bool) error {
	log := logger.CreateLogger(cfg.LogFile, cfg.LogLevel)
	ctx := context.Background()

	if !skipEngineCheck {
		if err := engine.Verify(ctx, cfg.EngineBinary); err != nil {
			return err
		}
	}
	caps := engine.ProbeCapabilities(ctx, cfg.EngineBinary, nil, log)

	timeouts, err := cfg.StageTimeouts.Resolve()
	if err != nil {
		return err
	}

	notif := notifier.New(notifier.Config{Enabled: cfg.Notifications}, log)

	mgr, err := pipeline.NewManager(ctx, pipeline.Options{
		OutputRoot: cfg.OutputDir,
		Timeouts:   timeouts,
		Runner:     engine.NewInvoker(log),
		Commands:   engine.NewCommandSet(cfg.EngineBinary, caps),
		Converter:  geometry.NewConverter(log),
		Archiver:   archive.NewBuilder(log),
		Notifier:   notif,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	// Interrupts cancel live sessions instead of orphaning the engine
	procMgr := process.NewManager(log)
	procMgr.RegisterShutdownHandler(mgr.CancelAll)
	procMgr.Start(ctx)
	defer procMgr.Stop()

	// Reconstructions run for a long time; allow toggling notifications
	// mid-run by editing the config file.
	if used := viper.ConfigFileUsed(); used != "" {
		reload := config.NewReloadManager(used, log)
		reload.AddCallback(func(newCfg *config.Config, err error) {
			if err != nil {
				log.Warn("Ignoring config reload", logger.WithField("error", err))
				return
			}
			notif.SetEnabled(newCfg.Notifications)
		})
		if err := reload.StartWatching(); err == nil {
			defer reload.StopWatching()
		}
	}

	printInfo(fmt.Sprintf("Processing %d images", len(images)))

	state, err := mgr.SubmitAndWait(ctx, pipeline.Request{
		SessionID:  sessionID,
		ImagePaths: images,
		Options:    opts,
	})
	if err != nil {
		return err
	}

	printSessionState(state)
	if state.Status != types.StatusCompleted {
		return fmt.Errorf("session %s finished with status %s", state.SessionID, state.Status)
	}
	printSuccess(fmt.Sprintf("Session %s completed", state.SessionID))
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the status of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			doc, err := registry.ReadStatusDocument(sessionWorkspace(cfg, args[0]))
			if err != nil {
				return fmt.Errorf("session not found: %s", args[0])
			}

			printSessionState(&doc.SessionState)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			matches, _ := filepath.Glob(filepath.Join(cfg.OutputDir, "session_*"))
			sort.Strings(matches)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tSTAGE\tSTATUS\tPROGRESS\tMESSAGE")
			for _, dir := range matches {
				doc, err := registry.ReadStatusDocument(dir)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\n",
					doc.SessionID, doc.Stage, doc.Status, doc.ProgressPercent, doc.Message)
			}
			return w.Flush()
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Request cancellation of a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			workspace := sessionWorkspace(cfg, args[0])
			if _, err := registry.ReadStatusDocument(workspace); err != nil {
				return fmt.Errorf("session not found: %s", args[0])
			}

			if err := pipeline.RequestCancelMarker(workspace); err != nil {
				return fmt.Errorf("failed to request cancellation: %w", err)
			}
			printInfo(fmt.Sprintf("Cancellation requested for session %s", args[0]))
			return nil
		},
	}
}

func newCleanupCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "cleanup <session-id>",
		Short: "Remove a session's working directory and outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			workspace := sessionWorkspace(cfg, args[0])
			doc, err := registry.ReadStatusDocument(workspace)
			if err != nil {
				return fmt.Errorf("session not found: %s", args[0])
			}

			if !doc.Status.IsTerminal() {
				if !force {
					printWarning("Session is still running; use --force to cancel and remove it")
					return fmt.Errorf("session %s is still running", args[0])
				}
				_ = pipeline.RequestCancelMarker(workspace)
			}

			if err := os.RemoveAll(workspace); err != nil {
				return fmt.Errorf("failed to remove session workspace: %w", err)
			}
			printSuccess(fmt.Sprintf("Session %s cleaned up", args[0]))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "cancel a running session before removing it")
	return cmd
}

func newConvertCmd() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "convert <raw-geometry-file>",
		Short: "Convert a raw geometry file into a cleaned portable mesh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logger.CreateLogger(cfg.LogFile, cfg.LogLevel)

			if outDir == "" {
				outDir = filepath.Dir(args[0])
			}

			converter := geometry.NewConverter(log)
			objPath, meta, err := converter.Convert(args[0], outDir)
			if err != nil {
				return err
			}
			cleaned := converter.Clean(objPath)

			printSuccess(fmt.Sprintf("Converted to %s", cleaned))
			data, _ := json.MarshalIndent(meta, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out", "", "output directory (defaults next to the input)")
	return cmd
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the reconstruction engine installation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logger.CreateLogger(cfg.LogFile, cfg.LogLevel)
			ctx := context.Background()

			if err := engine.Verify(ctx, cfg.EngineBinary); err != nil {
				printError(fmt.Sprintf("Engine check failed: %v", err))
				return err
			}
			printSuccess(fmt.Sprintf("Engine %q is installed and responding", cfg.EngineBinary))

			caps := engine.ProbeCapabilities(ctx, cfg.EngineBinary, nil, log)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "extractor GPU\t%v\n", caps.ExtractorGPU)
			fmt.Fprintf(w, "matcher GPU\t%v\n", caps.MatcherGPU)
			fmt.Fprintf(w, "guided matching\t%v\n", caps.GuidedMatching)
			fmt.Fprintf(w, "extended features\t%v\n", caps.ExtendedFeatures)
			fmt.Fprintf(w, "geometric consistency\t%v\n", caps.GeomConsistency)
			return w.Flush()
		},
	}
}

// collectImages expands directory arguments into their image files
func collectImages(args []string) ([]string, error) {
	var images []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("input not found: %s", arg)
		}
		if !info.IsDir() {
			images = append(images, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", arg, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !validation.AllowedExtension(entry.Name()) {
				continue
			}
			images = append(images, filepath.Join(arg, entry.Name()))
		}
	}
	sort.Strings(images)
	return images, nil
}

func sessionWorkspace(cfg *config.Config, sessionID string) string {
	return filepath.Join(cfg.OutputDir, "session_"+sessionID)
}

func printSessionState(state *types.SessionState) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "session\t%s\n", state.SessionID)
	fmt.Fprintf(w, "stage\t%s\n", state.Stage)
	fmt.Fprintf(w, "status\t%s\n", state.Status)
	fmt.Fprintf(w, "progress\t%.1f%%\n", state.ProgressPercent)
	fmt.Fprintf(w, "message\t%s\n", state.Message)
	if state.ErrorMessage != "" {
		fmt.Fprintf(w, "error\t%s\n", state.ErrorMessage)
	}
	if state.ArchivePath != "" {
		fmt.Fprintf(w, "archive\t%s\n", state.ArchivePath)
	}
	for _, of := range state.OutputFiles {
		fmt.Fprintf(w, "output\t%s (%s, %d bytes)\n", of.Path, of.Type, of.SizeBytes)
	}
	w.Flush()
}

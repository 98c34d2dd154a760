package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hutchlabs/hutch/pkg/config"
	"github.com/hutchlabs/hutch/pkg/container"
	"github.com/hutchlabs/hutch/pkg/events"
	"github.com/hutchlabs/hutch/pkg/health"
	"github.com/hutchlabs/hutch/pkg/image"
	"github.com/hutchlabs/hutch/pkg/log"
	"github.com/hutchlabs/hutch/pkg/logstream"
	"github.com/hutchlabs/hutch/pkg/metrics"
	"github.com/hutchlabs/hutch/pkg/runtime"
	"github.com/hutchlabs/hutch/pkg/types"
	"github.com/hutchlabs/hutch/pkg/watcher"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - ephemeral container workspaces for agent tasks",
	Long: `Hutch manages isolated, ephemeral execution environments backed by
OCI containers (Docker or Podman) for running automated agent tasks:
runtime detection, cached image builds, container lifecycle, health
monitoring, and lifecycle event streaming.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("runtime", "", "preferred container runtime (docker, podman)")

	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(metricsCmd)
}

// app wires the shared component graph for one CLI invocation
type app struct {
	cfg      config.Config
	detector *runtime.Detector
	builder  *image.Builder
	broker   *events.Broker
	manager  *container.Manager
}

func newApp(cmd *cobra.Command) (*app, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}

	cfg, err := config.LoadProject(root)
	if err != nil {
		return nil, err
	}

	if flag, _ := cmd.Flags().GetString("runtime"); flag != "" {
		cfg.Runtime = flag
	}
	level := cfg.Log.Level
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}
	log.Init(log.Config{Level: log.Level(level), JSONOutput: cfg.Log.JSON, Output: os.Stderr})

	runner := runtime.ExecRunner{}
	detector := runtime.NewDetector(runner)
	preferred := cfg.PreferredRuntime()
	builder := image.NewBuilder(runner, detector, root, preferred)
	broker := events.NewBroker()
	broker.Start()
	manager := container.NewManager(runner, detector, builder, broker, container.Options{
		Preferred:  preferred,
		NamePrefix: cfg.NamePrefix,
	})

	return &app{
		cfg:      cfg,
		detector: detector,
		builder:  builder,
		broker:   broker,
		manager:  manager,
	}, nil
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check container runtime availability and compatibility",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		minVersion, _ := cmd.Flags().GetString("min-version")

		any := false
		for _, desc := range a.detector.Detect() {
			status := "unavailable"
			if desc.Available {
				status = "available"
				any = true
			}
			fmt.Printf("%-8s %-12s version=%s\n", desc.Kind, status, desc.Version)
			if desc.Error != "" {
				fmt.Printf("         %s\n", desc.Error)
			}

			if desc.Available && minVersion != "" {
				report := a.detector.ValidateCompatibility(desc.Kind, runtime.Requirements{MinVersion: minVersion})
				for _, issue := range report.Issues {
					fmt.Printf("         issue: %s\n", issue)
				}
				for _, rec := range report.Recommendations {
					fmt.Printf("         hint:  %s\n", rec)
				}
			}
		}

		if !any {
			return fmt.Errorf("no container runtime available")
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run IMAGE [COMMAND...]",
	Short: "Create and start a workspace container",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}

		taskID, _ := cmd.Flags().GetString("task")
		if taskID == "" {
			taskID = uuid.New().String()
		}
		dockerfile, _ := cmd.Flags().GetString("dockerfile")
		buildContext, _ := cmd.Flags().GetString("build-context")
		envFlags, _ := cmd.Flags().GetStringArray("env")
		volumes, _ := cmd.Flags().GetStringArray("volume")
		workdir, _ := cmd.Flags().GetString("workdir")
		user, _ := cmd.Flags().GetString("user")
		memory, _ := cmd.Flags().GetString("memory")
		network, _ := cmd.Flags().GetString("network")
		privileged, _ := cmd.Flags().GetBool("privileged")
		noStart, _ := cmd.Flags().GetBool("no-start")

		cfg := types.ContainerConfig{
			Image:        args[0],
			Dockerfile:   dockerfile,
			BuildContext: buildContext,
			Command:      args[1:],
			Env:          parseKeyValues(envFlags),
			Volumes:      volumes,
			WorkDir:      workdir,
			User:         user,
			Memory:       memory,
			NetworkMode:  network,
			Privileged:   privileged,
		}

		result := a.manager.Create(cmd.Context(), cfg, taskID, container.CreateOptions{AutoStart: !noStart})
		if !result.Success {
			return fmt.Errorf("%s\n  command: %s", result.Error, result.Command)
		}

		fmt.Printf("task %s -> container %s\n", taskID, result.ContainerID)
		if result.Info != nil {
			fmt.Printf("  name: %s  status: %s\n", result.Info.Name, result.Info.Status)
		}
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop CONTAINER",
	Short: "Stop a workspace container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		grace, _ := cmd.Flags().GetInt("grace")

		result := a.manager.Stop(cmd.Context(), args[0], grace)
		if !result.Success {
			return fmt.Errorf("%s", result.Error)
		}
		fmt.Printf("stopped %s\n", args[0])
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm CONTAINER",
	Short: "Remove a workspace container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")

		result := a.manager.Remove(cmd.Context(), args[0], force)
		if !result.Success {
			return fmt.Errorf("%s", result.Error)
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	},
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List workspace containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		all, _ := cmd.Flags().GetBool("all")

		records, err := a.manager.List(cmd.Context(), all)
		if err != nil {
			return err
		}

		fmt.Printf("%-14s %-40s %-24s %s\n", "CONTAINER", "NAME", "IMAGE", "STATUS")
		for _, rec := range records {
			fmt.Printf("%-14s %-40s %-24s %s\n", shortID(rec.ID), rec.Name, rec.Image, rec.Status)
		}
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec CONTAINER COMMAND...",
	Short: "Run a command inside a running workspace container",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		workdir, _ := cmd.Flags().GetString("workdir")
		user, _ := cmd.Flags().GetString("user")
		timeoutMs, _ := cmd.Flags().GetInt("timeout-ms")
		envFlags, _ := cmd.Flags().GetStringArray("env")

		opts := container.ExecOptions{
			WorkDir: workdir,
			User:    user,
			Env:     parseKeyValues(envFlags),
			Timeout: time.Duration(timeoutMs) * time.Millisecond,
		}

		var result types.ExecResult
		if len(args) == 2 {
			// A single argument is treated as a quoted command line
			result = a.manager.ExecString(cmd.Context(), args[0], args[1], opts)
		} else {
			result = a.manager.Exec(cmd.Context(), args[0], args[1:], opts)
		}

		fmt.Print(result.Stdout)
		fmt.Fprint(os.Stderr, result.Stderr)
		if !result.Success {
			return fmt.Errorf("%s (exit code %d)", result.Error, result.ExitCode)
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs CONTAINER",
	Short: "Stream logs from a workspace container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		follow, _ := cmd.Flags().GetBool("follow")
		tail, _ := cmd.Flags().GetInt("tail")
		timestamps, _ := cmd.Flags().GetBool("timestamps")
		since, _ := cmd.Flags().GetString("since")
		until, _ := cmd.Flags().GetString("until")
		stderrOnly, _ := cmd.Flags().GetBool("stderr-only")
		stdoutOnly, _ := cmd.Flags().GetBool("stdout-only")

		opts := logstream.Options{
			Follow:     follow,
			Tail:       tail,
			Timestamps: timestamps,
			Since:      since,
			Until:      until,
		}
		if stdoutOnly {
			opts.Only = types.LogStdout
		}
		if stderrOnly {
			opts.Only = types.LogStderr
		}

		streamer := logstream.NewStreamer(a.detector, a.cfg.PreferredRuntime())
		stream, err := streamer.Stream(cmd.Context(), args[0], opts)
		if err != nil {
			return err
		}
		defer stream.Stop()

		for entry := range stream.Entries() {
			if timestamps {
				fmt.Printf("%s [%s] %s\n", entry.Timestamp.Format(time.RFC3339), entry.Stream, entry.Message)
			} else {
				fmt.Printf("[%s] %s\n", entry.Stream, entry.Message)
			}
		}
		return stream.Err()
	},
}

var buildCmd = &cobra.Command{
	Use:   "build DOCKERFILE",
	Short: "Build (or reuse) a workspace image from a Dockerfile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		tag, _ := cmd.Flags().GetString("tag")
		buildContext, _ := cmd.Flags().GetString("build-context")
		target, _ := cmd.Flags().GetString("target")
		platform, _ := cmd.Flags().GetString("platform")
		noCache, _ := cmd.Flags().GetBool("no-cache")
		force, _ := cmd.Flags().GetBool("force")
		buildArgs, _ := cmd.Flags().GetStringArray("build-arg")

		result := a.builder.Build(cmd.Context(), image.BuildConfig{
			Dockerfile:   args[0],
			ContextDir:   buildContext,
			Tag:          tag,
			BuildArgs:    parseKeyValues(buildArgs),
			Target:       target,
			Platform:     platform,
			NoCache:      noCache,
			ForceRebuild: force,
		})
		if !result.Success {
			if result.Output != "" {
				fmt.Fprintln(os.Stderr, result.Output)
			}
			return fmt.Errorf("%s", result.Error)
		}

		if result.Rebuilt {
			fmt.Printf("built %s (%s) in %dms\n", result.Image.Tag, shortID(result.Image.ID), result.BuildDurationMs)
		} else {
			fmt.Printf("reused cached image %s (%s)\n", result.Image.Tag, shortID(result.Image.ID))
		}
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the image build cache",
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict least recently used image cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		max, _ := cmd.Flags().GetInt("max-entries")
		if max <= 0 {
			max = a.cfg.Cache.MaxEntries
		}

		removed, err := a.builder.Cache().Cleanup(max)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d cache entries\n", removed)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow lifecycle and health notifications for workspace containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}

		w := watcher.New(a.manager, a.broker)
		if err := w.Start(cmd.Context()); err != nil {
			return err
		}
		defer w.Stop()

		monitor := health.NewMonitor(a.manager, a.broker, health.Options{
			Interval:    time.Duration(a.cfg.Health.IntervalSeconds) * time.Second,
			MaxFailures: a.cfg.Health.MaxFailures,
			PIDCeiling:  a.cfg.Health.PIDCeiling,
		})
		monitor.Start()
		defer monitor.Stop()

		// Pick up containers that already exist
		if records, err := a.manager.List(cmd.Context(), false); err == nil {
			for _, rec := range records {
				monitor.Track(rec.ID, rec.Name)
			}
		}

		sub := a.broker.Subscribe()
		defer a.broker.Unsubscribe(sub)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		fmt.Println("Watching workspace containers. Press Ctrl+C to stop.")
		for {
			select {
			case n := <-sub:
				printNotification(n)
			case <-sigCh:
				return nil
			}
		}
	},
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Serve Prometheus metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := newApp(cmd); err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("addr")

		metrics.Register()
		http.Handle("/metrics", metrics.Handler())
		fmt.Printf("Serving metrics on %s/metrics\n", addr)
		return http.ListenAndServe(addr, nil)
	},
}

func init() {
	doctorCmd.Flags().String("min-version", "", "minimum required engine version")

	runCmd.Flags().String("task", "", "task ID (generated when empty)")
	runCmd.Flags().String("dockerfile", "", "build the workspace image from this Dockerfile")
	runCmd.Flags().String("build-context", "", "build context directory")
	runCmd.Flags().StringArray("env", nil, "environment variable KEY=VALUE")
	runCmd.Flags().StringArray("volume", nil, "volume mount host:container[:mode]")
	runCmd.Flags().String("workdir", "", "working directory inside the container")
	runCmd.Flags().String("user", "", "user inside the container")
	runCmd.Flags().String("memory", "", "memory limit, e.g. 512m")
	runCmd.Flags().String("network", "", "network mode")
	runCmd.Flags().Bool("privileged", false, "run privileged")
	runCmd.Flags().Bool("no-start", false, "create without starting")

	stopCmd.Flags().Int("grace", container.DefaultStopGraceSeconds, "seconds before force kill")
	rmCmd.Flags().Bool("force", false, "force removal of a running container")
	psCmd.Flags().Bool("all", false, "include exited containers")

	execCmd.Flags().String("workdir", "", "working directory inside the container")
	execCmd.Flags().String("user", "", "user inside the container")
	execCmd.Flags().Int("timeout-ms", 30000, "command timeout in milliseconds")
	execCmd.Flags().StringArray("env", nil, "environment variable KEY=VALUE")

	logsCmd.Flags().Bool("follow", false, "follow the log stream")
	logsCmd.Flags().Int("tail", 0, "number of trailing lines")
	logsCmd.Flags().Bool("timestamps", false, "include timestamps")
	logsCmd.Flags().String("since", "", "start bound, absolute or relative (e.g. 1h)")
	logsCmd.Flags().String("until", "", "end bound, absolute or relative")
	logsCmd.Flags().Bool("stdout-only", false, "only stdout lines")
	logsCmd.Flags().Bool("stderr-only", false, "only stderr lines")

	buildCmd.Flags().String("tag", "", "image tag (derived when empty)")
	buildCmd.Flags().String("build-context", "", "build context directory")
	buildCmd.Flags().String("target", "", "target build stage")
	buildCmd.Flags().String("platform", "", "target platform")
	buildCmd.Flags().Bool("no-cache", false, "disable the engine's layer cache")
	buildCmd.Flags().Bool("force", false, "rebuild even on a cache hit")
	buildCmd.Flags().StringArray("build-arg", nil, "build argument KEY=VALUE")

	cacheCmd.AddCommand(cacheCleanupCmd)
	cacheCleanupCmd.Flags().Int("max-entries", 0, "maximum entries to retain")

	metricsCmd.Flags().String("addr", ":9464", "listen address")
}

func printNotification(n events.Notification) {
	switch v := n.(type) {
	case events.ContainerCreated:
		printLifecycle("created", v.Lifecycle)
	case events.ContainerStarted:
		printLifecycle("started", v.Lifecycle)
	case events.ContainerStopped:
		printLifecycle("stopped", v.Lifecycle)
	case events.ContainerRemoved:
		printLifecycle("removed", v.Lifecycle)
	case events.ContainerDied:
		fmt.Printf("%s died     %s task=%s exit=%d oom=%v signal=%s\n",
			v.Timestamp.Format(time.RFC3339), shortID(v.ContainerID), v.TaskID, v.ExitCode, v.OOMKilled, v.Signal)
	case events.HealthChanged:
		fmt.Printf("%s health   %s %s -> %s streak=%d\n",
			v.Timestamp.Format(time.RFC3339), shortID(v.ContainerID), v.Previous, v.Status, v.FailingStreak)
	}
}

func printLifecycle(verb string, l events.Lifecycle) {
	status := "ok"
	if !l.Success {
		status = "failed: " + l.Error
	}
	fmt.Printf("%s %-8s %s task=%s %s\n",
		l.Timestamp.Format(time.RFC3339), verb, shortID(l.ContainerID), l.TaskID, status)
}

func parseKeyValues(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		if k, v, ok := strings.Cut(pair, "="); ok {
			out[k] = v
		}
	}
	return out
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

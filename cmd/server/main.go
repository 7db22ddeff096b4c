package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dontdude/rp2g/internal/config"
	"github.com/dontdude/rp2g/internal/domain"
	"github.com/dontdude/rp2g/internal/envelope"
	"github.com/dontdude/rp2g/internal/job"
	rlog "github.com/dontdude/rp2g/internal/log"
	"github.com/dontdude/rp2g/internal/platform/docker"
	"github.com/dontdude/rp2g/internal/platform/process"
	"github.com/dontdude/rp2g/internal/platform/pubsub"
	"github.com/dontdude/rp2g/internal/platform/web"
	"github.com/dontdude/rp2g/internal/runner"
	"github.com/dontdude/rp2g/internal/server"
	"github.com/dontdude/rp2g/internal/worker"
	"github.com/dontdude/rp2g/internal/workspace"
)

var (
	cfg = config.Default()

	flagEnvFile string // value of --env-file
	flagTailN   int64  // value of tail --last
	flagTailJob string // value of tail --job
)

func main() {
	cfg.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "file with RP2G_* variables to load, if present")

	tailCmd.Flags().Int64Var(&flagTailN, "last", 20, "number of recent lines to print before following")
	tailCmd.Flags().StringVar(&flagTailJob, "job", "", "only show lines of this job id")

	// never print messages
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initServer

	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("rp2g failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "rp2g",
	Short:        "WebSocket relay running PCB to G-code conversion jobs one at a time",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         doServe,
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "follow job logs broadcast through Redis",
	Args:  cobra.NoArgs,
	RunE:  doTail,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("rp2g: version info not available")
			return
		}
		fmt.Printf("rp2g:   %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			}
		}
	},
}

// initServer applies the environment to flags not given explicitly and sets up logging.
func initServer(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(flagEnvFile); err != nil {
		return err
	}
	if err := config.ApplyEnv(cmd.Flags(), os.LookupEnv); err != nil {
		return err
	}
	level, err := rlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger, err := rlog.New(os.Stdout, level, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

func doServe(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = rlog.ContextAttrs(ctx, slog.Group("rp2g", slog.Int("pid", os.Getpid())))

	launcher, closeLauncher, err := newLauncher(ctx)
	if err != nil {
		return err
	}
	defer closeLauncher()

	workspaces, err := newWorkspaces()
	if err != nil {
		return err
	}

	codec, err := envelope.ByName(cfg.Codec)
	if err != nil {
		return err
	}

	var broadcast func(jobID string) domain.Sink
	if cfg.RedisAddr != "" {
		b, err := pubsub.NewRedisBroadcaster(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer b.Close()
		broadcast = b.Sink
		slog.InfoContext(ctx, "Broadcasting job logs", "redisAddr", cfg.RedisAddr, "channel", pubsub.DefaultChannel)
	}

	factory := job.NewFactory(job.Options{
		Workspace: workspaces,
		Runner:    runner.New(launcher, runner.Options{Tool: cfg.Tool, ChunkSize: cfg.ChunkSize}),
		Archiver:  cfg.Archiver,
		Codec:     codec,
		Broadcast: broadcast,
		Logger:    slog.Default(),
	})
	sched := worker.NewScheduler(cfg.NotifyInterval)

	static, err := server.NewStatic(cfg.Webroot)
	if err != nil {
		return err
	}
	var limiter *web.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = web.NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	router := server.NewRouter(server.NewHandler(factory, sched, cfg.MaxMessageBytes), static, limiter)
	srv := server.New(fmt.Sprintf(":%d", cfg.Port), router, cfg.ShutdownTimeout)

	slog.InfoContext(ctx, "Starting rp2g",
		"port", cfg.Port,
		"webroot", cfg.Webroot,
		"tool", cfg.Tool,
		"launcher", cfg.Launcher,
		"codec", cfg.Codec,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	if limiter != nil {
		g.Go(func() error { return limiter.Run(gctx) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("rp2g stopped")
	return nil
}

// newLauncher returns the configured launcher and a function releasing it.
func newLauncher(ctx context.Context) (domain.Launcher, func(), error) {
	switch cfg.Launcher {
	case config.LauncherDocker:
		c, err := docker.NewClient(ctx, docker.Options{
			Image:       cfg.DockerImage,
			MemoryBytes: cfg.DockerMemory,
			Pull:        cfg.DockerPull,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	default:
		return process.NewLauncher(), func() {}, nil
	}
}

// newWorkspaces prepares the work root. A dedicated root is created if needed and
// cleared of directories left by an earlier run.
func newWorkspaces() (*workspace.Manager, error) {
	m := workspace.NewManager(cfg.WorkRoot, workspace.DefaultPrefix)
	if cfg.WorkRoot == "" {
		return m, nil
	}
	if err := os.MkdirAll(cfg.WorkRoot, 0o700); err != nil {
		return nil, fmt.Errorf("creating work root: %w", err)
	}
	n, err := m.Sweep()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		slog.Info("Removed stale working directories", "count", n, "workRoot", cfg.WorkRoot)
	}
	return m, nil
}

func doTail(cmd *cobra.Command, _ []string) error {
	if cfg.RedisAddr == "" {
		return errors.New("--redis-addr is required")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := pubsub.NewRedisBroadcaster(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer b.Close()

	show := func(ev domain.LogEvent) {
		if flagTailJob != "" && ev.JobID != flagTailJob {
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", ev.JobID, trimNewline(ev.Line))
	}

	// Subscribe first so nothing published between the two calls is lost.
	logs, err := b.SubscribeLogs(ctx)
	if err != nil {
		return err
	}
	if flagTailN > 0 {
		recent, err := b.Recent(ctx, flagTailN)
		if err != nil {
			return err
		}
		for _, ev := range recent {
			show(ev)
		}
	}
	for ev := range logs {
		show(ev)
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	return s
}

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dontdude/rp2g/internal/client"
	"github.com/dontdude/rp2g/internal/job"
	rlog "github.com/dontdude/rp2g/internal/log"
	"github.com/dontdude/rp2g/internal/platform/process"
	"github.com/dontdude/rp2g/internal/runner"
	"github.com/dontdude/rp2g/internal/workspace"
)

var (
	spec client.JobSpec

	flagTool     string
	flagArchiver string
	flagWorkRoot string
	flagOutDir   string
	flagVerbose  bool
)

func main() {
	f := rootCmd.Flags()
	f.StringVar(&spec.Preset, "preset", "", "YAML or JSON file with tool settings and outputs")
	f.StringToStringVar(&spec.Inputs, "input", nil, "input layer as name=path, repeatable")
	f.StringArrayVar(&spec.Outputs, "output", nil, "output file to produce, repeatable")
	f.BoolVar(&spec.Archive, "zip", false, "package results as a single zip archive")
	f.BoolVar(&spec.Debug, "debug", false, "keep debug artifacts")
	f.StringVar(&flagTool, "tool", "p2g", "conversion tool executable")
	f.StringVar(&flagArchiver, "archiver", "zip", "archiver executable")
	f.StringVar(&flagWorkRoot, "work-root", "", "parent of the job directory, system temp directory if empty")
	f.StringVar(&flagOutDir, "out", ".", "directory results are written to")
	f.BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		slog.Error("rp2g-worker failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "rp2g-worker",
	Short:        "Run a single conversion job locally, without a server",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         doRun,
}

// localConn stands in for a client connection: log text goes to a writer and the
// result envelope is kept for writing to disk.
type localConn struct {
	w io.Writer

	mu     sync.Mutex
	result []byte
	code   int
	reason string
}

func (c *localConn) Send(text string) error {
	_, err := io.WriteString(c.w, text)
	return err
}

func (c *localConn) SendResult(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = payload
	return nil
}

func (c *localConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code, c.reason = code, reason
	return nil
}

func doRun(cmd *cobra.Command, _ []string) error {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger, err := rlog.New(os.Stderr, level, "text")
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, _, err := spec.Build()
	if err != nil {
		return err
	}

	factory := job.NewFactory(job.Options{
		Workspace: workspace.NewManager(flagWorkRoot, workspace.DefaultPrefix),
		Runner:    runner.New(process.NewLauncher(), runner.Options{Tool: flagTool}),
		Archiver:  flagArchiver,
		Logger:    logger,
	})
	conn := &localConn{w: cmd.ErrOrStderr()}
	exec, err := factory.New(conn, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	exec.Run(ctx)

	if conn.code != job.CloseSucceeded || conn.result == nil {
		return fmt.Errorf("job did not succeed: %d %s", conn.code, conn.reason)
	}
	files, err := client.DecodeEnvelope(conn.result)
	if err != nil {
		return err
	}
	paths, err := client.WriteFiles(flagOutDir, files)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dontdude/rp2g/internal/client"
	"github.com/dontdude/rp2g/internal/envelope"
	rlog "github.com/dontdude/rp2g/internal/log"
)

var (
	spec client.JobSpec

	flagServer  string
	flagPacked  string
	flagOutDir  string
	flagTimeout time.Duration
	flagVerbose bool
)

func main() {
	f := rootCmd.Flags()
	f.StringVar(&flagServer, "server", "ws://localhost:8644/", "relay server WebSocket URL")
	f.StringVar(&spec.Preset, "preset", "", "YAML or JSON file with tool settings and outputs")
	f.StringToStringVar(&spec.Inputs, "input", nil, "input layer as name=path, repeatable")
	f.StringArrayVar(&spec.Outputs, "output", nil, "output file to produce, repeatable")
	f.BoolVar(&spec.Archive, "zip", false, "receive a single zip archive")
	f.BoolVar(&spec.Debug, "debug", false, "request debug artifacts")
	f.StringVar(&flagPacked, "packed", "", "send the job as a binary envelope with this codec (identity, deflate)")
	f.StringVar(&flagOutDir, "out", ".", "directory results are written to")
	f.DurationVar(&flagTimeout, "timeout", 30*time.Minute, "give up after this long")
	f.BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true
	if err := rootCmd.Execute(); err != nil {
		slog.Error("rp2g-client failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "rp2g-client",
	Short:        "Submit a conversion job to an rp2g server and save its results",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE:         doSubmit,
}

func doSubmit(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	logger, err := rlog.New(os.Stderr, level, "text")
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	_, payload, err := spec.Build()
	if err != nil {
		return err
	}
	var codec envelope.Codec
	if flagPacked != "" {
		if codec, err = envelope.ByName(flagPacked); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, flagTimeout)
	defer cancel()

	slog.Debug("Submitting job", "server", flagServer, "bytes", len(payload))
	res, err := client.Submit(ctx, flagServer, payload, codec, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return fmt.Errorf("job did not succeed: %d %s", res.CloseCode, res.CloseText)
	}

	paths, err := client.WriteFiles(flagOutDir, res.Files)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

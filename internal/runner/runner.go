// Package runner prepares a job's working directory and supervises the conversion tool.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dontdude/rp2g/internal/domain"
)

// DefaultChunkSize is the read size used for the tool's diagnostic stream.
const DefaultChunkSize = 512

// Status is the terminal outcome of a tool run.
type Status int

const (
	StatusSucceeded Status = iota
	StatusFailed
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusErrored:
		return "errored"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result describes how a tool run ended.
type Result struct {
	Status Status
	// ExitCode is set when Status is StatusSucceeded or StatusFailed.
	ExitCode int
	// Err is set when Status is StatusErrored.
	Err error
}

// Options configures a Runner.
type Options struct {
	// Tool is the conversion tool executable.
	Tool string
	// ChunkSize bounds a single read of the diagnostic stream. Defaults to DefaultChunkSize.
	ChunkSize int
}

// Runner turns a job configuration into tool input files and runs the tool over them.
type Runner struct {
	launcher  domain.Launcher
	tool      string
	chunkSize int
}

// New creates a Runner starting the tool through launcher.
func New(launcher domain.Launcher, opts Options) *Runner {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Runner{launcher: launcher, tool: opts.Tool, chunkSize: opts.ChunkSize}
}

// Prepare writes the inputs and the descriptor file into dir. cfg is updated in place to
// reference the materialized inputs and sanitized output names.
func (r *Runner) Prepare(dir string, cfg *domain.JobConfig, log domain.Sink) error {
	if cfg.Debug {
		log.Log("Debug output enabled.")
		if err := os.Mkdir(filepath.Join(dir, DebugDirName), 0o700); err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("creating debug directory: %w", err)
		}
	}

	log.Log("Extracting input files...")
	MaterializeInputs(dir, cfg, log)
	SanitizeOutputs(cfg, log)

	log.Log("Writing job configuration...")
	return WriteDescriptor(filepath.Join(dir, DescriptorName), cfg)
}

// Execute runs the tool in dir. Progress messages go to log; the tool's diagnostic stream
// is forwarded to stderr chunk by chunk as it arrives.
// The process is killed if ctx ends or its output cannot be read; it never outlives Execute.
func (r *Runner) Execute(ctx context.Context, dir string, log, stderr domain.Sink) Result {
	log.Log("Started processing...")
	proc, err := r.launcher.Launch(ctx, domain.Command{
		Path: r.tool,
		Args: []string{DescriptorName},
		Dir:  dir,
	})
	if err != nil {
		return errored(fmt.Errorf("launching %s: %w", r.tool, err))
	}

	exited := false
	defer func() {
		if !exited {
			_ = proc.Kill()
			_, _ = proc.Wait()
		}
	}()
	stop := context.AfterFunc(ctx, func() { _ = proc.Kill() })
	defer stop()

	if err := forward(proc.Stderr(), r.chunkSize, stderr); err != nil {
		_ = proc.Kill()
		_, _ = proc.Wait()
		exited = true
		return errored(fmt.Errorf("reading tool output: %w", err))
	}

	code, err := proc.Wait()
	exited = true
	if ctx.Err() != nil {
		return errored(fmt.Errorf("job cancelled: %w", context.Cause(ctx)))
	}
	if err != nil {
		return errored(err)
	}

	log.Log("Processing completed.")
	if code != 0 {
		domain.Logf(log, "Killed! Exit status %d.", code)
		return Result{Status: StatusFailed, ExitCode: code}
	}
	log.Log("gcode created successfully.")
	return Result{Status: StatusSucceeded}
}

func errored(err error) Result {
	return Result{Status: StatusErrored, ExitCode: -1, Err: err}
}

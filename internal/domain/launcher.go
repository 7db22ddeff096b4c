package domain

import (
	"context"
	"io"
)

// Command describes a conversion tool invocation.
type Command struct {
	Path string
	Args []string
	// Dir is the working directory of the process.
	Dir string
}

// Launcher starts conversion tool processes.
// Implementations decide where the process runs (host, container).
type Launcher interface {
	// Launch starts the command and returns a handle to the running process.
	Launch(ctx context.Context, cmd Command) (Process, error)
}

// Process is a handle to a started conversion tool process.
type Process interface {
	// Stderr returns the diagnostic stream. It reaches EOF when the process exits.
	Stderr() io.Reader

	// Wait blocks until the process exits and returns its exit code.
	// A nonzero exit code is not an error; err reports failures to observe the exit.
	// Wait must be called after Stderr has been read to EOF.
	Wait() (exitCode int, err error)

	// Kill forcibly terminates the process and everything it spawned.
	Kill() error
}

package domain

import (
	"context"
	"fmt"
)

// Sink accepts human-readable log lines produced while a job is handled.
// Implementations must be safe for concurrent use.
type Sink interface {
	Log(line string)
}

// Logf formats a line and hands it to the sink.
func Logf(s Sink, format string, args ...any) {
	s.Log(fmt.Sprintf(format, args...))
}

// LogEvent is a single job log line tagged with the job it belongs to.
type LogEvent struct {
	JobID string `json:"job_id"`
	Line  string `json:"line"`
}

// LogBroadcaster defines the contract for publishing job log lines outside the process.
// It decouples the server from the underlying message broker.
type LogBroadcaster interface {
	// Broadcast publishes one log line.
	Broadcast(ctx context.Context, event LogEvent) error

	// SubscribeLogs returns a channel that streams log lines of every job.
	SubscribeLogs(ctx context.Context) (<-chan LogEvent, error)
}

// Package sink implements the log sinks a job writes its progress to.
package sink

import (
	"log/slog"
	"strings"

	"github.com/dontdude/rp2g/internal/domain"
)

// Server writes job log lines to the server-local structured log.
type Server struct {
	logger *slog.Logger
}

var _ domain.Sink = (*Server)(nil)

// NewServer returns a sink logging through logger, typically one carrying the job's
// id and working directory as attributes.
func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logger}
}

// Log implements domain.Sink. Multi-line chunks become one record per line.
func (s *Server) Log(line string) {
	for _, l := range strings.Split(strings.TrimRight(line, "\n"), "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		s.logger.Info(l)
	}
}

// Fanout delivers every line to all of its sinks, in order.
type Fanout []domain.Sink

// Log implements domain.Sink.
func (f Fanout) Log(line string) {
	for _, s := range f {
		if s != nil {
			s.Log(line)
		}
	}
}

// Func adapts a function to domain.Sink.
type Func func(line string)

// Log implements domain.Sink.
func (f Func) Log(line string) {
	f(line)
}

// Discard drops every line.
var Discard domain.Sink = Func(func(string) {})

type cleaned struct {
	next domain.Sink
}

// Cleaned wraps next so it only ever sees text passed through Clean.
// Lines that are empty after cleaning are dropped.
func Cleaned(next domain.Sink) domain.Sink {
	return cleaned{next: next}
}

func (c cleaned) Log(line string) {
	line = Clean(line)
	if line == "" {
		return
	}
	c.next.Log(line)
}

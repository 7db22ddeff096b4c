// Package testutil holds helpers shared by tests that drive stub conversion tools.
package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Script writes an executable shell script with the given body into a temp directory
// and returns its path.
func Script(t testing.TB, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// Recorder is a sink keeping every line it receives.
type Recorder struct {
	mu    sync.Mutex
	lines []string
}

// Log implements domain.Sink.
func (r *Recorder) Log(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

// Lines returns a copy of the recorded lines.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Text returns all recorded lines joined together.
func (r *Recorder) Text() string {
	return strings.Join(r.Lines(), "")
}

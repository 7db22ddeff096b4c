package sink

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) Log(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Processing completed.\n", "Processing completed.\n"},
		{"crlf", "a\r\nb\r\n", "a\nb\n"},
		{"bare cr", "10%\r20%\r", "10%\n20%\n"},
		{"erase line", "\x1b[Kloading tools", "loading tools"},
		{"colour", "\x1b[1;31mERROR\x1b[0m: bad", "ERROR: bad"},
		{"bell and backspace", "a\x07b\x08c", "abc"},
		{"tab kept", "x\ty", "x\ty"},
		{"ill formed", "a\xffb", "a�b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestFanout(t *testing.T) {
	var a, b recorder
	f := Fanout{&a, nil, &b}
	f.Log("one")
	f.Log("two")

	assert.Equal(t, []string{"one", "two"}, a.lines)
	assert.Equal(t, []string{"one", "two"}, b.lines)
}

func TestCleaned(t *testing.T) {
	var r recorder
	s := Cleaned(&r)
	s.Log("\x1b[K")
	s.Log("step\r\n")

	assert.Equal(t, []string{"step\n"}, r.lines)
}

func TestServer(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil)).With("workdir", "/tmp/rp2g-1")
	s := NewServer(logger)

	s.Log("first\nsecond\n\n")

	out := buf.String()
	require.Equal(t, 2, strings.Count(out, "workdir=/tmp/rp2g-1"))
	assert.Contains(t, out, "msg=first")
	assert.Contains(t, out, "msg=second")
}

//go:build unix

package job

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/rp2g/internal/domain"
	"github.com/dontdude/rp2g/internal/envelope"
	"github.com/dontdude/rp2g/internal/platform/process"
	"github.com/dontdude/rp2g/internal/runner"
	"github.com/dontdude/rp2g/internal/testutil"
	"github.com/dontdude/rp2g/internal/workspace"
)

type fakeConn struct {
	mu          sync.Mutex
	texts       []string
	results     [][]byte
	closeCode   int
	closeReason string
	closes      int

	panicOnResult bool
	// block, when set, stalls Send until it is closed.
	block chan struct{}
}

func (c *fakeConn) Send(text string) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *fakeConn) SendResult(payload []byte) error {
	if c.panicOnResult {
		panic("connection exploded")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, payload)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes == 1 {
		c.closeCode, c.closeReason = code, reason
	}
	return nil
}

func (c *fakeConn) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.texts, "")
}

func newFactory(t *testing.T, tool string) *Factory {
	t.Helper()
	return NewFactory(Options{
		Workspace: workspace.NewManager(t.TempDir(), ""),
		Runner:    runner.New(process.NewLauncher(), runner.Options{Tool: tool}),
		Archiver:  "zip",
		Codec:     envelope.Identity{},
	})
}

func newConfig() *domain.JobConfig {
	return &domain.JobConfig{
		Inputs:  map[string]string{"top": "G04*%"},
		Outputs: []domain.Output{{File: "out.gcode"}, {File: "missing.gcode"}},
	}
}

func TestExecution_Succeeded(t *testing.T) {
	tool := testutil.Script(t, "p2g", `echo "milling" >&2; echo "G0 X1" > out.gcode`)
	conn := &fakeConn{}
	e, err := newFactory(t, tool).New(conn, newConfig())
	require.NoError(t, err)
	dir := e.Dir()
	assert.DirExists(t, dir)
	assert.Equal(t, Created, e.State())

	e.Run(context.Background())

	assert.Equal(t, Closed, e.State())
	assert.NoDirExists(t, dir)
	assert.Equal(t, CloseSucceeded, conn.closeCode)
	assert.Equal(t, "succeeded", conn.closeReason)
	assert.Equal(t, 1, conn.closes)

	require.Len(t, conn.results, 1)
	entries, err := envelope.Unmarshal(conn.results[0])
	require.NoError(t, err)
	assert.Contains(t, entries, "config.p2g")
	assert.NotContains(t, entries, "missing.gcode")
	data, err := base64.StdEncoding.DecodeString(entries["out.gcode"])
	require.NoError(t, err)
	assert.Equal(t, "G0 X1\n", string(data))

	text := conn.text()
	assert.Contains(t, text, "Server received job.\n")
	assert.Contains(t, text, "milling")
	assert.Contains(t, text, "Completed.\n")
	assert.Less(t, strings.Index(text, "Cleaning..."), strings.Index(text, "Completed."))
}

func TestExecution_Failed(t *testing.T) {
	tool := testutil.Script(t, "p2g", `echo "bad layer" >&2; exit 3`)
	conn := &fakeConn{}
	e, err := newFactory(t, tool).New(conn, newConfig())
	require.NoError(t, err)

	e.Run(context.Background())

	assert.NoDirExists(t, e.Dir())
	assert.Empty(t, conn.results)
	assert.Equal(t, CloseFailed, conn.closeCode)
	assert.Equal(t, "failed: exit status 3", conn.closeReason)
}

func TestExecution_LaunchError(t *testing.T) {
	conn := &fakeConn{}
	e, err := newFactory(t, filepath.Join(t.TempDir(), "no-such-tool")).New(conn, newConfig())
	require.NoError(t, err)

	e.Run(context.Background())

	assert.NoDirExists(t, e.Dir())
	assert.Empty(t, conn.results)
	assert.Equal(t, CloseErrored, conn.closeCode)
	assert.True(t, strings.HasPrefix(conn.closeReason, "errored: "), conn.closeReason)
	assert.Equal(t, Closed, e.State())
}

func TestExecution_PanicIsContained(t *testing.T) {
	tool := testutil.Script(t, "p2g", `echo G0 > out.gcode`)
	conn := &fakeConn{panicOnResult: true}
	e, err := newFactory(t, tool).New(conn, newConfig())
	require.NoError(t, err)

	assert.NotPanics(t, func() { e.Run(context.Background()) })

	assert.NoDirExists(t, e.Dir())
	assert.Equal(t, CloseErrored, conn.closeCode)
	assert.Contains(t, conn.closeReason, "connection exploded")
}

func TestExecution_Discard(t *testing.T) {
	tool := testutil.Script(t, "p2g", `echo ran > ran.txt`)
	conn := &fakeConn{}
	e, err := newFactory(t, tool).New(conn, newConfig())
	require.NoError(t, err)

	e.Discard()
	e.Run(context.Background())

	assert.NoDirExists(t, e.Dir())
	assert.Equal(t, CloseDiscarded, conn.closeCode)
	assert.Equal(t, 1, conn.closes)
	assert.NotContains(t, conn.text(), "Server received job.")
	select {
	case <-e.Done():
	default:
		t.Fatal("Done not closed after Discard")
	}
}

func TestExecution_Notify(t *testing.T) {
	conn := &fakeConn{}
	e, err := newFactory(t, "unused").New(conn, newConfig())
	require.NoError(t, err)
	defer e.Discard()

	e.Notify(1, 3)

	assert.Eventually(t, func() bool {
		return conn.text() == "You are queued in position 1 of 3...\n"
	}, time.Second, 10*time.Millisecond)
}

func TestExecution_NotifyDoesNotBlockOnStalledConn(t *testing.T) {
	release := make(chan struct{})
	conn := &fakeConn{block: release}
	e, err := newFactory(t, "unused").New(conn, newConfig())
	require.NoError(t, err)

	returned := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			e.Notify(i, 5)
		}
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a stalled connection")
	}

	close(release)
	assert.Eventually(t, func() bool {
		return strings.Contains(conn.text(), "You are queued in position 0 of 5...")
	}, time.Second, 10*time.Millisecond)
	e.Discard()
	<-e.Done()
}

func TestExecution_NotifyAfterStartIsDropped(t *testing.T) {
	tool := testutil.Script(t, "p2g", `exit 0`)
	conn := &fakeConn{}
	e, err := newFactory(t, tool).New(conn, newConfig())
	require.NoError(t, err)

	e.Run(context.Background())
	e.Notify(0, 1)
	time.Sleep(50 * time.Millisecond)

	assert.NotContains(t, conn.text(), "You are queued")
}

func TestExecution_Broadcast(t *testing.T) {
	tool := testutil.Script(t, "p2g", `exit 1`)
	rec := &testutil.Recorder{}
	var gotID string
	f := NewFactory(Options{
		Workspace: workspace.NewManager(t.TempDir(), ""),
		Runner:    runner.New(process.NewLauncher(), runner.Options{Tool: tool}),
		Broadcast: func(id string) domain.Sink {
			gotID = id
			return rec
		},
	})
	e, err := f.New(&fakeConn{}, newConfig())
	require.NoError(t, err)

	e.Run(context.Background())

	assert.Equal(t, e.ID(), gotID)
	assert.Contains(t, rec.Lines(), "Server received job.")
}

// Package job implements the execution of one submitted job, from its working directory
// to the close of the client connection.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dontdude/rp2g/internal/domain"
	"github.com/dontdude/rp2g/internal/envelope"
	rlog "github.com/dontdude/rp2g/internal/log"
	"github.com/dontdude/rp2g/internal/metrics"
	"github.com/dontdude/rp2g/internal/pack"
	"github.com/dontdude/rp2g/internal/runner"
	"github.com/dontdude/rp2g/internal/sink"
	"github.com/dontdude/rp2g/internal/workspace"
)

// Close codes sent to the client when an execution ends.
const (
	CloseSucceeded = websocket.CloseNormalClosure
	CloseDiscarded = websocket.CloseGoingAway
	CloseFailed    = 4001
	CloseErrored   = 4002
)

// Conn is the client connection an execution reports to.
type Conn interface {
	// Send delivers a text message.
	Send(text string) error
	// SendResult delivers the result envelope as a binary message.
	SendResult(payload []byte) error
	// Close sends a close frame and releases the connection. Later calls do nothing.
	Close(code int, reason string) error
}

// Options holds the dependencies shared by every execution.
type Options struct {
	Workspace *workspace.Manager
	Runner    *runner.Runner
	// Archiver is the executable used when a job asks for archive packaging.
	Archiver string
	Codec    envelope.Codec
	// Broadcast, when set, returns an additional sink for the log of the given job.
	Broadcast func(jobID string) domain.Sink
	Logger    *slog.Logger
}

// Factory creates executions.
type Factory struct {
	opts Options
}

// NewFactory returns a Factory. A nil logger means slog.Default and a nil codec means Identity.
func NewFactory(opts Options) *Factory {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Codec == nil {
		opts.Codec = envelope.Identity{}
	}
	return &Factory{opts: opts}
}

// New allocates a working directory for cfg and returns the execution reporting to conn.
func (f *Factory) New(conn Conn, cfg *domain.JobConfig) (*Execution, error) {
	dir, err := f.opts.Workspace.Create()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := f.opts.Logger.With("job_id", id, "workdir", dir.Path())

	var broadcast domain.Sink
	if f.opts.Broadcast != nil {
		broadcast = f.opts.Broadcast(id)
	}
	server := sink.NewServer(logger)
	lines := sink.Func(func(line string) { _ = conn.Send(line + "\n") })
	raw := sink.Func(func(chunk string) { _ = conn.Send(chunk) })

	e := &Execution{
		id:       id,
		cfg:      cfg,
		dir:      dir,
		conn:     conn,
		opts:     f.opts,
		logger:   logger,
		log:      sink.Cleaned(sink.Fanout{server, lines, broadcast}),
		stderr:   sink.Cleaned(sink.Fanout{server, raw, broadcast}),
		client:   sink.Cleaned(lines),
		state:    Created,
		finished: make(chan struct{}),
		notices:  make(chan string, 1),
	}
	logger.Info("Job created", "packaging", cfg.Packaging())
	return e, nil
}

type outcome struct {
	state  State
	code   int
	reason string
}

// Execution is one job bound to its connection and working directory.
// Run and Discard are mutually exclusive; whichever comes first owns the execution.
type Execution struct {
	id     string
	cfg    *domain.JobConfig
	dir    *workspace.Dir
	conn   Conn
	opts   Options
	logger *slog.Logger

	// log receives progress messages, stderr the tool's diagnostic stream and client
	// the messages meant for the client only.
	log    domain.Sink
	stderr domain.Sink
	client domain.Sink

	mu       sync.Mutex
	state    State
	started  bool
	finished chan struct{}

	notices  chan string
	notifier sync.Once
}

// ID returns the job id.
func (e *Execution) ID() string {
	return e.id
}

// Dir returns the working directory.
func (e *Execution) Dir() string {
	return e.dir.Path()
}

// State returns the current lifecycle state.
func (e *Execution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the execution reached Closed.
func (e *Execution) Done() <-chan struct{} {
	return e.finished
}

// Notify tells the client its position in the queue. It never blocks: notices are
// written by a separate goroutine, and a notice is dropped while another is pending.
func (e *Execution) Notify(position, length int) {
	e.notifier.Do(func() { go e.deliverNotices() })
	select {
	case e.notices <- fmt.Sprintf("You are queued in position %d of %d...", position, length):
	default:
	}
}

// deliverNotices writes queued notices until the execution is finished. Notices that
// arrive after the job left the queue are dropped.
func (e *Execution) deliverNotices() {
	for {
		select {
		case msg := <-e.notices:
			if e.State() == Created {
				e.client.Log(msg)
			}
		case <-e.finished:
			return
		}
	}
}

// Discard ends an execution that never ran: the directory is removed and the client told
// the server is going away.
func (e *Execution) Discard() {
	if !e.claim() {
		return
	}
	ctx := rlog.ContextAttrs(context.Background(), slog.String("job_id", e.id))
	e.finish(ctx, outcome{state: Errored, code: CloseDiscarded, reason: "server shutting down"})
	metrics.RecordOutcome("discarded")
}

// Run executes the job to completion. The working directory is removed and the connection
// closed on every path, including panics, which are recovered and reported as errors.
func (e *Execution) Run(ctx context.Context) {
	if !e.claim() {
		return
	}
	ctx = rlog.ContextAttrs(ctx, slog.String("job_id", e.id), slog.String("workdir", e.dir.Path()))
	start := time.Now()

	out := outcome{state: Errored, code: CloseErrored, reason: "errored"}
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Job panicked", "panic", r, "stack", string(debug.Stack()))
			e.setState(ctx, Errored)
			out = erroredOutcome(fmt.Errorf("internal error: %v", r))
		}
		e.finish(ctx, out)
		metrics.RecordOutcome(out.state.String())
		metrics.JobDuration.Observe(time.Since(start).Seconds())
	}()

	out = e.run(ctx)
}

func (e *Execution) run(ctx context.Context) outcome {
	e.log.Log("Server received job.")

	e.setState(ctx, Preparing)
	if err := e.opts.Runner.Prepare(e.dir.Path(), e.cfg, e.log); err != nil {
		return e.fail(ctx, err)
	}

	e.setState(ctx, Running)
	res := e.opts.Runner.Execute(ctx, e.dir.Path(), e.log, e.stderr)
	switch res.Status {
	case runner.StatusSucceeded:
		e.setState(ctx, Succeeded)
	case runner.StatusFailed:
		e.setState(ctx, Failed)
		return outcome{
			state:  Failed,
			code:   CloseFailed,
			reason: fmt.Sprintf("failed: exit status %d", res.ExitCode),
		}
	default:
		return e.fail(ctx, res.Err)
	}

	e.setState(ctx, Packaging)
	if err := e.deliver(ctx); err != nil {
		return e.fail(ctx, err)
	}
	return outcome{state: Succeeded, code: CloseSucceeded, reason: "succeeded"}
}

// deliver packages the produced files and sends the envelope to the client.
func (e *Execution) deliver(ctx context.Context) error {
	dir := e.dir.Path()
	list := pack.BuildList(dir, e.cfg, e.log)
	entries, err := pack.For(e.cfg.Packaging(), e.opts.Archiver).Package(ctx, dir, list, e.log)
	if err != nil {
		return fmt.Errorf("packaging results: %w", err)
	}
	payload, err := envelope.Marshal(e.opts.Codec, entries)
	if err != nil {
		return err
	}
	domain.Logf(e.log, "Downloading results (%d bytes)...", len(payload))
	metrics.ResultBytes.Observe(float64(len(payload)))
	if err := e.conn.SendResult(payload); err != nil {
		return fmt.Errorf("sending results: %w", err)
	}
	return nil
}

func (e *Execution) fail(ctx context.Context, err error) outcome {
	if err == nil {
		err = errors.New("unknown error")
	}
	e.setState(ctx, Errored)
	domain.Logf(e.log, "Error: %v", err)
	return erroredOutcome(err)
}

func erroredOutcome(err error) outcome {
	return outcome{state: Errored, code: CloseErrored, reason: "errored: " + err.Error()}
}

// finish removes the working directory and closes the connection.
func (e *Execution) finish(ctx context.Context, out outcome) {
	defer close(e.finished)

	e.setState(ctx, Cleaning)
	e.logSafe(ctx, "Cleaning...")
	if err := e.dir.Remove(); err != nil {
		slog.ErrorContext(ctx, "Failed to remove working directory", "error", err)
	}
	e.logSafe(ctx, "Completed.")

	if err := e.conn.Close(out.code, out.reason); err != nil {
		slog.DebugContext(ctx, "Closing connection failed", "error", err)
	}
	e.setState(ctx, Closed)
	slog.InfoContext(ctx, "Job finished", "outcome", out.state, "code", out.code)
}

// logSafe logs line, surviving a panicking sink so cleanup always completes.
func (e *Execution) logSafe(ctx context.Context, line string) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "Job log sink panicked", "panic", r)
		}
	}()
	e.log.Log(line)
}

// claim marks the execution as owned by Run or Discard. It reports false when already claimed.
func (e *Execution) claim() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return false
	}
	e.started = true
	return true
}

func (e *Execution) setState(ctx context.Context, s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	slog.DebugContext(ctx, "Job state changed", "from", prev, "to", s)
}

// Package worker runs submitted jobs one at a time in arrival order.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/dontdude/rp2g/internal/metrics"
)

// DefaultNotifyInterval is how often queued tasks are told their position.
const DefaultNotifyInterval = 5 * time.Second

// ErrStopped is returned by Enqueue once the scheduler has shut down.
var ErrStopped = errors.New("scheduler stopped")

// Task is a unit of work owned by the scheduler once enqueued.
type Task interface {
	ID() string
	// Run executes the task. It must return once ctx is cancelled.
	Run(ctx context.Context)
	// Notify reports the zero-based queue position and the queue length.
	// It is called from the scheduler loop and must not block.
	Notify(position, length int)
	// Discard releases a task that will never run.
	Discard()
}

// Scheduler is a single worker fed by a FIFO queue.
// All queue state is owned by the goroutine executing Run; other goroutines reach it
// only through channels.
type Scheduler struct {
	submitCh       chan Task
	doneCh         chan struct{}
	stopped        chan struct{}
	notifyInterval time.Duration
}

// NewScheduler returns a scheduler. A non-positive interval selects DefaultNotifyInterval.
func NewScheduler(notifyInterval time.Duration) *Scheduler {
	if notifyInterval <= 0 {
		notifyInterval = DefaultNotifyInterval
	}
	return &Scheduler{
		submitCh:       make(chan Task),
		doneCh:         make(chan struct{}),
		stopped:        make(chan struct{}),
		notifyInterval: notifyInterval,
	}
}

// Enqueue appends t to the tail of the queue.
// It fails with ErrStopped after shutdown, in which case the caller still owns t.
func (s *Scheduler) Enqueue(ctx context.Context, t Task) error {
	select {
	case s.submitCh <- t:
		return nil
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes the queue until ctx is cancelled. On shutdown the running task sees its
// context cancelled, queued tasks are discarded, and Run returns once the running task has.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.stopped)
	slog.Info("Scheduler started", "notifyInterval", s.notifyInterval)

	ticker := time.NewTicker(s.notifyInterval)
	defer ticker.Stop()

	var (
		queue []Task
		busy  bool
	)
	report := func() {
		metrics.QueueLength.Set(float64(len(queue)))
		if busy {
			metrics.WorkerBusy.Set(1)
		} else {
			metrics.WorkerBusy.Set(0)
		}
	}
	dispatch := func() {
		if busy || len(queue) == 0 {
			return
		}
		t := queue[0]
		queue[0] = nil
		queue = queue[1:]
		busy = true
		go s.execute(ctx, t)
	}

	for {
		select {
		case t := <-s.submitCh:
			queue = append(queue, t)
			slog.Debug("Task enqueued", "jobID", t.ID(), "position", len(queue)-1)
			dispatch()
			report()

		case <-s.doneCh:
			busy = false
			dispatch()
			report()

		case <-ticker.C:
			if len(queue) > 0 || busy {
				slog.Info("Queue status", "queued", len(queue), "busy", busy)
			}
			for i, t := range queue {
				t.Notify(i, len(queue))
			}

		case <-ctx.Done():
			slog.Info("Stopping scheduler", "discarding", len(queue), "busy", busy)
			for _, t := range queue {
				s.discard(t)
			}
			queue = nil
			if busy {
				<-s.doneCh
				busy = false
			}
			report()
			slog.Info("Scheduler stopped")
			return nil
		}
	}
}

// execute runs t and reports completion. Panics are logged and the worker released.
func (s *Scheduler) execute(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Task panicked", "jobID", t.ID(), "panic", r, "stack", string(debug.Stack()))
		}
		s.doneCh <- struct{}{}
	}()

	slog.Debug("Processing task", "jobID", t.ID())
	t.Run(ctx)
}

func (s *Scheduler) discard(t Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Discarding task panicked", "jobID", t.ID(), "panic", r)
		}
	}()
	t.Discard()
}

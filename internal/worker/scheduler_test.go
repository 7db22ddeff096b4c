package worker

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu       sync.Mutex
	order    []string
	notices  map[string][]string
	running  atomic.Int32
	maxSeen  atomic.Int32
	finished sync.WaitGroup
}

func newRecorder() *recorder {
	return &recorder{notices: map[string][]string{}}
}

type fakeTask struct {
	id        string
	rec       *recorder
	release   chan struct{}
	started   chan struct{}
	panics    bool
	discarded atomic.Bool
	cancelled atomic.Bool
}

func (r *recorder) task(id string) *fakeTask {
	r.finished.Add(1)
	return &fakeTask{id: id, rec: r, release: make(chan struct{}), started: make(chan struct{})}
}

func (t *fakeTask) ID() string { return t.id }

func (t *fakeTask) Run(ctx context.Context) {
	defer t.rec.finished.Done()
	n := t.rec.running.Add(1)
	defer t.rec.running.Add(-1)
	for {
		m := t.rec.maxSeen.Load()
		if n <= m || t.rec.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	t.rec.mu.Lock()
	t.rec.order = append(t.rec.order, t.id)
	t.rec.mu.Unlock()
	close(t.started)

	if t.panics {
		panic("task blew up")
	}
	select {
	case <-t.release:
	case <-ctx.Done():
		t.cancelled.Store(true)
	}
}

func (t *fakeTask) Notify(position, length int) {
	t.rec.mu.Lock()
	defer t.rec.mu.Unlock()
	t.rec.notices[t.id] = append(t.rec.notices[t.id], fmt.Sprintf("%d/%d", position, length))
}

func (t *fakeTask) Discard() {
	t.discarded.Store(true)
	t.rec.finished.Done()
}

func startScheduler(t *testing.T, interval time.Duration) (*Scheduler, context.CancelFunc, <-chan error) {
	t.Helper()
	s := NewScheduler(interval)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	return s, cancel, errCh
}

func waitStarted(t *testing.T, task *fakeTask) {
	t.Helper()
	select {
	case <-task.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not start", task.id)
	}
}

func TestScheduler_FIFOAndMutualExclusion(t *testing.T) {
	s, cancel, errCh := startScheduler(t, time.Hour)
	rec := newRecorder()

	tasks := []*fakeTask{rec.task("a"), rec.task("b"), rec.task("c"), rec.task("d")}
	for _, task := range tasks {
		require.NoError(t, s.Enqueue(context.Background(), task))
	}
	for _, task := range tasks {
		waitStarted(t, task)
		close(task.release)
	}
	rec.finished.Wait()

	assert.Equal(t, []string{"a", "b", "c", "d"}, rec.order)
	assert.Equal(t, int32(1), rec.maxSeen.Load())

	cancel()
	require.NoError(t, <-errCh)
}

func TestScheduler_NotifiesQueuedPositions(t *testing.T) {
	s, cancel, errCh := startScheduler(t, 20*time.Millisecond)
	rec := newRecorder()

	running, first, second := rec.task("running"), rec.task("first"), rec.task("second")
	require.NoError(t, s.Enqueue(context.Background(), running))
	waitStarted(t, running)
	require.NoError(t, s.Enqueue(context.Background(), first))
	require.NoError(t, s.Enqueue(context.Background(), second))

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return slices.Contains(rec.notices["first"], "0/2") && slices.Contains(rec.notices["second"], "1/2")
	}, 5*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	assert.Empty(t, rec.notices["running"])
	rec.mu.Unlock()

	for _, task := range []*fakeTask{running, first, second} {
		waitStarted(t, task)
		close(task.release)
	}
	rec.finished.Wait()
	cancel()
	require.NoError(t, <-errCh)
}

func TestScheduler_PanicReleasesWorker(t *testing.T) {
	s, cancel, errCh := startScheduler(t, time.Hour)
	rec := newRecorder()

	bad := rec.task("bad")
	bad.panics = true
	good := rec.task("good")
	close(good.release)

	require.NoError(t, s.Enqueue(context.Background(), bad))
	require.NoError(t, s.Enqueue(context.Background(), good))
	rec.finished.Wait()

	assert.Equal(t, []string{"bad", "good"}, rec.order)
	cancel()
	require.NoError(t, <-errCh)
}

func TestScheduler_ShutdownDiscardsQueue(t *testing.T) {
	s, cancel, errCh := startScheduler(t, time.Hour)
	rec := newRecorder()

	running, queued := rec.task("running"), rec.task("queued")
	require.NoError(t, s.Enqueue(context.Background(), running))
	waitStarted(t, running)
	require.NoError(t, s.Enqueue(context.Background(), queued))

	cancel()
	require.NoError(t, <-errCh)
	rec.finished.Wait()

	assert.True(t, running.cancelled.Load())
	assert.True(t, queued.discarded.Load())
	assert.Equal(t, []string{"running"}, rec.order)

	late := rec.task("late")
	assert.ErrorIs(t, s.Enqueue(context.Background(), late), ErrStopped)
	late.Discard()
}

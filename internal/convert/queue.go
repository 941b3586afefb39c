// Package convert runs conversion jobs one at a time in submission order.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

var (
	ErrQueueClosed = errors.New("conversion queue closed")
	ErrJobPanicked = errors.New("conversion job panicked")
)

// Job is one unit of conversion work. The context is cancelled when the
// queue is closed.
type Job[T any] func(ctx context.Context) (T, error)

// Future resolves once its job has run, failed, or been discarded.
type Future[T any] struct {
	name string
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any](name string) *Future[T] {
	return &Future[T]{name: name, done: make(chan struct{})}
}

func (f *Future[T]) resolve(val T, err error) {
	f.val, f.err = val, err
	close(f.done)
}

// Name is the label given at Enqueue.
func (f *Future[T]) Name() string { return f.name }

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the job resolves or ctx ends. A ctx error does not
// cancel the job.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type entry[T any] struct {
	name   string
	job    Job[T]
	future *Future[T]
	queued time.Time
}

// Queue is a FIFO with a single worker, so at most one job runs at a time.
// A failing or panicking job resolves its own future and the worker moves on.
type Queue[T any] struct {
	logger *slog.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	pending    []*entry[T]
	processing bool
	paused     bool
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a queue and its worker.
func New[T any](logger *slog.Logger) *Queue[T] {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue[T]{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.work()
	return q
}

// Enqueue appends a job. After Close the returned future is already
// resolved with ErrQueueClosed.
func (q *Queue[T]) Enqueue(name string, job Job[T]) *Future[T] {
	f := newFuture[T](name)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		var zero T
		f.resolve(zero, ErrQueueClosed)
		return f
	}
	q.pending = append(q.pending, &entry[T]{name: name, job: job, future: f, queued: time.Now()})
	q.cond.Signal()

	q.logger.Debug("conversion queued", "name", name, "queue_size", len(q.pending))
	return f
}

// Size is the number of jobs waiting, excluding the running one.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// IsProcessing reports whether a job is running now.
func (q *Queue[T]) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Pause stops new jobs from starting. The running job is unaffected.
func (q *Queue[T]) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Info("conversion queue paused")
}

func (q *Queue[T]) Resume() {
	q.mu.Lock()
	q.paused = false
	q.cond.Signal()
	q.mu.Unlock()
	q.logger.Info("conversion queue resumed")
}

func (q *Queue[T]) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Close rejects queued jobs with ErrQueueClosed, cancels the running job's
// context and waits for the worker to exit.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.cancel()
	<-q.done
}

func (q *Queue[T]) work() {
	defer close(q.done)

	q.mu.Lock()
	for {
		for !q.closed && (q.paused || len(q.pending) == 0) {
			q.cond.Wait()
		}
		if q.closed {
			rejected := q.pending
			q.pending = nil
			q.mu.Unlock()
			for _, e := range rejected {
				var zero T
				e.future.resolve(zero, ErrQueueClosed)
			}
			if len(rejected) > 0 {
				q.logger.Info("conversion queue closed", "discarded", len(rejected))
			}
			return
		}

		e := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.processing = true
		q.mu.Unlock()

		val, err := q.run(e)
		e.future.resolve(val, err)

		q.mu.Lock()
		q.processing = false
	}
}

func (q *Queue[T]) run(e *entry[T]) (val T, err error) {
	start := time.Now()
	logger := q.logger.With("name", e.name)
	logger.Info("conversion started", "waited_ms", start.Sub(e.queued).Milliseconds())

	defer func() {
		if r := recover(); r != nil {
			var zero T
			val, err = zero, fmt.Errorf("%w: %v", ErrJobPanicked, r)
			logger.Error("conversion panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		if err != nil {
			logger.Warn("conversion failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
			return
		}
		logger.Info("conversion finished", "duration_ms", time.Since(start).Milliseconds())
	}()

	return e.job(q.ctx)
}

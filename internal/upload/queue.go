// Package upload hands finished clips to the remote object store, retrying
// failed attempts with exponential backoff.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-clipper/internal/cloud"
	"github.com/heimdex/heimdex-clipper/internal/logging"
)

var ErrNoSourceFile = errors.New("upload source file does not exist")

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// Task is one clip upload. Attempt counts previous failures.
type Task struct {
	ID             string            `json:"id"`
	ClipID         string            `json:"clip_id"`
	SourceFilePath string            `json:"source_file_path"`
	Attempt        int               `json:"attempt"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ObjectKey is clips/{clipID}/{basename}.
func (t Task) ObjectKey() string {
	return "clips/" + t.ClipID + "/" + filepath.Base(t.SourceFilePath)
}

// Hooks observe task outcomes. Any may be nil. They run on the queue's
// goroutine and must not block.
type Hooks struct {
	OnSuccess          func(task Task, url string)
	OnAttemptFailed    func(task Task, err error, retryIn time.Duration)
	OnPermanentFailure func(task Task, err error)
}

// Options configure a Queue. Zero values take the defaults.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// AfterFunc schedules a retry. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func())

	Hooks  Hooks
	Logger *slog.Logger
}

// Queue uploads tasks in FIFO order with one drain goroutine, started on
// demand and exiting when the queue is empty.
type Queue struct {
	store  cloud.ObjectStore
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	pending   []Task
	scheduled int
	draining  bool
	closed    bool
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func New(store cloud.ObjectStore, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:  store,
		opts:   opts,
		logger: logging.WithComponent(opts.Logger, "upload"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue adds a task and starts the drain if it is idle. Tasks enqueued
// while a drain is running are picked up by that drain. It returns the task
// with its ID filled in.
func (q *Queue) Enqueue(task Task) Task {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("upload dropped after close", "task_id", task.ID, "clip_id", task.ClipID)
		return task
	}
	q.pending = append(q.pending, task)
	if !q.draining {
		q.draining = true
		q.wg.Add(1)
		go q.drain()
	}
	return task
}

// Size counts queued tasks and tasks waiting out a retry delay.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.scheduled
}

// IsProcessing reports whether a drain is running.
func (q *Queue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// Close stops accepting tasks, abandons scheduled retries, cancels the
// in-flight upload and waits for the drain to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.closed {
			q.draining = false
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.process(task)
	}
}

func (q *Queue) process(task Task) {
	logger := logging.WithClipID(q.logger, task.ClipID).With("task_id", task.ID, "attempt", task.Attempt+1)
	start := time.Now()

	url, err := q.attempt(task)
	if err == nil {
		logger.Info("upload succeeded", "url", url, "duration_ms", time.Since(start).Milliseconds())
		if q.opts.Hooks.OnSuccess != nil {
			q.opts.Hooks.OnSuccess(task, url)
		}
		return
	}

	if terminal(err) || task.Attempt+1 >= q.opts.MaxAttempts {
		logger.Error("upload permanently failed", "error", err, "attempts", task.Attempt+1)
		if q.opts.Hooks.OnPermanentFailure != nil {
			q.opts.Hooks.OnPermanentFailure(task, err)
		}
		return
	}

	delay := q.opts.BaseDelay << task.Attempt
	logger.Warn("upload attempt failed", "error", err, "retry_in_ms", delay.Milliseconds())
	if q.opts.Hooks.OnAttemptFailed != nil {
		q.opts.Hooks.OnAttemptFailed(task, err, delay)
	}

	next := task
	next.Attempt++
	q.mu.Lock()
	q.scheduled++
	q.mu.Unlock()
	q.opts.AfterFunc(delay, func() {
		q.mu.Lock()
		q.scheduled--
		q.mu.Unlock()
		q.Enqueue(next)
	})
}

// attempt uploads once. Panics in the store become errors.
func (q *Queue) attempt(task Task) (url string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upload panicked: %v", r)
		}
	}()

	f, err := os.Open(task.SourceFilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNoSourceFile, task.SourceFilePath)
		}
		return "", fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrNoSourceFile, task.SourceFilePath)
	}

	key := task.ObjectKey()
	metadata := maps.Clone(task.Metadata)
	if metadata == nil {
		metadata = make(map[string]string)
	}
	metadata["clip-id"] = task.ClipID

	return q.store.Put(q.ctx, key, f, info.Size(), cloud.ContentType(key), metadata)
}

// terminal errors are not retried.
func terminal(err error) bool {
	if errors.Is(err, ErrNoSourceFile) || errors.Is(err, cloud.ErrInvalidKey) {
		return true
	}
	var uploadErr *cloud.UploadError
	if errors.As(err, &uploadErr) {
		return !uploadErr.IsRetryable()
	}
	return false
}

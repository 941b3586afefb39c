package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/heimdex/heimdex-clipper/internal/buffer"
	"github.com/heimdex/heimdex-clipper/internal/convert"
	"github.com/heimdex/heimdex-clipper/internal/db"
	"github.com/heimdex/heimdex-clipper/internal/export"
	"github.com/heimdex/heimdex-clipper/internal/logging"
	"github.com/heimdex/heimdex-clipper/internal/marker"
	"github.com/heimdex/heimdex-clipper/internal/notify"
	"github.com/heimdex/heimdex-clipper/internal/upload"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) Repository {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewRepository(database.Conn())
}

// testClock is a settable clock shared by the session, marker and service.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeCaptures struct {
	mu   sync.Mutex
	sess *buffer.Session
}

func (f *fakeCaptures) Session() *buffer.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sess
}

func (f *fakeCaptures) SourceID() string { return "screen-0" }

func (f *fakeCaptures) set(s *buffer.Session) {
	f.mu.Lock()
	f.sess = s
	f.mu.Unlock()
}

type fakeExporter struct {
	mu     sync.Mutex
	reqs   []export.Request
	chunks []int
	fn     func(req export.Request) (*export.Result, error)
}

func (f *fakeExporter) Export(ctx context.Context, src export.SliceSource, req export.Request, progress func(export.Progress)) (*export.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.chunks = append(f.chunks, len(src.Slice(req.StartMs, req.EndMs, 0)))
	f.mu.Unlock()

	progress(export.Progress{ExportID: req.ID, Stage: export.StageTrim, Percent: 50})
	if f.fn != nil {
		return f.fn(req)
	}
	out := filepath.Join(req.OutputDir, req.OutputName+".mp4")
	if err := os.WriteFile(out, []byte("clip"), 0644); err != nil {
		return nil, err
	}
	return &export.Result{OutputPath: out, SizeBytes: 4, DurationMs: req.DurationMs()}, nil
}

func (f *fakeExporter) requests() []export.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]export.Request(nil), f.reqs...)
}

type fakeUploader struct {
	mu    sync.Mutex
	tasks []upload.Task
}

func (f *fakeUploader) Enqueue(task upload.Task) upload.Task {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	f.mu.Unlock()
	return task
}

func (f *fakeUploader) enqueued() []upload.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upload.Task(nil), f.tasks...)
}

type recordedEvent struct {
	typ  string
	data any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakePublisher) Publish(typ string, data any) {
	f.mu.Lock()
	f.events = append(f.events, recordedEvent{typ, data})
	f.mu.Unlock()
}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.typ)
	}
	return out
}

type fakeNotifier struct {
	mu       sync.Mutex
	failures []notify.Failure
}

func (f *fakeNotifier) UploadFailed(fl notify.Failure) {
	f.mu.Lock()
	f.failures = append(f.failures, fl)
	f.mu.Unlock()
}

type testEnv struct {
	repo      Repository
	svc       *Service
	clock     *testClock
	captures  *fakeCaptures
	sess      *buffer.Session
	exporter  *fakeExporter
	uploads   *fakeUploader
	events    *fakePublisher
	queue     *convert.Queue[*export.Result]
	outputDir string
}

// newTestEnv builds a service over a session holding one chunk per second
// from 0 to 20s, with the clock at 10s.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &testClock{now: t0}
	sess := buffer.NewSession(time.Hour, buffer.WithClock(clock.Now))
	for ts := int64(0); ts <= 20000; ts += 1000 {
		if err := sess.Append(buffer.Chunk{Payload: []byte{byte(ts / 1000)}, TimestampMs: ts}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	clock.Advance(10 * time.Second)

	env := &testEnv{
		repo:      setupTestDB(t),
		clock:     clock,
		captures:  &fakeCaptures{sess: sess},
		sess:      sess,
		exporter:  &fakeExporter{},
		uploads:   &fakeUploader{},
		events:    &fakePublisher{},
		queue:     convert.New[*export.Result](logging.Discard()),
		outputDir: t.TempDir(),
	}
	t.Cleanup(env.queue.Close)

	env.svc = NewService(ServiceConfig{
		Repository: env.repo,
		Captures:   env.captures,
		Marker: marker.New(marker.Options{
			PollInterval:  time.Millisecond,
			Timeout:       100 * time.Millisecond,
			AwaitPostRoll: true,
			Now:           clock.Now,
			Logger:        logging.Discard(),
		}),
		Exporter:    env.exporter,
		Conversions: env.queue,
		Uploads:     env.uploads,
		Events:      env.events,
		Defaults: Defaults{
			PreMs:     3000,
			PostMs:    3000,
			OutputDir: env.outputDir,
			Encode:    export.EncodeSettings{Preset: "fast", QualityFactor: 20, FPS: 25, Container: "mp4"},
			PinTTL:    time.Minute,
		},
		Logger: logging.Discard(),
	})
	env.svc.now = clock.Now
	return env
}

func int64Ptr(v int64) *int64 { return &v }

func exportRange(startMs, endMs int64) export.Request {
	return export.Request{StartMs: startMs, EndMs: endMs}
}

package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-clipper/internal/convert"
	"github.com/heimdex/heimdex-clipper/internal/events"
	"github.com/heimdex/heimdex-clipper/internal/export"
	"github.com/heimdex/heimdex-clipper/internal/marker"
	"github.com/heimdex/heimdex-clipper/internal/transcode"
	"github.com/heimdex/heimdex-clipper/internal/upload"
)

func TestService_MarkClip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	clip, err := env.svc.MarkClip(ctx, MarkRequest{Title: "goal"})
	require.NoError(t, err)
	assert.Equal(t, int64(7000), clip.StartMs)
	assert.Equal(t, int64(13000), clip.EndMs)
	assert.Equal(t, "screen-0", clip.SourceID)

	stored, err := env.repo.GetClip(ctx, clip.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "goal", stored.Title)
	assert.True(t, stored.SessionStartedAt.Equal(t0))

	assert.Equal(t, 1, env.sess.Stats().PinnedCount)
	assert.Equal(t, 1, env.svc.PinnedClips())
	assert.Contains(t, env.events.types(), events.TypeClipMarked)
}

func TestService_MarkClip_Overrides(t *testing.T) {
	env := newTestEnv(t)

	clip, err := env.svc.MarkClip(context.Background(), MarkRequest{PreMs: int64Ptr(20000), PostMs: int64Ptr(0)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), clip.StartMs, "start clamps to the session start")
	assert.Equal(t, int64(10000), clip.EndMs)

	_, err = env.svc.MarkClip(context.Background(), MarkRequest{PreMs: int64Ptr(-1)})
	assert.ErrorIs(t, err, export.ErrInvalidRequest)
}

func TestService_MarkClip_NoSession(t *testing.T) {
	env := newTestEnv(t)
	env.captures.set(nil)

	_, err := env.svc.MarkClip(context.Background(), MarkRequest{})
	assert.ErrorIs(t, err, marker.ErrNoSession)

	env.sess.Close()
	env.captures.set(env.sess)
	_, err = env.svc.MarkClip(context.Background(), MarkRequest{})
	assert.ErrorIs(t, err, marker.ErrNoSession)
}

func TestService_RequestExport_FromClip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	clip, err := env.svc.MarkClip(ctx, MarkRequest{Title: "goal"})
	require.NoError(t, err)

	exp, future, err := env.svc.RequestExport(ctx, ExportRequest{ClipID: clip.ID})
	require.NoError(t, err)
	assert.Equal(t, ExportStatusQueued, exp.Status)

	res, err := future.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.outputDir, "goal.mp4"), res.OutputPath)

	reqs := env.exporter.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, exp.ID, req.ID)
	assert.Equal(t, int64(7000), req.StartMs)
	assert.Equal(t, int64(13000), req.EndMs)
	assert.Equal(t, env.outputDir, req.OutputDir)
	assert.Equal(t, "fast", req.Encode.Preset)
	assert.Equal(t, 20, req.Encode.QualityFactor)
	assert.Equal(t, 25, req.Encode.FPS)
	assert.Equal(t, 7, env.exporter.chunks[0], "chunks 7s..13s reach the exporter")

	stored, err := env.repo.GetExport(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, ExportStatusCompleted, stored.Status)
	assert.Equal(t, res.OutputPath, stored.OutputPath)
	assert.Equal(t, 100.0, stored.Progress)

	storedClip, _ := env.repo.GetClip(ctx, clip.ID)
	assert.Equal(t, ClipStatusExported, storedClip.Status)
	assert.Equal(t, 0, env.sess.Stats().PinnedCount, "pin released after export")

	tasks := env.uploads.enqueued()
	require.Len(t, tasks, 1)
	assert.Equal(t, clip.ID, tasks[0].ClipID)
	assert.Equal(t, res.OutputPath, tasks[0].SourceFilePath)
	assert.Equal(t, exp.ID, tasks[0].Metadata["export-id"])

	up, err := env.repo.GetUpload(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.NotNil(t, up, "upload row exists before the task is queued")
	assert.Equal(t, UploadStatusPending, up.Status)

	types := env.events.types()
	assert.Contains(t, types, events.TypeExportQueued)
	assert.Contains(t, types, events.TypeExportProgress)
	assert.Contains(t, types, events.TypeExportCompleted)
}

func TestService_RequestExport_ExplicitRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := ExportRequest{Request: export.Request{StartMs: 2000, EndMs: 4000, OutputName: "range"}}
	exp, future, err := env.svc.RequestExport(ctx, req)
	require.NoError(t, err)
	_, err = future.Wait(ctx)
	require.NoError(t, err)

	tasks := env.uploads.enqueued()
	require.Len(t, tasks, 1)
	assert.Equal(t, exp.ID, tasks[0].ClipID, "range exports upload under their export id")
}

func TestService_RequestExport_Failure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.exporter.fn = func(export.Request) (*export.Result, error) {
		return nil, fmt.Errorf("trim: %w", &transcode.ExitError{Code: 1})
	}

	clip, err := env.svc.MarkClip(ctx, MarkRequest{})
	require.NoError(t, err)
	exp, future, err := env.svc.RequestExport(ctx, ExportRequest{ClipID: clip.ID})
	require.NoError(t, err)

	_, err = future.Wait(ctx)
	var exitErr *transcode.ExitError
	require.ErrorAs(t, err, &exitErr)

	stored, _ := env.repo.GetExport(ctx, exp.ID)
	assert.Equal(t, ExportStatusFailed, stored.Status)
	assert.Equal(t, CodeProcessExitNonZero, stored.ErrorCode)
	assert.Contains(t, stored.Error, "process exited with code 1")

	assert.Empty(t, env.uploads.enqueued())
	assert.Equal(t, 1, env.svc.PinnedClips(), "failed exports keep the pin for a retry")
	assert.Contains(t, env.events.types(), events.TypeExportFailed)
}

func TestService_RequestExport_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.svc.RequestExport(ctx, ExportRequest{ClipID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = env.svc.RequestExport(ctx, ExportRequest{Request: export.Request{StartMs: 5000, EndMs: 5000}})
	assert.ErrorIs(t, err, export.ErrInvalidRequest)

	_, _, err = env.svc.RequestExport(ctx, ExportRequest{Request: export.Request{StartMs: 0, EndMs: 1000, OutputDir: "relative/dir"}})
	assert.ErrorIs(t, err, export.ErrInvalidOutputDir)

	// A clip from an earlier session whose pin is gone.
	old := &Clip{
		ID:               "old",
		SourceID:         "screen-0",
		SessionStartedAt: t0.Add(-time.Hour),
		StartMs:          0,
		EndMs:            1000,
		Status:           ClipStatusMarked,
		MarkedAt:         t0,
		CreatedAt:        t0,
	}
	require.NoError(t, env.repo.CreateClip(ctx, old))
	_, _, err = env.svc.RequestExport(ctx, ExportRequest{ClipID: "old"})
	assert.ErrorIs(t, err, export.ErrNoBufferedData)

	env.captures.set(nil)
	_, _, err = env.svc.RequestExport(ctx, ExportRequest{Request: export.Request{StartMs: 0, EndMs: 1000}})
	assert.ErrorIs(t, err, export.ErrNoBufferedData)
}

func TestService_RequestExport_UnpinnedClipOnCurrentSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	clip := &Clip{
		ID:               "restored",
		SessionStartedAt: env.sess.StartedAt(),
		StartMs:          1000,
		EndMs:            3000,
		Status:           ClipStatusMarked,
		MarkedAt:         t0,
		CreatedAt:        t0,
	}
	require.NoError(t, env.repo.CreateClip(ctx, clip))

	_, future, err := env.svc.RequestExport(ctx, ExportRequest{ClipID: clip.ID})
	require.NoError(t, err)
	_, err = future.Wait(ctx)
	require.NoError(t, err)
}

func TestService_RequestExport_QueueClosed(t *testing.T) {
	env := newTestEnv(t)
	env.queue.Close()

	_, future, err := env.svc.RequestExport(context.Background(), ExportRequest{Request: export.Request{StartMs: 0, EndMs: 1000}})
	require.NoError(t, err)
	_, err = future.Wait(context.Background())
	assert.ErrorIs(t, err, convert.ErrQueueClosed)
}

func TestService_EnqueueUpload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "inbox.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	up, err := env.svc.EnqueueUpload(ctx, "", path)
	require.NoError(t, err)
	assert.NotEmpty(t, up.ClipID)
	require.Len(t, env.uploads.enqueued(), 1)
	assert.Nil(t, env.uploads.enqueued()[0].Metadata)

	_, err = env.svc.EnqueueUpload(ctx, "c", filepath.Join(t.TempDir(), "gone.mp4"))
	assert.ErrorIs(t, err, upload.ErrNoSourceFile)

	_, err = env.svc.EnqueueUpload(ctx, "c", t.TempDir())
	assert.ErrorIs(t, err, upload.ErrNoSourceFile)

	_, err = env.svc.EnqueueUpload(ctx, "c", "relative.mp4")
	assert.ErrorIs(t, err, export.ErrInvalidRequest)

	env.svc.uploads = nil
	_, err = env.svc.EnqueueUpload(ctx, "c", path)
	assert.ErrorIs(t, err, ErrUploadsDisabled)
}

func TestService_ResumeUploads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, u := range []*Upload{
		{ID: "p", ClipID: "c", SourcePath: "/a.mp4", Status: UploadStatusPending, CreatedAt: t0, UpdatedAt: t0},
		{ID: "r", ClipID: "c", ExportID: "e", SourcePath: "/b.mp4", Status: UploadStatusRetrying, Attempts: 2, CreatedAt: t0.Add(time.Second), UpdatedAt: t0},
		{ID: "d", ClipID: "c", SourcePath: "/c.mp4", Status: UploadStatusCompleted, CreatedAt: t0, UpdatedAt: t0},
	} {
		require.NoError(t, env.repo.CreateUpload(ctx, u))
	}

	n, err := env.svc.ResumeUploads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tasks := env.uploads.enqueued()
	require.Len(t, tasks, 2)
	assert.Equal(t, "p", tasks[0].ID)
	assert.Equal(t, "r", tasks[1].ID)
	assert.Equal(t, 2, tasks[1].Attempt, "attempts carry over")
	assert.Equal(t, "e", tasks[1].Metadata["export-id"])
}

func TestService_ReleaseStalePins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.MarkClip(ctx, MarkRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, env.svc.ReleaseStalePins())

	env.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, env.svc.ReleaseStalePins())
	assert.Equal(t, 0, env.sess.Stats().PinnedCount)

	// Pins on a closed session go on the next pass regardless of age.
	fresh := newTestEnv(t)
	_, err = fresh.svc.MarkClip(ctx, MarkRequest{})
	require.NoError(t, err)
	fresh.sess.Close()
	assert.Equal(t, 1, fresh.svc.ReleaseStalePins())
}

func TestService_ExportEDL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i, name := range []string{"first", "second"} {
		e := &Export{
			ID:     name,
			Status: ExportStatusQueued,
			Request: export.Request{
				StartMs:    int64(i) * 10000,
				EndMs:      int64(i)*10000 + 2000,
				OutputName: name,
			},
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
			UpdatedAt: t0,
		}
		require.NoError(t, env.repo.CreateExport(ctx, e))
		require.NoError(t, env.repo.CompleteExport(ctx, name, "/clips/"+name+".mp4", 1))
	}

	edl, err := env.svc.ExportEDL(ctx, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(edl, "TITLE: Heimdex Clips\n"))
	assert.Contains(t, edl, "* FROM CLIP NAME:  first")
	assert.Contains(t, edl, "* SOURCE FILE:  /clips/second.mp4")
	assert.Less(t, strings.Index(edl, "first"), strings.Index(edl, "second"))
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{marker.ErrBufferTimeout, CodeBufferTimeout},
		{fmt.Errorf("x: %w", export.ErrNoBufferedData), CodeNoBufferedData},
		{upload.ErrNoSourceFile, CodeNoSourceFile},
		{&transcode.ProcessSpawnError{Binary: "ffmpeg", Err: os.ErrNotExist}, CodeBinaryNotFound},
		{&transcode.ExitError{Code: 2}, CodeProcessExitNonZero},
		{&transcode.ProbeParseError{Err: errors.New("bad json")}, CodeProbeParseError},
		{marker.ErrClipTooShort, CodeClipTooShort},
		{marker.ErrNoSession, CodeNoSession},
		{export.ErrInvalidRequest, CodeInvalidRequest},
		{export.ErrInvalidOutputDir, CodeInvalidRequest},
		{ErrNotFound, CodeNotFound},
		{ErrUploadsDisabled, CodeUploadsDisabled},
		{convert.ErrQueueClosed, CodeQueueClosed},
		{context.Canceled, CodeCancelled},
		{errors.New("other"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), "%v", tt.err)
	}
}

func TestUploadRecorder(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()
	pub := &fakePublisher{}
	notifier := &fakeNotifier{}
	hooks := NewUploadRecorder(repo, pub, notifier, nil).Hooks()

	require.NoError(t, repo.CreateUpload(ctx, &Upload{ID: "u1", ClipID: "c", SourcePath: "/a.mp4", Status: UploadStatusPending, CreatedAt: t0, UpdatedAt: t0}))
	task := upload.Task{ID: "u1", ClipID: "c", SourceFilePath: "/a.mp4"}

	hooks.OnAttemptFailed(task, errors.New("HTTP 503"), time.Second)
	got, _ := repo.GetUpload(ctx, "u1")
	assert.Equal(t, UploadStatusRetrying, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "HTTP 503", got.Error)

	task.Attempt = 2
	hooks.OnPermanentFailure(task, errors.New("HTTP 503"))
	got, _ = repo.GetUpload(ctx, "u1")
	assert.Equal(t, UploadStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.Len(t, notifier.failures, 1)
	assert.Equal(t, 3, notifier.failures[0].Attempts)
	assert.Equal(t, "/a.mp4", notifier.failures[0].SourcePath)

	hooks.OnSuccess(upload.Task{ID: "u1", ClipID: "c"}, "https://store/a.mp4")
	got, _ = repo.GetUpload(ctx, "u1")
	assert.Equal(t, UploadStatusCompleted, got.Status)
	assert.Equal(t, "https://store/a.mp4", got.URL)
	assert.Empty(t, got.Error)

	assert.Equal(t, []string{events.TypeUploadRetrying, events.TypeUploadFailed, events.TypeUploadCompleted}, pub.types())
}

var _ ClipService = (*Service)(nil)

package catalog

import (
	"context"
	"log/slog"
	"time"

	"github.com/heimdex/heimdex-clipper/internal/events"
	"github.com/heimdex/heimdex-clipper/internal/logging"
	"github.com/heimdex/heimdex-clipper/internal/notify"
	"github.com/heimdex/heimdex-clipper/internal/upload"
)

// FailureNotifier is told about uploads that will not be retried.
type FailureNotifier interface {
	UploadFailed(f notify.Failure)
}

// UploadRecorder persists upload queue outcomes and republishes them as
// events. Its hooks are handed to the upload queue.
type UploadRecorder struct {
	repo     Repository
	events   Publisher
	notifier FailureNotifier
	logger   *slog.Logger
}

// NewUploadRecorder creates a recorder. events and notifier may be nil.
func NewUploadRecorder(repo Repository, pub Publisher, notifier FailureNotifier, logger *slog.Logger) *UploadRecorder {
	if pub == nil {
		pub = nopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadRecorder{
		repo:     repo,
		events:   pub,
		notifier: notifier,
		logger:   logging.WithComponent(logger, "upload-recorder"),
	}
}

// Hooks returns the queue callbacks.
func (u *UploadRecorder) Hooks() upload.Hooks {
	return upload.Hooks{
		OnSuccess:          u.succeeded,
		OnAttemptFailed:    u.attemptFailed,
		OnPermanentFailure: u.failed,
	}
}

func (u *UploadRecorder) succeeded(task upload.Task, url string) {
	u.update(task, UploadStatusCompleted, url, "")
	u.events.Publish(events.TypeUploadCompleted, map[string]any{
		"upload_id": task.ID,
		"clip_id":   task.ClipID,
		"url":       url,
	})
}

func (u *UploadRecorder) attemptFailed(task upload.Task, err error, retryIn time.Duration) {
	u.update(task, UploadStatusRetrying, "", err.Error())
	u.events.Publish(events.TypeUploadRetrying, map[string]any{
		"upload_id":   task.ID,
		"clip_id":     task.ClipID,
		"attempt":     task.Attempt + 1,
		"retry_in_ms": retryIn.Milliseconds(),
		"error":       err.Error(),
	})
}

func (u *UploadRecorder) failed(task upload.Task, err error) {
	u.update(task, UploadStatusFailed, "", err.Error())
	u.events.Publish(events.TypeUploadFailed, map[string]any{
		"upload_id": task.ID,
		"clip_id":   task.ClipID,
		"attempts":  task.Attempt + 1,
		"error":     err.Error(),
		"code":      ErrorCode(err),
	})
	if u.notifier != nil {
		u.notifier.UploadFailed(notify.Failure{
			TaskID:     task.ID,
			ClipID:     task.ClipID,
			SourcePath: task.SourceFilePath,
			Attempts:   task.Attempt + 1,
			Error:      err.Error(),
			FailedAt:   time.Now().UTC(),
		})
	}
}

func (u *UploadRecorder) update(task upload.Task, status, url, errMsg string) {
	if err := u.repo.UpdateUpload(context.Background(), task.ID, status, task.Attempt+1, url, errMsg); err != nil {
		u.logger.Error("failed to record upload status", "upload_id", task.ID, "status", status, "error", err)
	}
}

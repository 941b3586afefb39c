package catalog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Background is a scheduled component started and stopped with the runner.
type Background interface {
	Stop()
}

// ConversionControl is the part of the conversion queue the runner manages.
type ConversionControl interface {
	Pause()
	Resume()
	IsPaused() bool
	Size() int
	IsProcessing() bool
}

// UploadState reports upload queue activity.
type UploadState interface {
	Size() int
	IsProcessing() bool
}

// RunnerStatus is a snapshot of queue activity.
type RunnerStatus struct {
	Running          bool `json:"running"`
	Paused           bool `json:"paused"`
	ExportsQueued    int  `json:"exports_queued"`
	ExportRunning    bool `json:"export_running"`
	UploadsQueued    int  `json:"uploads_queued"`
	UploadInProgress bool `json:"upload_in_progress"`
	PinnedClips      int  `json:"pinned_clips"`
}

type Runner struct {
	service      *Service
	conversions  ConversionControl
	uploads      UploadState
	background   []Background
	logger       *slog.Logger
	pollInterval time.Duration
	running      atomic.Bool
}

// NewRunner creates a runner. uploads may be nil when uploads are disabled.
// background components are stopped when Start returns.
func NewRunner(service *Service, conversions ConversionControl, uploads UploadState, logger *slog.Logger, background ...Background) *Runner {
	return &Runner{
		service:      service,
		conversions:  conversions,
		uploads:      uploads,
		background:   background,
		logger:       logger,
		pollInterval: time.Minute,
	}
}

// Start resumes interrupted uploads and then releases stale clip pins on
// every tick until ctx is done.
func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("job runner started")
	if _, err := r.service.ResumeUploads(ctx); err != nil {
		r.logger.Error("failed to resume uploads", "error", err)
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopping")
			for _, b := range r.background {
				b.Stop()
			}
			r.running.Store(false)
			return
		case <-ticker.C:
			r.service.ReleaseStalePins()
		}
	}
}

// Pause holds queued exports. The running export finishes.
func (r *Runner) Pause() {
	r.conversions.Pause()
	r.logger.Info("job runner paused")
}

func (r *Runner) Resume() {
	r.conversions.Resume()
	r.logger.Info("job runner resumed")
}

func (r *Runner) IsPaused() bool {
	return r.conversions.IsPaused()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

func (r *Runner) Status() RunnerStatus {
	st := RunnerStatus{
		Running:       r.running.Load(),
		Paused:        r.conversions.IsPaused(),
		ExportsQueued: r.conversions.Size(),
		ExportRunning: r.conversions.IsProcessing(),
		PinnedClips:   r.service.PinnedClips(),
	}
	if r.uploads != nil {
		st.UploadsQueued = r.uploads.Size()
		st.UploadInProgress = r.uploads.IsProcessing()
	}
	return st
}

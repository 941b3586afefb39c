package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/heimdex/heimdex-clipper/internal/buffer"
	"github.com/heimdex/heimdex-clipper/internal/convert"
	"github.com/heimdex/heimdex-clipper/internal/events"
	"github.com/heimdex/heimdex-clipper/internal/export"
	"github.com/heimdex/heimdex-clipper/internal/logging"
	"github.com/heimdex/heimdex-clipper/internal/marker"
	"github.com/heimdex/heimdex-clipper/internal/upload"
)

// ClipService is the surface the HTTP API and the tray use.
type ClipService interface {
	MarkClip(ctx context.Context, req MarkRequest) (*Clip, error)
	RequestExport(ctx context.Context, req ExportRequest) (*Export, *convert.Future[*export.Result], error)
	EnqueueUpload(ctx context.Context, clipID, path string) (*Upload, error)
	GetClip(ctx context.Context, id string) (*Clip, error)
	ListClips(ctx context.Context, limit int) ([]*Clip, error)
	GetExport(ctx context.Context, id string) (*Export, error)
	ListExports(ctx context.Context, limit int) ([]*Export, error)
	ListUploads(ctx context.Context, limit int) ([]*Upload, error)
	ExportEDL(ctx context.Context, title string) (string, error)
}

// Captures exposes the active buffer session.
type Captures interface {
	Session() *buffer.Session
	SourceID() string
}

// Exporter runs one export.
type Exporter interface {
	Export(ctx context.Context, src export.SliceSource, req export.Request, progress func(export.Progress)) (*export.Result, error)
}

// Uploader accepts upload tasks.
type Uploader interface {
	Enqueue(task upload.Task) upload.Task
}

// Publisher receives progress and status events.
type Publisher interface {
	Publish(typ string, data any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// MarkRequest asks for a clip around now. Nil durations take the defaults.
type MarkRequest struct {
	PreMs  *int64 `json:"pre_ms,omitempty"`
	PostMs *int64 `json:"post_ms,omitempty"`
	Title  string `json:"title,omitempty"`
}

// ExportRequest is an export of a marked clip, or of an explicit range on
// the current session when ClipID is empty. A zero EndMs with a ClipID
// exports the clip's own range.
type ExportRequest struct {
	ClipID string `json:"clip_id,omitempty"`
	export.Request
}

// Defaults fill what requests leave out.
type Defaults struct {
	PreMs     int64
	PostMs    int64
	OutputDir string
	Encode    export.EncodeSettings

	// PinTTL bounds how long a marked clip holds its buffer range when it
	// is never exported.
	PinTTL time.Duration
}

// DefaultPinTTL is used when Defaults.PinTTL is zero.
const DefaultPinTTL = 30 * time.Minute

type ServiceConfig struct {
	Repository  Repository
	Captures    Captures
	Marker      *marker.Marker
	Exporter    Exporter
	Conversions *convert.Queue[*export.Result]
	Uploads     Uploader // nil disables uploads
	Events      Publisher
	Defaults    Defaults
	Logger      *slog.Logger
}

type pinnedClip struct {
	session  *buffer.Session
	release  func()
	pinnedAt time.Time
}

type Service struct {
	repo        Repository
	captures    Captures
	marker      *marker.Marker
	exporter    Exporter
	conversions *convert.Queue[*export.Result]
	uploads     Uploader
	events      Publisher
	defaults    Defaults
	logger      *slog.Logger
	now         func() time.Time

	mu   sync.Mutex
	pins map[string]*pinnedClip
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Events == nil {
		cfg.Events = nopPublisher{}
	}
	if cfg.Defaults.PinTTL <= 0 {
		cfg.Defaults.PinTTL = DefaultPinTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		repo:        cfg.Repository,
		captures:    cfg.Captures,
		marker:      cfg.Marker,
		exporter:    cfg.Exporter,
		conversions: cfg.Conversions,
		uploads:     cfg.Uploads,
		events:      cfg.Events,
		defaults:    cfg.Defaults,
		logger:      logging.WithComponent(cfg.Logger, "catalog"),
		now:         time.Now,
		pins:        make(map[string]*pinnedClip),
	}
}

// MarkClip resolves a clip window around now on the active session,
// records it and pins its range until it is exported or the pin expires.
func (s *Service) MarkClip(ctx context.Context, req MarkRequest) (*Clip, error) {
	sess := s.captures.Session()
	if sess == nil || !sess.Active() {
		return nil, marker.ErrNoSession
	}

	pre, post := s.defaults.PreMs, s.defaults.PostMs
	if req.PreMs != nil {
		pre = *req.PreMs
	}
	if req.PostMs != nil {
		post = *req.PostMs
	}
	if pre < 0 || post < 0 {
		return nil, fmt.Errorf("%w: pre_ms and post_ms must not be negative", export.ErrInvalidRequest)
	}

	m, err := s.marker.MarkClip(ctx, sess, pre, post, 0)
	if err != nil {
		return nil, err
	}

	clip := &Clip{
		ID:               m.ID,
		SourceID:         s.captures.SourceID(),
		Title:            req.Title,
		SessionStartedAt: m.SessionStartedAt,
		StartMs:          m.StartMs,
		EndMs:            m.EndMs,
		Status:           ClipStatusMarked,
		MarkedAt:         m.MarkedAt,
		CreatedAt:        s.now(),
	}
	if err := s.repo.CreateClip(ctx, clip); err != nil {
		return nil, fmt.Errorf("record clip: %w", err)
	}

	s.pin(clip.ID, sess, clip.StartMs, clip.EndMs)
	s.events.Publish(events.TypeClipMarked, clip)
	return clip, nil
}

// RequestExport validates and records an export and queues it. The future
// resolves when the conversion queue has run it.
func (s *Service) RequestExport(ctx context.Context, in ExportRequest) (*Export, *convert.Future[*export.Result], error) {
	req := in.Request
	var sess *buffer.Session

	if in.ClipID != "" {
		clip, err := s.repo.GetClip(ctx, in.ClipID)
		if err != nil {
			return nil, nil, err
		}
		if clip == nil {
			return nil, nil, fmt.Errorf("clip %s: %w", in.ClipID, ErrNotFound)
		}
		if req.EndMs == 0 {
			req.StartMs, req.EndMs = clip.StartMs, clip.EndMs
		}
		if req.OutputName == "" {
			req.OutputName = clipName(clip)
		}
		sess = s.sessionFor(clip)
	} else {
		sess = s.captures.Session()
	}
	if sess == nil {
		return nil, nil, fmt.Errorf("%w: no capture session holds this range", export.ErrNoBufferedData)
	}

	req.ID = NewID()
	s.applyDefaults(&req)
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	if err := export.ValidateOutputDir(req.OutputDir); err != nil {
		return nil, nil, err
	}

	now := s.now()
	exp := &Export{
		ID:        req.ID,
		ClipID:    in.ClipID,
		Status:    ExportStatusQueued,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateExport(ctx, exp); err != nil {
		return nil, nil, fmt.Errorf("record export: %w", err)
	}

	s.events.Publish(events.TypeExportQueued, map[string]any{"export_id": exp.ID, "clip_id": exp.ClipID})
	future := s.conversions.Enqueue("export "+exp.ID, func(ctx context.Context) (*export.Result, error) {
		return s.runExport(ctx, exp, sess)
	})
	return exp, future, nil
}

func (s *Service) applyDefaults(req *export.Request) {
	if req.OutputDir == "" {
		req.OutputDir = s.defaults.OutputDir
	}
	if req.OutputName == "" {
		req.OutputName = "clip-" + s.now().Format("20060102-150405")
	}
	enc, def := &req.Encode, s.defaults.Encode
	if enc.Preset == "" {
		enc.Preset = def.Preset
	}
	if enc.QualityFactor <= 0 {
		enc.QualityFactor = def.QualityFactor
	}
	if enc.FPS <= 0 {
		enc.FPS = def.FPS
	}
	if enc.Container == "" {
		enc.Container = def.Container
	}
}

func clipName(c *Clip) string {
	if c.Title != "" {
		return c.Title
	}
	return "clip-" + c.MarkedAt.Local().Format("20060102-150405")
}

// runExport executes on the conversion queue's worker.
func (s *Service) runExport(ctx context.Context, exp *Export, sess *buffer.Session) (*export.Result, error) {
	logger := logging.WithJobID(s.logger, exp.ID)
	bg := context.Background()

	if err := s.repo.UpdateExportStatus(bg, exp.ID, ExportStatusRunning, "", ""); err != nil {
		logger.Error("failed to mark export running", "error", err)
	}

	res, err := s.exporter.Export(ctx, sess, exp.Request, s.progressReporter(exp.ID, logger))
	if err != nil {
		code := ErrorCode(err)
		if uerr := s.repo.UpdateExportStatus(bg, exp.ID, ExportStatusFailed, err.Error(), code); uerr != nil {
			logger.Error("failed to mark export failed", "error", uerr)
		}
		s.events.Publish(events.TypeExportFailed, map[string]any{
			"export_id": exp.ID,
			"clip_id":   exp.ClipID,
			"error":     err.Error(),
			"code":      code,
		})
		return nil, err
	}

	if err := s.repo.CompleteExport(bg, exp.ID, res.OutputPath, res.SizeBytes); err != nil {
		logger.Error("failed to mark export completed", "error", err)
	}
	if exp.ClipID != "" {
		if err := s.repo.UpdateClipStatus(bg, exp.ClipID, ClipStatusExported); err != nil {
			logger.Error("failed to update clip status", "clip_id", exp.ClipID, "error", err)
		}
		s.unpin(exp.ClipID)
	}
	s.events.Publish(events.TypeExportCompleted, map[string]any{
		"export_id":   exp.ID,
		"clip_id":     exp.ClipID,
		"output_path": res.OutputPath,
		"size_bytes":  res.SizeBytes,
	})

	if s.uploads != nil {
		clipID := exp.ClipID
		if clipID == "" {
			clipID = exp.ID
		}
		if _, err := s.queueUpload(bg, clipID, exp.ID, res.OutputPath, 0); err != nil {
			logger.Error("failed to queue upload", "error", err)
		}
	}
	return res, nil
}

// progressReporter publishes every report and persists a report when the
// stage changes or progress moves by at least 5 points.
func (s *Service) progressReporter(exportID string, logger *slog.Logger) func(export.Progress) {
	var mu sync.Mutex
	lastStage := export.Stage("")
	lastPct := -100.0

	return func(p export.Progress) {
		s.events.Publish(events.TypeExportProgress, p)

		mu.Lock()
		persist := p.Stage != lastStage || p.Percent-lastPct >= 5 || p.Percent >= 100
		if persist {
			lastStage, lastPct = p.Stage, p.Percent
		}
		mu.Unlock()

		if persist {
			if err := s.repo.UpdateExportProgress(context.Background(), exportID, string(p.Stage), p.Percent); err != nil {
				logger.Warn("failed to record export progress", "error", err)
			}
		}
	}
}

// EnqueueUpload uploads an existing file. An empty clipID gets a fresh id.
func (s *Service) EnqueueUpload(ctx context.Context, clipID, path string) (*Upload, error) {
	if s.uploads == nil {
		return nil, ErrUploadsDisabled
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: path must be absolute", export.ErrInvalidRequest)
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return nil, fmt.Errorf("%w: %s", upload.ErrNoSourceFile, path)
	}
	if err != nil {
		return nil, err
	}
	if clipID == "" {
		clipID = NewID()
	}
	return s.queueUpload(ctx, clipID, "", path, 0)
}

// queueUpload records the upload before queueing it so hook updates always
// find their row.
func (s *Service) queueUpload(ctx context.Context, clipID, exportID, path string, attempts int) (*Upload, error) {
	now := s.now()
	up := &Upload{
		ID:         NewID(),
		ClipID:     clipID,
		ExportID:   exportID,
		SourcePath: path,
		Status:     UploadStatusPending,
		Attempts:   attempts,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.CreateUpload(ctx, up); err != nil {
		return nil, fmt.Errorf("record upload: %w", err)
	}
	s.uploads.Enqueue(uploadTask(up))
	return up, nil
}

func uploadTask(up *Upload) upload.Task {
	task := upload.Task{
		ID:             up.ID,
		ClipID:         up.ClipID,
		SourceFilePath: up.SourcePath,
		Attempt:        up.Attempts,
	}
	if up.ExportID != "" {
		task.Metadata = map[string]string{"export-id": up.ExportID}
	}
	return task
}

// ResumeUploads requeues uploads left pending or retrying by a previous run.
func (s *Service) ResumeUploads(ctx context.Context) (int, error) {
	if s.uploads == nil {
		return 0, nil
	}
	ups, err := s.repo.ListUploadsByStatus(ctx, UploadStatusPending, UploadStatusRetrying)
	if err != nil {
		return 0, err
	}
	for _, up := range ups {
		s.uploads.Enqueue(uploadTask(up))
	}
	if len(ups) > 0 {
		s.logger.Info("resumed uploads", "count", len(ups))
	}
	return len(ups), nil
}

func (s *Service) GetClip(ctx context.Context, id string) (*Clip, error) {
	return s.repo.GetClip(ctx, id)
}

func (s *Service) ListClips(ctx context.Context, limit int) ([]*Clip, error) {
	return s.repo.ListClips(ctx, limit)
}

func (s *Service) GetExport(ctx context.Context, id string) (*Export, error) {
	return s.repo.GetExport(ctx, id)
}

func (s *Service) ListExports(ctx context.Context, limit int) ([]*Export, error) {
	return s.repo.ListExports(ctx, limit)
}

func (s *Service) ListUploads(ctx context.Context, limit int) ([]*Upload, error) {
	return s.repo.ListUploads(ctx, limit)
}

// ExportEDL lists completed exports, oldest first, as a CMX3600 EDL.
func (s *Service) ExportEDL(ctx context.Context, title string) (string, error) {
	exports, err := s.repo.ListExportsByStatus(ctx, ExportStatusCompleted)
	if err != nil {
		return "", err
	}
	if title == "" {
		title = "Heimdex Clips"
	}

	entries := make([]export.EDLEntry, 0, len(exports))
	for _, e := range exports {
		entries = append(entries, export.EDLEntry{
			Name:      e.Request.OutputName,
			MediaPath: e.OutputPath,
			StartMs:   e.Request.StartMs,
			EndMs:     e.Request.EndMs,
		})
	}

	fps := float64(s.defaults.Encode.FPS)
	if fps <= 0 {
		fps = export.DefaultFPS
	}
	return export.GenerateEDL(entries, title, fps), nil
}

// sessionFor finds the session holding a clip's media: the one it was
// pinned on, or the current one if it started at the same instant.
func (s *Service) sessionFor(c *Clip) *buffer.Session {
	s.mu.Lock()
	p := s.pins[c.ID]
	s.mu.Unlock()
	if p != nil {
		return p.session
	}

	cur := s.captures.Session()
	if cur != nil && sameInstant(cur.StartedAt(), c.SessionStartedAt) {
		return cur
	}
	return nil
}

// sameInstant compares at the millisecond precision timestamps are stored with.
func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Millisecond).Equal(b.Truncate(time.Millisecond))
}

func (s *Service) pin(clipID string, sess *buffer.Session, startMs, endMs int64) {
	release := sess.Pin(startMs, endMs)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.pins[clipID]; old != nil {
		old.release()
	}
	s.pins[clipID] = &pinnedClip{session: sess, release: release, pinnedAt: s.now()}
}

func (s *Service) unpin(clipID string) {
	s.mu.Lock()
	p := s.pins[clipID]
	delete(s.pins, clipID)
	s.mu.Unlock()
	if p != nil {
		p.release()
	}
}

// ReleaseStalePins drops pins older than the TTL or whose session has
// closed, and returns how many were released.
func (s *Service) ReleaseStalePins() int {
	cutoff := s.now().Add(-s.defaults.PinTTL)

	s.mu.Lock()
	var stale []*pinnedClip
	for id, p := range s.pins {
		if p.pinnedAt.Before(cutoff) || !p.session.Active() {
			stale = append(stale, p)
			delete(s.pins, id)
		}
	}
	s.mu.Unlock()

	for _, p := range stale {
		p.release()
	}
	if len(stale) > 0 {
		s.logger.Info("released stale clip pins", "count", len(stale))
	}
	return len(stale)
}

// PinnedClips is the number of clips currently holding a buffer range.
func (s *Service) PinnedClips() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pins)
}

package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/heimdex/heimdex-clipper/internal/buffer"
	"github.com/heimdex/heimdex-clipper/internal/capture"
	"github.com/heimdex/heimdex-clipper/internal/catalog"
	"github.com/heimdex/heimdex-clipper/internal/convert"
	"github.com/heimdex/heimdex-clipper/internal/db"
	"github.com/heimdex/heimdex-clipper/internal/export"
	"github.com/heimdex/heimdex-clipper/internal/logging"
)

const testToken = "test-token"

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestRepo(t *testing.T) catalog.Repository {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := catalog.NewRepository(database.Conn())
	if err := repo.SetConfig(context.Background(), catalog.ConfigKeyAuthToken, testToken); err != nil {
		t.Fatalf("failed to store auth token: %v", err)
	}
	return repo
}

// fakeService answers from canned values and records what it was asked.
type fakeService struct {
	clip      *catalog.Clip
	markErr   error
	lastMark  catalog.MarkRequest
	exports   map[string]*catalog.Export
	result    *export.Result
	exportErr error
	queueErr  error
	lastReq   catalog.ExportRequest
	upload    *catalog.Upload
	uploadErr error
	edl       string

	queue *convert.Queue[*export.Result]
}

func newFakeService(t *testing.T) *fakeService {
	q := convert.New[*export.Result](logging.Discard())
	t.Cleanup(q.Close)
	return &fakeService{exports: map[string]*catalog.Export{}, queue: q}
}

func (f *fakeService) MarkClip(ctx context.Context, req catalog.MarkRequest) (*catalog.Clip, error) {
	f.lastMark = req
	if f.markErr != nil {
		return nil, f.markErr
	}
	return f.clip, nil
}

func (f *fakeService) RequestExport(ctx context.Context, req catalog.ExportRequest) (*catalog.Export, *convert.Future[*export.Result], error) {
	f.lastReq = req
	if f.queueErr != nil {
		return nil, nil, f.queueErr
	}
	exp := &catalog.Export{
		ID:        "exp-1",
		ClipID:    req.ClipID,
		Status:    catalog.ExportStatusQueued,
		Request:   req.Request,
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
	f.exports[exp.ID] = exp
	result, err := f.result, f.exportErr
	future := f.queue.Enqueue("export "+exp.ID, func(ctx context.Context) (*export.Result, error) {
		return result, err
	})
	return exp, future, nil
}

func (f *fakeService) EnqueueUpload(ctx context.Context, clipID, path string) (*catalog.Upload, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return f.upload, nil
}

func (f *fakeService) GetClip(ctx context.Context, id string) (*catalog.Clip, error) {
	if f.clip != nil && f.clip.ID == id {
		return f.clip, nil
	}
	return nil, nil
}

func (f *fakeService) ListClips(ctx context.Context, limit int) ([]*catalog.Clip, error) {
	if f.clip == nil {
		return nil, nil
	}
	return []*catalog.Clip{f.clip}, nil
}

func (f *fakeService) GetExport(ctx context.Context, id string) (*catalog.Export, error) {
	return f.exports[id], nil
}

func (f *fakeService) ListExports(ctx context.Context, limit int) ([]*catalog.Export, error) {
	out := make([]*catalog.Export, 0, len(f.exports))
	for _, e := range f.exports {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeService) ListUploads(ctx context.Context, limit int) ([]*catalog.Upload, error) {
	if f.upload == nil {
		return nil, nil
	}
	return []*catalog.Upload{f.upload}, nil
}

func (f *fakeService) ExportEDL(ctx context.Context, title string) (string, error) {
	return f.edl, nil
}

type fakeCaptures struct {
	sources  []capture.SourceInfo
	running  bool
	startErr error
	started  string
	startCtx context.Context
}

func (f *fakeCaptures) Sources() []capture.SourceInfo { return f.sources }

func (f *fakeCaptures) Start(ctx context.Context, id string) (*buffer.Session, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started, f.startCtx, f.running = id, ctx, true
	return buffer.NewSession(time.Minute), nil
}

func (f *fakeCaptures) Stop() error {
	if !f.running {
		return capture.ErrNotCapturing
	}
	f.running = false
	return nil
}

func (f *fakeCaptures) Status() capture.Status {
	return capture.Status{Running: f.running, SourceID: f.started}
}

type fakeRunner struct {
	status catalog.RunnerStatus
}

func (f *fakeRunner) Status() catalog.RunnerStatus { return f.status }

func testConfig(t *testing.T, svc *fakeService) ServerConfig {
	t.Helper()
	return ServerConfig{
		Version:    "test",
		OutputDir:  t.TempDir(),
		Service:    svc,
		Repository: setupTestRepo(t),
		Captures:   &fakeCaptures{sources: []capture.SourceInfo{{ID: "screen", DisplayName: "Screen"}}},
		Runner:     &fakeRunner{},
		Logger:     logging.Discard(),
		StartTime:  time.Now(),
	}
}

// do sends an authenticated request through the full router.
func do(t *testing.T, cfg ServerConfig, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.RemoteAddr = "127.0.0.1:51000"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(rr, req)
	return rr
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, status, rr.Body.String())
	}
	body := decodeJSONBody(t, rr)
	if got, _ := body["code"].(string); got != code {
		t.Errorf("code = %q, want %q", got, code)
	}
}

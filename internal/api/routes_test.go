package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/heimdex-clipper/internal/capture"
	"github.com/heimdex/heimdex-clipper/internal/catalog"
	"github.com/heimdex/heimdex-clipper/internal/export"
	"github.com/heimdex/heimdex-clipper/internal/logging"
	"github.com/heimdex/heimdex-clipper/internal/marker"
	"github.com/heimdex/heimdex-clipper/internal/playback"
	"github.com/heimdex/heimdex-clipper/internal/transcode"
	"github.com/heimdex/heimdex-clipper/internal/upload"
)

type fakeDoctorProbe struct {
	report *transcode.Report
	err    error
}

func (f *fakeDoctorProbe) Run(ctx context.Context) (*transcode.Report, error) {
	return f.report, f.err
}

func TestHealth_NoAuth(t *testing.T) {
	cfg := testConfig(t, newFakeService(t))

	rr := httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeJSONBody(t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	cfg := testConfig(t, newFakeService(t))

	for _, target := range []string{"/status", "/clips", "/exports", "/uploads", "/sources"} {
		rr := httptest.NewRecorder()
		NewRouter(cfg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code, target)
	}
}

func TestStatus(t *testing.T) {
	cfg := testConfig(t, newFakeService(t))
	cfg.Runner = &fakeRunner{status: catalog.RunnerStatus{Running: true, ExportRunning: true, ExportsQueued: 2}}
	cfg.Doctor = transcode.NewCachedDoctor(&fakeDoctorProbe{report: &transcode.Report{
		Transcoder: transcode.ToolInfo{Name: "ffmpeg", Available: true},
		Prober:     transcode.ToolInfo{Name: "ffprobe", Available: true},
		ProbedAt:   time.Now(),
	}}, logging.Discard())

	rr := do(t, cfg, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeJSONBody(t, rr)
	assert.Equal(t, "exporting", body["state"])

	queues, ok := body["queues"].(map[string]interface{})
	require.True(t, ok, "queues missing")
	assert.Equal(t, 2.0, queues["exports_queued"])

	toolchain, ok := body["toolchain"].(map[string]interface{})
	require.True(t, ok, "toolchain missing")
	assert.Equal(t, true, toolchain["ready"])

	_, ok = body["system"].(map[string]interface{})
	assert.True(t, ok, "system stats missing")
}

func TestStatus_States(t *testing.T) {
	cfg := testConfig(t, newFakeService(t))
	cfg.Doctor = transcode.NewCachedDoctor(&fakeDoctorProbe{err: errors.New("no ffmpeg")}, logging.Discard())

	body := decodeJSONBody(t, do(t, cfg, http.MethodGet, "/status", ""))
	assert.Equal(t, "idle", body["state"])
	_, hasToolchain := body["toolchain"]
	assert.False(t, hasToolchain, "failed probes are omitted")

	cfg.Captures.(*fakeCaptures).running = true
	body = decodeJSONBody(t, do(t, cfg, http.MethodGet, "/status", ""))
	assert.Equal(t, "capturing", body["state"])

	cfg.Runner = &fakeRunner{status: catalog.RunnerStatus{Paused: true}}
	body = decodeJSONBody(t, do(t, cfg, http.MethodGet, "/status", ""))
	assert.Equal(t, "paused", body["state"])
}

func TestSourcesAndCapture(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig(t, newFakeService(t))
	cfg.BaseContext = base
	captures := cfg.Captures.(*fakeCaptures)

	body := decodeJSONBody(t, do(t, cfg, http.MethodGet, "/sources", ""))
	sources := body["sources"].([]interface{})
	require.Len(t, sources, 1)
	assert.Equal(t, "screen", sources[0].(map[string]interface{})["id"])

	rr := do(t, cfg, http.MethodPost, "/capture/start", `{"source_id":"screen"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "screen", captures.started)
	assert.Same(t, base, captures.startCtx, "captures outlive the request")

	rr = do(t, cfg, http.MethodPost, "/capture/stop", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assertErrorCode(t, do(t, cfg, http.MethodPost, "/capture/stop", ""), http.StatusConflict, "NOT_CAPTURING")

	captures.startErr = fmt.Errorf("%w: %q", capture.ErrUnknownSource, "cam")
	assertErrorCode(t, do(t, cfg, http.MethodPost, "/capture/start", `{"source_id":"cam"}`), http.StatusNotFound, "UNKNOWN_SOURCE")
}

func TestMarkClip(t *testing.T) {
	svc := newFakeService(t)
	svc.clip = &catalog.Clip{ID: "clip-1", StartMs: 7000, EndMs: 13000, Status: catalog.ClipStatusMarked, MarkedAt: testTime, SessionStartedAt: testTime}
	cfg := testConfig(t, svc)

	rr := do(t, cfg, http.MethodPost, "/clips", `{"pre_ms":3000,"title":"goal"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	body := decodeJSONBody(t, rr)
	assert.Equal(t, "clip-1", body["id"])
	assert.Equal(t, 6000.0, body["duration_ms"])
	require.NotNil(t, svc.lastMark.PreMs)
	assert.Equal(t, int64(3000), *svc.lastMark.PreMs)
	assert.Nil(t, svc.lastMark.PostMs)
	assert.Equal(t, "goal", svc.lastMark.Title)

	rr = do(t, cfg, http.MethodPost, "/clips", "")
	assert.Equal(t, http.StatusCreated, rr.Code, "an empty body takes the defaults")

	body = decodeJSONBody(t, do(t, cfg, http.MethodGet, "/clips", ""))
	assert.Len(t, body["clips"], 1)

	assert.Equal(t, http.StatusOK, do(t, cfg, http.MethodGet, "/clips/clip-1", "").Code)
	assertErrorCode(t, do(t, cfg, http.MethodGet, "/clips/nope", ""), http.StatusNotFound, "NOT_FOUND")
}

func TestMarkClip_Errors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{marker.ErrBufferTimeout, http.StatusGatewayTimeout, "BUFFER_TIMEOUT"},
		{marker.ErrNoSession, http.StatusConflict, "NO_SESSION"},
		{fmt.Errorf("%w: pre_ms must not be negative", export.ErrInvalidRequest), http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tc := range cases {
		svc := newFakeService(t)
		svc.markErr = tc.err
		assertErrorCode(t, do(t, testConfig(t, svc), http.MethodPost, "/clips", "{}"), tc.status, tc.code)
	}

	cfg := testConfig(t, newFakeService(t))
	assertErrorCode(t, do(t, cfg, http.MethodPost, "/clips", "{not json"), http.StatusBadRequest, "BAD_REQUEST")
}

func TestCreateExport_Queued(t *testing.T) {
	svc := newFakeService(t)
	svc.result = &export.Result{OutputPath: "/clips/goal.mp4"}
	cfg := testConfig(t, svc)

	rr := do(t, cfg, http.MethodPost, "/exports", `{"clip_id":"clip-1","output_name":"goal","aspect":{"ratio":"9:16","mode":"crop"}}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	body := decodeJSONBody(t, rr)
	assert.Equal(t, "exp-1", body["id"])
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "clip-1", svc.lastReq.ClipID)
	assert.Equal(t, "goal", svc.lastReq.OutputName)
	require.NotNil(t, svc.lastReq.Aspect)
	assert.Equal(t, export.ModeCrop, svc.lastReq.Aspect.Mode)

	assert.Equal(t, http.StatusOK, do(t, cfg, http.MethodGet, "/exports/exp-1", "").Code)
	assertErrorCode(t, do(t, cfg, http.MethodGet, "/exports/missing", ""), http.StatusNotFound, "NOT_FOUND")
	body = decodeJSONBody(t, do(t, cfg, http.MethodGet, "/exports", ""))
	assert.Len(t, body["exports"], 1)
}

func TestCreateExport_Wait(t *testing.T) {
	svc := newFakeService(t)
	svc.result = &export.Result{OutputPath: "/clips/goal.mp4"}
	cfg := testConfig(t, svc)

	rr := do(t, cfg, http.MethodPost, "/exports?wait=true", `{"start_ms":1000,"end_ms":5000}`)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeJSONBody(t, rr)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "/clips/goal.mp4", body["output_path"])
	assert.Equal(t, "exp-1", body["export_id"])
}

func TestCreateExport_WaitFailure(t *testing.T) {
	svc := newFakeService(t)
	svc.exportErr = fmt.Errorf("trim: %w", &transcode.ExitError{Code: 1, StderrTail: "moov atom not found"})
	cfg := testConfig(t, svc)

	rr := do(t, cfg, http.MethodPost, "/exports?wait=1", `{"start_ms":1000,"end_ms":5000}`)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	body := decodeJSONBody(t, rr)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "PROCESS_EXIT_NON_ZERO", body["code"])

	svc.exportErr = fmt.Errorf("materialize: %w", export.ErrNoBufferedData)
	rr = do(t, cfg, http.MethodPost, "/exports?wait=true", `{"start_ms":1000,"end_ms":5000}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "NO_BUFFERED_DATA", decodeJSONBody(t, rr)["code"])
}

func TestCreateExport_Rejected(t *testing.T) {
	svc := newFakeService(t)
	svc.queueErr = fmt.Errorf("clip nope: %w", catalog.ErrNotFound)
	cfg := testConfig(t, svc)

	assertErrorCode(t, do(t, cfg, http.MethodPost, "/exports", `{"clip_id":"nope"}`), http.StatusNotFound, "NOT_FOUND")

	svc.queueErr = fmt.Errorf("%w: end_ms must be after start_ms", export.ErrInvalidRequest)
	assertErrorCode(t, do(t, cfg, http.MethodPost, "/exports", `{"start_ms":5,"end_ms":1}`), http.StatusBadRequest, "INVALID_REQUEST")
}

func TestExportFile(t *testing.T) {
	svc := newFakeService(t)
	cfg := testConfig(t, svc)
	cfg.Playback = playback.NewServer(logging.Discard(), cfg.OutputDir)

	clipPath := filepath.Join(cfg.OutputDir, "goal.mp4")
	require.NoError(t, os.WriteFile(clipPath, []byte("0123456789"), 0644))

	svc.exports["running"] = &catalog.Export{ID: "running", Status: catalog.ExportStatusRunning}
	svc.exports["done"] = &catalog.Export{ID: "done", Status: catalog.ExportStatusCompleted, OutputPath: clipPath}
	svc.exports["elsewhere"] = &catalog.Export{ID: "elsewhere", Status: catalog.ExportStatusCompleted, OutputPath: filepath.Join(t.TempDir(), "x.mp4")}

	assertErrorCode(t, do(t, cfg, http.MethodGet, "/exports/running/file", ""), http.StatusConflict, "EXPORT_NOT_READY")
	assertErrorCode(t, do(t, cfg, http.MethodGet, "/exports/missing/file", ""), http.StatusNotFound, "NOT_FOUND")
	assertErrorCode(t, do(t, cfg, http.MethodGet, "/exports/elsewhere/file", ""), http.StatusForbidden, "FORBIDDEN")

	rr := do(t, cfg, http.MethodGet, "/exports/done/file", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "0123456789", rr.Body.String())
	assert.Equal(t, "video/mp4", rr.Header().Get("Content-Type"))

	req := httptest.NewRequest(http.MethodGet, "/exports/done/file", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Range", "bytes=-3")
	req.RemoteAddr = "[::1]:40000"
	rr = httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, "789", rr.Body.String())

	req.RemoteAddr = "10.0.0.8:40000"
	rr = httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestExportFile_HeadOverServer(t *testing.T) {
	svc := newFakeService(t)
	cfg := testConfig(t, svc)
	cfg.Playback = playback.NewServer(logging.Discard(), cfg.OutputDir)

	clipPath := filepath.Join(cfg.OutputDir, "goal.mp4")
	require.NoError(t, os.WriteFile(clipPath, []byte("0123456789"), 0644))
	svc.exports["done"] = &catalog.Export{ID: "done", Status: catalog.ExportStatusCompleted, OutputPath: clipPath}

	server := httptest.NewServer(NewRouter(cfg))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodHead, server.URL+"/exports/done/file", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(10), resp.ContentLength)
}

func TestUploads(t *testing.T) {
	svc := newFakeService(t)
	svc.upload = &catalog.Upload{ID: "up-1", ClipID: "clip-1", SourcePath: "/clips/goal.mp4", Status: catalog.UploadStatusPending}
	cfg := testConfig(t, svc)

	rr := do(t, cfg, http.MethodPost, "/uploads", `{"clip_id":"clip-1","path":"/clips/goal.mp4"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "up-1", decodeJSONBody(t, rr)["id"])

	body := decodeJSONBody(t, do(t, cfg, http.MethodGet, "/uploads", ""))
	assert.Len(t, body["uploads"], 1)

	assertErrorCode(t, do(t, cfg, http.MethodPost, "/uploads", `{"clip_id":"clip-1"}`), http.StatusBadRequest, "INVALID_REQUEST")

	svc.uploadErr = fmt.Errorf("%s: %w", "/clips/gone.mp4", upload.ErrNoSourceFile)
	assertErrorCode(t, do(t, cfg, http.MethodPost, "/uploads", `{"path":"/clips/gone.mp4"}`), http.StatusUnprocessableEntity, "NO_SOURCE_FILE")

	svc.uploadErr = catalog.ErrUploadsDisabled
	assertErrorCode(t, do(t, cfg, http.MethodPost, "/uploads", `{"path":"/clips/goal.mp4"}`), http.StatusConflict, "UPLOADS_DISABLED")
}

func TestEDL(t *testing.T) {
	svc := newFakeService(t)
	svc.edl = "TITLE: Match Day\r\nFCM: NON-DROP FRAME\r\n"
	cfg := testConfig(t, svc)

	rr := do(t, cfg, http.MethodGet, "/clips/edl?title=Match%20Day", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, svc.edl, rr.Body.String())
	assert.Contains(t, rr.Header().Get("Content-Disposition"), ".edl")
}

func TestEvents_Unconfigured(t *testing.T) {
	cfg := testConfig(t, newFakeService(t))
	assertErrorCode(t, do(t, cfg, http.MethodGet, "/events", ""), http.StatusServiceUnavailable, "EVENTS_UNAVAILABLE")
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-clipper/internal/capture"
	"github.com/heimdex/heimdex-clipper/internal/catalog"
	"github.com/heimdex/heimdex-clipper/internal/export"
	"github.com/heimdex/heimdex-clipper/internal/playback"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Get("/sources", listSourcesHandler(cfg))
		r.Post("/capture/start", startCaptureHandler(cfg))
		r.Post("/capture/stop", stopCaptureHandler(cfg))

		r.Post("/clips", markClipHandler(cfg))
		r.Get("/clips", listClipsHandler(cfg))
		r.Get("/clips/edl", edlHandler(cfg))
		r.Get("/clips/{id}", getClipHandler(cfg))

		r.Post("/exports", createExportHandler(cfg))
		r.Get("/exports", listExportsHandler(cfg))
		r.Get("/exports/{id}", getExportHandler(cfg))

		r.Get("/uploads", listUploadsHandler(cfg))
		r.Post("/uploads", createUploadHandler(cfg))

		r.Get("/events", eventsHandler(cfg))

		r.Group(func(r chi.Router) {
			r.Use(LoopbackGuard())
			r.Get("/exports/{id}/file", exportFileHandler(cfg))
			r.Head("/exports/{id}/file", exportFileHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		resp := StatusResponse{State: "idle"}

		if cfg.Captures != nil {
			resp.Capture = cfg.Captures.Status()
			if resp.Capture.Running {
				resp.State = "capturing"
			}
			resp.LastError = resp.Capture.LastError
		}

		if cfg.Runner != nil {
			st := cfg.Runner.Status()
			resp.Queues = &st
			switch {
			case st.Paused:
				resp.State = "paused"
			case st.ExportRunning:
				resp.State = "exporting"
			}
		}

		if resp.State == "idle" && resp.LastError != "" {
			resp.State = "error"
		}

		if cfg.Doctor != nil {
			if report, err := cfg.Doctor.Get(ctx); err == nil && report != nil {
				resp.Toolchain = ToolchainToResponse(report)
			}
		}

		resp.System = collectSystemStats(ctx, cfg.OutputDir)
		WriteJSON(w, http.StatusOK, resp)
	}
}

func listSourcesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := SourcesResponse{Sources: []capture.SourceInfo{}}
		if cfg.Captures != nil {
			resp.Sources = append(resp.Sources, cfg.Captures.Sources()...)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func startCaptureHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Captures == nil {
			WriteError(w, http.StatusServiceUnavailable, "capture is not configured", "CAPTURE_UNAVAILABLE")
			return
		}

		var req CaptureStartRequest
		if err := decodeOptionalJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if _, err := cfg.Captures.Start(cfg.baseContext(), req.SourceID); err != nil {
			if errors.Is(err, capture.ErrUnknownSource) {
				WriteError(w, http.StatusNotFound, err.Error(), "UNKNOWN_SOURCE")
				return
			}
			cfg.Logger.Error("capture start failed", "source_id", req.SourceID, "error", err)
			WriteError(w, http.StatusInternalServerError, err.Error(), catalog.CodeInternal)
			return
		}

		WriteJSON(w, http.StatusOK, cfg.Captures.Status())
	}
}

func stopCaptureHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Captures == nil {
			WriteError(w, http.StatusServiceUnavailable, "capture is not configured", "CAPTURE_UNAVAILABLE")
			return
		}

		if err := cfg.Captures.Stop(); err != nil {
			if errors.Is(err, capture.ErrNotCapturing) {
				WriteError(w, http.StatusConflict, err.Error(), "NOT_CAPTURING")
				return
			}
			WriteError(w, http.StatusInternalServerError, err.Error(), catalog.CodeInternal)
			return
		}

		WriteJSON(w, http.StatusOK, cfg.Captures.Status())
	}
}

func markClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req catalog.MarkRequest
		if err := decodeOptionalJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		clip, err := cfg.Service.MarkClip(r.Context(), req)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}

		WriteJSON(w, http.StatusCreated, ClipToResponse(clip))
	}
}

func listClipsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clips, err := cfg.Service.ListClips(r.Context(), queryLimit(r))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list clips", catalog.CodeInternal)
			return
		}

		resp := ClipsResponse{Clips: make([]ClipResponse, len(clips))}
		for i, c := range clips {
			resp.Clips[i] = ClipToResponse(c)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clip, err := cfg.Service.GetClip(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), catalog.CodeInternal)
			return
		}
		if clip == nil {
			WriteError(w, http.StatusNotFound, "clip not found", catalog.CodeNotFound)
			return
		}

		WriteJSON(w, http.StatusOK, ClipToResponse(clip))
	}
}

// edlHandler returns an edit decision list of every finished clip.
func edlHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		title := r.URL.Query().Get("title")
		edl, err := cfg.Service.ExportEDL(r.Context(), title)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}

		filename := export.SanitizeName(title, 120)
		if filename == "" {
			filename = "heimdex_clips"
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`.edl"`)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, edl)
	}
}

// createExportHandler queues an export. With ?wait=true it holds the
// request until the export finishes and reports {success, output_path}.
func createExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req catalog.ExportRequest
		if err := decodeOptionalJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		exp, future, err := cfg.Service.RequestExport(r.Context(), req)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}

		if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
			WriteJSON(w, http.StatusAccepted, ExportToResponse(exp))
			return
		}

		result, err := future.Wait(r.Context())
		if err != nil {
			if r.Context().Err() != nil {
				// Client went away; the export keeps running.
				return
			}
			code := catalog.ErrorCode(err)
			WriteJSON(w, statusForCode(code), ExportResultResponse{
				ExportID: exp.ID,
				Error:    err.Error(),
				Code:     code,
			})
			return
		}

		WriteJSON(w, http.StatusOK, ExportResultResponse{
			Success:    true,
			ExportID:   exp.ID,
			OutputPath: result.OutputPath,
		})
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exports, err := cfg.Service.ListExports(r.Context(), queryLimit(r))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list exports", catalog.CodeInternal)
			return
		}

		resp := ExportsResponse{Exports: make([]ExportResponse, len(exports))}
		for i, e := range exports {
			resp.Exports[i] = ExportToResponse(e)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exp, err := cfg.Service.GetExport(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), catalog.CodeInternal)
			return
		}
		if exp == nil {
			WriteError(w, http.StatusNotFound, "export not found", catalog.CodeNotFound)
			return
		}

		WriteJSON(w, http.StatusOK, ExportToResponse(exp))
	}
}

// exportFileHandler streams a finished clip with range support.
func exportFileHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		exp, err := cfg.Service.GetExport(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), catalog.CodeInternal)
			return
		}
		if exp == nil {
			WriteError(w, http.StatusNotFound, "export not found", catalog.CodeNotFound)
			return
		}
		if exp.Status != catalog.ExportStatusCompleted || exp.OutputPath == "" {
			WriteError(w, http.StatusConflict, "export has not completed", "EXPORT_NOT_READY")
			return
		}
		if cfg.Playback == nil {
			WriteError(w, http.StatusServiceUnavailable, "playback is not configured", "PLAYBACK_UNAVAILABLE")
			return
		}

		if err := cfg.Playback.ServeClip(w, r, exp.OutputPath); err != nil {
			if errors.Is(err, playback.ErrOutsideRoots) {
				WriteError(w, http.StatusForbidden, "clip is outside the served directories", "FORBIDDEN")
				return
			}
			cfg.Logger.Error("playback error", "error", err, "export_id", id)
			WriteError(w, http.StatusInternalServerError, "failed to read clip", catalog.CodeInternal)
		}
	}
}

func listUploadsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uploads, err := cfg.Service.ListUploads(r.Context(), queryLimit(r))
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list uploads", catalog.CodeInternal)
			return
		}

		resp := UploadsResponse{Uploads: make([]UploadResponse, len(uploads))}
		for i, u := range uploads {
			resp.Uploads[i] = UploadToResponse(u)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func createUploadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UploadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", catalog.CodeInvalidRequest)
			return
		}

		up, err := cfg.Service.EnqueueUpload(r.Context(), req.ClipID, req.Path)
		if err != nil {
			writeServiceError(w, cfg.Logger, err)
			return
		}

		WriteJSON(w, http.StatusAccepted, UploadToResponse(up))
	}
}

func eventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Events == nil {
			WriteError(w, http.StatusServiceUnavailable, "event stream is not configured", "EVENTS_UNAVAILABLE")
			return
		}
		cfg.Events.ServeWS(w, r)
	}
}

// decodeOptionalJSON decodes r's body into v; an empty body leaves v zero.
func decodeOptionalJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

package api

import (
	"time"

	"github.com/heimdex/heimdex-clipper/internal/capture"
	"github.com/heimdex/heimdex-clipper/internal/catalog"
	"github.com/heimdex/heimdex-clipper/internal/export"
	"github.com/heimdex/heimdex-clipper/internal/transcode"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State     string                `json:"state"`
	LastError string                `json:"last_error,omitempty"`
	Capture   capture.Status        `json:"capture"`
	Queues    *catalog.RunnerStatus `json:"queues,omitempty"`
	System    *SystemStats          `json:"system,omitempty"`
	Toolchain *ToolchainResponse    `json:"toolchain,omitempty"`
}

type ToolchainResponse struct {
	Ready       bool               `json:"ready"`
	Transcoder  transcode.ToolInfo `json:"transcoder"`
	Prober      transcode.ToolInfo `json:"prober"`
	LastProbeAt string             `json:"last_probe_at,omitempty"`
}

type SourcesResponse struct {
	Sources []capture.SourceInfo `json:"sources"`
}

type CaptureStartRequest struct {
	SourceID string `json:"source_id,omitempty"`
}

type ClipResponse struct {
	ID               string `json:"id"`
	SourceID         string `json:"source_id,omitempty"`
	Title            string `json:"title,omitempty"`
	StartMs          int64  `json:"start_ms"`
	EndMs            int64  `json:"end_ms"`
	DurationMs       int64  `json:"duration_ms"`
	Status           string `json:"status"`
	SessionStartedAt string `json:"session_started_at"`
	MarkedAt         string `json:"marked_at"`
}

type ClipsResponse struct {
	Clips []ClipResponse `json:"clips"`
}

type ExportResponse struct {
	ID         string         `json:"id"`
	ClipID     string         `json:"clip_id,omitempty"`
	Status     string         `json:"status"`
	Stage      string         `json:"stage,omitempty"`
	Progress   float64        `json:"progress"`
	Request    export.Request `json:"request"`
	OutputPath string         `json:"output_path,omitempty"`
	SizeBytes  int64          `json:"size_bytes,omitempty"`
	Error      string         `json:"error,omitempty"`
	Code       string         `json:"code,omitempty"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

type ExportsResponse struct {
	Exports []ExportResponse `json:"exports"`
}

// ExportResultResponse answers a POST /exports?wait=true.
type ExportResultResponse struct {
	Success    bool   `json:"success"`
	ExportID   string `json:"export_id"`
	OutputPath string `json:"output_path,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
}

type UploadRequest struct {
	ClipID string `json:"clip_id,omitempty"`
	Path   string `json:"path"`
}

type UploadResponse struct {
	ID         string `json:"id"`
	ClipID     string `json:"clip_id"`
	ExportID   string `json:"export_id,omitempty"`
	SourcePath string `json:"source_path"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	URL        string `json:"url,omitempty"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

type UploadsResponse struct {
	Uploads []UploadResponse `json:"uploads"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func ClipToResponse(c *catalog.Clip) ClipResponse {
	return ClipResponse{
		ID:               c.ID,
		SourceID:         c.SourceID,
		Title:            c.Title,
		StartMs:          c.StartMs,
		EndMs:            c.EndMs,
		DurationMs:       c.DurationMs(),
		Status:           c.Status,
		SessionStartedAt: c.SessionStartedAt.Format(time.RFC3339),
		MarkedAt:         c.MarkedAt.Format(time.RFC3339),
	}
}

func ExportToResponse(e *catalog.Export) ExportResponse {
	return ExportResponse{
		ID:         e.ID,
		ClipID:     e.ClipID,
		Status:     e.Status,
		Stage:      e.Stage,
		Progress:   e.Progress,
		Request:    e.Request,
		OutputPath: e.OutputPath,
		SizeBytes:  e.SizeBytes,
		Error:      e.Error,
		Code:       e.ErrorCode,
		CreatedAt:  e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  e.UpdatedAt.Format(time.RFC3339),
	}
}

func UploadToResponse(u *catalog.Upload) UploadResponse {
	return UploadResponse{
		ID:         u.ID,
		ClipID:     u.ClipID,
		ExportID:   u.ExportID,
		SourcePath: u.SourcePath,
		Status:     u.Status,
		Attempts:   u.Attempts,
		URL:        u.URL,
		Error:      u.Error,
		CreatedAt:  u.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  u.UpdatedAt.Format(time.RFC3339),
	}
}

func ToolchainToResponse(r *transcode.Report) *ToolchainResponse {
	resp := &ToolchainResponse{
		Ready:      r.Ready(),
		Transcoder: r.Transcoder,
		Prober:     r.Prober,
	}
	if !r.ProbedAt.IsZero() {
		resp.LastProbeAt = r.ProbedAt.Format(time.RFC3339)
	}
	return resp
}

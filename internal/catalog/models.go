// Package catalog records clips, exports and uploads and drives them through
// the marker, the conversion queue and the upload queue.
package catalog

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-clipper/internal/export"
)

const (
	ClipStatusMarked   = "marked"
	ClipStatusExported = "exported"

	ExportStatusQueued    = "queued"
	ExportStatusRunning   = "running"
	ExportStatusCompleted = "completed"
	ExportStatusFailed    = "failed"

	UploadStatusPending   = "pending"
	UploadStatusRetrying  = "retrying"
	UploadStatusCompleted = "completed"
	UploadStatusFailed    = "failed"
)

// ConfigKeyAuthToken holds the bearer token the HTTP API accepts.
const ConfigKeyAuthToken = "auth_token"

type Clip struct {
	ID               string    `json:"id"`
	SourceID         string    `json:"source_id"`
	Title            string    `json:"title,omitempty"`
	SessionStartedAt time.Time `json:"session_started_at"`
	StartMs          int64     `json:"start_ms"`
	EndMs            int64     `json:"end_ms"`
	Status           string    `json:"status"`
	MarkedAt         time.Time `json:"marked_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// DurationMs is the clip length.
func (c *Clip) DurationMs() int64 {
	return c.EndMs - c.StartMs
}

type Export struct {
	ID         string         `json:"id"`
	ClipID     string         `json:"clip_id,omitempty"`
	Status     string         `json:"status"`
	Stage      string         `json:"stage,omitempty"`
	Progress   float64        `json:"progress"`
	Request    export.Request `json:"request"`
	OutputPath string         `json:"output_path,omitempty"`
	SizeBytes  int64          `json:"size_bytes"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Finished reports whether the export reached a terminal status.
func (e *Export) Finished() bool {
	return e.Status == ExportStatusCompleted || e.Status == ExportStatusFailed
}

type Upload struct {
	ID         string    `json:"id"`
	ClipID     string    `json:"clip_id"`
	ExportID   string    `json:"export_id,omitempty"`
	SourcePath string    `json:"source_path"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	URL        string    `json:"url,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

var VideoExtensions = map[string]bool{
	".mp4": true,
	".mov": true,
	".mkv": true,
	".ts":  true,
}

func NewID() string {
	return uuid.NewString()
}

func IsVideoFile(filename string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(filename))]
}

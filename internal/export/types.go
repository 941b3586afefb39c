// Package export turns a marked range of the live buffer into a finished
// clip file: materialize, trim, optional aspect reshape, optional captions.
package export

import (
	"errors"
	"fmt"
	"strings"

	"github.com/heimdex/heimdex-clipper/internal/buffer"
	"github.com/heimdex/heimdex-clipper/internal/caption"
)

var (
	ErrNoBufferedData = errors.New("no buffered data for clip range")

	// ErrInvalidAspectRatio is logged when a ratio is unusable; the reshape
	// step then passes its input through unchanged. It is never returned.
	ErrInvalidAspectRatio = errors.New("invalid aspect ratio")

	ErrInvalidRequest = errors.New("invalid export request")
)

// Mode is an aspect reshape strategy.
type Mode string

const (
	ModeLetterbox Mode = "letterbox"
	ModeCrop      Mode = "crop"
	ModeStretch   Mode = "stretch"
)

// RatioOriginal keeps the source aspect ratio.
const RatioOriginal = "original"

// AspectTarget requests a reshape to Ratio ("w:h").
type AspectTarget struct {
	Ratio string `json:"ratio"`
	Mode  Mode   `json:"mode"`
}

// Strategy selects how captions are burned in.
type Strategy string

const (
	StrategyFilter Strategy = "filter"
	StrategyFrames Strategy = "frames"
)

// EncodeSettings control re-encoding. Zero values take package defaults.
type EncodeSettings struct {
	Preset        string `json:"preset,omitempty"`
	QualityFactor int    `json:"quality_factor,omitempty"`
	FPS           int    `json:"fps,omitempty"`
	Container     string `json:"container,omitempty"`
	Resolution    string `json:"resolution,omitempty"` // WxH, empty keeps source size
	BitrateMode   string `json:"bitrate_mode,omitempty"`
}

const (
	DefaultPreset    = "veryfast"
	DefaultQuality   = 23
	DefaultFPS       = 30
	DefaultContainer = "mp4"

	BitrateModeCRF = "crf"
	BitrateModeQP  = "qp"
)

var containers = map[string]bool{"mp4": true, "mov": true, "mkv": true}

// WithDefaults fills unset fields.
func (e EncodeSettings) WithDefaults() EncodeSettings {
	if e.Preset == "" {
		e.Preset = DefaultPreset
	}
	if e.QualityFactor <= 0 {
		e.QualityFactor = DefaultQuality
	}
	if e.FPS <= 0 {
		e.FPS = DefaultFPS
	}
	if e.Container == "" {
		e.Container = DefaultContainer
	}
	e.Container = strings.ToLower(strings.TrimPrefix(e.Container, "."))
	if e.BitrateMode == "" {
		e.BitrateMode = BitrateModeCRF
	}
	return e
}

// Request is one export job. StartMs and EndMs are on the session timeline.
type Request struct {
	ID         string            `json:"id"`
	StartMs    int64             `json:"start_ms"`
	EndMs      int64             `json:"end_ms"`
	OutputName string            `json:"output_name"`
	OutputDir  string            `json:"output_dir"`
	Captions   []caption.Overlay `json:"captions,omitempty"`
	Aspect     *AspectTarget     `json:"aspect,omitempty"`
	Encode     EncodeSettings    `json:"encode"`
}

// Validate checks the request shape. It does not touch the filesystem.
func (r Request) Validate() error {
	switch {
	case r.StartMs < 0:
		return fmt.Errorf("%w: start_ms must not be negative", ErrInvalidRequest)
	case r.EndMs <= r.StartMs:
		return fmt.Errorf("%w: end_ms must be after start_ms", ErrInvalidRequest)
	case SanitizeName(r.OutputName, maxNameLen) == "":
		return fmt.Errorf("%w: output_name is required", ErrInvalidRequest)
	case strings.TrimSpace(r.OutputDir) == "":
		return fmt.Errorf("%w: output_dir is required", ErrInvalidRequest)
	}
	if c := r.Encode.WithDefaults().Container; !containers[c] {
		return fmt.Errorf("%w: unsupported container %q", ErrInvalidRequest, c)
	}
	if res := r.Encode.Resolution; res != "" {
		if _, _, ok := ParseResolution(res); !ok {
			return fmt.Errorf("%w: resolution must be WxH", ErrInvalidRequest)
		}
	}
	if r.Aspect != nil && r.Aspect.Mode != "" {
		switch r.Aspect.Mode {
		case ModeLetterbox, ModeCrop, ModeStretch:
		default:
			return fmt.Errorf("%w: unknown aspect mode %q", ErrInvalidRequest, r.Aspect.Mode)
		}
	}
	return nil
}

// DurationMs is the requested clip length.
func (r Request) DurationMs() int64 {
	return r.EndMs - r.StartMs
}

// SliceSource is the buffer read the pipeline needs.
type SliceSource interface {
	Slice(startMs, endMs, paddingMs int64) []buffer.Chunk
}

// Stage names a pipeline step in progress reports.
type Stage string

const (
	StageMaterialize Stage = "materialize"
	StageTrim        Stage = "trim"
	StageReshape     Stage = "reshape"
	StageCaptions    Stage = "captions"
	StageFinalize    Stage = "finalize"
)

// Progress is a per-stage completion report.
type Progress struct {
	ExportID string  `json:"export_id"`
	Stage    Stage   `json:"stage"`
	Percent  float64 `json:"percent"`
}

// Result describes a finished export.
type Result struct {
	OutputPath string `json:"output_path"`
	SizeBytes  int64  `json:"size_bytes"`
	DurationMs int64  `json:"duration_ms"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Reshaped   bool   `json:"reshaped"`
	Captioned  bool   `json:"captioned"`
	StreamCopy bool   `json:"stream_copy"`
}

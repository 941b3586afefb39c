// Package caption lays out timed text overlays and rasterizes them. Layout
// is pure and deterministic over a Measurer, so the drawtext filter chain
// and the rendered-frame compositor place text identically.
package caption

// Alignment is the horizontal alignment of a caption block around its anchor.
type Alignment string

const (
	AlignLeft   Alignment = "left"
	AlignCenter Alignment = "center"
	AlignRight  Alignment = "right"
)

// Overlay is one timed caption. StartMs and EndMs are on the source
// timeline; X and Y are normalized to [0,1] of the frame.
type Overlay struct {
	ID              string    `json:"id"`
	Text            string    `json:"text"`
	StartMs         int64     `json:"start_ms"`
	EndMs           int64     `json:"end_ms"`
	X               float64   `json:"x"`
	Y               float64   `json:"y"`
	FontFamily      string    `json:"font_family,omitempty"`
	FontSizePx      float64   `json:"font_size_px,omitempty"`
	Weight          int       `json:"weight,omitempty"`
	Italic          bool      `json:"italic,omitempty"`
	Underline       bool      `json:"underline,omitempty"`
	Color           string    `json:"color,omitempty"`
	BackgroundColor string    `json:"background_color,omitempty"`
	OpacityPct      float64   `json:"opacity_pct,omitempty"`
	Alignment       Alignment `json:"alignment,omitempty"`
	MaxWidthPx      float64   `json:"max_width_px,omitempty"`
	LetterSpacingPx float64   `json:"letter_spacing_px,omitempty"`
	Visible         bool      `json:"visible"`
}

const (
	DefaultFontSize = 48
	DefaultColor    = "#FFFFFF"
	boldWeight      = 600
)

// Size returns the font size, defaulting when unset.
func (o Overlay) Size() float64 {
	if o.FontSizePx <= 0 {
		return DefaultFontSize
	}
	return o.FontSizePx
}

// Opacity returns the overlay alpha in [0,1]. An unset opacity is opaque.
func (o Overlay) Opacity() float64 {
	if o.OpacityPct <= 0 || o.OpacityPct >= 100 {
		return 1
	}
	return o.OpacityPct / 100
}

// Bold reports whether the weight selects a bold face.
func (o Overlay) Bold() bool {
	return o.Weight >= boldWeight
}

// Align returns the alignment, defaulting to center.
func (o Overlay) Align() Alignment {
	switch o.Alignment {
	case AlignLeft, AlignRight:
		return o.Alignment
	default:
		return AlignCenter
	}
}

// Intersects reports whether the overlay's window touches [startMs, endMs].
func (o Overlay) Intersects(startMs, endMs int64) bool {
	return o.StartMs <= endMs && o.EndMs >= startMs
}

// Participating returns the visible overlays that intersect the clip range,
// in their original order.
func Participating(overlays []Overlay, startMs, endMs int64) []Overlay {
	var out []Overlay
	for _, o := range overlays {
		if o.Visible && o.EndMs > o.StartMs && o.Intersects(startMs, endMs) {
			out = append(out, o)
		}
	}
	return out
}

// Timed is an overlay rebased onto clip-relative seconds.
type Timed struct {
	Overlay
	StartSec float64
	EndSec   float64
}

// Rebase converts overlays to clip-relative seconds, clamps them to
// [0, durationSec] and drops those that end up empty.
func Rebase(overlays []Overlay, clipStartMs int64, durationSec float64) []Timed {
	var out []Timed
	for _, o := range overlays {
		start := float64(o.StartMs)/1000 - float64(clipStartMs)/1000
		end := float64(o.EndMs)/1000 - float64(clipStartMs)/1000
		if end <= 0 || start >= durationSec {
			continue
		}
		start = max(start, 0)
		end = min(end, durationSec)
		if end <= start {
			continue
		}
		out = append(out, Timed{Overlay: o, StartSec: start, EndSec: end})
	}
	return out
}

// ActiveAt reports whether the timed overlay covers t seconds.
func (t Timed) ActiveAt(sec float64) bool {
	return sec >= t.StartSec && sec <= t.EndSec
}

package caption

import (
	"math"
	"strings"
	"unicode/utf8"
)

const (
	lineHeightFactor = 1.2
	paddingFactor    = 0.25
	defaultMaxWidth  = 0.9
)

// Measurer reports the advance width of a rune in pixels at a fixed size.
type Measurer interface {
	Advance(r rune) float64
}

// FixedMeasurer gives every rune the same advance.
type FixedMeasurer float64

func (f FixedMeasurer) Advance(rune) float64 { return float64(f) }

// MeasureWidth sums per-rune advances plus letterSpacing between runes.
func MeasureWidth(m Measurer, text string, letterSpacing float64) float64 {
	var w float64
	for _, r := range text {
		w += m.Advance(r)
	}
	if n := utf8.RuneCountInString(text); letterSpacing > 0 && n > 1 {
		w += letterSpacing * float64(n-1)
	}
	return w
}

// GlyphOffsets returns each rune's x offset from the line start, advancing
// by the rune's width plus letterSpacing, the same way the frame renderer
// steps its drawer.
func GlyphOffsets(m Measurer, text string, letterSpacing float64) []float64 {
	offsets := make([]float64, 0, utf8.RuneCountInString(text))
	var x float64
	for _, r := range text {
		offsets = append(offsets, x)
		x += m.Advance(r) + letterSpacing
	}
	return offsets
}

// Wrap greedily fills lines up to maxWidth. A word wider than maxWidth
// occupies its own line and is never split. Runs of whitespace collapse to
// one space.
func Wrap(m Measurer, text string, maxWidth, letterSpacing float64) []string {
	var lines []string
	var cur string
	for _, word := range strings.Fields(text) {
		if cur == "" {
			cur = word
			continue
		}
		candidate := cur + " " + word
		if MeasureWidth(m, candidate, letterSpacing) <= maxWidth {
			cur = candidate
			continue
		}
		lines = append(lines, cur)
		cur = word
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	if len(lines) == 0 {
		return []string{text}
	}
	return lines
}

// Rect is an axis-aligned box in frame pixels.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Block is the resolved geometry of one overlay in a frame.
type Block struct {
	Lines      []string  `json:"lines"`
	LineWidths []float64 `json:"line_widths"`
	FontSize   float64   `json:"font_size"`
	LineHeight float64   `json:"line_height"`
	Width      float64   `json:"width"`
	Height     float64   `json:"height"`
	AnchorX    float64   `json:"anchor_x"`
	AnchorY    float64   `json:"anchor_y"`
	Left       float64   `json:"left"`
	Top        float64   `json:"top"`
	Alignment  Alignment `json:"alignment"`
	Background *Rect     `json:"background,omitempty"`
}

// LineX is the left edge of line i inside the block.
func (b Block) LineX(i int) float64 {
	switch b.Alignment {
	case AlignLeft:
		return b.Left
	case AlignRight:
		return b.Left + b.Width - b.LineWidths[i]
	default:
		return b.Left + (b.Width-b.LineWidths[i])/2
	}
}

// LineY is the top edge of line i.
func (b Block) LineY(i int) float64 {
	return b.Top + float64(i)*b.LineHeight
}

// Layout wraps the overlay's text and positions it in a frameW x frameH
// frame. The block's alignment edge (or center) sits on the normalized X
// anchor and the block is vertically centered on Y, then clamped inside the
// frame. m must measure at the overlay's font size.
func Layout(o Overlay, frameW, frameH int, m Measurer) Block {
	size := o.Size()
	maxWidth := o.MaxWidthPx
	if maxWidth <= 0 {
		maxWidth = float64(frameW) * defaultMaxWidth
	}

	lines := Wrap(m, o.Text, maxWidth, o.LetterSpacingPx)
	widths := make([]float64, len(lines))
	var blockW float64
	for i, l := range lines {
		widths[i] = MeasureWidth(m, l, o.LetterSpacingPx)
		blockW = math.Max(blockW, widths[i])
	}
	lineH := size * lineHeightFactor
	blockH := lineH * float64(len(lines))

	b := Block{
		Lines:      lines,
		LineWidths: widths,
		FontSize:   size,
		LineHeight: lineH,
		Width:      blockW,
		Height:     blockH,
		AnchorX:    clamp01(o.X) * float64(frameW),
		AnchorY:    clamp01(o.Y) * float64(frameH),
		Alignment:  o.Align(),
	}

	switch b.Alignment {
	case AlignLeft:
		b.Left = b.AnchorX
	case AlignRight:
		b.Left = b.AnchorX - blockW
	default:
		b.Left = b.AnchorX - blockW/2
	}
	b.Top = b.AnchorY - blockH/2

	b.Left = clampSpan(b.Left, blockW, float64(frameW))
	b.Top = clampSpan(b.Top, blockH, float64(frameH))

	if o.BackgroundColor != "" {
		pad := size * paddingFactor
		b.Background = &Rect{
			X: b.Left - pad,
			Y: b.Top - pad,
			W: blockW + 2*pad,
			H: blockH + 2*pad,
		}
	}
	return b
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}

// clampSpan keeps [pos, pos+span] inside [0, limit], pinning to 0 when the
// span is larger than the limit.
func clampSpan(pos, span, limit float64) float64 {
	if pos+span > limit {
		pos = limit - span
	}
	return math.Max(pos, 0)
}

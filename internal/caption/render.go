package caption

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

// Prepared is an overlay with its layout and face resolved for one frame size.
type Prepared struct {
	Timed
	Block Block
	face  font.Face
	fg    color.NRGBA
	bg    *color.NRGBA
}

// Renderer rasterizes caption overlays into transparent RGBA frames.
type Renderer struct {
	book *FontBook
}

// NewRenderer creates a renderer over book.
func NewRenderer(book *FontBook) *Renderer {
	return &Renderer{book: book}
}

// Prepare lays out every overlay once for a frameW x frameH canvas.
func (r *Renderer) Prepare(overlays []Timed, frameW, frameH int) ([]Prepared, error) {
	out := make([]Prepared, 0, len(overlays))
	for _, t := range overlays {
		block, face, err := r.book.LayoutWith(t.Overlay, frameW, frameH)
		if err != nil {
			return nil, err
		}
		fg, bg := Colors(t.Overlay)
		out = append(out, Prepared{Timed: t, Block: block, face: face, fg: fg, bg: bg})
	}
	return out, nil
}

// Signature identifies which prepared overlays are visible at sec. Frames
// with equal signatures are pixel-identical.
func Signature(prepared []Prepared, sec float64) string {
	var sb strings.Builder
	for i, p := range prepared {
		if p.ActiveAt(sec) {
			fmt.Fprintf(&sb, "%d,", i)
		}
	}
	return sb.String()
}

// DrawFrame draws every prepared overlay active at sec onto a new
// transparent frame.
func (r *Renderer) DrawFrame(prepared []Prepared, frameW, frameH int, sec float64) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, frameW, frameH))
	for _, p := range prepared {
		if p.ActiveAt(sec) {
			drawBlock(dst, p)
		}
	}
	return dst
}

// EncodePNG encodes a frame with fast compression.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func drawBlock(dst draw.Image, p Prepared) {
	b := p.Block
	if p.bg != nil && b.Background != nil {
		draw.Draw(dst, toRect(*b.Background), image.NewUniform(*p.bg), image.Point{}, draw.Over)
	}

	metrics := p.face.Metrics()
	ascent := float64(metrics.Ascent) / 64
	descent := float64(metrics.Descent) / 64
	src := image.NewUniform(p.fg)

	for i, line := range b.Lines {
		x := b.LineX(i)
		baseline := b.LineY(i) + (b.LineHeight-(ascent+descent))/2 + ascent

		d := &font.Drawer{Dst: dst, Src: src, Face: p.face}
		d.Dot = fixed.Point26_6{X: toFixed(x), Y: toFixed(baseline)}
		if p.LetterSpacingPx > 0 {
			spacing := toFixed(p.LetterSpacingPx)
			for _, ch := range line {
				d.DrawString(string(ch))
				d.Dot.X += spacing
			}
		} else {
			d.DrawString(line)
		}

		if p.Underline {
			thickness := math.Max(1, b.FontSize/15)
			y := baseline + descent/2
			r := Rect{X: x, Y: y, W: b.LineWidths[i], H: thickness}
			draw.Draw(dst, toRect(r), src, image.Point{}, draw.Over)
		}
	}
}

func toFixed(v float64) fixed.Int26_6 {
	return fixed.Int26_6(math.Round(v * 64))
}

func toRect(r Rect) image.Rectangle {
	return image.Rect(
		int(math.Floor(r.X)),
		int(math.Floor(r.Y)),
		int(math.Ceil(r.X+r.W)),
		int(math.Ceil(r.Y+r.H)),
	)
}

package caption

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/gofont/gomonobolditalic"
	"golang.org/x/image/font/gofont/gomonoitalic"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

type variant struct {
	mono   bool
	bold   bool
	italic bool
}

func (v variant) name() string {
	n := "go"
	if v.mono {
		n += "mono"
	}
	if v.bold {
		n += "bold"
	}
	if v.italic {
		n += "italic"
	}
	if n == "go" {
		n = "goregular"
	}
	return n
}

func (v variant) ttf() []byte {
	switch {
	case v.mono && v.bold && v.italic:
		return gomonobolditalic.TTF
	case v.mono && v.bold:
		return gomonobold.TTF
	case v.mono && v.italic:
		return gomonoitalic.TTF
	case v.mono:
		return gomono.TTF
	case v.bold && v.italic:
		return gobolditalic.TTF
	case v.bold:
		return gobold.TTF
	case v.italic:
		return goitalic.TTF
	default:
		return goregular.TTF
	}
}

var monoFamilies = []string{"mono", "courier", "consol", "menlo", "code"}

// FontBook maps requested families onto the embedded Go fonts. Families
// containing a monospace hint use Go Mono; everything else uses Go Sans.
// Parsed fonts are cached; faces are created per call because a face is
// not safe for concurrent use.
type FontBook struct {
	mu     sync.Mutex
	parsed map[variant]*opentype.Font
}

// NewFontBook creates an empty font book.
func NewFontBook() *FontBook {
	return &FontBook{parsed: make(map[variant]*opentype.Font)}
}

func resolve(o Overlay) variant {
	family := strings.ToLower(o.FontFamily)
	v := variant{bold: o.Bold(), italic: o.Italic}
	for _, hint := range monoFamilies {
		if strings.Contains(family, hint) {
			v.mono = true
			break
		}
	}
	return v
}

// FontName identifies the face an overlay resolves to, e.g. "gobolditalic".
func (b *FontBook) FontName(o Overlay) string {
	return resolve(o).name()
}

// TTF returns the raw font file for the overlay's face.
func (b *FontBook) TTF(o Overlay) []byte {
	return resolve(o).ttf()
}

// Face returns a new face at the overlay's size.
func (b *FontBook) Face(o Overlay) (font.Face, error) {
	v := resolve(o)

	b.mu.Lock()
	f, ok := b.parsed[v]
	if !ok {
		var err error
		f, err = opentype.Parse(v.ttf())
		if err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("parse font %s: %w", v.name(), err)
		}
		b.parsed[v] = f
	}
	b.mu.Unlock()

	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    o.Size(),
		DPI:     72,
		Hinting: font.HintingNone,
	})
	if err != nil {
		return nil, fmt.Errorf("create face %s: %w", v.name(), err)
	}
	return face, nil
}

// FaceMeasurer measures runes with a font face.
type FaceMeasurer struct {
	Face font.Face
}

func (m FaceMeasurer) Advance(r rune) float64 {
	a, ok := m.Face.GlyphAdvance(r)
	if !ok {
		a, _ = m.Face.GlyphAdvance('?')
	}
	return float64(a) / 64
}

// LayoutWith lays out o using the font book's face for it.
func (b *FontBook) LayoutWith(o Overlay, frameW, frameH int) (Block, font.Face, error) {
	face, err := b.Face(o)
	if err != nil {
		return Block{}, nil, err
	}
	return Layout(o, frameW, frameH, FaceMeasurer{Face: face}), face, nil
}

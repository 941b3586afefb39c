package caption

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"golang.org/x/image/colornames"
)

// ParseColor accepts #RGB, #RRGGBB, #RRGGBBAA (the # is optional) and CSS
// color names.
func ParseColor(s string) (color.NRGBA, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return color.NRGBA{}, fmt.Errorf("empty color")
	}
	if c, ok := colornames.Map[strings.ToLower(s)]; ok {
		return color.NRGBA{R: c.R, G: c.G, B: c.B, A: c.A}, nil
	}

	hex := strings.TrimPrefix(s, "#")
	switch len(hex) {
	case 3:
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]}) + "ff"
	case 6:
		hex += "ff"
	case 8:
	default:
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}

	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	return color.NRGBA{
		R: uint8(v >> 24),
		G: uint8(v >> 16),
		B: uint8(v >> 8),
		A: uint8(v),
	}, nil
}

// WithOpacity scales the color's alpha.
func WithOpacity(c color.NRGBA, opacity float64) color.NRGBA {
	c.A = uint8(float64(c.A)*opacity + 0.5)
	return c
}

// FilterColor formats a color as 0xRRGGBB@alpha for filter expressions.
func FilterColor(c color.NRGBA) string {
	return fmt.Sprintf("0x%02X%02X%02X@%.3f", c.R, c.G, c.B, float64(c.A)/255)
}

// Colors resolves the text and background colors of o with its opacity
// applied. Unparseable text colors fall back to white; an
// unparseable background disables the box.
func Colors(o Overlay) (fg color.NRGBA, bg *color.NRGBA) {
	fg, err := ParseColor(o.Color)
	if err != nil {
		fg, _ = ParseColor(DefaultColor)
	}
	fg = WithOpacity(fg, o.Opacity())

	if o.BackgroundColor != "" {
		if c, err := ParseColor(o.BackgroundColor); err == nil {
			c = WithOpacity(c, o.Opacity())
			bg = &c
		}
	}
	return fg, bg
}

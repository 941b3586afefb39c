package ui

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
)

const iconSize = 32

var (
	iconOnce sync.Once
	iconPNG  []byte
)

// trayIcon is a record dot: a red disc inside a light ring.
func trayIcon() []byte {
	iconOnce.Do(func() {
		iconPNG = renderIcon(iconSize)
	})
	return iconPNG
}

func renderIcon(size int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	c := float64(size-1) / 2
	outer, inner := c, c*0.62
	ring := color.NRGBA{R: 0xEE, G: 0xEE, B: 0xEE, A: 0xFF}
	dot := color.NRGBA{R: 0xE0, G: 0x24, B: 0x24, A: 0xFF}

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)-c, float64(y)-c
			d2 := dx*dx + dy*dy
			switch {
			case d2 <= inner*inner:
				img.SetNRGBA(x, y, dot)
			case d2 <= outer*outer && d2 >= (outer-2)*(outer-2):
				img.SetNRGBA(x, y, ring)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

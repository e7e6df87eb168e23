// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package tile

import (
	"image"

	"github.com/lucasb-eyer/go-colorful"
)

// Background filtering defaults. Whitespace is judged on the RGB mean of a
// pixel, grayspace on its HSV saturation. A fraction of 1.0 disables the
// respective filter, so whitespace filtering is off by default.
const (
	DefaultWhitespaceFraction  = 1.0
	DefaultWhitespaceThreshold = 230
	DefaultGrayspaceFraction   = 0.6
	DefaultGrayspaceThreshold  = 0.05
)

// QCResult classifies one tile.
type QCResult int

const (
	QCPass QCResult = iota
	QCWhitespace
	QCGrayspace
)

// qcFilter applies whitespace and grayspace filtering to a tile image.
type qcFilter struct {
	whitespaceFraction  float64
	whitespaceThreshold float64
	grayspaceFraction   float64
	grayspaceThreshold  float64
}

func (q qcFilter) check(img image.Image) QCResult {
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return QCWhitespace
	}

	white := 0
	gray := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			r8, g8, b8 := float64(r>>8), float64(g>>8), float64(bl>>8)
			if (r8+g8+b8)/3 > q.whitespaceThreshold {
				white++
			}
			c := colorful.Color{R: r8 / 255, G: g8 / 255, B: b8 / 255}
			_, s, _ := c.Hsv()
			if s < q.grayspaceThreshold {
				gray++
			}
		}
	}

	// A fraction of 1.0 disables the filter entirely.
	if q.whitespaceFraction < 1 && float64(white)/float64(total) >= q.whitespaceFraction {
		return QCWhitespace
	}
	if q.grayspaceFraction < 1 && float64(gray)/float64(total) >= q.grayspaceFraction {
		return QCGrayspace
	}
	return QCPass
}

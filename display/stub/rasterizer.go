// Package stub renders the "no signal" stand-in screen the display mirror
// shows whenever it has nothing live to put on the CRTC (spec §4.6). The
// text rendering is adapted from the teacher's rimage.DrawString/Font
// helpers (rimage/draw.go): a shared truetype.Font parsed once from
// golang.org/x/image/font/gofont/goregular and drawn through a
// github.com/fogleman/gg context.
package stub

import (
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

var (
	fontOnce sync.Once
	font     *truetype.Font
	fontErr  error
)

func loadFont() (*truetype.Font, error) {
	fontOnce.Do(func() {
		font, fontErr = truetype.Parse(goregular.TTF)
	})
	return font, fontErr
}

// Background and text colors, chosen for legibility on the kind of small,
// often low-contrast displays a KVM mirror output drives.
var (
	backgroundColor = color.RGBA{R: 24, G: 24, B: 28, A: 255}
	titleColor      = color.RGBA{R: 235, G: 235, B: 235, A: 255}
	detailColor     = color.RGBA{R: 150, G: 150, B: 155, A: 255}
)

// Screen holds everything needed to re-render the stub caption into a
// caller-owned buffer without reallocating a gg context on every frame.
type Screen struct {
	width, height int
	dc            *gg.Context
}

// New builds a Screen for a w×h output.
func New(width, height int) (*Screen, error) {
	if _, err := loadFont(); err != nil {
		return nil, err
	}
	return &Screen{width: width, height: height, dc: gg.NewContext(width, height)}, nil
}

// Render draws title (large, centered) and detail (small, below it, often
// a timestamp or a device path) and returns the backing RGBA pixels.
func (s *Screen) Render(title, detail string) *image.RGBA {
	dc := s.dc
	dc.SetColor(backgroundColor)
	dc.Clear()

	face := truetype.NewFace(font, &truetype.Options{Size: float64(s.height) / 14})
	dc.SetFontFace(face)
	dc.SetColor(titleColor)
	dc.DrawStringAnchored(title, float64(s.width)/2, float64(s.height)/2-10, 0.5, 0.5)

	if detail != "" {
		smallFace := truetype.NewFace(font, &truetype.Options{Size: float64(s.height) / 28})
		dc.SetFontFace(smallFace)
		dc.SetColor(detailColor)
		dc.DrawStringAnchored(detail, float64(s.width)/2, float64(s.height)/2+24, 0.5, 0.5)
	}

	return dc.Image().(*image.RGBA)
}

// RenderInto copies Render's RGBA output into dst, the dumb-buffer scanout
// path's 4-bytes-per-pixel buffer, writing each pixel as B, G, R, A and
// honoring dstStride.
func RenderInto(s *Screen, title, detail string, dst []byte, dstStride int) {
	img := s.Render(title, detail)
	bounds := img.Bounds()
	for y := 0; y < bounds.Dy(); y++ {
		srcRow := img.Pix[y*img.Stride : y*img.Stride+bounds.Dx()*4]
		dstRow := dst[y*dstStride:]
		for x := 0; x < bounds.Dx(); x++ {
			r, g, b, a := srcRow[x*4], srcRow[x*4+1], srcRow[x*4+2], srcRow[x*4+3]
			di := x * 4
			if di+3 >= len(dstRow) {
				break
			}
			dstRow[di], dstRow[di+1], dstRow[di+2], dstRow[di+3] = b, g, r, a
		}
	}
}

// NoSignalDetail formats the detail line shown under the "No Signal"
// caption: the last time a frame was seen, if ever.
func NoSignalDetail(lastFrame time.Time) string {
	if lastFrame.IsZero() {
		return "waiting for capture device"
	}
	return "last signal " + time.Since(lastFrame).Round(time.Second).String() + " ago"
}

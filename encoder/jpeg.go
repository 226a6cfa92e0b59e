package encoder

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/pkg/errors"

	"kvmstream/frame"
)

// JPEGEncoder is the default still-image Encoder. The still-image codec is
// explicitly out of kvmstream's core scope (spec §1); this implementation
// exists only so the pipeline is runnable end to end without an external
// plugin. It is built on the standard library's image/jpeg because the
// retrieval pack carries no third-party JPEG codec (the pack's image
// libraries - gg, freetype, x/image/font - are all text/vector rasterizers,
// not bitmap codecs), so there is nothing to wire here instead.
type JPEGEncoder struct {
	Quality int
}

// NewJPEGEncoder returns a JPEGEncoder at the given JPEG quality (1-100).
func NewJPEGEncoder(quality int) *JPEGEncoder {
	if quality <= 0 {
		quality = 85
	}
	return &JPEGEncoder{Quality: quality}
}

// Encode implements Encoder by converting hw's pixel data to image.Image
// and JPEG-compressing it into dest.
func (e *JPEGEncoder) Encode(hw frame.Hardware, dest *frame.Raw) error {
	img, err := toImage(hw.Raw)
	if err != nil {
		return errors.Wrap(err, "convert capture buffer to image")
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return errors.Wrap(err, "jpeg encode")
	}

	dest.Data = buf.Bytes()
	dest.Width = hw.Width
	dest.Height = hw.Height
	dest.Stride = 0
	dest.Format = frame.FourCC{'J', 'P', 'E', 'G'}
	dest.Hz = hw.Hz
	dest.GrabbedAt = hw.GrabbedAt
	dest.Seq = hw.Seq
	dest.Online = true
	return nil
}

func toImage(r frame.Raw) (image.Image, error) {
	switch r.Format {
	case frame.FormatRGB24:
		return rgb24ToImage(r), nil
	case frame.FormatYUYV:
		return yuyvToImage(r), nil
	default:
		return nil, errors.Errorf("unsupported pixel format %q for still encode", r.Format)
	}
}

func rgb24ToImage(r frame.Raw) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	stride := r.Stride
	if stride == 0 {
		stride = r.Width * 3
	}
	for y := 0; y < r.Height; y++ {
		rowOff := y * stride
		for x := 0; x < r.Width; x++ {
			srcOff := rowOff + x*3
			if srcOff+2 >= len(r.Data) {
				break
			}
			dstOff := img.PixOffset(x, y)
			img.Pix[dstOff+0] = r.Data[srcOff+0]
			img.Pix[dstOff+1] = r.Data[srcOff+1]
			img.Pix[dstOff+2] = r.Data[srcOff+2]
			img.Pix[dstOff+3] = 0xff
		}
	}
	return img
}

// yuyvToImage converts packed YUYV (4:2:2) into an image.YCbCr, which
// encodes directly to JPEG without an intermediate RGB conversion.
func yuyvToImage(r frame.Raw) image.Image {
	stride := r.Stride
	if stride == 0 {
		stride = r.Width * 2
	}
	img := image.NewYCbCr(image.Rect(0, 0, r.Width, r.Height), image.YCbCrSubsampleRatio422)
	for y := 0; y < r.Height; y++ {
		rowOff := y * stride
		for x := 0; x < r.Width; x += 2 {
			srcOff := rowOff + x*2
			if srcOff+3 >= len(r.Data) {
				break
			}
			y0 := r.Data[srcOff+0]
			u := r.Data[srcOff+1]
			y1 := r.Data[srcOff+2]
			v := r.Data[srcOff+3]

			yi0 := img.YOffset(x, y)
			img.Y[yi0] = y0
			if x+1 < r.Width {
				yi1 := img.YOffset(x+1, y)
				img.Y[yi1] = y1
			}
			ci := img.COffset(x, y)
			img.Cb[ci] = u
			img.Cr[ci] = v
		}
	}
	return img
}

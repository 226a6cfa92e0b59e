package encoder

import (
	"bytes"
	"image/jpeg"
	"testing"

	"kvmstream/frame"
)

func solidRGB24(width, height int, r, g, b byte) frame.Raw {
	data := make([]byte, width*height*3)
	for i := 0; i < len(data); i += 3 {
		data[i], data[i+1], data[i+2] = r, g, b
	}
	return frame.Raw{Data: data, Width: width, Height: height, Stride: width * 3, Format: frame.FormatRGB24}
}

func TestJPEGEncoderRoundTripsRGB24(t *testing.T) {
	enc := NewJPEGEncoder(90)
	hw := frame.Hardware{Raw: solidRGB24(16, 16, 200, 50, 50)}
	var dest frame.Raw
	if err := enc.Encode(hw, &dest); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(dest.Data) == 0 {
		t.Fatal("expected non-empty jpeg output")
	}
	if _, err := jpeg.Decode(bytes.NewReader(dest.Data)); err != nil {
		t.Fatalf("decode produced jpeg: %v", err)
	}
	if dest.Width != 16 || dest.Height != 16 {
		t.Errorf("dest dims = %dx%d, want 16x16", dest.Width, dest.Height)
	}
	if !dest.Online {
		t.Error("encoded still frame should be marked online")
	}
}

func TestJPEGEncoderRejectsUnsupportedFormat(t *testing.T) {
	enc := NewJPEGEncoder(90)
	hw := frame.Hardware{Raw: frame.Raw{Width: 4, Height: 4, Format: frame.FormatMJPEG}}
	var dest frame.Raw
	if err := enc.Encode(hw, &dest); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestYUYVToImageProducesCorrectBounds(t *testing.T) {
	width, height := 4, 2
	data := make([]byte, width*height*2)
	r := frame.Raw{Data: data, Width: width, Height: height, Stride: width * 2, Format: frame.FormatYUYV}
	img := yuyvToImage(r)
	b := img.Bounds()
	if b.Dx() != width || b.Dy() != height {
		t.Errorf("bounds = %v, want %dx%d", b, width, height)
	}
}

package motionvideo

import (
	"testing"

	"kvmstream/frame"
)

func TestNoopProcessorIsInert(t *testing.T) {
	var p Noop
	p.PushFrame(nil, true)
	if p.RequestedKeyframe() {
		t.Fatal("Noop should never report a requested keyframe")
	}
	p.Close()
}

func TestRawToImageConvertsRGB24(t *testing.T) {
	w, h := 2, 2
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = byte(i)
	}
	r := frame.Raw{Data: data, Width: w, Height: h, Stride: w * 3, Format: frame.FormatRGB24}
	img := RawToImage(r)
	if img.Bounds().Dx() != w || img.Bounds().Dy() != h {
		t.Fatalf("bounds = %v, want %dx%d", img.Bounds(), w, h)
	}
	rr, gg, bb, aa := img.At(0, 0).RGBA()
	if aa>>8 != 255 {
		t.Errorf("expected opaque alpha, got %d", aa>>8)
	}
	if rr>>8 != uint32(data[0]) || gg>>8 != uint32(data[1]) || bb>>8 != uint32(data[2]) {
		t.Errorf("pixel (0,0) = (%d,%d,%d), want (%d,%d,%d)", rr>>8, gg>>8, bb>>8, data[0], data[1], data[2])
	}
}

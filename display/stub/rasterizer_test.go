package stub

import (
	"testing"
	"time"
)

func TestRenderProducesNonEmptyImage(t *testing.T) {
	s, err := New(320, 240)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	img := s.Render("No Signal", "waiting for capture device")
	if img.Bounds().Dx() != 320 || img.Bounds().Dy() != 240 {
		t.Fatalf("image bounds = %v, want 320x240", img.Bounds())
	}

	var anyNonBackground bool
	for _, p := range img.Pix {
		if p != 0 {
			anyNonBackground = true
			break
		}
	}
	if !anyNonBackground {
		t.Fatal("expected rendered image to contain non-zero pixels")
	}
}

func TestRenderIntoConvertsToBGRA(t *testing.T) {
	s, err := New(64, 48)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stride := 64 * 4
	dst := make([]byte, stride*48)
	RenderInto(s, "BUSY", "", dst, stride)
	// background is opaque, so alpha bytes should be 255 throughout.
	for y := 0; y < 48; y++ {
		if dst[y*stride+3] != 255 {
			t.Fatalf("row %d alpha = %d, want 255", y, dst[y*stride+3])
		}
	}
}

func TestNoSignalDetail(t *testing.T) {
	if got := NoSignalDetail(time.Time{}); got != "waiting for capture device" {
		t.Errorf("zero-time detail = %q", got)
	}
	past := time.Now().Add(-5 * time.Second)
	if got := NoSignalDetail(past); got == "" {
		t.Error("expected non-empty detail for non-zero lastFrame")
	}
}

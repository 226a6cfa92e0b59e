// Package motionvideo defines the motion-video sink the stream controller
// feeds raw frames into (spec §4.8). The interface is intentionally small:
// the stream controller doesn't know or care whether frames end up on a
// WebRTC track, a unix socket, or nowhere at all, only that it can push a
// frame and optionally demand a keyframe.
package motionvideo

import (
	"image"

	"kvmstream/frame"
)

// Processor accepts decoded frames for onward motion-video delivery.
// Implementations must not block the caller for long: the stream
// controller calls PushFrame once per captured frame on its hot path.
type Processor interface {
	// PushFrame delivers one frame. forceKeyframe hints that the consumer
	// should encode this frame as a keyframe, e.g. because a new viewer
	// just joined mid-stream.
	PushFrame(img image.Image, forceKeyframe bool)

	// RequestedKeyframe reports and clears any pending keyframe request a
	// downstream consumer raised out-of-band (e.g. over the WebRTC data
	// channel after packet loss).
	RequestedKeyframe() bool

	// Close stops accepting frames and releases any associated resources.
	Close()
}

// Noop discards every frame. It is the default Processor so that running
// kvmstreamd without a motion-video consumer configured is a deliberate,
// low-cost no-op rather than an error (spec §4.8 "out of scope by
// default; only activated by explicit configuration").
type Noop struct{}

func (Noop) PushFrame(image.Image, bool) {}
func (Noop) RequestedKeyframe() bool     { return false }
func (Noop) Close()                      {}

// RawToImage adapts a frame.Raw capture buffer to image.Image for
// consumers (like Processor implementations) that work in terms of the
// standard image package rather than kvmstream's wire format.
func RawToImage(r frame.Raw) image.Image {
	switch r.Format {
	case frame.FormatRGB24:
		return rgb24Image(r)
	default:
		return rgb24Image(r) // callers are expected to pre-convert unsupported formats
	}
}

func rgb24Image(r frame.Raw) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	for y := 0; y < r.Height; y++ {
		srcRow := r.Data[y*r.Stride:]
		dstRow := img.Pix[y*img.Stride:]
		for x := 0; x < r.Width; x++ {
			si, di := x*3, x*4
			dstRow[di], dstRow[di+1], dstRow[di+2], dstRow[di+3] = srcRow[si], srcRow[si+1], srcRow[si+2], 255
		}
	}
	return img
}

package codec

import (
	"context"
	"image"

	"github.com/edaniels/golog"
)

// DefaultKeyFrameInterval is used by stream configs that don't specify a
// target frame rate of their own.
const DefaultKeyFrameInterval = 30

// A VideoEncoder is anything that can encode raw images into a byte stream
// of a single, consistent format (see VideoEncoderFactory.MIMEType).
type VideoEncoder interface {
	Encode(ctx context.Context, img image.Image) ([]byte, error)
	Close()
}

// A VideoEncoderFactory produces VideoEncoders and provides information
// about the underlying encoder itself.
type VideoEncoderFactory interface {
	New(width, height, keyFrameInterval int, logger golog.Logger) (VideoEncoder, error)
	MIMEType() string
}

package gostream

import (
	"github.com/edaniels/golog"

	"kvmstream/gostream/codec"
)

// A StreamConfig describes how a Stream should be managed.
type StreamConfig struct {
	Name                string
	VideoEncoderFactory codec.VideoEncoderFactory
	AudioEncoderFactory codec.AudioEncoderFactory

	// TargetFrameRate will hint to the stream to try to maintain this frame rate.
	TargetFrameRate int

	// KeyFrameInterval is passed to VideoEncoderFactory.New as the encoder's
	// GOP size. Defaults to TargetFrameRate if zero, matching the encoder's
	// own keyFrameInterval-per-factory convention.
	KeyFrameInterval int

	Logger golog.Logger
}

// Package vpx contains the vpx video codec.
package vpx

import (
	"context"
	"fmt"
	"image"

	"github.com/edaniels/golog"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v3"

	ourcodec "kvmstream/gostream/codec"
)

type encoder struct {
	codec  codec.ReadCloser
	img    image.Image
	logger golog.Logger
}

// Version determines the version of a vpx codec.
type Version string

// The set of allowed vpx versions.
const (
	Version8 Version = "vp8"
	Version9 Version = "vp9"
)

// defaultBitrate is used when the caller doesn't configure one explicitly
// (spec §6 "h264_bitrate"; kvmstream wires this from config.Config rather
// than hardcoding it for every deployment).
const defaultBitrate = 3_200_000

// NewEncoder returns a vpx encoder of the given type that can encode images of the given width and height. It will
// also ensure that it produces key frames at the given interval, at the given bitrate (bps; 0 uses defaultBitrate).
func NewEncoder(codecVersion Version, width, height, keyFrameInterval, bitrate int, logger golog.Logger) (ourcodec.VideoEncoder, error) {
	enc := &encoder{logger: logger}
	if bitrate <= 0 {
		bitrate = defaultBitrate
	}

	var builder codec.VideoEncoderBuilder
	switch codecVersion {
	case Version8:
		params, err := vpx.NewVP8Params()
		if err != nil {
			return nil, err
		}
		builder = &params
		params.BitRate = bitrate
		params.KeyFrameInterval = keyFrameInterval
	case Version9:
		params, err := vpx.NewVP9Params()
		if err != nil {
			return nil, err
		}
		builder = &params
		params.BitRate = bitrate
		params.KeyFrameInterval = keyFrameInterval
	default:
		return nil, fmt.Errorf("unsupported vpx version: %s", codecVersion)
	}

	codec, err := builder.BuildVideoEncoder(enc, prop.Media{
		Video: prop.Video{
			Width:  width,
			Height: height,
		},
	})
	if err != nil {
		return nil, err
	}
	enc.codec = codec

	return enc, nil
}

// Read returns an image for codec to process.
func (v *encoder) Read() (img image.Image, release func(), err error) {
	return v.img, nil, nil
}

// Encode asks the codec to process the given image.
func (v *encoder) Encode(_ context.Context, img image.Image) ([]byte, error) {
	v.img = img
	data, release, err := v.codec.Read()
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	release()
	return dataCopy, err
}

// Close releases the underlying libvpx encoder.
func (v *encoder) Close() {
	if v.codec != nil {
		_ = v.codec.Close()
	}
}

// ForceKeyFrame asks the underlying libvpx encoder to emit a keyframe on
// its next Encode call, if it supports the capability (vpx's
// codec.ReadCloser does via a codec.KeyFrameController).
func (v *encoder) ForceKeyFrame() error {
	if fk, ok := v.codec.(interface{ ForceKeyFrame() error }); ok {
		return fk.ForceKeyFrame()
	}
	return nil
}

// NewEncoderFactory returns a VideoEncoderFactory that produces vpx
// encoders of the given version (vp8 or vp9) at the given bitrate (bps;
// 0 uses the package default).
func NewEncoderFactory(codecVersion Version, bitrate int) ourcodec.VideoEncoderFactory {
	return &factory{version: codecVersion, bitrate: bitrate}
}

type factory struct {
	version Version
	bitrate int
}

func (f *factory) New(width, height, keyFrameInterval int, logger golog.Logger) (ourcodec.VideoEncoder, error) {
	return NewEncoder(f.version, width, height, keyFrameInterval, f.bitrate, logger)
}

func (f *factory) MIMEType() string {
	switch f.version {
	case Version9:
		return webrtc.MimeTypeVP9
	default:
		return webrtc.MimeTypeVP8
	}
}

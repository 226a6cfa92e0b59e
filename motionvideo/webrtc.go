package motionvideo

import (
	"image"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v3"

	"kvmstream/gostream"
	"kvmstream/gostream/codec"
	"kvmstream/gostream/codec/vpx"
)

// WebRTCSettings configures the default Processor.
type WebRTCSettings struct {
	Name            string
	TargetFrameRate int
	CodecVersion    vpx.Version

	// Bitrate and GOPSize are the motion-video encoder knobs from spec §6
	// (h264_bitrate, h264_gop). A zero Bitrate uses the vpx package's
	// default; a zero GOPSize uses the stream's target frame rate.
	Bitrate int
	GOPSize int
}

// WebRTCProcessor streams frames out over a WebRTC video track using the
// adapted gostream.Stream, the teacher's own WebRTC plumbing generalized
// from robot video sources to raw KVM capture frames.
type WebRTCProcessor struct {
	stream       gostream.Stream
	keyRequested atomic.Bool
}

// NewWebRTCProcessor builds a Processor backed by a vpx-encoded WebRTC
// video track. Callers obtain the negotiable track via Track() and hand
// it to their own signaling layer; kvmstreamd itself has no signaling
// server (spec §4.8 non-goal: "no bundled browser delivery").
func NewWebRTCProcessor(settings WebRTCSettings, logger golog.Logger) (*WebRTCProcessor, error) {
	version := settings.CodecVersion
	if version == "" {
		version = vpx.Version8
	}
	frameRate := settings.TargetFrameRate
	if frameRate == 0 {
		frameRate = codec.DefaultKeyFrameInterval
	}

	s, err := gostream.NewStream(gostream.StreamConfig{
		Name:                settings.Name,
		VideoEncoderFactory: vpx.NewEncoderFactory(version, settings.Bitrate),
		TargetFrameRate:     frameRate,
		KeyFrameInterval:    settings.GOPSize,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}
	s.Start()

	p := &WebRTCProcessor{stream: s}
	return p, nil
}

// Track returns the negotiable WebRTC video track, or false if none was
// configured.
func (p *WebRTCProcessor) Track() (webrtc.TrackLocal, bool) {
	type trackLocaler interface {
		VideoTrackLocal() (webrtc.TrackLocal, bool)
	}
	tl, ok := p.stream.(trackLocaler)
	if !ok {
		return nil, false
	}
	return tl.VideoTrackLocal()
}

// PushFrame implements Processor. forceKeyframe (set by the stream
// controller after a slowdown period lifts, spec §4.7.1) asks the active
// video encoder to emit a keyframe for this frame rather than just
// recording that one was wanted, closing the loop RequestedKeyframe
// reports on instead.
func (p *WebRTCProcessor) PushFrame(img image.Image, forceKeyframe bool) {
	if forceKeyframe {
		p.stream.ForceKeyFrame()
	}
	ch, err := p.stream.InputVideoFrames(prop.Video{})
	if err != nil {
		return
	}
	pair := gostream.MediaReleasePair[image.Image]{Media: img}
	select {
	case ch <- pair:
	case <-time.After(50 * time.Millisecond):
		// a stalled encoder shouldn't back up the capture pipeline; drop
		// the frame and let the next one through.
	}
}

// RequestKeyframe records an out-of-band keyframe request from a
// downstream consumer (e.g. a signaling layer reacting to packet loss over
// the data channel). RequestedKeyframe reports and clears it.
func (p *WebRTCProcessor) RequestKeyframe() {
	p.keyRequested.Store(true)
}

// RequestedKeyframe implements Processor.
func (p *WebRTCProcessor) RequestedKeyframe() bool {
	return p.keyRequested.Swap(false)
}

// Close implements Processor.
func (p *WebRTCProcessor) Close() {
	p.stream.Stop()
}

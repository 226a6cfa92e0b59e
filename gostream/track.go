package gostream

import (
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// Debug enables verbose per-sample logging in the output pump loops. It is
// a package variable, not a StreamConfig field, because it is meant to be
// flipped at runtime (a debug build or signal handler), not per-stream.
var Debug = false

// trackLocalStaticSample adapts webrtc.TrackLocalStaticSample, a
// push-oriented track that does its own RTP packetization from whole
// encoded samples, to the write-whatever-bytes-we-have call sites in
// stream.go.
type trackLocalStaticSample struct {
	*webrtc.TrackLocalStaticSample

	latency time.Duration
}

func newVideoTrackLocalStaticSample(capability webrtc.RTPCodecCapability, id, streamID string) *trackLocalStaticSample {
	t, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		// capability/id/streamID are static, caller-controlled strings;
		// webrtc.NewTrackLocalStaticSample only errors on malformed ones.
		panic(err)
	}
	return &trackLocalStaticSample{TrackLocalStaticSample: t}
}

func newAudioTrackLocalStaticSample(capability webrtc.RTPCodecCapability, id, streamID string) *trackLocalStaticSample {
	return newVideoTrackLocalStaticSample(capability, id, streamID)
}

func (t *trackLocalStaticSample) setAudioLatency(d time.Duration) {
	t.latency = d
}

// WriteData pushes one already-encoded sample (a JPEG/VP8/VP9 frame or an
// Opus chunk) onto the track. Duration is only a hint pion uses for RTP
// timestamp spacing; it does not gate delivery.
func (t *trackLocalStaticSample) WriteData(data []byte) error {
	dur := t.latency
	if dur == 0 {
		dur = 33 * time.Millisecond
	}
	return t.WriteSample(media.Sample{Data: data, Duration: dur})
}

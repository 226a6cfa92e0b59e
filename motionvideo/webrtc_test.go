package motionvideo

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v3"

	"kvmstream/gostream"
)

// fakeStream is a minimal gostream.Stream for exercising WebRTCProcessor's
// keyframe plumbing without a real vpx encoder or peer connection.
type fakeStream struct {
	videoCh       chan gostream.MediaReleasePair[image.Image]
	forceKeyCalls int
}

func newFakeStream() *fakeStream {
	return &fakeStream{videoCh: make(chan gostream.MediaReleasePair[image.Image], 1)}
}

func (f *fakeStream) Name() string   { return "fake" }
func (f *fakeStream) Start()         {}
func (f *fakeStream) Stop()          {}
func (f *fakeStream) ForceKeyFrame() { f.forceKeyCalls++ }

func (f *fakeStream) StreamingReady() (<-chan struct{}, context.Context) {
	ch := make(chan struct{})
	return ch, context.Background()
}

func (f *fakeStream) InputVideoFrames(prop.Video) (chan<- gostream.MediaReleasePair[image.Image], error) {
	return f.videoCh, nil
}

func (f *fakeStream) InputAudioChunks(prop.Audio) (chan<- gostream.MediaReleasePair[wave.Audio], error) {
	return nil, nil
}

func (f *fakeStream) VideoTrackLocal() (webrtc.TrackLocal, bool) { return nil, false }
func (f *fakeStream) AudioTrackLocal() (webrtc.TrackLocal, bool) { return nil, false }

func TestPushFrameForcesKeyframeOnlyWhenAsked(t *testing.T) {
	fs := newFakeStream()
	p := &WebRTCProcessor{stream: fs}

	p.PushFrame(image.NewRGBA(image.Rect(0, 0, 1, 1)), false)
	if fs.forceKeyCalls != 0 {
		t.Fatalf("forceKeyCalls = %d, want 0", fs.forceKeyCalls)
	}

	p.PushFrame(image.NewRGBA(image.Rect(0, 0, 1, 1)), true)
	if fs.forceKeyCalls != 1 {
		t.Fatalf("forceKeyCalls = %d, want 1", fs.forceKeyCalls)
	}

	select {
	case <-fs.videoCh:
	case <-time.After(time.Second):
		t.Fatal("expected a frame on the video channel")
	}
}

func TestRequestedKeyframeReportsAndClears(t *testing.T) {
	p := &WebRTCProcessor{stream: newFakeStream()}

	if p.RequestedKeyframe() {
		t.Fatal("expected no pending keyframe request initially")
	}

	p.RequestKeyframe()
	if !p.RequestedKeyframe() {
		t.Fatal("expected RequestedKeyframe to report the pending request")
	}
	if p.RequestedKeyframe() {
		t.Fatal("expected RequestedKeyframe to clear after reporting")
	}
}

func TestPushFrameDropsOnStalledEncoder(t *testing.T) {
	fs := newFakeStream()
	fs.videoCh = make(chan gostream.MediaReleasePair[image.Image]) // unbuffered, nobody reads

	p := &WebRTCProcessor{stream: fs}

	done := make(chan struct{})
	go func() {
		p.PushFrame(image.NewRGBA(image.Rect(0, 0, 1, 1)), false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PushFrame should drop the frame and return instead of blocking forever")
	}
}

package stream

import (
	"context"
	"image"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"kvmstream/config"
	"kvmstream/display"
	"kvmstream/encoder"
	"kvmstream/frame"
	"kvmstream/logging"
	"kvmstream/memsink"
	"kvmstream/motionvideo"
)

func newTestSink(t *testing.T) *memsink.Sink {
	t.Helper()
	s, err := memsink.Open(t.Name(), 4, 64*1024)
	if err != nil {
		t.Fatalf("open memsink: %v", err)
	}
	t.Cleanup(func() {
		path := s.Path()
		s.Close()
		os.Remove(path)
	})
	return s
}

func testController(t *testing.T, cfg config.Config, motion motionvideo.Processor) (*Controller, *memsink.Sink) {
	t.Helper()
	if cfg.ImageRingCapacity == 0 {
		cfg.ImageRingCapacity = 4
	}
	if cfg.RawRingCapacity == 0 {
		cfg.RawRingCapacity = 4
	}
	sink := newTestSink(t)
	encPool := encoder.NewPool(1, &noopEncoder{}, time.Second, nil, logging.NewDebug("test"))
	c := New(cfg, nil, encPool, sink, nil, motion, nil, logging.NewDebug("test"))
	return c, sink
}

type noopEncoder struct{}

func (*noopEncoder) Encode(hw frame.Hardware, dest *frame.Raw) error {
	dest.Online = true
	return nil
}

type fakeMotion struct {
	frames    atomic.Int64
	lastForce atomic.Bool
}

func (f *fakeMotion) PushFrame(img image.Image, forceKeyframe bool) {
	f.frames.Add(1)
	f.lastForce.Store(forceKeyframe)
}
func (f *fakeMotion) RequestedKeyframe() bool { return false }
func (f *fakeMotion) Close()                  {}

func TestApplySlowdownDisabledReturnsImmediately(t *testing.T) {
	c, _ := testController(t, config.Config{Slowdown: false}, nil)
	start := time.Now()
	if c.applySlowdown(context.Background()) {
		t.Fatal("expected no slowdown when disabled")
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("applySlowdown should not sleep when disabled")
	}
}

func TestApplySlowdownSkipsWhenClientPresent(t *testing.T) {
	c, sink := testController(t, config.Config{Slowdown: true}, nil)
	sink.Heartbeat()

	start := time.Now()
	if c.applySlowdown(context.Background()) {
		t.Fatal("expected no slowdown while a client is present")
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("applySlowdown should not sleep when a client is already present")
	}
}

func TestApplySlowdownLiftsAfterOneSecondIdle(t *testing.T) {
	c, _ := testController(t, config.Config{Slowdown: true}, nil)

	start := time.Now()
	lifted := c.applySlowdown(context.Background())
	elapsed := time.Since(start)

	if !lifted {
		t.Fatal("expected slowdown to report lifted after the full idle budget")
	}
	if elapsed < 900*time.Millisecond {
		t.Fatalf("applySlowdown returned too early: %v", elapsed)
	}
}

func TestApplySlowdownRespectsContextCancel(t *testing.T) {
	c, _ := testController(t, config.Config{Slowdown: true}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	lifted := c.applySlowdown(ctx)
	elapsed := time.Since(start)

	if lifted {
		t.Fatal("a cancelled context should never report slowdown lifted")
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("applySlowdown ignored context cancellation: %v", elapsed)
	}
}

func TestPublishBlankFrameSetsOnlineFalse(t *testing.T) {
	c, _ := testController(t, config.Config{CaptureWidth: 64, CaptureHeight: 48}, nil)

	c.publishBlankFrame(context.Background(), display.StubNoSignal, "No Signal")

	idx, err := c.imageRing.ConsumerAcquire(time.Second)
	if err != nil {
		t.Fatalf("expected a blank frame on the image ring: %v", err)
	}
	r := *c.imageRing.Item(idx)
	c.imageRing.ConsumerRelease(idx)

	if r.Online {
		t.Fatal("blank frame must publish with Online=false")
	}
	if len(r.Data) == 0 {
		t.Fatal("blank frame must carry encoded jpeg bytes")
	}
}

func TestApplyBlankPolicyFreezeForeverDoesNotPublish(t *testing.T) {
	c, _ := testController(t, config.Config{LastAsBlank: 0}, nil)

	c.applyBlankPolicy(context.Background())

	select {
	case <-time.After(50 * time.Millisecond):
	default:
	}
	if _, err := c.imageRing.ConsumerAcquire(50 * time.Millisecond); err == nil {
		t.Fatal("FreezeForever must not publish a blank frame to the image ring")
	}
}

func TestApplyBlankPolicyImmediatePublishes(t *testing.T) {
	c, _ := testController(t, config.Config{LastAsBlank: -1}, nil)

	c.applyBlankPolicy(context.Background())

	idx, err := c.imageRing.ConsumerAcquire(time.Second)
	if err != nil {
		t.Fatalf("expected BlankImmediately to publish right away: %v", err)
	}
	r := *c.imageRing.Item(idx)
	c.imageRing.ConsumerRelease(idx)
	if r.Online {
		t.Fatal("published blank frame must be marked offline")
	}
}

func TestReapEncodedJobDropsFailedAndLateJobs(t *testing.T) {
	c, _ := testController(t, config.Config{}, nil)

	c.reapEncodedJob(&encoder.Job{Dest: &frame.Raw{Online: true}, JobFailed: true, JobTimely: true})
	c.reapEncodedJob(&encoder.Job{Dest: &frame.Raw{Online: true}, JobFailed: false, JobTimely: false})

	if _, err := c.imageRing.ConsumerAcquire(50 * time.Millisecond); err == nil {
		t.Fatal("failed or late jobs must not reach the image ring")
	}

	c.reapEncodedJob(&encoder.Job{Dest: &frame.Raw{Online: true}, JobFailed: false, JobTimely: true})
	if _, err := c.imageRing.ConsumerAcquire(time.Second); err != nil {
		t.Fatal("a successful, timely job should reach the image ring")
	}
}

func TestMotionForwardLoopThreadsForceKeyframe(t *testing.T) {
	motion := &fakeMotion{}
	c, _ := testController(t, config.Config{}, motion)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		c.motionForwardLoop(stop)
		close(done)
	}()

	raw := frame.Raw{Width: 2, Height: 2, Stride: 6, Format: frame.FormatRGB24, Data: make([]byte, 12)}
	c.forwardRaw(raw, true)

	deadline := time.After(time.Second)
	for motion.frames.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("motion processor never received the forwarded frame")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !motion.lastForce.Load() {
		t.Fatal("expected forceKeyframe=true to propagate from forwardRaw")
	}

	close(stop)
	<-done
}

func TestVsyncAndErrorDelayDefaults(t *testing.T) {
	c, _ := testController(t, config.Config{}, nil)
	if c.vsyncTimeout() != time.Second {
		t.Fatalf("vsyncTimeout default = %v, want 1s", c.vsyncTimeout())
	}
	if c.errorDelay() != time.Second {
		t.Fatalf("errorDelay default = %v, want 1s", c.errorDelay())
	}

	c2, _ := testController(t, config.Config{VsyncTimeout: 5 * time.Second, ErrorDelay: 2 * time.Second}, nil)
	if c2.vsyncTimeout() != 5*time.Second {
		t.Fatalf("vsyncTimeout = %v, want 5s", c2.vsyncTimeout())
	}
	if c2.errorDelay() != 2*time.Second {
		t.Fatalf("errorDelay = %v, want 2s", c2.errorDelay())
	}
}

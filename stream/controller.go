// Package stream implements the stream controller from spec §4.7: the
// outer reinit loop that (re)opens the capture device whenever it
// disappears or errors out, and the inner per-frame loop that grabs
// buffers, fans them out to the still-image encoder pool, the display
// mirror, and the motion-video processor, and republishes captured-fps
// telemetry every second.
package stream

import (
	"bytes"
	"context"
	"image/jpeg"
	"sync"
	"time"

	"github.com/pkg/errors"

	"kvmstream/config"
	"kvmstream/device"
	"kvmstream/display"
	"kvmstream/display/stub"
	"kvmstream/encoder"
	"kvmstream/frame"
	"kvmstream/framering"
	"kvmstream/logging"
	"kvmstream/memsink"
	"kvmstream/motionvideo"
	"kvmstream/releaser"
	"kvmstream/telemetry"
)

// errExitIdle is returned internally by the inner loop when exit-on-idle
// fires; Run treats it as a clean shutdown rather than a reinit trigger.
var errExitIdle = errors.New("stream: exiting, no clients for configured duration")

// motionItem is one raw frame handed from the capture loop to
// motionForwardLoop, carrying the force-keyframe decision made at grab
// time (spec §4.7 step 4) alongside the pixels.
type motionItem struct {
	raw           frame.Raw
	forceKeyframe bool
}

// Controller ties every streaming-core component together per spec §4.7.
type Controller struct {
	log     logging.Logger
	cfg     config.Config
	metrics *telemetry.Metrics

	dev     *device.Device
	encPool *encoder.Pool
	sink    *memsink.Sink
	disp    *display.Runtime
	motion  motionvideo.Processor

	imageRing *framering.Ring[frame.Raw]
	rawRing   *framering.Ring[motionItem]

	releaseMu sync.Mutex

	stubScreen *stub.Screen
}

// New assembles a Controller. Callers must have already opened sink and
// (if display is enabled) disp; Controller owns dev's open/close cycle
// and encPool's lifetime.
func New(
	cfg config.Config,
	dev *device.Device,
	encPool *encoder.Pool,
	sink *memsink.Sink,
	disp *display.Runtime,
	motion motionvideo.Processor,
	metrics *telemetry.Metrics,
	log logging.Logger,
) *Controller {
	if motion == nil {
		motion = motionvideo.Noop{}
	}
	return &Controller{
		log:       log.Named("stream"),
		cfg:       cfg,
		metrics:   metrics,
		dev:       dev,
		encPool:   encPool,
		sink:      sink,
		disp:      disp,
		motion:    motion,
		imageRing: framering.New(cfg.ImageRingCapacity, func() frame.Raw { return frame.Raw{} }),
		rawRing:   framering.New(cfg.RawRingCapacity, func() motionItem { return motionItem{} }),
	}
}

func (c *Controller) errorDelay() time.Duration {
	if c.cfg.ErrorDelay <= 0 {
		return time.Second
	}
	return c.cfg.ErrorDelay
}

func (c *Controller) vsyncTimeout() time.Duration {
	if c.cfg.VsyncTimeout <= 0 {
		return time.Second
	}
	return c.cfg.VsyncTimeout
}

// Run executes the outer reinit loop until ctx is done or exit-on-idle
// fires. It owns dev's Open/Close cycle: each reinit attempt opens the
// device fresh, so a disconnected capture card doesn't need a process
// restart to recover (spec §4.7, §7).
//
// The image-ring consumer (publishLoop) runs for the Controller's whole
// lifetime rather than per capture session, so applyBlankPolicy can still
// publish a blank frame to the memsink while the device is down between
// reinit attempts.
func (c *Controller) Run(ctx context.Context) error {
	c.encPool.Start()
	defer c.encPool.Close()

	stopPublish := make(chan struct{})
	var publishWg sync.WaitGroup
	publishWg.Add(1)
	go func() {
		defer publishWg.Done()
		c.publishLoop(stopPublish)
	}()
	defer func() {
		close(stopPublish)
		publishWg.Wait()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := c.openDevice(); err != nil {
			c.log.Warnw("device open failed, will retry", "error", err)
			c.applyBlankPolicy(ctx)
			if !sleepCtx(ctx, c.errorDelay()) {
				return nil
			}
			continue
		}

		err := c.runInner(ctx)
		c.dev.Close()

		if errors.Is(err, errExitIdle) {
			c.log.Infow("exiting: no clients within configured window")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warnw("capture loop ended, reopening device", "error", err)
		c.applyBlankPolicy(ctx)
		if !sleepCtx(ctx, c.errorDelay()) {
			return nil
		}
	}
}

func (c *Controller) openDevice() error {
	return c.dev.Open(device.Settings{
		Path:        c.cfg.DevicePath,
		Width:       c.cfg.CaptureWidth,
		Height:      c.cfg.CaptureHeight,
		Format:      frame.FormatRGB24,
		DesiredFPS:  c.cfg.DesiredFPS,
		NumBuffers:  c.cfg.NumBuffers,
		DMAExport:   c.disp != nil,
		GrabTimeout: time.Second,
	})
}

// applyBlankPolicy reacts to the capture device going away: the local
// display mirror always falls back to its stub screen immediately, while
// the memsink-facing image ring follows the three LastAsBlank modes from
// spec §4.7.3 independently (FreezeForever leaves the ring alone, so
// remote clients keep seeing the last live frame indefinitely even though
// the local mirror already shows "No Signal").
func (c *Controller) applyBlankPolicy(ctx context.Context) {
	c.exposeStub(display.StubNoSignal, "No Signal")

	switch c.cfg.Mode() {
	case config.BlankImmediately:
		c.publishBlankFrame(ctx, display.StubNoSignal, "No Signal")
	case config.FreezeThenBlank:
		delay := c.cfg.LastAsBlank
		go func() {
			select {
			case <-time.After(delay):
				c.publishBlankFrame(ctx, display.StubNoSignal, "No Signal")
			case <-ctx.Done():
			}
		}()
	case config.FreezeForever:
		// the ring keeps carrying the last live frame indefinitely.
	}
}

func (c *Controller) exposeStub(reason display.StubReason, detail string) {
	if c.disp == nil {
		return
	}
	if err := c.disp.ExposeStub(reason, func(img []byte, stride, w, h int) {
		if c.stubScreen == nil {
			c.stubScreen, _ = stub.New(w, h)
		}
		if c.stubScreen != nil {
			stub.RenderInto(c.stubScreen, reason.Caption(), detail, img, stride)
		}
	}); err != nil {
		c.log.Warnw("expose stub failed", "error", err)
	}
}

// blankJPEG rasterizes the same stub caption the display mirror shows into
// a pre-rendered JPEG still, for the memsink-facing half of the blank/
// online policy (spec §4.7.3).
func (c *Controller) blankJPEG(reason display.StubReason, detail string) []byte {
	w, h := c.cfg.CaptureWidth, c.cfg.CaptureHeight
	if w <= 0 || h <= 0 {
		w, h = 1280, 720
	}
	screen, err := stub.New(w, h)
	if err != nil {
		c.log.Warnw("render blank jpeg failed", "error", err)
		return nil
	}
	img := screen.Render(reason.Caption(), detail)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		c.log.Warnw("encode blank jpeg failed", "error", err)
		return nil
	}
	return buf.Bytes()
}

// publishBlankFrame pushes a blank jpeg into the image ring with
// online=false, retrying in a tight loop while the ring is full and
// abandoning the publish if ctx ends first (spec §4.7.3).
func (c *Controller) publishBlankFrame(ctx context.Context, reason display.StubReason, detail string) {
	data := c.blankJPEG(reason, detail)
	if data == nil {
		return
	}
	raw := frame.Raw{
		Data:      data,
		Width:     c.cfg.CaptureWidth,
		Height:    c.cfg.CaptureHeight,
		Format:    frame.FourCC{'J', 'P', 'E', 'G'},
		GrabbedAt: time.Now(),
		Online:    false,
	}
	fullLog := logging.NewRatelimiter(time.Second)
	for {
		idx, err := c.imageRing.ProducerAcquire(0)
		if err == nil {
			*c.imageRing.Item(idx) = raw
			c.imageRing.ProducerRelease(idx)
			return
		}
		if fullLog.Allow("ring-full") {
			c.log.Warnw("blank frame publish retrying: image ring full", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// applySlowdown implements spec §4.7.1: while enabled and no memsink
// client is attached, sleep in 100ms slices up to 1s before the next
// grab. Returns true iff the full second elapsed without a client
// appearing, which the caller uses to force a keyframe on the next
// motion-video packet once streaming resumes.
func (c *Controller) applySlowdown(ctx context.Context) bool {
	if !c.cfg.Slowdown || c.sink.HasClients(2*time.Second) {
		return false
	}
	const slice = 100 * time.Millisecond
	const budget = time.Second
	for elapsed := time.Duration(0); elapsed < budget; elapsed += slice {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(slice):
		}
		if c.sink.HasClients(2 * time.Second) {
			return false
		}
	}
	return true
}

// runInner is the per-frame loop for one open-device session. It returns
// when the device errors persistently, exit-on-idle fires, or ctx is
// done.
func (c *Controller) runInner(ctx context.Context) error {
	numBuffers := c.cfg.NumBuffers
	if numBuffers <= 0 {
		numBuffers = 4
	}
	releasers := releaser.New(numBuffers, c.dev, &c.releaseMu, c.log)
	releasers.Start()
	defer releasers.Stop()

	stopConsumers := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.motionForwardLoop(stopConsumers)
	}()
	defer func() {
		close(stopConsumers)
		wg.Wait()
	}()

	var seq uint64
	var consecutiveTimeouts int
	var capturedThisSecond int
	fpsTicker := time.NewTicker(time.Second)
	defer fpsTicker.Stop()

	lastClientAt := time.Now()
	idleTimeout := c.cfg.ExitOnNoClients

	pendingRelease := map[string]int{}
	var grabAfter time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-fpsTicker.C:
			if c.metrics != nil {
				c.metrics.CapturedFPS.Set(float64(capturedThisSecond))
			}
			capturedThisSecond = 0
		default:
		}

		if idleTimeout > 0 {
			if c.sink.HasClients(2 * time.Second) {
				lastClientAt = time.Now()
			} else if time.Since(lastClientAt) > idleTimeout {
				return errExitIdle
			}
		}

		// Step 1: reap the previously idle worker's last job, if any, and
		// release the hardware buffer it was holding.
		w, haveWorker := c.encPool.TryWait()
		if haveWorker {
			if last := w.LastJob(); last != nil {
				c.reapEncodedJob(last)
				if prevIdx, ok := pendingRelease[w.Name]; ok {
					releasers.Enqueue(prevIdx, prevIdx)
					delete(pendingRelease, w.Name)
				}
			}
		}

		// Step 2: slowdown gating.
		slowdownLifted := c.applySlowdown(ctx)

		// Step 3: grab a new buffer.
		c.releaseMu.Lock()
		idx, err := c.dev.Grab()
		c.releaseMu.Unlock()

		if err != nil {
			if haveWorker {
				c.encPool.Return(w)
			}
			switch {
			case errors.Is(err, device.ErrBrokenFrame):
				continue
			case errors.Is(err, device.ErrTimeout):
				consecutiveTimeouts++
				if consecutiveTimeouts <= 1 {
					continue // spec §4.1: first timeout tolerated
				}
				return err
			default:
				return err
			}
		}
		consecutiveTimeouts = 0
		capturedThisSecond++
		seq++

		hw := c.dev.Buffer(idx, seq)

		if c.disp != nil && hw.HasDMA() {
			c.mirrorFrame(hw)
		}

		// Step 4: fluency pacing. A frame grabbed before grab_after, or
		// with no worker free to take it, is released unencoded.
		now := time.Now()
		if !haveWorker || now.Before(grabAfter) {
			if c.metrics != nil {
				c.metrics.FluencyPassed.Inc()
			}
			if haveWorker {
				c.encPool.Return(w)
			}
			releasers.Enqueue(idx, idx)
			continue
		}
		fluencyDelay := c.encPool.GetFluencyDelay(w)
		grabAfter = now.Add(fluencyDelay)
		if c.metrics != nil {
			c.metrics.WorkerFluency.WithLabelValues(w.Name).Set(fluencyDelay.Seconds())
		}

		c.forwardRaw(hw.Raw, slowdownLifted)

		dest := &frame.Raw{}
		pendingRelease[w.Name] = idx
		c.encPool.Assign(w, hw, dest)

		// Step 5 (captured-FPS accounting) happens on the ticker above.
	}
}

// mirrorFrame imports hw into the display mirror and waits for the
// resulting page-flip to land (spec §4.6). A failed import or an unplugged
// connector falls back to the stub screen; a vsync timeout or any other
// wait error is only logged.
func (c *Controller) mirrorFrame(hw frame.Hardware) {
	if err := c.disp.ExposeDMA(hw); err != nil {
		reason := c.disp.Reason()
		if reason == display.StubNone {
			reason = display.StubBadFormat
		}
		c.log.Warnw("expose dma frame failed", "error", err, "reason", reason)
		c.exposeStub(reason, reason.Caption())
		return
	}
	if err := c.disp.WaitForVsync(c.vsyncTimeout()); err != nil {
		switch {
		case errors.Is(err, display.ErrUnplugged):
			if c.disp.UnpluggedTransition(false) {
				c.log.Warnw("display connector unplugged", "error", err)
			}
			c.exposeStub(display.StubNoSignal, "No Signal")
		case errors.Is(err, display.ErrVsyncTimeout):
			c.log.Warnw("vsync wait timed out", "error", err)
		default:
			c.log.Warnw("wait for vsync failed", "error", err)
		}
		return
	}
	c.disp.UnpluggedTransition(true)
}

// forwardRaw hands a heap-safe copy of the raw frame into rawRing for the
// motion-video forwarder, decoupling a potentially slow video encode from
// the V4L2 grab rate (spec §4.2: frame ring "between exactly one producer
// and one consumer"). The device's own mmap'd buffer is never referenced
// past this call.
func (c *Controller) forwardRaw(r frame.Raw, forceKeyframe bool) {
	idx, err := c.rawRing.ProducerAcquire(0)
	if err != nil {
		if c.metrics != nil {
			c.metrics.DroppedLate.Inc()
		}
		return
	}
	cp := r
	cp.Data = append([]byte(nil), r.Data...)
	*c.rawRing.Item(idx) = motionItem{raw: cp, forceKeyframe: forceKeyframe}
	c.rawRing.ProducerRelease(idx)
}

func (c *Controller) motionForwardLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		idx, err := c.rawRing.ConsumerAcquire(100 * time.Millisecond)
		if err != nil {
			continue
		}
		item := *c.rawRing.Item(idx)
		c.rawRing.ConsumerRelease(idx)

		force := item.forceKeyframe || c.motion.RequestedKeyframe()
		c.motion.PushFrame(motionvideo.RawToImage(item.raw), force)
	}
}

// reapEncodedJob pushes a completed still-image encode into imageRing for
// the publish loop, unless it failed or missed its deadline (spec §4.4).
func (c *Controller) reapEncodedJob(job *encoder.Job) {
	if job.JobFailed || !job.JobTimely {
		return
	}
	idx, err := c.imageRing.ProducerAcquire(0)
	if err != nil {
		if c.metrics != nil {
			c.metrics.DroppedLate.Inc()
		}
		return
	}
	*c.imageRing.Item(idx) = *job.Dest
	c.imageRing.ProducerRelease(idx)
}

func (c *Controller) publishLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		idx, err := c.imageRing.ConsumerAcquire(100 * time.Millisecond)
		if err != nil {
			continue
		}
		r := *c.imageRing.Item(idx)
		c.imageRing.ConsumerRelease(idx)

		if !c.sink.ServerCheck(2 * time.Second) {
			continue
		}
		c.sink.ServerPut(&r)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

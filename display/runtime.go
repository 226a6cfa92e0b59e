// Package display drives the local HDMI/DP mirror output over DRM/KMS
// (spec §4.6). It owns exactly one CRTC/connector pair and pushes either
// an imported capture buffer (DMA-BUF, zero-copy) or a locally rendered
// stub screen to it, switching between the two as capture health changes.
package display

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"kvmstream/frame"
	"kvmstream/internal/ioctl"
	"kvmstream/logging"
)

// State is the mirror's current output mode.
type State int

const (
	Closed State = iota
	OpenForDMA
	OpenForStub
)

// ErrUnplugged is returned by WaitForVsync when the connector's sysfs
// status reads disconnected (spec §4.6 "UNPLUGGED").
var ErrUnplugged = errors.New("display: connector unplugged")

// ErrVsyncTimeout is returned by WaitForVsync when no page-flip completion
// was observed within the configured timeout (spec §4.6 "TIMEOUT").
var ErrVsyncTimeout = errors.New("display: vsync wait timed out")

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case OpenForDMA:
		return "dma"
	case OpenForStub:
		return "stub"
	default:
		return "unknown"
	}
}

// StubReason explains why the mirror fell back to the stub screen.
type StubReason int

const (
	StubNone StubReason = iota
	StubUser
	StubBadResolution
	StubBadFormat
	StubNoSignal
	StubBusy
)

// Caption is the human-readable text the stub/ package rasterizes for a
// StubReason (spec §4.6: "USER / BAD_RESOLUTION / BAD_FORMAT / NO_SIGNAL /
// BUSY").
func (r StubReason) Caption() string {
	switch r {
	case StubUser:
		return "No Signal (stream paused)"
	case StubBadResolution:
		return "Unsupported Resolution"
	case StubBadFormat:
		return "Unsupported Format"
	case StubNoSignal:
		return "No Signal"
	case StubBusy:
		return "Device Busy"
	default:
		return ""
	}
}

// Settings configures which card/connector the mirror drives.
type Settings struct {
	CardPath       string // e.g. /dev/dri/card0
	ConnectorName  string // e.g. "HDMI-A-1"; empty selects the first connected connector
	DPMSFlapWindow time.Duration
}

type mode struct {
	info  drmModeModeInfo
	w, h  int
	vsync time.Duration
}

type dumbBuffer struct {
	handle uint32
	fbID   uint32
	pitch  uint32
	size   uint64
	data   []byte
}

// stubBufferCount is how many dumb buffers stub renders rotate through.
const stubBufferCount = 4

type importedBuffer struct {
	handle uint32
	fbID   uint32
}

// Runtime is the DRM mirror for a single card/connector.
type Runtime struct {
	log logging.Logger

	mu    sync.Mutex
	state State
	fd    int

	connectorID uint32
	crtcID      uint32
	encoderID   uint32
	dpmsPropID  uint32
	savedCrtc   drmModeCrtc
	haveSaved   bool

	crtcIDs   [maxCRTCs]uint32
	crtcCount uint32
	connIDs   [maxConnectors]uint32
	connCount uint32

	lastModes     [maxModes]drmModeModeInfo
	lastModeCount uint32

	currentMode mode

	dumb     [stubBufferCount]*dumbBuffer
	dumbIdx  int
	imported *importedBuffer

	reason       StubReason
	poweredOff   bool
	lastOffFlap  time.Time
	flapWindow   time.Duration

	// hasVsync is true once the mirror has observed a page-flip complete
	// since the last mode set, false immediately after one is issued
	// (spec §4.6, testable property on has_vsync).
	hasVsync bool

	// unpluggedReported latches true the first time IsConnected reports
	// false since the last reconnect, so callers can log the transition
	// once instead of on every poll (spec §7).
	unpluggedReported bool

	sysfsStatusPath string
}

// New constructs a Runtime; Open must be called before any other method.
func New(log logging.Logger) *Runtime {
	return &Runtime{log: log.Named("display"), fd: -1, state: Closed}
}

// Open opens the DRM card, picks a connected connector and a CRTC for it,
// and saves the CRTC's current configuration so Close can restore it. No
// mode is selected here; ExposeDMA and ExposeStub choose one per frame.
func (r *Runtime) Open(settings Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(settings.CardPath, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s", settings.CardPath)
	}
	r.fd = int(f.Fd())

	r.flapWindow = settings.DPMSFlapWindow
	if r.flapWindow == 0 {
		r.flapWindow = 3 * time.Second
	}

	res, err := r.getResources()
	if err != nil {
		r.closeFd()
		return err
	}

	conn, err := r.pickConnector(res, settings.ConnectorName)
	if err != nil {
		r.closeFd()
		return err
	}
	r.connectorID = conn.ConnectorID
	r.encoderID = conn.EncoderID
	r.sysfsStatusPath = sysfsStatusPath(settings.CardPath, settings.ConnectorName)

	crtcID, err := r.crtcForEncoder(conn.EncoderID)
	if err != nil {
		r.closeFd()
		return err
	}
	r.crtcID = crtcID

	if saved, err := r.getCrtc(crtcID); err == nil {
		r.savedCrtc = saved
		r.haveSaved = true
	}

	r.dpmsPropID, _ = r.findDPMSProperty(conn.ConnectorID)

	r.state = Closed
	return nil
}

// IsConnected polls the kernel's connector status, preferring the cheap
// sysfs file (spec §4.6: "sysfs connector status polling") and falling
// back to a full GET_CONNECTOR ioctl if sysfs is unavailable.
func (r *Runtime) IsConnected() bool {
	if r.sysfsStatusPath != "" {
		if b, err := ioctl.ReadSysfsByte(r.sysfsStatusPath); err == nil {
			return b == 'c' // "connected"[0]
		}
	}
	conn, err := r.getConnector(r.connectorID)
	if err != nil {
		return false
	}
	return conn.Connection == drmModeConnected
}

// ExposeDMA imports hw's DMA-BUF fd as a scanout framebuffer and flips the
// CRTC to it (zero-copy path, spec §4.6).
func (r *Runtime) ExposeDMA(hw frame.Hardware) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !hw.HasDMA() {
		return errors.New("display: frame has no DMA-BUF fd to import")
	}

	m, letterboxed, err := r.selectMode(hw.Width, hw.Height, hw.Hz)
	if err != nil {
		r.reason = StubBadResolution
		return err
	}
	if !letterboxed && (m.w != hw.Width || m.h != hw.Height) {
		r.reason = StubBadResolution
		return errors.Errorf("display: no suitable mode for %dx%d (nearest %dx%d)", hw.Width, hw.Height, m.w, m.h)
	}

	handle, err := r.primeFDToHandle(hw.DMAFd)
	if err != nil {
		return errors.Wrap(err, "import dma-buf")
	}

	fbID, err := r.addFB2(uint32(hw.Width), uint32(hw.Height), uint32(hw.Stride), handle, fourCCForFormat(hw.Format))
	if err != nil {
		return errors.Wrap(err, "add framebuffer for dma-buf")
	}

	if err := r.setCrtc(fbID, m); err != nil {
		r.rmFB(fbID)
		return errors.Wrap(err, "set crtc for dma-buf")
	}

	r.releaseImported()
	r.imported = &importedBuffer{handle: handle, fbID: fbID}
	r.state = OpenForDMA
	r.reason = StubNone
	return r.dpmsOn()
}

// ExposeStub renders the stub caption for reason into a dumb buffer and
// flips the CRTC to it. Renders rotate round-robin through stubBufferCount
// dumb buffers so a repeated stub render (e.g. a ticking "no signal"
// clock) doesn't tear.
func (r *Runtime) ExposeStub(reason StubReason, render func(img []byte, stride, w, h int)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.currentMode
	if m.w == 0 {
		var err error
		m, _, err = r.selectMode(1280, 720, 0)
		if err != nil {
			return err
		}
	}

	buf, err := r.nextDumbBuffer(m.w, m.h)
	if err != nil {
		return errors.Wrap(err, "allocate stub dumb buffer")
	}
	render(buf.data, int(buf.pitch), m.w, m.h)

	if err := r.setCrtc(buf.fbID, m); err != nil {
		return errors.Wrap(err, "set crtc for stub buffer")
	}

	r.releaseImported()
	r.state = OpenForStub
	r.reason = reason
	return r.dpmsOn()
}

// WaitForVsync blocks until the mirror has observed a page-flip complete
// since its last mode set, the connector goes away, or timeout elapses
// (spec §4.6). If has_vsync is already true it returns immediately.
// Dumb DRM nodes expose no page-flip event fd to select on, so the event
// pump is approximated by sleeping out the mode's own refresh period: once
// that period has elapsed since the flip was issued, the flip is taken to
// have completed. Without a known refresh period there is nothing to wait
// out, so the call times out rather than claim a flip it never observed.
func (r *Runtime) WaitForVsync(timeout time.Duration) error {
	r.mu.Lock()
	if r.hasVsync {
		r.mu.Unlock()
		return nil
	}
	period := r.currentMode.vsync
	r.mu.Unlock()

	knownPeriod := period > 0 && period <= timeout
	if !knownPeriod {
		period = timeout
	}
	time.Sleep(period)

	if !r.IsConnected() {
		return ErrUnplugged
	}
	if !knownPeriod {
		return ErrVsyncTimeout
	}

	r.mu.Lock()
	r.hasVsync = true
	r.mu.Unlock()
	return nil
}

// UnpluggedTransition reports true the first time connected is observed
// false since the connector last reconnected, and false on every
// subsequent call until it reconnects, so a caller can log an unplug
// event once instead of on every poll (spec §7 "unplugged_reported").
func (r *Runtime) UnpluggedTransition(connected bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if connected {
		r.unpluggedReported = false
		return false
	}
	if r.unpluggedReported {
		return false
	}
	r.unpluggedReported = true
	return true
}

// DPMSPowerOff blanks the output, suppressing rapid on/off flapping
// within the configured window the way ustreamer's drm.c does when a
// capture device disconnects and reconnects quickly (spec §9, grounded
// on original_source/src/v4p/drm.c).
func (r *Runtime) DPMSPowerOff() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lastOffFlap.IsZero() && time.Since(r.lastOffFlap) < r.flapWindow {
		return nil
	}
	if r.dpmsPropID == 0 {
		return nil
	}
	if err := r.setConnectorProperty(r.connectorID, r.dpmsPropID, drmModeDPMSOff); err != nil {
		return errors.Wrap(err, "dpms power off")
	}
	r.poweredOff = true
	r.lastOffFlap = time.Now()
	return nil
}

func (r *Runtime) dpmsOn() error {
	if !r.poweredOff || r.dpmsPropID == 0 {
		return nil
	}
	if err := r.setConnectorProperty(r.connectorID, r.dpmsPropID, drmModeDPMSOn); err != nil {
		return errors.Wrap(err, "dpms power on")
	}
	r.poweredOff = false
	return nil
}

// Close restores the saved CRTC configuration, frees all buffers, and
// closes the card fd.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fd < 0 {
		return nil
	}

	if r.haveSaved {
		_ = r.restoreCrtc(r.savedCrtc)
	}
	r.releaseImported()
	for i := range r.dumb {
		if r.dumb[i] != nil {
			r.freeDumbBuffer(r.dumb[i])
			r.dumb[i] = nil
		}
	}

	r.closeFd()
	r.state = Closed
	return nil
}

func (r *Runtime) closeFd() {
	if r.fd >= 0 {
		_ = os.NewFile(uintptr(r.fd), "").Close()
		r.fd = -1
	}
}

func (r *Runtime) releaseImported() {
	if r.imported == nil {
		return
	}
	r.rmFB(r.imported.fbID)
	r.destroyDumbHandle(r.imported.handle)
	r.imported = nil
}

func (r *Runtime) rmFB(fbID uint32) {
	req := drmModeRmFB{FBID: fbID}
	_ = ioctl.Do(uintptr(r.fd), drmIoctlRmFB, uintptr(unsafe.Pointer(&req)))
}

// State reports the runtime's current output mode.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Reason reports the most recent stub reason (meaningless unless State
// is OpenForStub).
func (r *Runtime) Reason() StubReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

func sysfsStatusPath(cardPath, connectorName string) string {
	if connectorName == "" {
		return ""
	}
	card := strings.TrimPrefix(cardPath, "/dev/dri/")
	return fmt.Sprintf("/sys/class/drm/%s-%s/status", card, connectorName)
}

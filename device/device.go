// Package device implements the V4L2 capture device described in
// spec §4.1: format negotiation, buffer allocation, and the
// grab/release cycle that hands hardware buffers to the rest of the
// pipeline.
package device

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"kvmstream/frame"
	"kvmstream/internal/ioctl"
	"kvmstream/logging"
)

// Sentinel errors classifying grab/open failures per spec §4.1 and §7.
var (
	// ErrBrokenFrame is transient: the caller retries without it counting
	// as an error.
	ErrBrokenFrame = errors.New("device: broken frame")
	// ErrTimeout is persistent and forces the controller to reopen the
	// device.
	ErrTimeout = errors.New("device: grab timeout")
	// ErrAccessDenied distinguishes EACCES/EPERM opens, which the
	// controller retries after error_delay without escalating every
	// attempt to a log line (spec §7).
	ErrAccessDenied = errors.New("device: access denied")
)

// Settings configures Device.Open.
type Settings struct {
	Path       string
	Width      int
	Height     int
	Format     frame.FourCC
	DesiredFPS int
	NumBuffers int
	DMAExport  bool
	// GrabTimeout bounds how long a single DQBUF poll waits before
	// reporting ErrTimeout. The first timeout is tolerated; repeated
	// timeouts are what spec §4.1 calls persistent.
	GrabTimeout time.Duration
}

type buffer struct {
	data  []byte
	dmaFd int
}

// Device is a V4L2 capture device. It is not safe for concurrent Grab and
// Release calls from different goroutines; spec §4.1 requires the caller
// to serialize those with an external mutex (the stream runtime's release
// mutex in spec §4.5).
type Device struct {
	log logging.Logger

	fd      int
	path    string
	buffers []buffer
	opened  bool

	Width  int
	Height int
	Stride int
	Format frame.FourCC
	Hz     int

	grabTimeout time.Duration

	accessDeniedLog *logging.Ratelimiter
}

// New returns a closed Device ready for Open.
func New(log logging.Logger) *Device {
	return &Device{
		log:             log,
		fd:              -1,
		accessDeniedLog: logging.NewRatelimiter(time.Minute),
	}
}

// Open negotiates the capture format, allocates settings.NumBuffers
// hardware buffers, optionally exports each as a DMA-BUF descriptor, and
// enables streaming. See spec §4.1.
func (d *Device) Open(settings Settings) error {
	fd, err := unix.Open(settings.Path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok && (errno == unix.EACCES || errno == unix.EPERM) {
			if d.accessDeniedLog.Allow(errno.Error()) {
				d.log.Warnw("device open denied", "path", settings.Path, "errno", errno.Error())
			}
			return errors.Wrap(ErrAccessDenied, err.Error())
		}
		return errors.Wrapf(err, "open %s", settings.Path)
	}

	d.fd = fd
	d.path = settings.Path
	d.grabTimeout = settings.GrabTimeout
	if d.grabTimeout == 0 {
		d.grabTimeout = time.Second
	}

	if err := d.negotiateFormat(settings); err != nil {
		d.closeFd()
		return err
	}
	if err := d.setFrameRate(settings.DesiredFPS); err != nil {
		// Not every driver supports VIDIOC_S_PARM; treat failure as
		// non-fatal and keep whatever rate the driver defaults to.
		d.log.Warnw("device could not set frame rate", "error", err)
	}
	if err := d.allocateBuffers(settings.NumBuffers, settings.DMAExport); err != nil {
		d.closeFd()
		return err
	}
	if err := d.streamOn(); err != nil {
		d.freeBuffers()
		d.closeFd()
		return err
	}

	d.opened = true
	return nil
}

func (d *Device) negotiateFormat(settings Settings) error {
	var format v4l2Format
	format.Type = v4l2BufTypeVideoCapture
	format.Fmt.Width = uint32(settings.Width)
	format.Fmt.Height = uint32(settings.Height)
	format.Fmt.PixelFormat = fourCCToUint32([4]byte(settings.Format))
	format.Fmt.Field = v4l2FieldNone

	if err := ioctl.Retry(uintptr(d.fd), vidiocSFmt, uintptr(unsafe.Pointer(&format))); err != nil {
		return errors.Wrap(err, "VIDIOC_S_FMT")
	}

	d.Width = int(format.Fmt.Width)
	d.Height = int(format.Fmt.Height)
	d.Stride = int(format.Fmt.BytesPerLine)
	d.Format = frame.FourCC(uint32ToFourCC(format.Fmt.PixelFormat))
	return nil
}

func (d *Device) setFrameRate(fps int) error {
	if fps <= 0 {
		return nil
	}
	var parm v4l2StreamParm
	parm.Type = v4l2BufTypeVideoCapture
	parm.Capture.TimePerFrame = v4l2Fract{Numerator: 1, Denominator: uint32(fps)}
	if err := ioctl.Retry(uintptr(d.fd), vidiocSParm, uintptr(unsafe.Pointer(&parm))); err != nil {
		return errors.Wrap(err, "VIDIOC_S_PARM")
	}
	d.Hz = fps
	return nil
}

func (d *Device) allocateBuffers(n int, dmaExport bool) error {
	var req v4l2RequestBuffers
	req.Count = uint32(n)
	req.Type = v4l2BufTypeVideoCapture
	req.Memory = v4l2MemoryMMAP
	if err := ioctl.Retry(uintptr(d.fd), vidiocReqBufs, uintptr(unsafe.Pointer(&req))); err != nil {
		return errors.Wrap(err, "VIDIOC_REQBUFS")
	}

	d.buffers = make([]buffer, req.Count)
	for i := range d.buffers {
		var buf v4l2Buffer
		buf.Type = v4l2BufTypeVideoCapture
		buf.Memory = v4l2MemoryMMAP
		buf.Index = uint32(i)
		if err := ioctl.Retry(uintptr(d.fd), vidiocQueryBuf, uintptr(unsafe.Pointer(&buf))); err != nil {
			d.freeBuffers()
			return errors.Wrapf(err, "VIDIOC_QUERYBUF[%d]", i)
		}

		mapped, err := ioctl.Mmap(d.fd, int64(buf.Offset), int(buf.Length))
		if err != nil {
			d.freeBuffers()
			return errors.Wrapf(err, "mmap buffer %d", i)
		}
		d.buffers[i].data = mapped
		d.buffers[i].dmaFd = -1

		if dmaExport {
			var exp v4l2ExportBuffer
			exp.Type = v4l2BufTypeVideoCapture
			exp.Index = uint32(i)
			if err := ioctl.Retry(uintptr(d.fd), vidiocExpBuf, uintptr(unsafe.Pointer(&exp))); err != nil {
				d.freeBuffers()
				return errors.Wrapf(err, "VIDIOC_EXPBUF[%d]", i)
			}
			d.buffers[i].dmaFd = int(exp.Fd)
		}

		if err := d.queueBuffer(i); err != nil {
			d.freeBuffers()
			return err
		}
	}
	return nil
}

func (d *Device) queueBuffer(index int) error {
	var buf v4l2Buffer
	buf.Type = v4l2BufTypeVideoCapture
	buf.Memory = v4l2MemoryMMAP
	buf.Index = uint32(index)
	if err := ioctl.Retry(uintptr(d.fd), vidiocQBuf, uintptr(unsafe.Pointer(&buf))); err != nil {
		return errors.Wrapf(err, "VIDIOC_QBUF[%d]", index)
	}
	return nil
}

func (d *Device) streamOn() error {
	typ := uint32(v4l2BufTypeVideoCapture)
	if err := ioctl.Retry(uintptr(d.fd), vidiocStreamOn, uintptr(unsafe.Pointer(&typ))); err != nil {
		return errors.Wrap(err, "VIDIOC_STREAMON")
	}
	return nil
}

// Grab dequeues the next ready buffer and returns its index. See spec
// §4.1 for the ErrBrokenFrame/ErrTimeout contract.
func (d *Device) Grab() (int, error) {
	if !d.opened {
		return -1, errors.New("device: not open")
	}

	pfd := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(d.grabTimeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return -1, ErrBrokenFrame
		}
		return -1, errors.Wrap(err, "poll")
	}
	if n == 0 {
		return -1, ErrTimeout
	}

	var buf v4l2Buffer
	buf.Type = v4l2BufTypeVideoCapture
	buf.Memory = v4l2MemoryMMAP
	if err := ioctl.Do(uintptr(d.fd), vidiocDQBuf, uintptr(unsafe.Pointer(&buf))); err != nil {
		if err == unix.EAGAIN || err == unix.EIO {
			return -1, ErrBrokenFrame
		}
		return -1, errors.Wrap(err, "VIDIOC_DQBUF")
	}
	if buf.Flags&v4l2BufFlagDone == 0 {
		return -1, ErrBrokenFrame
	}

	return int(buf.Index), nil
}

// Buffer returns the frame.Hardware view of a dequeued buffer, ready for
// handoff to an encoder or the display mirror. The caller must not call
// Buffer again for the same index until it has been Released.
func (d *Device) Buffer(index int, seq uint64) frame.Hardware {
	b := d.buffers[index]
	return frame.Hardware{
		Raw: frame.Raw{
			Data:      b.data,
			Width:     d.Width,
			Height:    d.Height,
			Stride:    d.Stride,
			Format:    d.Format,
			Hz:        d.Hz,
			GrabbedAt: time.Now(),
			Seq:       seq,
			Online:    true,
		},
		Index: index,
		DMAFd: b.dmaFd,
	}
}

// Release returns a dequeued buffer to the kernel's capture queue.
func (d *Device) Release(index int) error {
	return d.queueBuffer(index)
}

// Close stops streaming, unmaps every buffer and closes the device
// descriptor. It is safe to call on an already-closed Device. Errors from
// the individual teardown steps are independent of one another, so they
// are aggregated with multierr rather than the first one masking the
// rest.
func (d *Device) Close() error {
	if !d.opened {
		return nil
	}
	var err error
	typ := uint32(v4l2BufTypeVideoCapture)
	if streamOffErr := ioctl.Do(uintptr(d.fd), vidiocStreamOff, uintptr(unsafe.Pointer(&typ))); streamOffErr != nil {
		err = multierr.Append(err, errors.Wrap(streamOffErr, "VIDIOC_STREAMOFF"))
	}
	err = multierr.Append(err, d.freeBuffers())
	d.closeFd()
	d.opened = false
	return err
}

func (d *Device) freeBuffers() error {
	var err error
	for i := range d.buffers {
		if d.buffers[i].data != nil {
			if unmapErr := ioctl.Munmap(d.buffers[i].data); unmapErr != nil {
				err = multierr.Append(err, errors.Wrapf(unmapErr, "munmap buffer %d", i))
			}
		}
		if d.buffers[i].dmaFd >= 0 {
			if closeErr := unix.Close(d.buffers[i].dmaFd); closeErr != nil {
				err = multierr.Append(err, errors.Wrapf(closeErr, "close dma fd for buffer %d", i))
			}
		}
	}
	d.buffers = nil
	return err
}

func (d *Device) closeFd() {
	if d.fd >= 0 {
		_ = unix.Close(d.fd)
		d.fd = -1
	}
}

// Package frame defines the data model shared by every stage of the
// pipeline: Device, Frame Ring, Encoder Pool, Display Mirror and the
// Memory Sink all read and write the same two value types described in
// spec §3.
package frame

import "time"

// FourCC is a four-character pixel format code, e.g. "YUYV" or "RGB3".
type FourCC [4]byte

// String renders the FourCC as its four ASCII characters.
func (f FourCC) String() string { return string(f[:]) }

// Common pixel formats the pipeline cares about. RGB24 is the only format
// the Display Mirror can import zero-copy (spec §4.6).
var (
	FormatRGB24 = FourCC{'R', 'G', 'B', '3'}
	FormatYUYV  = FourCC{'Y', 'U', 'Y', 'V'}
	FormatMJPEG = FourCC{'M', 'J', 'P', 'G'}
)

// Raw is a captured or synthetic video frame: a contiguous byte region
// plus the metadata needed to interpret and place it. See spec §3 "Raw
// Frame".
type Raw struct {
	Data   []byte
	Width  int
	Height int
	Stride int // bytes per row
	Format FourCC
	Hz     int

	// GrabbedAt is a monotonic capture timestamp (time.Now() in
	// monotonic-reading mode; never wall-clock adjusted).
	GrabbedAt time.Time
	Seq       uint64

	// Online is true iff this frame was produced by a live capture
	// buffer, false for synthetic placeholders (stub screens, blank
	// jpegs). See spec §3 and the online/offline testable property.
	Online bool
}

// Bounds reports (width, height) as a convenience for callers that only
// need the frame's dimensions, mirroring image.Rectangle-shaped APIs
// elsewhere in the pipeline.
func (r *Raw) Bounds() (width, height int) { return r.Width, r.Height }

// Hardware is a Raw frame plus the kernel-visible identifiers needed to
// move it across subsystem boundaries without copying. See spec §3
// "Hardware Buffer".
type Hardware struct {
	Raw

	// Index is the buffer's slot within the capture device's queue.
	Index int

	// DMAFd is a shareable file descriptor exporting this buffer for
	// zero-copy import elsewhere (the Display Mirror). Negative when the
	// device was opened without dma_export.
	DMAFd int
}

// HasDMA reports whether this buffer was exported for zero-copy import.
func (h *Hardware) HasDMA() bool { return h.DMAFd >= 0 }

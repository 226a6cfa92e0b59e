// Package memsink implements the shared-memory-backed consumer endpoint
// described in spec §4.3: a single writer publishes the latest frame into
// a small POSIX shared-memory segment, and any number of external reader
// processes can pull it out without blocking the writer.
//
// The segment is a classic seqlock: the writer bumps a sequence counter to
// odd before mutating the slot and back to even after, so a reader can
// detect (and retry past) a write in progress without the writer ever
// taking a lock that a slow or crashed reader could hold forever. Readers
// signal liveness with Heartbeat rather than a blocking handshake, which
// is what makes HasClients non-real-time (spec §4.3, §9).
package memsink

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"

	"kvmstream/frame"
	"kvmstream/internal/ioctl"
)

const (
	headerSize = 64 // padded to a cacheline

	offWriteSeq      = 0  // uint64, even = stable, odd = write in progress
	offFrameLen      = 8  // uint64
	offSlotIndex     = 16 // uint64
	offKeyRequested  = 24 // uint64, 0/1
	offOnline        = 32 // uint64, 0/1
	offLastHeartbeat = 40 // int64, UnixNano
)

// Sink is a bounded shared-memory segment with one writer and any number
// of external readers.
type Sink struct {
	name     string
	path     string
	slots    int
	slotSize int

	file *os.File
	seg  []byte

	mu          sync.Mutex
	minInterval time.Duration
	lastPublish time.Time
}

// Open creates (or attaches to) the named shared-memory segment under
// /dev/shm, sized for `slots` frames of up to slotSize bytes each. Linux
// implements POSIX shared memory as tmpfs-backed files under /dev/shm, so
// no cgo shm_open binding is needed; open+ftruncate+mmap is equivalent.
func Open(name string, slots, slotSize int) (*Sink, error) {
	path := filepath.Join("/dev/shm", "kvmstream-"+name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open shm segment %s", path)
	}

	size := int64(headerSize + slots*slotSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "truncate shm segment")
	}

	seg, err := ioctl.Mmap(int(f.Fd()), 0, int(size))
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap shm segment")
	}

	return &Sink{
		name:     name,
		path:     path,
		slots:    slots,
		slotSize: slotSize,
		file:     f,
		seg:      seg,
	}, nil
}

// SetMinInterval configures the minimum publish interval ServerCheck
// enforces while no clients are attached (spec §4.3: "applies a
// minimum-interval gate if clients are absent").
func (s *Sink) SetMinInterval(d time.Duration) { s.minInterval = d }

func (s *Sink) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.seg[off]))
}

func (s *Sink) i64(off int) *int64 {
	return (*int64)(unsafe.Pointer(&s.seg[off]))
}

// HasClients reports whether a reader has sent a Heartbeat within the
// last two heartbeat intervals. It is not real-time: a reader that just
// disconnected still counts as present until its heartbeat goes stale
// (spec §4.3, §9 "not real-time").
func (s *Sink) HasClients(heartbeatInterval time.Duration) bool {
	last := atomic.LoadInt64(s.i64(offLastHeartbeat))
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) <= 2*heartbeatInterval
}

// Heartbeat is called by a reader to advertise liveness.
func (s *Sink) Heartbeat() {
	atomic.StoreInt64(s.i64(offLastHeartbeat), time.Now().UnixNano())
}

// RequestKeyframe is called by a motion-video reader that needs a fresh
// keyframe; ServerPut clears the flag once it has surfaced it to the
// writer via keyRequested.
func (s *Sink) RequestKeyframe() {
	atomic.StoreUint64(s.u64(offKeyRequested), 1)
}

// ServerCheck decides whether the writer should bother calling ServerPut
// for this frame: always yes if a client is present, otherwise gated by
// the configured minimum interval so an idle sink doesn't needlessly
// publish every capture tick.
func (s *Sink) ServerCheck(heartbeatInterval time.Duration) bool {
	if s.HasClients(heartbeatInterval) {
		return true
	}
	if s.minInterval <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastPublish) < s.minInterval {
		return false
	}
	return true
}

// ServerPut writes f into the segment and reports whether a reader had
// requested a keyframe since the last put (spec §4.3).
func (s *Sink) ServerPut(f *frame.Raw) (keyRequested bool) {
	s.mu.Lock()
	s.lastPublish = time.Now()
	s.mu.Unlock()

	data := f.Data
	if len(data) > s.slotSize {
		data = data[:s.slotSize] // never happens in practice; bounded segment per spec §4.3
	}

	slotIdx := atomic.LoadUint64(s.u64(offSlotIndex))
	nextSlot := (slotIdx + 1) % uint64(s.slots)
	off := headerSize + int(nextSlot)*s.slotSize

	atomic.AddUint64(s.u64(offWriteSeq), 1) // now odd: write in progress
	copy(s.seg[off:off+len(data)], data)

	atomic.StoreUint64(s.u64(offFrameLen), uint64(len(data)))
	atomic.StoreUint64(s.u64(offSlotIndex), nextSlot)
	online := uint64(0)
	if f.Online {
		online = 1
	}
	atomic.StoreUint64(s.u64(offOnline), online)

	atomic.AddUint64(s.u64(offWriteSeq), 1) // now even: stable again

	keyRequested = atomic.SwapUint64(s.u64(offKeyRequested), 0) == 1
	return keyRequested
}

// Read copies out the most recently published frame's bytes and its
// online flag, retrying past any write it catches in progress. It never
// blocks waiting for a new frame; callers poll it on their own schedule,
// matching the non-blocking reader model in spec §4.3/§6.
func (s *Sink) Read() (data []byte, online bool, ok bool) {
	for attempt := 0; attempt < 8; attempt++ {
		seq1 := atomic.LoadUint64(s.u64(offWriteSeq))
		if seq1%2 == 1 {
			continue // write in progress; retry
		}
		slotIdx := atomic.LoadUint64(s.u64(offSlotIndex))
		length := atomic.LoadUint64(s.u64(offFrameLen))
		onlineFlag := atomic.LoadUint64(s.u64(offOnline))
		off := headerSize + int(slotIdx)*s.slotSize

		out := make([]byte, length)
		copy(out, s.seg[off:off+int(length)])

		seq2 := atomic.LoadUint64(s.u64(offWriteSeq))
		if seq1 == seq2 {
			return out, onlineFlag == 1, true
		}
	}
	return nil, false, false
}

// Close unmaps and closes the backing file. The segment itself is left on
// disk (under /dev/shm) so a reader attached after the writer restarts
// keeps working; callers that want to remove it entirely should os.Remove
// the path returned by Path.
func (s *Sink) Close() error {
	if err := ioctl.Munmap(s.seg); err != nil {
		return err
	}
	return s.file.Close()
}

// Path returns the backing /dev/shm path, exposed so an operator or a
// cleanup routine can remove it explicitly.
func (s *Sink) Path() string { return s.path }

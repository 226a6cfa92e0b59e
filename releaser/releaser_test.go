package releaser

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kvmstream/logging"
)

type fakeDevice struct {
	released atomic.Int64
	failOn   int
}

func (f *fakeDevice) Release(index int) error {
	if index == f.failOn {
		return errAlwaysFails
	}
	f.released.Add(1)
	return nil
}

var errAlwaysFails = &releaseError{"forced failure"}

type releaseError struct{ msg string }

func (e *releaseError) Error() string { return e.msg }

func TestPoolReleasesQueuedBuffers(t *testing.T) {
	dev := &fakeDevice{failOn: -1}
	mu := &sync.Mutex{}
	p := New(2, dev, mu, logging.NewDebug("test"))
	p.Start()
	defer p.Stop()

	p.Enqueue(0, 10)
	p.Enqueue(1, 11)

	deadline := time.Now().Add(time.Second)
	for dev.released.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := dev.released.Load(); got != 2 {
		t.Fatalf("released = %d, want 2", got)
	}
}

func TestPoolStopsAllOnReleaseError(t *testing.T) {
	dev := &fakeDevice{failOn: 5}
	mu := &sync.Mutex{}
	p := New(1, dev, mu, logging.NewDebug("test"))
	p.Start()

	p.Enqueue(0, 5)

	deadline := time.Now().Add(time.Second)
	for !p.Stopped() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !p.Stopped() {
		t.Fatal("pool did not signal stopped after a release error")
	}
	p.Stop()
}

package encoder

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"kvmstream/frame"
	"kvmstream/logging"
)

type fakeEncoder struct {
	delay   time.Duration
	failAll bool
	calls   atomic.Int64
}

func (f *fakeEncoder) Encode(hw frame.Hardware, dest *frame.Raw) error {
	f.calls.Add(1)
	time.Sleep(f.delay)
	if f.failAll {
		return errFake
	}
	dest.Width = hw.Width
	dest.Online = true
	return nil
}

var errFake = fakeErr("forced encode failure")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestPoolAssignAndWaitRoundTrip(t *testing.T) {
	enc := &fakeEncoder{}
	p := NewPool(1, enc, time.Second, nil, logging.NewDebug("test"))
	p.Start()
	defer p.Close()

	ctx := context.Background()
	w, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if w.LastJob() != nil {
		t.Fatal("freshly started worker should have no last job")
	}

	hw := frame.Hardware{Raw: frame.Raw{Width: 640, Height: 480}}
	dest := &frame.Raw{}
	p.Assign(w, hw, dest)

	w2, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("wait after assign: %v", err)
	}
	job := w2.LastJob()
	if job == nil {
		t.Fatal("worker should carry a completed job")
	}
	if job.JobFailed {
		t.Fatal("job should not have failed")
	}
	if !job.JobTimely {
		t.Fatal("job should be timely")
	}
}

func TestPoolMarksSlowJobsNotTimely(t *testing.T) {
	enc := &fakeEncoder{delay: 20 * time.Millisecond}
	p := NewPool(1, enc, time.Millisecond, nil, logging.NewDebug("test"))
	p.Start()
	defer p.Close()

	ctx := context.Background()
	w, _ := p.Wait(ctx)
	p.Assign(w, frame.Hardware{}, &frame.Raw{})

	w2, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if w2.LastJob() == nil || w2.LastJob().JobTimely {
		t.Fatal("slow job should be marked not timely")
	}
}

func TestFluencyDelayBalancesPool(t *testing.T) {
	enc := &fakeEncoder{}
	p := NewPool(2, enc, time.Second, nil, logging.NewDebug("test"))
	fast, slow := p.workers[0], p.workers[1]
	fast.avgLatencyNanos.Store(int64(5 * time.Millisecond))
	slow.avgLatencyNanos.Store(int64(20 * time.Millisecond))

	if d := p.GetFluencyDelay(fast); d != 0 {
		t.Errorf("fastest worker should have zero fluency delay, got %v", d)
	}
	if d := p.GetFluencyDelay(slow); d != 15*time.Millisecond {
		t.Errorf("slow worker fluency delay = %v, want 15ms", d)
	}
}

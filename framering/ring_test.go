package framering

import (
	"errors"
	"testing"
	"time"
)

func TestProducerAcquireFailsImmediatelyWhenFull(t *testing.T) {
	r := New[int](2, func() int { return 0 })

	idx0, err := r.ProducerAcquire(0)
	if err != nil {
		t.Fatalf("acquire 0: %v", err)
	}
	*r.Item(idx0) = 1
	r.ProducerRelease(idx0)

	idx1, err := r.ProducerAcquire(0)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	*r.Item(idx1) = 2
	r.ProducerRelease(idx1)

	start := time.Now()
	_, err = r.ProducerAcquire(5 * time.Second)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout on full ring, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("producer acquire blocked for %v; spec requires immediate failure", elapsed)
	}
}

func TestConsumerSeesReleaseOrder(t *testing.T) {
	r := New[int](4, func() int { return -1 })

	for i := 0; i < 3; i++ {
		idx, err := r.ProducerAcquire(0)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		*r.Item(idx) = i
		r.ProducerRelease(idx)
	}

	for i := 0; i < 3; i++ {
		idx, err := r.ConsumerAcquire(0)
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		if got := *r.Item(idx); got != i {
			t.Fatalf("consumer got %d, want %d (release order violated)", got, i)
		}
		r.ConsumerRelease(idx)
	}
}

func TestConsumerAcquireTimesOutWhenEmpty(t *testing.T) {
	r := New[int](2, func() int { return 0 })
	start := time.Now()
	_, err := r.ConsumerAcquire(30 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("consumer returned too early: %v", elapsed)
	}
}

func TestConsumerWakesOnProducerRelease(t *testing.T) {
	r := New[int](2, func() int { return 0 })
	resultCh := make(chan int, 1)
	errCh := make(chan error, 1)

	go func() {
		idx, err := r.ConsumerAcquire(time.Second)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- *r.Item(idx)
	}()

	time.Sleep(10 * time.Millisecond)
	idx, err := r.ProducerAcquire(0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	*r.Item(idx) = 42
	r.ProducerRelease(idx)

	select {
	case got := <-resultCh:
		if got != 42 {
			t.Fatalf("got %d, want 42", got)
		}
	case err := <-errCh:
		t.Fatalf("consumer errored: %v", err)
	case <-time.After(time.Second):
		t.Fatal("consumer never woke after producer release")
	}
}

func TestCap(t *testing.T) {
	r := New[int](4, nil)
	if r.Cap() != 4 {
		t.Errorf("Cap() = %d, want 4", r.Cap())
	}
}

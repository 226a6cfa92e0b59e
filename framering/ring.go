// Package framering implements the bounded frame ring described in
// spec §4.2: a fixed-capacity array of pre-allocated slots handed between
// exactly one producer and one consumer with explicit per-slot states.
//
// The hot path (CAS on a slot's state) never takes a lock; only the
// blocking consumer wait uses a condition variable to avoid busy-waiting.
package framering

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned by Acquire calls that did not find a usable slot
// within the requested timeout (or at all, for the producer side, which
// never blocks on a full ring per spec §4.2).
var ErrTimeout = errors.New("framering: timeout")

const (
	stateFree int32 = iota
	stateWriting
	stateReady
	stateReading
)

type slot[T any] struct {
	state atomic.Int32
	seq   atomic.Uint64
	item  T
}

// Ring is a fixed-capacity, single-producer/single-consumer ring of
// pre-allocated T values.
type Ring[T any] struct {
	slots       []*slot[T]
	capacity    uint64
	producerPos uint64 // only touched by the producer goroutine
	consumerPos uint64 // only touched by the consumer goroutine

	cond *sync.Cond
}

// New returns a Ring with the given capacity. zero is used to pre-allocate
// every slot's item so producers write in place rather than allocate.
func New[T any](capacity int, zero func() T) *Ring[T] {
	if capacity <= 0 {
		panic("framering: capacity must be positive")
	}
	r := &Ring[T]{
		slots:    make([]*slot[T], capacity),
		capacity: uint64(capacity),
		cond:     sync.NewCond(&sync.Mutex{}),
	}
	for i := range r.slots {
		s := &slot[T]{}
		if zero != nil {
			s.item = zero()
		}
		r.slots[i] = s
	}
	return r
}

// Cap returns the ring's fixed capacity.
func (r *Ring[T]) Cap() int { return int(r.capacity) }

// ProducerAcquire returns a slot index the caller may exclusively write,
// or ErrTimeout immediately if every slot currently holds an unconsumed
// frame. Per spec §4.2 the producer never blocks on a full ring; the
// timeout parameter exists only for interface symmetry with
// ConsumerAcquire and is not used to wait.
func (r *Ring[T]) ProducerAcquire(_ time.Duration) (int, error) {
	idx := int(r.producerPos % r.capacity)
	if !r.slots[idx].state.CompareAndSwap(stateFree, stateWriting) {
		return -1, ErrTimeout
	}
	return idx, nil
}

// Item returns a pointer to the slot's backing value for the caller to
// write into (producer) or read from (consumer) while it holds the slot.
func (r *Ring[T]) Item(idx int) *T {
	return &r.slots[idx].item
}

// ProducerRelease publishes idx as ready for the consumer and advances the
// producer's cursor. idx must be the value most recently returned by
// ProducerAcquire.
func (r *Ring[T]) ProducerRelease(idx int) {
	r.slots[idx].seq.Add(1)
	r.slots[idx].state.Store(stateReady)
	r.producerPos++
	r.cond.Broadcast()
}

// ConsumerAcquire blocks up to timeout for the next slot in release order
// to become ready, returning its index, or ErrTimeout if none arrives in
// time. timeout <= 0 means "don't block at all".
func (r *Ring[T]) ConsumerAcquire(timeout time.Duration) (int, error) {
	idx := int(r.consumerPos % r.capacity)
	deadline := time.Now().Add(timeout)

	for !r.slots[idx].state.CompareAndSwap(stateReady, stateReading) {
		if timeout <= 0 {
			return -1, ErrTimeout
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return -1, ErrTimeout
		}
		if !r.condWaitFor(remaining) {
			return -1, ErrTimeout
		}
	}
	return idx, nil
}

// ConsumerRelease publishes idx as free again and advances the consumer's
// cursor.
func (r *Ring[T]) ConsumerRelease(idx int) {
	r.slots[idx].state.Store(stateFree)
	r.consumerPos++
}

// condWaitFor waits on the ring's condition variable for up to d, waking
// early on any producer release. It returns false if d elapsed.
func (r *Ring[T]) condWaitFor(d time.Duration) bool {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		r.cond.L.Lock()
		close(done)
		r.cond.Broadcast()
		r.cond.L.Unlock()
	})
	defer timer.Stop()

	r.cond.L.Lock()
	defer r.cond.L.Unlock()
	select {
	case <-done:
		return false
	default:
	}
	r.cond.Wait()
	select {
	case <-done:
		return false
	default:
		return true
	}
}

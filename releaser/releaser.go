// Package releaser implements the per-buffer-slot releaser pool from
// spec §4.5: one goroutine per hardware buffer slot, each draining a
// depth-1 queue and returning the buffer to the capture device under a
// mutex shared with the stream controller's grab calls.
//
// The dedicated goroutines exist so that device.Release, which can block
// briefly inside the kernel, never delays the controller's next grab.
package releaser

import (
	"sync"
	"time"

	"kvmstream/logging"
)

// Releasable is the subset of device.Device the pool needs. Narrowing the
// dependency to an interface keeps this package testable without a real
// V4L2 device.
type Releasable interface {
	Release(index int) error
}

// Pool owns one releaser goroutine per hardware buffer slot.
type Pool struct {
	log    logging.Logger
	dev    Releasable
	mu     *sync.Mutex // shared with the controller's grab calls; spec §4.1, §5
	queues []chan struct{}
	pending []int // pending[i] holds the buffer index queued for slot i

	stopped chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New returns a Pool with one releaser per slot in [0, numSlots). mu must
// be the same mutex the controller holds around device.Grab.
func New(numSlots int, dev Releasable, mu *sync.Mutex, log logging.Logger) *Pool {
	p := &Pool{
		log:     log,
		dev:     dev,
		mu:      mu,
		queues:  make([]chan struct{}, numSlots),
		pending: make([]int, numSlots),
		stopped: make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan struct{}, 1)
	}
	return p
}

// Start launches every releaser goroutine.
func (p *Pool) Start() {
	for i := range p.queues {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Enqueue hands buffer index idx, which belongs to slot slot, to its
// releaser. It blocks if that slot's previous release has not yet
// drained (spec: queue depth 1).
func (p *Pool) Enqueue(slot, idx int) {
	p.pending[slot] = idx
	select {
	case p.queues[slot] <- struct{}{}:
	case <-p.stopped:
	}
}

// Stopped reports whether a releaser has hit a fatal release error and
// signaled release_stop to its peers.
func (p *Pool) Stopped() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}

// Stop signals every releaser to exit and waits for them to drain.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stopped) })
	p.wg.Wait()
}

func (p *Pool) run(slot int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopped:
			return
		case <-p.queues[slot]:
		case <-time.After(100 * time.Millisecond):
			continue
		}

		idx := p.pending[slot]
		p.mu.Lock()
		err := p.dev.Release(idx)
		p.mu.Unlock()
		if err != nil {
			p.log.Errorw("releaser: device release failed, stopping pool", "slot", slot, "index", idx, "error", err)
			p.once.Do(func() { close(p.stopped) })
			return
		}
	}
}

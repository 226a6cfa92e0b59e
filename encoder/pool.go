// Package encoder implements the worker pool from spec §4.4: N worker
// goroutines that encode captured hardware buffers into still-image
// frames concurrently, each publishing job_failed/job_timely once its
// current job completes.
//
// The actual still-image codec is out of this core's scope (spec §1); it
// is invoked through the Encoder interface below.
package encoder

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"kvmstream/frame"
	"kvmstream/logging"
	"kvmstream/telemetry"
)

// Encoder is the still-image codec back-end's contract. Implementations
// are provided externally; kvmstream's core only calls this interface.
type Encoder interface {
	Encode(hw frame.Hardware, dest *frame.Raw) error
}

// Job is one encoder input+output pair, matching spec §3 "Worker Job".
type Job struct {
	HW        frame.Hardware
	Dest      *frame.Raw
	JobFailed bool
	JobTimely bool
}

// Worker is one pool slot. Exactly one job is ever in flight per worker.
type Worker struct {
	Name string

	pool    *Pool
	jobCh   chan *Job
	lastJob *Job // set when a job completes; cleared by Pool.Assign and Pool.Return

	avgLatencyNanos atomic.Int64
}

// LastJob returns the most recently completed job for this worker, or nil
// if the worker has never finished one (first assignment). It is discarded
// when the caller hands w back through Pool.Assign or Pool.Return.
func (w *Worker) LastJob() *Job { return w.lastJob }

// Pool manages the encoder worker pool.
type Pool struct {
	log      logging.Logger
	enc      Encoder
	deadline time.Duration
	metrics  *telemetry.Metrics

	workers []*Worker
	idleCh  chan *Worker
}

// NewPool returns a Pool of n workers that each call enc to encode
// assigned jobs, and treat any encode taking longer than deadline as
// "not timely" (spec §4.4: job_timely is published false and the
// controller exposes nothing for that job).
func NewPool(n int, enc Encoder, deadline time.Duration, metrics *telemetry.Metrics, log logging.Logger) *Pool {
	p := &Pool{
		log:      log,
		enc:      enc,
		deadline: deadline,
		metrics:  metrics,
		workers:  make([]*Worker, n),
		idleCh:   make(chan *Worker, n),
	}
	for i := range p.workers {
		w := &Worker{
			Name:  fmt.Sprintf("encoder-%d", i),
			pool:  p,
			jobCh: make(chan *Job, 1),
		}
		p.workers[i] = w
	}
	return p
}

// Start launches every worker goroutine and makes all workers immediately
// available to Wait.
func (p *Pool) Start() {
	for _, w := range p.workers {
		go p.run(w)
		p.idleCh <- w
	}
}

func (p *Pool) run(w *Worker) {
	for job := range w.jobCh {
		start := time.Now()
		err := p.enc.Encode(job.HW, job.Dest)
		elapsed := time.Since(start)

		job.JobFailed = err != nil
		job.JobTimely = elapsed <= p.deadline

		w.updateLatency(elapsed)
		if p.metrics != nil {
			p.metrics.EncodeLatency.WithLabelValues(w.Name).Observe(elapsed.Seconds())
			if job.JobFailed {
				p.metrics.DroppedFailed.Inc()
			} else if !job.JobTimely {
				p.metrics.DroppedLate.Inc()
			}
		}
		if err != nil {
			p.log.Warnw("encoder job failed", "worker", w.Name, "error", err)
		}

		w.lastJob = job
		p.idleCh <- w
	}
}

// updateLatency folds elapsed into the worker's exponential moving
// average, the basis for GetFluencyDelay.
func (w *Worker) updateLatency(elapsed time.Duration) {
	const alpha = 0.3 // weight on the newest sample
	prev := w.avgLatencyNanos.Load()
	if prev == 0 {
		w.avgLatencyNanos.Store(elapsed.Nanoseconds())
		return
	}
	next := int64(alpha*float64(elapsed.Nanoseconds()) + (1-alpha)*float64(prev))
	w.avgLatencyNanos.Store(next)
}

// Wait blocks until any worker is idle and ready for a new job, or ctx is
// done. The returned worker's LastJob is non-nil iff it just finished a
// job the caller has not yet handled.
func (p *Pool) Wait(ctx context.Context) (*Worker, error) {
	select {
	case w := <-p.idleCh:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryWait returns an idle worker without blocking, or ok=false if every
// worker is currently busy. Unlike Wait(ctx) with an already-expired
// context, this never races an available worker against a closed Done
// channel.
func (p *Pool) TryWait() (w *Worker, ok bool) {
	select {
	case w := <-p.idleCh:
		return w, true
	default:
		return nil, false
	}
}

// Return hands w back to the idle pool without assigning it a job, for a
// caller that obtained w from TryWait but decided not to use it this round
// (spec §4.7 step 4: the fluency-paced "release without encoding" case).
// w's LastJob is discarded, so the caller must have handled it already.
func (p *Pool) Return(w *Worker) {
	w.lastJob = nil
	p.idleCh <- w
}

// Assign hands w its next job; it runs asynchronously on w's goroutine.
// The caller must have obtained w from Wait and must not call Assign
// again for w until it reappears from Wait.
func (p *Pool) Assign(w *Worker, hw frame.Hardware, dest *frame.Raw) {
	w.lastJob = nil
	w.jobCh <- &Job{HW: hw, Dest: dest}
}

// GetFluencyDelay returns how long the controller should wait before
// grabbing another frame, derived from w's recent encode latency relative
// to the fastest worker in the pool (spec §4.4, §9 "fluency delay"). A
// worker running at or below the pool's pace returns zero.
func (p *Pool) GetFluencyDelay(w *Worker) time.Duration {
	minNanos := int64(-1)
	for _, peer := range p.workers {
		v := peer.avgLatencyNanos.Load()
		if v == 0 {
			continue
		}
		if minNanos < 0 || v < minNanos {
			minNanos = v
		}
	}
	if minNanos < 0 {
		return 0
	}
	delay := w.avgLatencyNanos.Load() - minNanos
	if delay <= 0 {
		return 0
	}
	return time.Duration(delay)
}

// Close stops accepting new jobs. Workers mid-job are allowed to finish;
// callers should not call Wait/Assign again after Close.
func (p *Pool) Close() {
	for _, w := range p.workers {
		close(w.jobCh)
	}
}

// Package telemetry exposes the captured-fps and encode-latency metrics
// referenced in spec §4.4 and §4.7 step 5, turning the spec's "publish
// atomically for telemetry" language into a scrapeable prometheus surface.
// kvmstream's core never starts an HTTP listener for it; the external HTTP
// front end mentioned in spec §1 owns that.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every gauge/counter/histogram the streaming core
// publishes to. DisplayState is registered, but no component in this
// repository sets it.
type Metrics struct {
	CapturedFPS     prometheus.Gauge
	DroppedFailed   prometheus.Counter
	DroppedLate     prometheus.Counter
	FluencyPassed   prometheus.Counter
	EncodeLatency   *prometheus.HistogramVec
	WorkerFluency   *prometheus.GaugeVec
	DisplayState    *prometheus.GaugeVec
}

// NewMetrics registers and returns a fresh metric set on reg. Passing a
// dedicated registry (rather than prometheus.DefaultRegisterer) lets
// multiple kvmstream instances, or tests, coexist without collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CapturedFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvmstream",
			Name:      "captured_fps",
			Help:      "Frames captured in the most recently completed wall-clock second.",
		}),
		DroppedFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvmstream",
			Name:      "encode_dropped_failed_total",
			Help:      "Encoded frames dropped because the worker reported job_failed.",
		}),
		DroppedLate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvmstream",
			Name:      "encode_dropped_late_total",
			Help:      "Frames dropped because the worker reported job_timely=false or the image/raw ring was full.",
		}),
		FluencyPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kvmstream",
			Name:      "fluency_passed_total",
			Help:      "Grabbed buffers released unencoded due to fluency pacing.",
		}),
		EncodeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kvmstream",
			Name:      "encode_latency_seconds",
			Help:      "Per-worker still-image encode latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"worker"}),
		WorkerFluency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kvmstream",
			Name:      "worker_fluency_delay_seconds",
			Help:      "Most recently computed fluency delay per worker.",
		}, []string{"worker"}),
		DisplayState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kvmstream",
			Name:      "display_state",
			Help:      "1 for the currently active display runtime state, 0 otherwise.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.CapturedFPS,
		m.DroppedFailed,
		m.DroppedLate,
		m.FluencyPassed,
		m.EncodeLatency,
		m.WorkerFluency,
		m.DisplayState,
	)
	return m
}

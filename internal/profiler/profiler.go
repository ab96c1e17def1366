// Package profiler implements HeterogeneousProfiler (spec.md §4.B
// enqueue/dequeue phase timing, §9 GE_PROFILING_TO_STD_OUT gate):
// per-(device,queue) phase timing for mbuf exchange operations, collapsed
// from the source's global accumulator into an explicit instance backed by
// github.com/prometheus/client_golang, the metrics library the broader
// example pack (aistore) standardizes on. Grounded structurally on the
// teacher's Metrics (metrics.go): a counters-plus-histogram struct with a
// RecordX per operation and a Snapshot for point-in-time reads, rebuilt
// here over prometheus collectors instead of raw atomics so scrape/export
// come for free.
package profiler

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RecordKey identifies one profiler sample's origin. DeviceIDAsQueueIDBug
// reproduces the source's observed ProcessDequeueBuffTensor variant, which
// stamps device_id into the field the rest of the code treats as queue_id
// (Open Questions, SPEC_FULL.md §5) — off by default, audited rather than
// silently "fixed".
type RecordKey struct {
	DeviceID int32
	QueueID  uint32
}

// DeviceIDAsQueueIDBug, when true, reproduces the suspected swap: Record*
// calls stamp DeviceID into the queue_id label instead of QueueID.
var DeviceIDAsQueueIDBug = false

// Phase names the pipeline stage a duration is attributed to.
type Phase string

const (
	PhaseAlloc          Phase = "alloc"
	PhaseCopy           Phase = "copy"
	PhaseEnqueue        Phase = "enqueue"
	PhaseDequeue        Phase = "dequeue"
	PhaseTransIDStamp   Phase = "trans_id_stamp"
	PhasePrepareInputs  Phase = "prepare_inputs"
	PhasePrepareOutputs Phase = "prepare_outputs"
	PhaseDoExecuteModel Phase = "do_execute_model"
	PhaseUpdateOutputs  Phase = "update_outputs"
)

// Profiler is a per-process accumulator of phase durations, gated by the
// GE_PROFILING_TO_STD_OUT="2" env toggle (internal/config owns reading that
// env var; Profiler itself is always safe to call — Enabled just controls
// whether Record does any work, avoiding the histogram-observe cost on the
// hot path when profiling is off).
type Profiler struct {
	Enabled bool

	duration *prometheus.HistogramVec
	ops      *prometheus.CounterVec
}

// New constructs a Profiler. Pass a non-nil registry to have it register
// its collectors (e.g. prometheus.NewRegistry(), as tests and
// cmd/dflow-demo do); pass nil to skip
// registration (useful for profilers that are created and discarded
// within a single test).
func New(reg prometheus.Registerer) *Profiler {
	p := &Profiler{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dflow",
			Subsystem: "hetexec",
			Name:      "phase_duration_seconds",
			Help:      "Duration of one mbuf-exchange or executor pipeline phase.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12), // 1us .. 1us*4^11 (~4.2s)
		}, []string{"phase", "device_id", "queue_id"}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dflow",
			Subsystem: "hetexec",
			Name:      "phase_total",
			Help:      "Count of completed phase samples.",
		}, []string{"phase", "device_id", "queue_id"}),
	}
	if reg != nil {
		reg.MustRegister(p.duration, p.ops)
	}
	return p
}

// Record attributes duration to phase for the given key. A no-op when
// Enabled is false.
func (p *Profiler) Record(key RecordKey, phase Phase, duration time.Duration) {
	if !p.Enabled {
		return
	}
	queueLabel := key.QueueID
	if DeviceIDAsQueueIDBug {
		queueLabel = uint32(key.DeviceID)
	}
	labels := prometheus.Labels{
		"phase":     string(phase),
		"device_id": strconv.Itoa(int(key.DeviceID)),
		"queue_id":  strconv.Itoa(int(queueLabel)),
	}
	p.duration.With(labels).Observe(duration.Seconds())
	p.ops.With(labels).Inc()
}

// Timer starts a phase timer; call the returned func when the phase
// completes to record its duration.
func (p *Profiler) Timer(key RecordKey, phase Phase) func() {
	start := time.Now()
	return func() {
		p.Record(key, phase, time.Since(start))
	}
}

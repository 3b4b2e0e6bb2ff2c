package obs

import (
	"sync/atomic"
	"time"

	"mdbroker/internal/model/enum"
)

// Metrics collects lightweight broker counters and latency stats.
type Metrics struct {
	sessionsOpened   uint64
	sessionsClosed   uint64
	sessionsRejected uint64
	sessionRestarts  uint64

	subscribeSuccess uint64
	subscribeFailure [enum.FailureReasonCount]uint64
	snapshotSuccess  uint64
	snapshotFailure  [enum.FailureReasonCount]uint64
	unsubscribes     uint64

	upstreamSubscribes   uint64
	upstreamUnsubscribes uint64
	upstreamRetries      uint64
	upstreamFetches      uint64

	ticks         uint64
	ticksFiltered uint64
	tickErrors    uint64
	deliveries    uint64
	injections    uint64

	queueDrops         uint64
	overflowDisconnect uint64
	malformedFrames    uint64

	resolveLatency LatencyStats
	entitleLatency LatencyStats
	attachLatency  LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	SessionsOpened   uint64 `json:"sessionsOpened"`
	SessionsClosed   uint64 `json:"sessionsClosed"`
	SessionsRejected uint64 `json:"sessionsRejected"`
	SessionRestarts  uint64 `json:"sessionRestarts"`

	SubscribeSuccess uint64            `json:"subscribeSuccess"`
	SubscribeFailure map[string]uint64 `json:"subscribeFailure"`
	SnapshotSuccess  uint64            `json:"snapshotSuccess"`
	SnapshotFailure  map[string]uint64 `json:"snapshotFailure"`
	Unsubscribes     uint64            `json:"unsubscribes"`

	UpstreamSubscribes   uint64 `json:"upstreamSubscribes"`
	UpstreamUnsubscribes uint64 `json:"upstreamUnsubscribes"`
	UpstreamRetries      uint64 `json:"upstreamRetries"`
	UpstreamFetches      uint64 `json:"upstreamFetches"`

	Ticks         uint64 `json:"ticks"`
	TicksFiltered uint64 `json:"ticksFiltered"`
	TickErrors    uint64 `json:"tickErrors"`
	Deliveries    uint64 `json:"deliveries"`
	Injections    uint64 `json:"injections"`

	QueueDrops         uint64 `json:"queueDrops"`
	OverflowDisconnect uint64 `json:"overflowDisconnect"`
	MalformedFrames    uint64 `json:"malformedFrames"`

	ResolveLatency LatencySnapshot `json:"resolveLatency"`
	EntitleLatency LatencySnapshot `json:"entitleLatency"`
	AttachLatency  LatencySnapshot `json:"attachLatency"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSessionOpened() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.sessionsOpened, 1)
}

func (m *Metrics) IncSessionClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.sessionsClosed, 1)
}

func (m *Metrics) IncSessionRejected() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.sessionsRejected, 1)
}

func (m *Metrics) IncSessionRestart() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.sessionRestarts, 1)
}

func (m *Metrics) IncSubscribeSuccess() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.subscribeSuccess, 1)
}

// IncSubscribeFailure counts a failed subscribe by reason.
func (m *Metrics) IncSubscribeFailure(reason enum.FailureReason) {
	if m == nil || !reason.IsAvailable() {
		return
	}
	atomic.AddUint64(&m.subscribeFailure[reason], 1)
}

func (m *Metrics) IncSnapshotSuccess() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.snapshotSuccess, 1)
}

// IncSnapshotFailure counts a failed snapshot by reason.
func (m *Metrics) IncSnapshotFailure(reason enum.FailureReason) {
	if m == nil || !reason.IsAvailable() {
		return
	}
	atomic.AddUint64(&m.snapshotFailure[reason], 1)
}

func (m *Metrics) IncUnsubscribe() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.unsubscribes, 1)
}

func (m *Metrics) IncUpstreamSubscribe() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.upstreamSubscribes, 1)
}

func (m *Metrics) IncUpstreamUnsubscribe() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.upstreamUnsubscribes, 1)
}

func (m *Metrics) IncUpstreamRetry() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.upstreamRetries, 1)
}

func (m *Metrics) IncUpstreamFetch() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.upstreamFetches, 1)
}

func (m *Metrics) IncTick() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ticks, 1)
}

func (m *Metrics) IncTickFiltered() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ticksFiltered, 1)
}

func (m *Metrics) IncTickError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.tickErrors, 1)
}

// AddDeliveries counts updates handed to sinks.
func (m *Metrics) AddDeliveries(n int) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&m.deliveries, uint64(n))
}

func (m *Metrics) IncInjection() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.injections, 1)
}

// IncQueueDrop records an outbound frame dropped by the drop-oldest policy.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncOverflowDisconnect records a session closed for a full outbound queue.
func (m *Metrics) IncOverflowDisconnect() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.overflowDisconnect, 1)
}

func (m *Metrics) IncMalformedFrame() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.malformedFrames, 1)
}

func (m *Metrics) ObserveResolve(d time.Duration) {
	if m == nil {
		return
	}
	m.resolveLatency.Observe(d)
}

func (m *Metrics) ObserveEntitle(d time.Duration) {
	if m == nil {
		return
	}
	m.entitleLatency.Observe(d)
}

func (m *Metrics) ObserveAttach(d time.Duration) {
	if m == nil {
		return
	}
	m.attachLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		SessionsOpened:       atomic.LoadUint64(&m.sessionsOpened),
		SessionsClosed:       atomic.LoadUint64(&m.sessionsClosed),
		SessionsRejected:     atomic.LoadUint64(&m.sessionsRejected),
		SessionRestarts:      atomic.LoadUint64(&m.sessionRestarts),
		SubscribeSuccess:     atomic.LoadUint64(&m.subscribeSuccess),
		SubscribeFailure:     reasonCounts(&m.subscribeFailure),
		SnapshotSuccess:      atomic.LoadUint64(&m.snapshotSuccess),
		SnapshotFailure:      reasonCounts(&m.snapshotFailure),
		Unsubscribes:         atomic.LoadUint64(&m.unsubscribes),
		UpstreamSubscribes:   atomic.LoadUint64(&m.upstreamSubscribes),
		UpstreamUnsubscribes: atomic.LoadUint64(&m.upstreamUnsubscribes),
		UpstreamRetries:      atomic.LoadUint64(&m.upstreamRetries),
		UpstreamFetches:      atomic.LoadUint64(&m.upstreamFetches),
		Ticks:                atomic.LoadUint64(&m.ticks),
		TicksFiltered:        atomic.LoadUint64(&m.ticksFiltered),
		TickErrors:           atomic.LoadUint64(&m.tickErrors),
		Deliveries:           atomic.LoadUint64(&m.deliveries),
		Injections:           atomic.LoadUint64(&m.injections),
		QueueDrops:           atomic.LoadUint64(&m.queueDrops),
		OverflowDisconnect:   atomic.LoadUint64(&m.overflowDisconnect),
		MalformedFrames:      atomic.LoadUint64(&m.malformedFrames),
		ResolveLatency:       m.resolveLatency.Snapshot(),
		EntitleLatency:       m.entitleLatency.Snapshot(),
		AttachLatency:        m.attachLatency.Snapshot(),
	}
}

func reasonCounts(counts *[enum.FailureReasonCount]uint64) map[string]uint64 {
	out := make(map[string]uint64)
	for i := range counts {
		if v := atomic.LoadUint64(&counts[i]); v > 0 {
			out[enum.FailureReason(i).String()] = v
		}
	}
	return out
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}

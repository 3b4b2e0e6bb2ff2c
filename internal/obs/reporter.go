package obs

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/yanun0323/logs"
)

// Reporter periodically logs broker throughput next to Go runtime memory
// stats. Not safe for concurrent use; one goroutine drives it.
type Reporter struct {
	metrics *Metrics
	buf     [2048]byte

	prevMem, currMem   runtime.MemStats
	prevStat, currStat Snapshot
	prevAt, currAt     time.Time
}

func NewReporter(metrics *Metrics) *Reporter {
	return &Reporter{metrics: metrics}
}

// Run samples and logs every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sample()
			logs.Infof("%s", r.Line())
		}
	}
}

// Sample rotates the previous sample out and reads a fresh one.
func (r *Reporter) Sample() {
	r.prevMem, r.currMem = r.currMem, r.prevMem
	r.prevStat = r.currStat
	r.prevAt = r.currAt

	r.currAt = time.Now()
	runtime.ReadMemStats(&r.currMem)
	r.currStat = r.metrics.Snapshot()

	if r.prevAt.IsZero() {
		r.prevAt = r.currAt
		r.prevStat = r.currStat
		r.prevMem = r.currMem
	}
}

// Line formats the delta between the last two samples.
func (r *Reporter) Line() string {
	dt := r.currAt.Sub(r.prevAt).Seconds()
	if dt <= 0 {
		dt = 1
	}

	line := r.buf[:0]

	line = append(line, "[BROKER] sessions="...)
	line = strconv.AppendUint(line, r.currStat.SessionsOpened-r.currStat.SessionsClosed, 10)
	line = append(line, " subscribes="...)
	line = strconv.AppendUint(line, r.currStat.SubscribeSuccess-r.prevStat.SubscribeSuccess, 10)
	line = append(line, " ticks="...)
	line = strconv.AppendUint(line, r.currStat.Ticks-r.prevStat.Ticks, 10)
	line = append(line, " deliver_rate="...)
	line = strconv.AppendFloat(line, float64(r.currStat.Deliveries-r.prevStat.Deliveries)/dt, 'f', 1, 64)
	line = append(line, "/s drops="...)
	line = strconv.AppendUint(line, r.currStat.QueueDrops-r.prevStat.QueueDrops, 10)
	line = append(line, " overflow_kills="...)
	line = strconv.AppendUint(line, r.currStat.OverflowDisconnect-r.prevStat.OverflowDisconnect, 10)

	line = append(line, "  [HEAP] alloc="...)
	b, unit := bytesCarry(r.currMem.HeapAlloc)
	line = strconv.AppendUint(line, b, 10)
	line = append(line, unit...)
	line = append(line, " inuse="...)
	b, unit = bytesCarry(r.currMem.HeapInuse)
	line = strconv.AppendUint(line, b, 10)
	line = append(line, unit...)
	line = append(line, " objects="...)
	line = strconv.AppendUint(line, r.currMem.HeapObjects, 10)
	line = append(line, " alloc_rate="...)
	rate, runit := bytesCarryFloat(float64(r.currMem.TotalAlloc-r.prevMem.TotalAlloc) / dt)
	line = strconv.AppendFloat(line, rate, 'f', 2, 64)
	line = append(line, runit...)
	line = append(line, "/s"...)

	line = append(line, "  [GC] times="...)
	line = strconv.AppendUint(line, uint64(r.currMem.NumGC-r.prevMem.NumGC), 10)
	line = append(line, " stw="...)
	line = strconv.AppendFloat(line, float64(r.currMem.PauseTotalNs-r.prevMem.PauseTotalNs)/1e6, 'f', 3, 64)
	line = append(line, "ms goroutines="...)
	line = strconv.AppendInt(line, int64(runtime.NumGoroutine()), 10)

	return string(line)
}

const carryThreshold = 1 << 15

func bytesCarry(value uint64) (uint64, string) {
	if value < carryThreshold {
		return value, "B"
	}
	value >>= 10
	if value < carryThreshold {
		return value, "KB"
	}
	value >>= 10
	if value < carryThreshold {
		return value, "MB"
	}
	return value >> 10, "GB"
}

func bytesCarryFloat(value float64) (float64, string) {
	if value < carryThreshold {
		return value, "B"
	}
	value /= 1024
	if value < carryThreshold {
		return value, "KB"
	}
	value /= 1024
	if value < carryThreshold {
		return value, "MB"
	}
	return value / 1024, "GB"
}

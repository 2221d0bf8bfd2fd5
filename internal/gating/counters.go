package gating

import (
	"sync"
	"sync/atomic"
)

// Counters is the process-wide gating state: typed atomic totals plus
// per-reason, per-direction, per-scope breakdowns. Lifecycle is tied to
// process uptime; observers only ever see read-only snapshots.
type Counters struct {
	evaluated atomic.Int64
	admitted  atomic.Int64
	rejected  atomic.Int64

	mu          sync.Mutex
	byReason    map[string]int64
	byDirection map[string]int64
	byMTFBucket map[string]int64
	byHourScope map[string]int64
}

// NewCounters creates an empty counter set
func NewCounters() *Counters {
	return &Counters{
		byReason:    make(map[string]int64),
		byDirection: make(map[string]int64),
		byMTFBucket: make(map[string]int64),
		byHourScope: make(map[string]int64),
	}
}

// RecordAdmission counts one admitted candidate
func (c *Counters) RecordAdmission() {
	c.evaluated.Add(1)
	c.admitted.Add(1)
}

// RecordRejection counts one rejection with its breakdown dimensions.
// mtfBucket and hourScope may be empty when the rejection carries none.
func (c *Counters) RecordRejection(reason, direction, mtfBucket, hourScope string) {
	c.evaluated.Add(1)
	c.rejected.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byReason[reason]++
	if direction != "" {
		c.byDirection[direction]++
	}
	if mtfBucket != "" {
		c.byMTFBucket[mtfBucket]++
	}
	if hourScope != "" {
		c.byHourScope[hourScope]++
	}
}

// Snapshot is a read-only copy of the counters
type Snapshot struct {
	Evaluated   int64            `json:"evaluated"`
	Admitted    int64            `json:"admitted"`
	Rejected    int64            `json:"rejected"`
	ByReason    map[string]int64 `json:"by_reason"`
	ByDirection map[string]int64 `json:"by_direction"`
	ByMTFBucket map[string]int64 `json:"by_mtf_bucket"`
	ByHourScope map[string]int64 `json:"by_hour_scope"`
}

// Snapshot returns a copy safe to hand to observers
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Evaluated:   c.evaluated.Load(),
		Admitted:    c.admitted.Load(),
		Rejected:    c.rejected.Load(),
		ByReason:    copyMap(c.byReason),
		ByDirection: copyMap(c.byDirection),
		ByMTFBucket: copyMap(c.byMTFBucket),
		ByHourScope: copyMap(c.byHourScope),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counters is the cache-lifetime performance state: lookup/hit/miss counts,
// per-operation timings and the current index memory estimate. All methods
// are safe for concurrent use. Counters reset only on explicit cache
// invalidation.
type Counters struct {
	hits   atomic.Int64
	misses atomic.Int64
	memory atomic.Int64

	mu  sync.Mutex
	ops map[string]*opSample
}

type opSample struct {
	count int64
	total time.Duration
}

// OpStats reports aggregate timing for one operation name.
type OpStats struct {
	Count      int64
	AvgLatency time.Duration
}

// NewCounters creates an empty counter set.
func NewCounters() *Counters {
	return &Counters{ops: make(map[string]*opSample)}
}

// Lookup records one cache lookup.
func (c *Counters) Lookup(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

// Observe records one operation timing sample. Durations come from
// monotonic clock reads (time.Since), so wall-clock adjustments cannot
// skew them.
func (c *Counters) Observe(op string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sample, ok := c.ops[op]
	if !ok {
		sample = &opSample{}
		c.ops[op] = sample
	}
	sample.count++
	sample.total += d
}

// SetMemory records the current index memory estimate.
func (c *Counters) SetMemory(n int64) {
	c.memory.Store(n)
}

// Memory returns the current index memory estimate.
func (c *Counters) Memory() int64 {
	return c.memory.Load()
}

// Lookups returns the total number of lookups.
func (c *Counters) Lookups() int64 {
	return c.hits.Load() + c.misses.Load()
}

// HitRatio returns hits/(hits+misses), defined as 0 before any lookup.
func (c *Counters) HitRatio() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Operations returns a copy of the per-operation stats.
func (c *Counters) Operations() map[string]OpStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]OpStats, len(c.ops))
	for op, sample := range c.ops {
		out[op] = OpStats{
			Count:      sample.count,
			AvgLatency: sample.total / time.Duration(sample.count),
		}
	}
	return out
}

// Reset clears all counters.
func (c *Counters) Reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.memory.Store(0)
	c.mu.Lock()
	c.ops = make(map[string]*opSample)
	c.mu.Unlock()
}

// Package slo measures firing latency against the service-level objective.
//
// Lag is signed (actual fire time minus due instant; early fires are
// negative) and lands in a fixed-bound histogram so the tracker costs O(1)
// per firing regardless of volume. Breaches are operational events, never
// user-facing errors.
package slo

import (
	"sync"
	"time"
)

// bucket upper bounds for the lag histogram. The last bucket is unbounded.
var bucketBounds = []time.Duration{
	0,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
}

type Config struct {
	// Target is the p95 fire-lag objective. Zero means the default.
	Target time.Duration
}

const DefaultTarget = 30 * time.Second

// Tracker aggregates fire lag and engine counters. Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	target time.Duration

	counts [len(bucketBounds) + 1]uint64
	total  uint64
	sum    time.Duration
	max    time.Duration

	created      uint64
	deduplicated uint64
	fired        uint64
	failed       uint64
}

func New(cfg Config) *Tracker {
	target := cfg.Target
	if target <= 0 {
		target = DefaultTarget
	}
	return &Tracker{target: target}
}

func (t *Tracker) Target() time.Duration { return t.target }

// Record adds one firing's signed lag to the distribution.
func (t *Tracker) Record(lag time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[bucketFor(lag)]++
	t.total++
	t.sum += lag
	if lag > t.max {
		t.max = lag
	}
}

func (t *Tracker) IncCreated()      { t.mu.Lock(); t.created++; t.mu.Unlock() }
func (t *Tracker) IncDeduplicated() { t.mu.Lock(); t.deduplicated++; t.mu.Unlock() }
func (t *Tracker) IncFired()        { t.mu.Lock(); t.fired++; t.mu.Unlock() }
func (t *Tracker) IncFailed()       { t.mu.Lock(); t.failed++; t.mu.Unlock() }

// Bucket is one histogram bar in a Snapshot.
type Bucket struct {
	// UpperBound is the inclusive upper edge; zero Duration on the first
	// bucket means "on time or early", and the last bucket reports +Inf
	// via Unbounded.
	UpperBound time.Duration `json:"upper_bound"`
	Unbounded  bool          `json:"unbounded,omitempty"`
	Count      uint64        `json:"count"`
}

// Snapshot is a point-in-time aggregate for the metrics surface.
type Snapshot struct {
	Created      uint64 `json:"created"`
	Deduplicated uint64 `json:"deduplicated"`
	Fired        uint64 `json:"fired"`
	Failed       uint64 `json:"failed_deliveries"`

	Count  uint64        `json:"lag_count"`
	MeanMS int64         `json:"lag_mean_ms"`
	MaxMS  int64         `json:"lag_max_ms"`
	P95MS  int64         `json:"lag_p95_ms"`
	Target time.Duration `json:"target"`
	Breach bool          `json:"breach"`

	Buckets []Bucket `json:"buckets"`
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Created:      t.created,
		Deduplicated: t.deduplicated,
		Fired:        t.fired,
		Failed:       t.failed,
		Count:        t.total,
		MaxMS:        t.max.Milliseconds(),
		Target:       t.target,
	}
	if t.total > 0 {
		s.MeanMS = (t.sum / time.Duration(t.total)).Milliseconds()
	}
	p95 := t.quantileLocked(0.95)
	s.P95MS = p95.Milliseconds()
	s.Breach = t.total > 0 && p95 > t.target

	s.Buckets = make([]Bucket, 0, len(t.counts))
	for i, c := range t.counts {
		b := Bucket{Count: c}
		if i < len(bucketBounds) {
			b.UpperBound = bucketBounds[i]
		} else {
			b.Unbounded = true
		}
		s.Buckets = append(s.Buckets, b)
	}
	return s
}

// Quantile returns a conservative estimate: the upper bound of the bucket
// containing the q-th sample (the unbounded bucket reports the observed max).
func (t *Tracker) Quantile(q float64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.quantileLocked(q)
}

func (t *Tracker) quantileLocked(q float64) time.Duration {
	if t.total == 0 {
		return 0
	}
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	rank := uint64(q * float64(t.total))
	if rank < 1 {
		rank = 1
	}
	var seen uint64
	for i, c := range t.counts {
		seen += c
		if seen >= rank {
			if i < len(bucketBounds) {
				return bucketBounds[i]
			}
			return t.max
		}
	}
	return t.max
}

func bucketFor(lag time.Duration) int {
	for i, bound := range bucketBounds {
		if lag <= bound {
			return i
		}
	}
	return len(bucketBounds)
}

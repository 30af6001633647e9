package engine

import (
	"math"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"perfx/internal/core"
)

// rpsWindow is how many one-second buckets the current RPS is averaged over.
const rpsWindow = 10

type bucket struct {
	second int64
	count  int64
}

// Stats accumulates request outcomes. Percentiles come from an HDR
// histogram in microseconds (1µs to 10min, 3 significant figures); min, max
// and mean are exact.
type Stats struct {
	mu       sync.Mutex
	now      func() time.Time
	start    time.Time
	hist     *hdrhistogram.Histogram
	requests int64
	failures int64
	sumMs    float64
	minMs    float64
	maxMs    float64
	window   [rpsWindow]bucket
}

// NewStats returns empty statistics. now defaults to time.Now.
func NewStats(now func() time.Time) *Stats {
	if now == nil {
		now = time.Now
	}
	return &Stats{
		now:   now,
		start: now(),
		hist:  hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3),
		minMs: math.Inf(1),
	}
}

// Record adds one request.
func (s *Stats) Record(r core.Request) {
	ms := float64(r.ResponseTime) / float64(time.Millisecond)
	us := r.ResponseTime.Microseconds()
	if us < 1 {
		us = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	if r.Err != nil {
		s.failures++
	}
	s.sumMs += ms
	s.minMs = math.Min(s.minMs, ms)
	s.maxMs = math.Max(s.maxMs, ms)
	// Values above the histogram range are clamped to its maximum.
	if err := s.hist.RecordValue(us); err != nil {
		_ = s.hist.RecordValue(s.hist.HighestTrackableValue())
	}

	sec := s.now().Unix()
	b := &s.window[sec%rpsWindow]
	if b.second != sec {
		b.second = sec
		b.count = 0
	}
	b.count++
}

// Aggregate returns the cumulative view with users as the active user count.
func (s *Stats) Aggregate(users int) core.Aggregate {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg := core.Aggregate{
		UserCount: users,
		Requests:  s.requests,
		Failures:  s.failures,
		RPS:       s.currentRPSLocked(),
	}
	if s.requests == 0 {
		return agg
	}
	agg.FailRatio = float64(s.failures) / float64(s.requests)
	agg.MinMs = s.minMs
	agg.MaxMs = s.maxMs
	agg.AvgMs = s.sumMs / float64(s.requests)
	agg.MedianMs = usToMs(s.hist.ValueAtQuantile(50))
	agg.P95Ms = usToMs(s.hist.ValueAtQuantile(95))
	agg.P99Ms = usToMs(s.hist.ValueAtQuantile(99))
	return agg
}

func (s *Stats) currentRPSLocked() float64 {
	now := s.now()
	sec := now.Unix()
	var total int64
	for _, b := range s.window {
		if b.second > sec-rpsWindow && b.second <= sec {
			total += b.count
		}
	}
	span := float64(rpsWindow)
	if elapsed := now.Sub(s.start).Seconds(); elapsed < span {
		span = math.Max(elapsed, 1)
	}
	return float64(total) / span
}

func usToMs(us int64) float64 {
	return float64(us) / 1000
}

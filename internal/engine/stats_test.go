package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"perfx/internal/core"
)

type manualNow struct{ t time.Time }

func (m *manualNow) now() time.Time { return m.t }

func TestStats_Empty(t *testing.T) {
	agg := NewStats(nil).Aggregate(3)
	assert.Equal(t, core.Aggregate{UserCount: 3}, agg)
}

func TestStats_Aggregates(t *testing.T) {
	clock := &manualNow{t: time.Unix(1_700_000_000, 0)}
	s := NewStats(clock.now)

	for i := 1; i <= 100; i++ {
		var err error
		if i%10 == 0 {
			err = errors.New("boom")
		}
		s.Record(core.Request{ResponseTime: time.Duration(i) * time.Millisecond, Err: err})
	}

	agg := s.Aggregate(5)
	assert.Equal(t, 5, agg.UserCount)
	assert.Equal(t, int64(100), agg.Requests)
	assert.Equal(t, int64(10), agg.Failures)
	assert.InDelta(t, 0.1, agg.FailRatio, 1e-9)
	assert.Equal(t, 1.0, agg.MinMs)
	assert.Equal(t, 100.0, agg.MaxMs)
	assert.InDelta(t, 50.5, agg.AvgMs, 1e-9)
	assert.InDelta(t, 50, agg.MedianMs, 0.5)
	assert.InDelta(t, 95, agg.P95Ms, 0.5)
	assert.InDelta(t, 99, agg.P99Ms, 0.5)
	// All 100 requests landed in the first second of the run.
	assert.Equal(t, 100.0, agg.RPS)
}

func TestStats_SlidingWindowRPS(t *testing.T) {
	clock := &manualNow{t: time.Unix(1_700_000_000, 0)}
	s := NewStats(clock.now)

	for sec := 0; sec < 20; sec++ {
		for i := 0; i < 10; i++ {
			s.Record(core.Request{ResponseTime: time.Millisecond})
		}
		clock.t = clock.t.Add(time.Second)
	}
	clock.t = clock.t.Add(-time.Second)

	// Only the last ten seconds count.
	assert.InDelta(t, 10.0, s.Aggregate(1).RPS, 1e-9)

	clock.t = clock.t.Add(time.Minute)
	assert.Zero(t, s.Aggregate(1).RPS)
	assert.Equal(t, int64(200), s.Aggregate(1).Requests)
}

func TestStats_ClampsHugeLatency(t *testing.T) {
	s := NewStats(nil)
	s.Record(core.Request{ResponseTime: time.Hour})
	s.Record(core.Request{})

	agg := s.Aggregate(0)
	assert.Equal(t, int64(2), agg.Requests)
	assert.Equal(t, float64(time.Hour/time.Millisecond), agg.MaxMs)
	assert.InDelta(t, 600_000, agg.P99Ms, 600)
}

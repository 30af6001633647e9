// Package core defines the event vocabulary and workload contracts shared by
// the perfx engine, orchestrator and sinks.
package core

import (
	"time"
	"unicode/utf8"
)

// DefaultErrorLimit bounds error and message text forwarded to sinks.
const DefaultErrorLimit = 500

// LifecycleKind tags a LifecycleEvent.
type LifecycleKind int

const (
	Started LifecycleKind = iota
	Completed
	Failed
)

func (k LifecycleKind) String() string {
	switch k {
	case Started:
		return "start"
	case Completed:
		return "complete"
	case Failed:
		return "fail"
	default:
		return "unknown"
	}
}

// Terminal reports whether the kind ends a run.
func (k LifecycleKind) Terminal() bool {
	return k == Completed || k == Failed
}

// LifecycleEvent marks a run transition. Every started run produces exactly
// one Started and one terminal event.
type LifecycleEvent struct {
	RunID string
	Kind  LifecycleKind
	Time  time.Time
	// Reason is set for Failed only.
	Reason string
	// Arguments are the resolved run arguments, set for Started only.
	Arguments map[string]string
	// Elapsed is the time spent running, set for terminal events.
	Elapsed time.Duration
}

// RequestOutcome is one engine-observed request translated for sinks.
type RequestOutcome struct {
	RunID          string
	Time           time.Time
	RequestType    string
	Name           string
	ResponseTimeMs float64
	ResponseLength int64
	Success        bool
	// Error is empty on success and never longer than the configured limit.
	Error string
}

// StatsSnapshot is a point-in-time aggregate sampled from the engine.
type StatsSnapshot struct {
	RunID     string
	Time      time.Time
	UserCount int
	RPS       float64
	FailRatio float64
	MinMs     float64
	AvgMs     float64
	MedianMs  float64
	MaxMs     float64
	P95Ms     float64
	P99Ms     float64
	Requests  int64
	Failures  int64
}

// Aggregate is the engine's cumulative view of a run. Latencies are in
// milliseconds and RPS is the current rate, not the run average.
type Aggregate struct {
	UserCount int
	Requests  int64
	Failures  int64
	FailRatio float64
	RPS       float64
	MinMs     float64
	AvgMs     float64
	MedianMs  float64
	MaxMs     float64
	P95Ms     float64
	P99Ms     float64
}

// Snapshot stamps the aggregate for a run.
func (a Aggregate) Snapshot(runID string, at time.Time) StatsSnapshot {
	return StatsSnapshot{
		RunID:     runID,
		Time:      at,
		UserCount: a.UserCount,
		RPS:       a.RPS,
		FailRatio: a.FailRatio,
		MinMs:     a.MinMs,
		AvgMs:     a.AvgMs,
		MedianMs:  a.MedianMs,
		MaxMs:     a.MaxMs,
		P95Ms:     a.P95Ms,
		P99Ms:     a.P99Ms,
		Requests:  a.Requests,
		Failures:  a.Failures,
	}
}

// RunResult is the summary of a finished run.
type RunResult struct {
	Requests  int64
	Failures  int64
	FailRatio float64
	MinMs     float64
	AvgMs     float64
	MedianMs  float64
	MaxMs     float64
	P95Ms     float64
	P99Ms     float64
	RPS       float64
	Elapsed   time.Duration
	Success   bool
	Reason    string
}

// Truncate shortens s to at most limit runes. A non-positive limit disables
// truncation.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// Package progress prints run progress to the terminal.
package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"perfx/internal/core"
)

// Progress prints one status line per statistics snapshot plus lifecycle
// lines. In quiet mode it prints nothing.
type Progress struct {
	quiet     bool
	output    io.Writer
	startTime time.Time
	mu        sync.Mutex
}

func NewProgress(quiet bool) *Progress {
	return &Progress{
		quiet:  quiet,
		output: os.Stderr,
	}
}

func (p *Progress) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = w
}

func (p *Progress) String() string { return "progress" }

func (p *Progress) Started(_ context.Context, ev core.LifecycleEvent) error {
	p.mu.Lock()
	p.startTime = ev.Time
	p.mu.Unlock()
	p.Printf("Run %s started", ev.RunID)
	return nil
}

func (p *Progress) Completed(_ context.Context, ev core.LifecycleEvent) error {
	p.Printf("Run %s completed in %s", ev.RunID, ev.Elapsed.Round(time.Millisecond))
	return nil
}

func (p *Progress) Failed(_ context.Context, ev core.LifecycleEvent) error {
	p.Printf("Run %s failed: %s", ev.RunID, ev.Reason)
	return nil
}

// Request is ignored; per-request output would flood the terminal.
func (p *Progress) Request(context.Context, core.RequestOutcome) error { return nil }

func (p *Progress) Stats(_ context.Context, s core.StatsSnapshot) error {
	if p.quiet {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var elapsed time.Duration
	if !p.startTime.IsZero() && s.Time.After(p.startTime) {
		elapsed = s.Time.Sub(p.startTime).Round(time.Second)
	}
	mins := int(elapsed.Minutes())
	secs := int(elapsed.Seconds()) % 60
	fmt.Fprintf(p.output, "\033[K[%02d:%02d] Users: %d | Requests: %d | RPS: %.1f | Failures: %d (%.1f%%) | p95: %.0fms\n",
		mins, secs, s.UserCount, s.Requests, s.RPS, s.Failures, s.FailRatio*100, s.P95Ms)
	return nil
}

func (p *Progress) Print(message string) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "\033[K%s\n", message)
	p.mu.Unlock()
}

func (p *Progress) Printf(format string, args ...interface{}) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	fmt.Fprintf(p.output, "\033[K"+format+"\n", args...)
	p.mu.Unlock()
}

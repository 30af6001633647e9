// Package sink fans orchestrator events out to independent destinations.
// Sink failures are logged and never reach the orchestrator.
package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"perfx/internal/core"
)

// Sink receives run events. Request may be called from many goroutines at
// once.
type Sink interface {
	Started(ctx context.Context, ev core.LifecycleEvent) error
	Completed(ctx context.Context, ev core.LifecycleEvent) error
	Failed(ctx context.Context, ev core.LifecycleEvent) error
	Request(ctx context.Context, r core.RequestOutcome) error
	Stats(ctx context.Context, s core.StatsSnapshot) error
}

// Funcs adapts any subset of callbacks to Sink. Nil fields are no-ops.
type Funcs struct {
	Name        string
	OnStarted   func(ctx context.Context, ev core.LifecycleEvent) error
	OnCompleted func(ctx context.Context, ev core.LifecycleEvent) error
	OnFailed    func(ctx context.Context, ev core.LifecycleEvent) error
	OnRequest   func(ctx context.Context, r core.RequestOutcome) error
	OnStats     func(ctx context.Context, s core.StatsSnapshot) error
}

func (f Funcs) Started(ctx context.Context, ev core.LifecycleEvent) error {
	if f.OnStarted == nil {
		return nil
	}
	return f.OnStarted(ctx, ev)
}

func (f Funcs) Completed(ctx context.Context, ev core.LifecycleEvent) error {
	if f.OnCompleted == nil {
		return nil
	}
	return f.OnCompleted(ctx, ev)
}

func (f Funcs) Failed(ctx context.Context, ev core.LifecycleEvent) error {
	if f.OnFailed == nil {
		return nil
	}
	return f.OnFailed(ctx, ev)
}

func (f Funcs) Request(ctx context.Context, r core.RequestOutcome) error {
	if f.OnRequest == nil {
		return nil
	}
	return f.OnRequest(ctx, r)
}

func (f Funcs) Stats(ctx context.Context, s core.StatsSnapshot) error {
	if f.OnStats == nil {
		return nil
	}
	return f.OnStats(ctx, s)
}

func (f Funcs) String() string { return f.Name }

// Hub calls every registered sink for every event.
type Hub struct {
	ctx    context.Context
	logger *log.Entry

	mu    sync.RWMutex
	sinks []Sink
}

// NewHub returns a hub whose sink calls receive ctx.
func NewHub(ctx context.Context, logger *log.Entry) *Hub {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = log.WithField("component", "sink")
	}
	return &Hub{ctx: ctx, logger: logger}
}

// Add registers sinks. Nil sinks are ignored.
func (h *Hub) Add(sinks ...Sink) *Hub {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	return h
}

// Len reports the number of registered sinks.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Started delivers a Started event to every sink.
func (h *Hub) Started(ev core.LifecycleEvent) {
	h.report("start", h.each(func(s Sink) error { return s.Started(h.ctx, ev) }))
}

// Completed delivers a Completed event to every sink.
func (h *Hub) Completed(ev core.LifecycleEvent) {
	h.report("complete", h.each(func(s Sink) error { return s.Completed(h.ctx, ev) }))
}

// Failed delivers a Failed event to every sink.
func (h *Hub) Failed(ev core.LifecycleEvent) {
	h.report("fail", h.each(func(s Sink) error { return s.Failed(h.ctx, ev) }))
}

// Request delivers a request outcome to every sink.
func (h *Hub) Request(r core.RequestOutcome) {
	h.report("request", h.each(func(s Sink) error { return s.Request(h.ctx, r) }))
}

// Stats delivers a statistics snapshot to every sink.
func (h *Hub) Stats(snap core.StatsSnapshot) {
	h.report("stats", h.each(func(s Sink) error { return s.Stats(h.ctx, snap) }))
}

func (h *Hub) each(fn func(Sink) error) error {
	h.mu.RLock()
	sinks := make([]Sink, len(h.sinks))
	copy(sinks, h.sinks)
	h.mu.RUnlock()

	var result *multierror.Error
	for _, s := range sinks {
		if err := call(s, fn); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name(s), err))
		}
	}
	return result.ErrorOrNil()
}

func (h *Hub) report(event string, err error) {
	if err != nil {
		h.logger.WithError(err).Warnf("delivering %s event", event)
	}
}

func call(s Sink, fn func(Sink) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(s)
}

func name(s Sink) string {
	if n, ok := s.(fmt.Stringer); ok && n.String() != "" {
		return n.String()
	}
	return fmt.Sprintf("%T", s)
}

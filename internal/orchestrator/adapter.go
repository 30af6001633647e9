package orchestrator

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"perfx/internal/core"
)

// adapter subscribes to one engine instance and turns its native requests
// into RequestOutcomes. Its subscriptions never outlive the run.
type adapter struct {
	runID  string
	limit  int
	clock  core.Clock
	emit   func(core.RequestOutcome)
	logger *log.Entry

	quitting     chan struct{}
	quitOnce     sync.Once
	unsubscribes []func()
	detachOnce   sync.Once
}

func attach(e Engine, runID string, limit int, clock core.Clock, emit func(core.RequestOutcome), logger *log.Entry) *adapter {
	a := &adapter{
		runID:    runID,
		limit:    limit,
		clock:    clock,
		emit:     emit,
		logger:   logger,
		quitting: make(chan struct{}),
	}
	a.unsubscribes = append(a.unsubscribes,
		e.OnRequest(a.handleRequest),
		e.OnQuitting(a.handleQuitting),
	)
	return a
}

func (a *adapter) handleRequest(r core.Request) {
	defer func() {
		if p := recover(); p != nil {
			a.logger.Errorf("request observer panicked: %v", p)
		}
	}()
	outcome := translate(a.runID, r, a.limit)
	if outcome.Time.IsZero() {
		outcome.Time = a.clock.Now()
	}
	a.emit(outcome)
}

func (a *adapter) handleQuitting() {
	a.quitOnce.Do(func() { close(a.quitting) })
}

// Quitting is closed once the engine announces it is quitting.
func (a *adapter) Quitting() <-chan struct{} {
	return a.quitting
}

func (a *adapter) detach() {
	a.detachOnce.Do(func() {
		for _, unsubscribe := range a.unsubscribes {
			if unsubscribe != nil {
				unsubscribe()
			}
		}
	})
}

// translate converts an engine request. The error text is bounded to limit
// runes.
func translate(runID string, r core.Request, limit int) core.RequestOutcome {
	out := core.RequestOutcome{
		RunID:          runID,
		Time:           r.Time,
		RequestType:    r.Type,
		Name:           r.Name,
		ResponseTimeMs: float64(r.ResponseTime) / float64(time.Millisecond),
		ResponseLength: r.ResponseLength,
		Success:        r.Err == nil,
	}
	if r.Err != nil {
		msg := r.Err.Error()
		if msg == "" {
			msg = fmt.Sprintf("%T", r.Err)
		}
		out.Error = core.Truncate(msg, limit)
	}
	return out
}

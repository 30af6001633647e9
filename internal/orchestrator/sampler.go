package orchestrator

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"perfx/internal/core"
)

// sampler periodically queries engine statistics. The wait is re-armed after
// every sample, so a slow query delays the next one instead of queueing.
type sampler struct {
	runID    string
	interval time.Duration
	clock    core.Clock
	query    func() (core.Aggregate, error)
	emit     func(core.StatsSnapshot)
	logger   *log.Entry

	mu      sync.Mutex
	started bool
	stopped bool

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSampler(runID string, interval time.Duration, clock core.Clock, query func() (core.Aggregate, error), emit func(core.StatsSnapshot), logger *log.Entry) *sampler {
	return &sampler{
		runID:    runID,
		interval: interval,
		clock:    clock,
		query:    query,
		emit:     emit,
		logger:   logger,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *sampler) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.loop()
}

func (s *sampler) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.clock.After(s.interval):
		}
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.sample()
	}
}

func (s *sampler) sample() {
	agg, err := s.safeQuery()
	if err != nil {
		s.logger.WithError(err).Warn("collecting stats failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.logger.Warnf("stats observer panicked: %v", p)
		}
	}()
	s.emit(agg.Snapshot(s.runID, s.clock.Now()))
}

func (s *sampler) safeQuery() (agg core.Aggregate, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stats query panicked: %v", p)
		}
	}()
	return s.query()
}

// Stop prevents any further snapshot and waits for the loop to exit. A
// snapshot being emitted when Stop is called completes first. It is safe to
// call more than once and before start; in the latter case it does not wait.
func (s *sampler) Stop() {
	s.mu.Lock()
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	if started {
		<-s.done
	}
}

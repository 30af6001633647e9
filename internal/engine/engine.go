// Package engine runs workloads on goroutine virtual users. It is the local
// load generator handed to the orchestrator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"perfx/internal/core"
	"perfx/internal/ratelimit"
)

var (
	// ErrDrainTimeout is returned by Quit when users do not exit in time.
	ErrDrainTimeout = errors.New("engine: users did not drain before timeout")
	// ErrStopped is returned by Start after Stop or Quit.
	ErrStopped = errors.New("engine: stopped")
)

// DefaultDrainTimeout bounds how long Quit waits for users.
const DefaultDrainTimeout = 30 * time.Second

// Option configures an Engine.
type Option func(*Engine)

// WithDrainTimeout sets the Quit drain bound. Non-positive values wait forever.
func WithDrainTimeout(d time.Duration) Option {
	return func(e *Engine) { e.drainTimeout = d }
}

// WithLogger sets the engine logger.
func WithLogger(l *log.Entry) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithNow sets the time source used for request-rate buckets.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type user struct {
	id   int
	stop chan struct{}
	once sync.Once
}

func (u *user) halt() {
	u.once.Do(func() { close(u.stop) })
}

// Engine is a local load generator. Each user builds a workload from the
// factory, calls Setup once, Perform until stopped, then Teardown.
type Engine struct {
	factory      core.WorkloadFactory
	cfg          core.WorkloadConfig
	drainTimeout time.Duration
	logger       *log.Entry
	now          func() time.Time

	stats   *Stats
	limiter *ratelimit.RateLimiter

	mu           sync.Mutex
	nextListener int
	onRequest    map[int]func(core.Request)
	onQuitting   map[int]func()
	users        []*user
	retired      int
	started      bool
	stopped      bool
	runCtx       context.Context
	cancelRun    context.CancelFunc
	err          error

	target    atomic.Int64
	spawned   atomic.Int64
	active    atomic.Int64
	nextID    atomic.Int64
	retarget  chan struct{}
	usersWG   sync.WaitGroup
	spawnerWG sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
	quitOnce sync.Once
	quitErr  error
}

// New returns an engine that will run factory's workloads with cfg.
func New(factory core.WorkloadFactory, cfg core.WorkloadConfig, opts ...Option) *Engine {
	e := &Engine{
		factory:      factory,
		cfg:          cfg,
		drainTimeout: DefaultDrainTimeout,
		logger:       log.WithField("component", "engine"),
		onRequest:    make(map[int]func(core.Request)),
		onQuitting:   make(map[int]func()),
		retarget:     make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.stats = NewStats(e.now)
	return e
}

// OnRequest subscribes fn to every recorded request. Listeners run on the
// user goroutine that recorded the request.
func (e *Engine) OnRequest(fn func(core.Request)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextListener
	e.nextListener++
	e.onRequest[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.onRequest, id)
	}
}

// OnQuitting subscribes fn to the single quitting notification fired by Quit.
func (e *Engine) OnQuitting(fn func()) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextListener
	e.nextListener++
	e.onQuitting[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.onQuitting, id)
	}
}

// Start spawns users up to users at rampRate users per second. Calling it
// again re-targets the running engine: extra users are stopped newest first.
func (e *Engine) Start(ctx context.Context, users int, rampRate float64) error {
	if users < 1 {
		return fmt.Errorf("engine: users must be >= 1, got %d", users)
	}
	if e.factory == nil {
		return errors.New("engine: no workload factory")
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	first := !e.started
	if first {
		e.started = true
		e.runCtx, e.cancelRun = context.WithCancel(ctx)
		e.limiter = ratelimit.NewRateLimiter(rampRate)
	} else {
		e.limiter.SetRate(rampRate)
	}
	e.target.Store(int64(users))
	e.trimLocked(users)
	runCtx := e.runCtx
	e.mu.Unlock()

	if first {
		e.logger.Infof("spawning %d users at %.2f/s", users, rampRate)
		e.spawnerWG.Add(1)
		go e.spawnLoop(runCtx)
		return nil
	}
	select {
	case e.retarget <- struct{}{}:
	default:
	}
	return nil
}

// trimLocked halts the newest users beyond n.
func (e *Engine) trimLocked(n int) {
	for len(e.users) > n {
		last := e.users[len(e.users)-1]
		e.users = e.users[:len(e.users)-1]
		last.halt()
	}
}

func (e *Engine) spawnLoop(ctx context.Context) {
	defer e.spawnerWG.Done()
	for {
		for e.owed() > 0 {
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
			if !e.spawnUser(ctx) {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-e.retarget:
		}
	}
}

// owed is how many users are still to be spawned. Users that retired
// themselves count against the target and are never replaced.
func (e *Engine) owed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int(e.target.Load()) - len(e.users) - e.retired
}

func (e *Engine) spawnUser(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || ctx.Err() != nil {
		return false
	}
	u := &user{id: int(e.nextID.Add(1)), stop: make(chan struct{})}
	e.users = append(e.users, u)
	e.active.Add(1)
	e.spawned.Add(1)
	e.usersWG.Add(1)
	go e.runUser(ctx, u)
	return true
}

func (e *Engine) runUser(parent context.Context, u *user) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		e.userExited(u)
	}()
	defer e.recoverUser(u.id)

	go func() {
		select {
		case <-u.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	w := e.factory(u.id)
	if err := w.Setup(ctx, e.cfg); err != nil {
		if ctx.Err() != nil {
			return
		}
		e.fail(fmt.Errorf("user %d setup: %w", u.id, err))
		return
	}
	defer func() {
		if err := w.Teardown(context.WithoutCancel(ctx)); err != nil {
			e.logger.WithError(err).Warnf("user %d teardown failed", u.id)
		}
	}()

	rec := core.RecorderFunc(e.record)
	for ctx.Err() == nil {
		err := w.Perform(ctx, rec)
		if errors.Is(err, core.ErrStopUser) {
			e.logger.Debugf("user %d stopped itself", u.id)
			return
		}
		if err != nil && ctx.Err() == nil {
			e.logger.WithError(err).Debugf("user %d iteration failed", u.id)
		}
	}
}

// recoverUser turns a user panic into a failed request named "panic".
func (e *Engine) recoverUser(id int) {
	if r := recover(); r != nil {
		e.logger.Errorf("user %d panicked: %v", id, r)
		e.record(core.Request{
			Time: time.Now(),
			Type: "panic",
			Name: "panic",
			Err:  fmt.Errorf("panic: %v", r),
		})
	}
}

func (e *Engine) userExited(u *user) {
	e.mu.Lock()
	for i, live := range e.users {
		if live == u {
			// Still listed means nobody halted it: the user exited on its own.
			e.users = append(e.users[:i], e.users[i+1:]...)
			if !e.stopped {
				e.retired++
			}
			break
		}
	}
	stopped := e.stopped
	e.mu.Unlock()

	remaining := e.active.Add(-1)
	e.usersWG.Done()

	if remaining == 0 && !stopped && e.spawned.Load() >= e.target.Load() {
		e.logger.Info("all users finished")
		e.finish()
	}
}

func (e *Engine) record(r core.Request) {
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	e.stats.Record(r)

	e.mu.Lock()
	listeners := make([]func(core.Request), 0, len(e.onRequest))
	for _, fn := range e.onRequest {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()

	for _, fn := range listeners {
		e.dispatch(fn, r)
	}
}

func (e *Engine) dispatch(fn func(core.Request), r core.Request) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Errorf("request listener panicked: %v", p)
		}
	}()
	fn(r)
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
	e.logger.WithError(err).Error("engine failed")
	e.finish()
}

func (e *Engine) finish() {
	e.doneOnce.Do(func() { close(e.done) })
}

// Stop halts spawning and signals every user. It does not wait.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	for _, u := range e.users {
		u.halt()
	}
	if e.cancelRun != nil {
		e.cancelRun()
	}
}

// Quit stops the engine, waits for users to drain and notifies quitting
// listeners once. Only the first call does work; later calls return its
// result.
func (e *Engine) Quit() error {
	e.quitOnce.Do(func() {
		e.Stop()

		drained := make(chan struct{})
		go func() {
			e.spawnerWG.Wait()
			e.usersWG.Wait()
			close(drained)
		}()

		if e.drainTimeout > 0 {
			select {
			case <-drained:
			case <-time.After(e.drainTimeout):
				e.quitErr = fmt.Errorf("%w (%s, %d users still active)", ErrDrainTimeout, e.drainTimeout, e.active.Load())
			}
		} else {
			<-drained
		}

		e.mu.Lock()
		listeners := make([]func(), 0, len(e.onQuitting))
		for _, fn := range e.onQuitting {
			listeners = append(listeners, fn)
		}
		e.mu.Unlock()
		for _, fn := range listeners {
			fn()
		}

		e.finish()
	})
	return e.quitErr
}

// Stats returns the current aggregate. It stays valid after Quit.
func (e *Engine) Stats() (core.Aggregate, error) {
	return e.stats.Aggregate(int(e.active.Load())), nil
}

// Done is closed when the engine finishes: all users exited on their own, a
// fatal error occurred, or Quit completed.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Err returns the fatal error that finished the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

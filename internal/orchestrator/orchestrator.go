// Package orchestrator drives a single load-test run: it owns the lifecycle
// state machine, bridges engine callbacks into run events and guarantees
// that every started run reports exactly one start and one terminal event.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"perfx/internal/config"
	"perfx/internal/core"
)

// DefaultStatsInterval is how often engine statistics are sampled.
const DefaultStatsInterval = 2 * time.Second

// Engine is the load generator contract. Listener registration returns an
// unsubscribe handle scoped to the engine instance.
type Engine interface {
	OnRequest(fn func(core.Request)) (unsubscribe func())
	OnQuitting(fn func()) (unsubscribe func())
	// Start begins spawning users at rampRate users per second.
	Start(ctx context.Context, users int, rampRate float64) error
	// Stop halts spawning immediately without waiting.
	Stop()
	// Quit stops the engine and drains in-flight work.
	Quit() error
	Stats() (core.Aggregate, error)
	// Done is closed when the engine finishes on its own.
	Done() <-chan struct{}
	// Err reports the fatal error that finished the engine, if any.
	Err() error
}

// EngineFactory builds an engine for one run.
type EngineFactory func(cfg core.WorkloadConfig) (Engine, error)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the real clock.
func WithClock(c core.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Entry) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithStatsInterval sets the sampling interval. Non-positive values keep the
// default.
func WithStatsInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.statsInterval = d
		}
	}
}

// WithErrorLimit bounds the error text of request outcomes, in runes.
func WithErrorLimit(n int) Option {
	return func(o *Orchestrator) { o.errorLimit = n }
}

// WithEnvExport also publishes the run arguments as PERFX_* environment
// variables for workloads that read their configuration from the process
// environment.
func WithEnvExport(enabled bool) Option {
	return func(o *Orchestrator) { o.envExport = enabled }
}

type stopCause int

const (
	causeDuration stopCause = iota
	causeInterrupt
	causeCancelled
	causeEngineDone
	causeEngineQuitting
)

func (c stopCause) String() string {
	switch c {
	case causeDuration:
		return "duration elapsed"
	case causeInterrupt:
		return "interrupted"
	case causeCancelled:
		return "context cancelled"
	case causeEngineDone:
		return "engine finished"
	case causeEngineQuitting:
		return "engine quitting"
	default:
		return "unknown"
	}
}

// Orchestrator runs one RunSpec. It is single-use: Run may be called once.
type Orchestrator struct {
	spec          config.RunSpec
	factory       EngineFactory
	clock         core.Clock
	logger        *log.Entry
	statsInterval time.Duration
	errorLimit    int
	envExport     bool

	obsMu      sync.RWMutex
	onStart    func(core.LifecycleEvent)
	onComplete func(core.LifecycleEvent)
	onFail     func(core.LifecycleEvent)
	onRequest  func(core.RequestOutcome)
	onStats    func(core.StatsSnapshot)

	state    stateMachine
	ran      atomic.Bool
	terminal atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	resultMu  sync.Mutex
	result    core.RunResult
	startedAt time.Time
}

// New creates an orchestrator for spec. Engines are built through factory.
func New(spec config.RunSpec, factory EngineFactory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		spec:          spec,
		factory:       factory,
		clock:         core.RealClock{},
		logger:        log.WithField("component", "orchestrator"),
		statsInterval: DefaultStatsInterval,
		errorLimit:    core.DefaultErrorLimit,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.WithField("run_id", spec.RunID())
	return o
}

// OnStart registers the Started observer, replacing any previous one.
func (o *Orchestrator) OnStart(fn func(core.LifecycleEvent)) *Orchestrator {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.onStart = fn
	return o
}

// OnComplete registers the Completed observer.
func (o *Orchestrator) OnComplete(fn func(core.LifecycleEvent)) *Orchestrator {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.onComplete = fn
	return o
}

// OnFail registers the Failed observer.
func (o *Orchestrator) OnFail(fn func(core.LifecycleEvent)) *Orchestrator {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.onFail = fn
	return o
}

// OnRequest registers the request observer. It is called from engine user
// goroutines and must be safe for concurrent use.
func (o *Orchestrator) OnRequest(fn func(core.RequestOutcome)) *Orchestrator {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.onRequest = fn
	return o
}

// OnStats registers the statistics observer.
func (o *Orchestrator) OnStats(fn func(core.StatsSnapshot)) *Orchestrator {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.onStats = fn
	return o
}

// RunID returns the run identifier.
func (o *Orchestrator) RunID() string {
	return o.spec.RunID()
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	return o.state.load()
}

// Result returns the run summary. It is complete once Run has returned.
func (o *Orchestrator) Result() core.RunResult {
	o.resultMu.Lock()
	defer o.resultMu.Unlock()
	return o.result
}

// Stop requests a graceful end of the run. It is safe to call from any
// goroutine, any number of times.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.logger.Info("stop requested")
		close(o.stopCh)
	})
}

// Run executes the run and blocks until it has terminated. It reports
// whether the run completed successfully. A second call returns false
// without emitting any event.
func (o *Orchestrator) Run(ctx context.Context) (ok bool) {
	if !o.ran.CompareAndSwap(false, true) {
		o.logger.Warn("run already executed")
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	o.state.transition(Idle, Starting)

	var (
		eng Engine
		ad  *adapter
		smp *sampler
	)
	defer func() {
		if p := recover(); p != nil {
			o.logger.Errorf("run panicked: %v\n%s", p, debug.Stack())
			o.safely("stopping sampler", func() {
				if smp != nil {
					smp.Stop()
				}
			})
			o.safely("quitting engine", func() {
				if eng != nil {
					eng.Stop()
					if err := eng.Quit(); err != nil {
						o.logger.WithError(err).Warn("quitting engine after panic")
					}
				}
			})
			if o.terminal.Load() {
				ok = o.Result().Success
			} else {
				o.finalize(eng)
				o.emitTerminal(core.Failed, fmt.Sprintf("panic: %v", p))
				ok = false
			}
		}
		if ad != nil {
			ad.detach()
		}
	}()

	cfg := o.workloadConfig()
	if strings.TrimSpace(cfg.Host) == "" {
		o.emitTerminal(core.Failed, "target host is not set")
		return false
	}
	if o.envExport {
		o.exportEnv(cfg)
	}

	if o.factory == nil {
		o.emitTerminal(core.Failed, "no engine factory configured")
		return false
	}
	var err error
	eng, err = o.factory(cfg)
	if err != nil {
		o.emitTerminal(core.Failed, fmt.Sprintf("creating engine: %v", err))
		return false
	}
	if eng == nil {
		o.emitTerminal(core.Failed, "creating engine: factory returned no engine")
		return false
	}

	ad = attach(eng, o.spec.RunID(), o.errorLimit, o.clock, o.dispatchRequest, o.logger)

	o.setStartedAt(o.clock.Now())
	o.logger.Infof("starting %s", o.spec)
	if err := eng.Start(ctx, o.spec.Users(), o.spec.RampRate()); err != nil {
		if qerr := eng.Quit(); qerr != nil {
			o.logger.WithError(qerr).Warn("quitting engine after failed start")
		}
		o.finalize(eng)
		o.emitTerminal(core.Failed, fmt.Sprintf("starting engine: %v", err))
		return false
	}

	o.state.transition(Starting, Running)
	o.emitStarted()

	smp = newSampler(o.spec.RunID(), o.statsInterval, o.clock, eng.Stats, o.dispatchStats,
		o.logger.WithField("component", "sampler"))
	smp.start()

	cause := o.await(ctx, eng, ad)
	o.logger.Infof("stopping: %s", cause)

	// Halt spawning, leave Running, stop sampling, then drain.
	eng.Stop()
	o.state.transition(Running, Stopping)
	smp.Stop()
	drainErr := eng.Quit()

	o.finalize(eng)

	switch {
	case eng.Err() != nil:
		o.emitTerminal(core.Failed, eng.Err().Error())
	case drainErr != nil:
		o.emitTerminal(core.Failed, fmt.Sprintf("draining engine: %v", drainErr))
	default:
		o.emitTerminal(core.Completed, "")
	}
	return o.Result().Success
}

func (o *Orchestrator) await(ctx context.Context, eng Engine, ad *adapter) stopCause {
	var expired <-chan time.Time
	if o.spec.Bounded() {
		expired = o.clock.After(o.spec.Duration())
	}
	select {
	case <-expired:
		return causeDuration
	case <-o.stopCh:
		return causeInterrupt
	case <-ctx.Done():
		return causeCancelled
	case <-eng.Done():
		return causeEngineDone
	case <-ad.Quitting():
		return causeEngineQuitting
	}
}

func (o *Orchestrator) workloadConfig() core.WorkloadConfig {
	return core.WorkloadConfig{
		RunID:     o.spec.RunID(),
		Host:      o.spec.Host(),
		Arguments: o.spec.Arguments(),
	}
}

// exportEnv publishes PERFX_RUN_ID and PERFX_<KEY> for every argument.
func (o *Orchestrator) exportEnv(cfg core.WorkloadConfig) {
	set := func(k, v string) {
		if err := os.Setenv(k, v); err != nil {
			o.logger.WithError(err).Warnf("exporting %s", k)
		}
	}
	set("PERFX_RUN_ID", cfg.RunID)
	for k, v := range cfg.Arguments {
		set(EnvName(k), v)
	}
	o.logger.Debugf("exported %d arguments to the environment", len(cfg.Arguments))
}

// EnvName returns the environment variable an argument is exported as.
func EnvName(key string) string {
	return "PERFX_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

func (o *Orchestrator) setStartedAt(t time.Time) {
	o.resultMu.Lock()
	defer o.resultMu.Unlock()
	o.startedAt = t
}

func (o *Orchestrator) elapsed() time.Duration {
	o.resultMu.Lock()
	start := o.startedAt
	o.resultMu.Unlock()
	if start.IsZero() {
		return 0
	}
	return o.clock.Since(start)
}

// finalize builds the run result from the engine's final aggregate.
func (o *Orchestrator) finalize(eng Engine) {
	elapsed := o.elapsed()
	var agg core.Aggregate
	if eng != nil {
		o.safely("collecting final stats", func() {
			var err error
			if agg, err = eng.Stats(); err != nil {
				o.logger.WithError(err).Warn("collecting final stats failed")
			}
		})
	}

	o.resultMu.Lock()
	defer o.resultMu.Unlock()
	o.result = core.RunResult{
		Requests:  agg.Requests,
		Failures:  agg.Failures,
		FailRatio: agg.FailRatio,
		MinMs:     agg.MinMs,
		AvgMs:     agg.AvgMs,
		MedianMs:  agg.MedianMs,
		MaxMs:     agg.MaxMs,
		P95Ms:     agg.P95Ms,
		P99Ms:     agg.P99Ms,
		Elapsed:   elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		o.result.RPS = float64(agg.Requests) / secs
	}
}

func (o *Orchestrator) emitStarted() {
	o.obsMu.RLock()
	fn := o.onStart
	o.obsMu.RUnlock()

	o.logger.Info("run started")
	if fn != nil {
		fn(core.LifecycleEvent{
			RunID:     o.spec.RunID(),
			Kind:      core.Started,
			Time:      o.clock.Now(),
			Arguments: o.spec.Arguments(),
		})
	}
}

// emitTerminal delivers the single terminal event. It reports false when a
// terminal event was already emitted. Observer panics are logged, not
// propagated, so a failing observer cannot trigger a second terminal event.
func (o *Orchestrator) emitTerminal(kind core.LifecycleKind, reason string) bool {
	if !o.terminal.CompareAndSwap(false, true) {
		return false
	}
	o.state.set(Terminated)

	elapsed := o.elapsed()
	o.resultMu.Lock()
	o.result.Success = kind == core.Completed
	o.result.Reason = reason
	if o.result.Elapsed == 0 {
		o.result.Elapsed = elapsed
	}
	o.resultMu.Unlock()

	o.obsMu.RLock()
	fn := o.onComplete
	if kind == core.Failed {
		fn = o.onFail
	}
	o.obsMu.RUnlock()

	if kind == core.Failed {
		o.logger.Errorf("run failed: %s", reason)
	} else {
		o.logger.Infof("run completed in %s", elapsed.Round(time.Millisecond))
	}

	if fn != nil {
		o.safely("delivering "+kind.String()+" event", func() {
			fn(core.LifecycleEvent{
				RunID:   o.spec.RunID(),
				Kind:    kind,
				Time:    o.clock.Now(),
				Reason:  reason,
				Elapsed: elapsed,
			})
		})
	}
	return true
}

func (o *Orchestrator) dispatchRequest(out core.RequestOutcome) {
	o.obsMu.RLock()
	fn := o.onRequest
	o.obsMu.RUnlock()
	if fn != nil {
		fn(out)
	}
}

func (o *Orchestrator) dispatchStats(s core.StatsSnapshot) {
	o.obsMu.RLock()
	fn := o.onStats
	o.obsMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

// safely runs fn, converting a panic into a logged error.
func (o *Orchestrator) safely(what string, fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: panic: %v", what, p)
			o.logger.Error(err)
		}
	}()
	fn()
	return nil
}

package orchestrator

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfx/internal/config"
	"perfx/internal/core"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// events collects everything an orchestrator emits.
type events struct {
	mu        sync.Mutex
	lifecycle []core.LifecycleEvent
	requests  []core.RequestOutcome
	stats     []core.StatsSnapshot
}

func (e *events) lifecycleFn(ev core.LifecycleEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lifecycle = append(e.lifecycle, ev)
}

func (e *events) attach(o *Orchestrator) *Orchestrator {
	return o.OnStart(e.lifecycleFn).
		OnComplete(e.lifecycleFn).
		OnFail(e.lifecycleFn).
		OnRequest(func(r core.RequestOutcome) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.requests = append(e.requests, r)
		}).
		OnStats(func(s core.StatsSnapshot) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.stats = append(e.stats, s)
		})
}

func (e *events) kinds() []core.LifecycleKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.LifecycleKind, 0, len(e.lifecycle))
	for _, ev := range e.lifecycle {
		out = append(out, ev.Kind)
	}
	return out
}

func (e *events) last() core.LifecycleEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lifecycle[len(e.lifecycle)-1]
}

func (e *events) statsCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.stats)
}

func newSpec(t *testing.T, duration time.Duration) config.RunSpec {
	t.Helper()
	spec, err := config.NewRunSpec(config.RunSpecParams{
		RunID:     "run-1",
		Host:      "http://target",
		Users:     3,
		RampRate:  1.5,
		Duration:  duration,
		Arguments: map[string]string{"model": "llama", "max-tokens": "64"},
	})
	require.NoError(t, err)
	return spec
}

func quietLogger() *log.Entry {
	logger, _ := test.NewNullLogger()
	return log.NewEntry(logger)
}

// runAsync starts Run on its own goroutine and returns its result channel.
func runAsync(ctx context.Context, o *Orchestrator) <-chan bool {
	ch := make(chan bool, 1)
	go func() { ch <- o.Run(ctx) }()
	return ch
}

func waitResult(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case ok := <-ch:
		return ok
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return false
	}
}

func waitRunning(t *testing.T, o *Orchestrator) {
	t.Helper()
	require.Eventually(t, func() bool { return o.State() == Running }, 2*time.Second, time.Millisecond)
}

func TestRun_DurationElapsedCompletes(t *testing.T) {
	clock := core.NewFakeClock(epoch)
	eng := newFakeEngine()
	eng.agg = core.Aggregate{UserCount: 3, Requests: 100, Failures: 5, FailRatio: 0.05, AvgMs: 12, P95Ms: 30}
	ev := &events{}

	o := ev.attach(New(newSpec(t, 10*time.Second), eng.factory(),
		WithClock(clock), WithLogger(quietLogger()), WithStatsInterval(2*time.Second)))
	assert.Equal(t, Idle, o.State())
	assert.Equal(t, "run-1", o.RunID())

	result := runAsync(context.Background(), o)
	waitRunning(t, o)
	require.Eventually(t, func() bool { return clock.Waiters() == 2 }, time.Second, time.Millisecond)

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return ev.statsCount() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return clock.Waiters() == 2 }, time.Second, time.Millisecond)

	clock.Advance(8 * time.Second)
	assert.True(t, waitResult(t, result))

	assert.Equal(t, []core.LifecycleKind{core.Started, core.Completed}, ev.kinds())
	assert.Equal(t, Terminated, o.State())

	started := ev.lifecycle[0]
	assert.Equal(t, "run-1", started.RunID)
	assert.Equal(t, map[string]string{"model": "llama", "max-tokens": "64"}, started.Arguments)

	completed := ev.last()
	assert.Empty(t, completed.Reason)
	assert.Equal(t, 10*time.Second, completed.Elapsed)

	snap := ev.stats[0]
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, 3, snap.UserCount)
	assert.Equal(t, int64(100), snap.Requests)
	assert.Equal(t, epoch.Add(2*time.Second), snap.Time)

	res := o.Result()
	assert.True(t, res.Success)
	assert.Equal(t, int64(100), res.Requests)
	assert.Equal(t, int64(5), res.Failures)
	assert.Equal(t, 10.0, res.RPS)
	assert.Equal(t, 10*time.Second, res.Elapsed)

	assert.Equal(t, 3, eng.startedUsers)
	assert.Equal(t, 1.5, eng.startedRate)
	assert.Equal(t, []string{"start", "stop", "quit"}, eng.Calls())
	assert.Zero(t, eng.listenerCount(), "listeners must be unsubscribed")
}

func TestRun_CancellationOrder(t *testing.T) {
	eng := newFakeEngine()
	var o *Orchestrator

	var statesAtStop, statesAtQuit State
	eng.onStop = func() { statesAtStop = o.State() }
	eng.onQuit = func() { statesAtQuit = o.State() }

	var statsCalls int
	var statsMu sync.Mutex
	eng.onStats = func() {
		statsMu.Lock()
		statsCalls++
		statsMu.Unlock()
	}

	o = New(newSpec(t, 0), eng.factory(), WithLogger(quietLogger()), WithStatsInterval(time.Millisecond))
	result := runAsync(context.Background(), o)
	waitRunning(t, o)
	require.Eventually(t, func() bool {
		statsMu.Lock()
		defer statsMu.Unlock()
		return statsCalls > 0
	}, time.Second, time.Millisecond)

	o.Stop()
	assert.True(t, waitResult(t, result))

	assert.Equal(t, Running, statesAtStop)
	assert.Equal(t, Stopping, statesAtQuit)

	// The sampler is stopped before Quit returns, so only the final
	// aggregate query happens afterwards.
	statsMu.Lock()
	afterRun := statsCalls
	statsMu.Unlock()
	time.Sleep(20 * time.Millisecond)
	statsMu.Lock()
	assert.Equal(t, afterRun, statsCalls)
	statsMu.Unlock()
}

func TestRun_MissingHostFailsWithoutStart(t *testing.T) {
	ev := &events{}
	called := false
	o := ev.attach(New(config.RunSpec{}, func(core.WorkloadConfig) (Engine, error) {
		called = true
		return newFakeEngine(), nil
	}, WithLogger(quietLogger())))

	assert.False(t, o.Run(context.Background()))
	assert.False(t, called)
	assert.Equal(t, []core.LifecycleKind{core.Failed}, ev.kinds())
	assert.Contains(t, ev.last().Reason, "host")
	assert.Equal(t, Terminated, o.State())
	assert.False(t, o.Result().Success)
}

func TestRun_FactoryErrorFailsWithoutStart(t *testing.T) {
	ev := &events{}
	o := ev.attach(New(newSpec(t, time.Second), func(core.WorkloadConfig) (Engine, error) {
		return nil, errors.New("no such workload")
	}, WithLogger(quietLogger())))

	assert.False(t, o.Run(context.Background()))
	assert.Equal(t, []core.LifecycleKind{core.Failed}, ev.kinds())
	assert.Contains(t, ev.last().Reason, "no such workload")
	assert.Equal(t, "no such workload", strings.TrimPrefix(o.Result().Reason, "creating engine: "))
}

func TestRun_FactoryReceivesWorkloadConfig(t *testing.T) {
	var got core.WorkloadConfig
	eng := newFakeEngine()
	o := New(newSpec(t, time.Millisecond), func(cfg core.WorkloadConfig) (Engine, error) {
		got = cfg
		return eng, nil
	}, WithLogger(quietLogger()))

	assert.True(t, o.Run(context.Background()))
	assert.Equal(t, core.WorkloadConfig{
		RunID:     "run-1",
		Host:      "http://target",
		Arguments: map[string]string{"model": "llama", "max-tokens": "64"},
	}, got)
}

func TestRun_StartErrorFailsWithoutStarted(t *testing.T) {
	eng := newFakeEngine()
	eng.startErr = errors.New("port exhausted")
	ev := &events{}

	o := ev.attach(New(newSpec(t, time.Second), eng.factory(), WithLogger(quietLogger())))
	assert.False(t, o.Run(context.Background()))

	assert.Equal(t, []core.LifecycleKind{core.Failed}, ev.kinds())
	assert.Contains(t, ev.last().Reason, "port exhausted")
	assert.Equal(t, []string{"start", "quit"}, eng.Calls())
	assert.Zero(t, eng.listenerCount())
}

func TestRun_EngineFatalErrorFails(t *testing.T) {
	eng := newFakeEngine()
	ev := &events{}
	o := ev.attach(New(newSpec(t, 0), eng.factory(), WithLogger(quietLogger())))

	result := runAsync(context.Background(), o)
	waitRunning(t, o)
	eng.finish(errors.New("user 1 setup: dial tcp: connection refused"))

	assert.False(t, waitResult(t, result))
	assert.Equal(t, []core.LifecycleKind{core.Started, core.Failed}, ev.kinds())
	assert.Equal(t, "user 1 setup: dial tcp: connection refused", ev.last().Reason)
	assert.False(t, o.Result().Success)
}

func TestRun_EngineFinishedCleanlyCompletes(t *testing.T) {
	eng := newFakeEngine()
	ev := &events{}
	o := ev.attach(New(newSpec(t, 0), eng.factory(), WithLogger(quietLogger())))

	result := runAsync(context.Background(), o)
	waitRunning(t, o)
	eng.finish(nil)

	assert.True(t, waitResult(t, result))
	assert.Equal(t, []core.LifecycleKind{core.Started, core.Completed}, ev.kinds())
}

func TestRun_EngineQuittingSignalCompletes(t *testing.T) {
	eng := newFakeEngine()
	ev := &events{}
	o := ev.attach(New(newSpec(t, 0), eng.factory(), WithLogger(quietLogger())))

	result := runAsync(context.Background(), o)
	waitRunning(t, o)
	eng.fireQuitting()

	assert.True(t, waitResult(t, result))
	assert.Equal(t, []core.LifecycleKind{core.Started, core.Completed}, ev.kinds())
}

func TestRun_DrainErrorFails(t *testing.T) {
	eng := newFakeEngine()
	eng.quitErr = errors.New("users did not drain")
	ev := &events{}
	o := ev.attach(New(newSpec(t, time.Millisecond), eng.factory(), WithLogger(quietLogger())))

	assert.False(t, o.Run(context.Background()))
	assert.Equal(t, []core.LifecycleKind{core.Started, core.Failed}, ev.kinds())
	assert.Contains(t, ev.last().Reason, "draining engine")
}

func TestRun_InterruptBeforeDurationCompletes(t *testing.T) {
	clock := core.NewFakeClock(epoch)
	eng := newFakeEngine()
	ev := &events{}
	o := ev.attach(New(newSpec(t, time.Hour), eng.factory(), WithClock(clock), WithLogger(quietLogger())))

	result := runAsync(context.Background(), o)
	waitRunning(t, o)
	clock.Advance(5 * time.Second)
	o.Stop()
	o.Stop()

	assert.True(t, waitResult(t, result))
	assert.Equal(t, []core.LifecycleKind{core.Started, core.Completed}, ev.kinds())
	assert.Equal(t, 5*time.Second, ev.last().Elapsed)
}

func TestRun_ContextCancelCompletes(t *testing.T) {
	eng := newFakeEngine()
	ev := &events{}
	o := ev.attach(New(newSpec(t, 0), eng.factory(), WithLogger(quietLogger())))

	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, o)
	waitRunning(t, o)
	cancel()

	assert.True(t, waitResult(t, result))
	assert.Equal(t, []core.LifecycleKind{core.Started, core.Completed}, ev.kinds())
}

func TestRun_DurationAndInterruptRaceEmitsOneTerminal(t *testing.T) {
	for i := 0; i < 50; i++ {
		clock := core.NewFakeClock(epoch)
		eng := newFakeEngine()
		ev := &events{}
		o := ev.attach(New(newSpec(t, time.Second), eng.factory(), WithClock(clock), WithLogger(quietLogger())))

		result := runAsync(context.Background(), o)
		waitRunning(t, o)
		require.Eventually(t, func() bool { return clock.Waiters() == 2 }, time.Second, time.Millisecond)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); clock.Advance(time.Second) }()
		go func() { defer wg.Done(); o.Stop() }()
		wg.Wait()

		assert.True(t, waitResult(t, result))
		require.Equal(t, []core.LifecycleKind{core.Started, core.Completed}, ev.kinds())
	}
}

func TestRun_PanicInStartObserverFails(t *testing.T) {
	eng := newFakeEngine()
	var kinds []core.LifecycleKind
	var reason string
	o := New(newSpec(t, time.Hour), eng.factory(), WithLogger(quietLogger())).
		OnStart(func(core.LifecycleEvent) { panic("observer exploded") }).
		OnComplete(func(ev core.LifecycleEvent) { kinds = append(kinds, ev.Kind) }).
		OnFail(func(ev core.LifecycleEvent) {
			kinds = append(kinds, ev.Kind)
			reason = ev.Reason
		})

	assert.False(t, o.Run(context.Background()))
	assert.Equal(t, []core.LifecycleKind{core.Failed}, kinds)
	assert.Contains(t, reason, "observer exploded")
	assert.Equal(t, []string{"start", "stop", "quit"}, eng.Calls())
	assert.Equal(t, Terminated, o.State())
	assert.Zero(t, eng.listenerCount())
}

func TestRun_PanicInTerminalObserverDoesNotDoubleEmit(t *testing.T) {
	eng := newFakeEngine()
	var failed int
	o := New(newSpec(t, time.Millisecond), eng.factory(), WithLogger(quietLogger())).
		OnComplete(func(core.LifecycleEvent) { panic("complete observer") }).
		OnFail(func(core.LifecycleEvent) { failed++ })

	assert.True(t, o.Run(context.Background()))
	assert.Zero(t, failed)
}

func TestRun_SecondRunIsRejected(t *testing.T) {
	eng := newFakeEngine()
	ev := &events{}
	o := ev.attach(New(newSpec(t, time.Millisecond), eng.factory(), WithLogger(quietLogger())))

	assert.True(t, o.Run(context.Background()))
	before := ev.kinds()

	assert.False(t, o.Run(context.Background()))
	assert.Equal(t, before, ev.kinds())
	assert.Equal(t, []string{"start", "stop", "quit"}, eng.Calls())
}

func TestRun_RequestOutcomesAreTranslated(t *testing.T) {
	eng := newFakeEngine()
	ev := &events{}
	o := ev.attach(New(newSpec(t, 0), eng.factory(), WithLogger(quietLogger()), WithErrorLimit(10)))

	result := runAsync(context.Background(), o)
	waitRunning(t, o)

	at := epoch.Add(time.Minute)
	eng.emit(core.Request{Time: at, Type: "POST", Name: "chat", ResponseTime: 1500 * time.Microsecond, ResponseLength: 42})
	eng.emit(core.Request{Type: "GET", Name: "health", Err: errors.New(strings.Repeat("x", 50))})
	o.Stop()
	assert.True(t, waitResult(t, result))

	require.Len(t, ev.requests, 2)
	ok := ev.requests[0]
	assert.Equal(t, core.RequestOutcome{
		RunID: "run-1", Time: at, RequestType: "POST", Name: "chat",
		ResponseTimeMs: 1.5, ResponseLength: 42, Success: true,
	}, ok)

	failed := ev.requests[1]
	assert.False(t, failed.Success)
	assert.Equal(t, strings.Repeat("x", 10), failed.Error)
	assert.False(t, failed.Time.IsZero())
}

func TestRun_PanickingRequestObserverIsIsolated(t *testing.T) {
	eng := newFakeEngine()
	o := New(newSpec(t, 0), eng.factory(), WithLogger(quietLogger())).
		OnRequest(func(core.RequestOutcome) { panic("sink bug") })

	result := runAsync(context.Background(), o)
	waitRunning(t, o)
	assert.NotPanics(t, func() { eng.emit(core.Request{Name: "x"}) })
	o.Stop()
	assert.True(t, waitResult(t, result))
}

func TestRun_StatsErrorsAreSwallowed(t *testing.T) {
	logger, hook := test.NewNullLogger()
	eng := newFakeEngine()
	eng.statsErr = errors.New("stats unavailable")
	ev := &events{}
	o := ev.attach(New(newSpec(t, 0), eng.factory(), WithLogger(log.NewEntry(logger)), WithStatsInterval(time.Millisecond)))

	result := runAsync(context.Background(), o)
	waitRunning(t, o)
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Level == log.WarnLevel && strings.Contains(e.Message, "collecting stats failed") {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	o.Stop()
	assert.True(t, waitResult(t, result))
	assert.Zero(t, ev.statsCount())
	assert.Equal(t, []core.LifecycleKind{core.Started, core.Completed}, ev.kinds())
}

func TestRun_EnvExport(t *testing.T) {
	t.Setenv("PERFX_RUN_ID", "")
	t.Setenv("PERFX_MODEL", "")
	t.Setenv("PERFX_MAX_TOKENS", "")

	eng := newFakeEngine()
	o := New(newSpec(t, time.Millisecond), eng.factory(), WithLogger(quietLogger()), WithEnvExport(true))
	assert.True(t, o.Run(context.Background()))

	assert.Equal(t, "run-1", os.Getenv("PERFX_RUN_ID"))
	assert.Equal(t, "llama", os.Getenv("PERFX_MODEL"))
	assert.Equal(t, "64", os.Getenv("PERFX_MAX_TOKENS"))
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "PERFX_MAX_TOKENS", EnvName("max-tokens"))
	assert.Equal(t, "PERFX_RATE", EnvName("rate"))
}

func TestStateString(t *testing.T) {
	names := make([]string, 0)
	for _, s := range states() {
		names = append(names, s.String())
	}
	assert.Equal(t, []string{"idle", "starting", "running", "stopping", "terminated"}, names)
	assert.Equal(t, "unknown", State(42).String())
}

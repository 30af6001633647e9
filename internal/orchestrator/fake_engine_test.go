package orchestrator

import (
	"context"
	"sync"

	"perfx/internal/core"
)

// fakeEngine is a scriptable Engine. Hooks run inside the matching method.
type fakeEngine struct {
	mu             sync.Mutex
	next           int
	reqListeners   map[int]func(core.Request)
	quitListeners  map[int]func()
	calls          []string
	startErr       error
	quitErr        error
	fatal          error
	agg            core.Aggregate
	statsErr       error
	onStart        func()
	onStop         func()
	onQuit         func()
	onStats        func()
	startedUsers   int
	startedRate    float64
	done           chan struct{}
	doneOnce       sync.Once
	quittingOnQuit bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		reqListeners:   make(map[int]func(core.Request)),
		quitListeners:  make(map[int]func()),
		done:           make(chan struct{}),
		quittingOnQuit: true,
	}
}

func (f *fakeEngine) factory() EngineFactory {
	return func(core.WorkloadConfig) (Engine, error) { return f, nil }
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) OnRequest(fn func(core.Request)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.reqListeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.reqListeners, id)
	}
}

func (f *fakeEngine) OnQuitting(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.quitListeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.quitListeners, id)
	}
}

func (f *fakeEngine) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqListeners) + len(f.quitListeners)
}

// emit delivers r to every request listener on the calling goroutine.
func (f *fakeEngine) emit(r core.Request) {
	f.mu.Lock()
	listeners := make([]func(core.Request), 0, len(f.reqListeners))
	for _, fn := range f.reqListeners {
		listeners = append(listeners, fn)
	}
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(r)
	}
}

func (f *fakeEngine) fireQuitting() {
	f.mu.Lock()
	listeners := make([]func(), 0, len(f.quitListeners))
	for _, fn := range f.quitListeners {
		listeners = append(listeners, fn)
	}
	f.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (f *fakeEngine) Start(_ context.Context, users int, rate float64) error {
	f.record("start")
	f.mu.Lock()
	f.startedUsers, f.startedRate = users, rate
	f.mu.Unlock()
	if f.onStart != nil {
		f.onStart()
	}
	return f.startErr
}

func (f *fakeEngine) Stop() {
	f.record("stop")
	if f.onStop != nil {
		f.onStop()
	}
}

func (f *fakeEngine) Quit() error {
	f.record("quit")
	if f.onQuit != nil {
		f.onQuit()
	}
	if f.quittingOnQuit {
		f.fireQuitting()
	}
	return f.quitErr
}

func (f *fakeEngine) Stats() (core.Aggregate, error) {
	if f.onStats != nil {
		f.onStats()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agg, f.statsErr
}

func (f *fakeEngine) Done() <-chan struct{} {
	return f.done
}

func (f *fakeEngine) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fatal
}

// finish closes Done, optionally with a fatal error.
func (f *fakeEngine) finish(err error) {
	f.mu.Lock()
	f.fatal = err
	f.mu.Unlock()
	f.doneOnce.Do(func() { close(f.done) })
}

package sink_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfx/internal/controlplane"
	"perfx/internal/controlplane/controlplanetest"
	"perfx/internal/core"
	"perfx/internal/sink"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func recording(name string, rec *recorder, fail error) sink.Funcs {
	lifecycle := func(_ context.Context, ev core.LifecycleEvent) error {
		rec.add(name + ":" + ev.Kind.String())
		return fail
	}
	return sink.Funcs{
		Name:        name,
		OnStarted:   lifecycle,
		OnCompleted: lifecycle,
		OnFailed:    lifecycle,
		OnRequest: func(_ context.Context, r core.RequestOutcome) error {
			rec.add(name + ":request:" + r.Name)
			return fail
		},
		OnStats: func(_ context.Context, s core.StatsSnapshot) error {
			rec.add(name + ":stats")
			return fail
		},
	}
}

func TestHub_FailingSinkDoesNotStopLaterSinks(t *testing.T) {
	logger, hook := test.NewNullLogger()
	rec := &recorder{}
	panicking := sink.Funcs{
		Name:      "panicky",
		OnStarted: func(context.Context, core.LifecycleEvent) error { panic("boom") },
	}
	hub := sink.NewHub(context.Background(), log.NewEntry(logger)).
		Add(recording("first", rec, errors.New("unreachable")), panicking, nil, recording("last", rec, nil))
	assert.Equal(t, 3, hub.Len())

	hub.Started(core.LifecycleEvent{RunID: "r", Kind: core.Started})
	hub.Request(core.RequestOutcome{Name: "chat"})
	hub.Stats(core.StatsSnapshot{})
	hub.Completed(core.LifecycleEvent{Kind: core.Completed})
	hub.Failed(core.LifecycleEvent{Kind: core.Failed})

	assert.Equal(t, []string{
		"first:start", "last:start",
		"first:request:chat", "last:request:chat",
		"first:stats", "last:stats",
		"first:complete", "last:complete",
		"first:fail", "last:fail",
	}, rec.all())

	require.NotEmpty(t, hook.AllEntries())
	first := hook.AllEntries()[0]
	assert.Equal(t, log.WarnLevel, first.Level)
	msg := first.Data[log.ErrorKey].(error).Error()
	assert.Contains(t, msg, "first: unreachable")
	assert.Contains(t, msg, "panicky: panic: boom")
}

func TestHub_AggregatesErrorsPerEvent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	down := errors.New("down")
	hub := sink.NewHub(context.Background(), log.NewEntry(logger)).Add(
		sink.Funcs{Name: "a"},
		sink.Funcs{Name: "b", OnStats: func(context.Context, core.StatsSnapshot) error { return down }},
		sink.Funcs{Name: "c", OnStats: func(context.Context, core.StatsSnapshot) error { return down }},
	)

	hub.Started(core.LifecycleEvent{Kind: core.Started})
	assert.Empty(t, hook.AllEntries())

	hub.Stats(core.StatsSnapshot{})
	require.Len(t, hook.AllEntries(), 1)
	entry := hook.LastEntry()
	assert.Equal(t, "delivering stats event", entry.Message)

	var merr *multierror.Error
	require.True(t, errors.As(entry.Data[log.ErrorKey].(error), &merr))
	require.Len(t, merr.Errors, 2)
	assert.Equal(t, "b: down", merr.Errors[0].Error())
	assert.Equal(t, "c: down", merr.Errors[1].Error())
	assert.ErrorIs(t, merr.Errors[0], down)
}

func TestHub_ConcurrentRequests(t *testing.T) {
	rec := &recorder{}
	hub := sink.NewHub(context.Background(), nil).Add(recording("s", rec, nil))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Request(core.RequestOutcome{Name: "x"})
		}()
	}
	wg.Wait()
	assert.Len(t, rec.all(), 20)
}

func TestFuncs_NilCallbacksAreNoops(t *testing.T) {
	var f sink.Funcs
	ctx := context.Background()
	assert.NoError(t, f.Started(ctx, core.LifecycleEvent{}))
	assert.NoError(t, f.Completed(ctx, core.LifecycleEvent{}))
	assert.NoError(t, f.Failed(ctx, core.LifecycleEvent{}))
	assert.NoError(t, f.Request(ctx, core.RequestOutcome{}))
	assert.NoError(t, f.Stats(ctx, core.StatsSnapshot{}))
}

func TestControlPlane_NotifiesLifecycle(t *testing.T) {
	fake := controlplanetest.NewServer()
	fake.AddRun(controlplane.TestRunDetail{RunID: "run-7"})
	ts := httptest.NewServer(fake.Handler())
	defer ts.Close()

	client, err := controlplane.New(ts.URL, controlplane.WithRetry(1, time.Millisecond))
	require.NoError(t, err)
	cp := sink.NewControlPlane(client)
	cp.ErrorLimit = 5
	ctx := context.Background()

	require.NoError(t, cp.Started(ctx, core.LifecycleEvent{RunID: "run-7", Arguments: map[string]string{"rate": "5"}}))
	require.NoError(t, cp.Request(ctx, core.RequestOutcome{RunID: "run-7"}))
	require.NoError(t, cp.Stats(ctx, core.StatsSnapshot{RunID: "run-7"}))
	require.NoError(t, cp.Completed(ctx, core.LifecycleEvent{RunID: "run-7", Elapsed: 90600 * time.Millisecond}))
	require.NoError(t, cp.Failed(ctx, core.LifecycleEvent{RunID: "run-7", Reason: strings.Repeat("e", 20)}))

	assert.Equal(t, []string{"start", "complete", "fail"}, fake.Actions())
	calls := fake.Calls()
	assert.Equal(t, map[string]any{"rate": "5"}, calls[0].Body["arguments"])
	assert.Equal(t, float64(91), calls[1].Body["duration_seconds"])
	assert.Equal(t, "eeeee", calls[2].Body["error_message"])
}

func TestControlPlane_ErrorsSwallowedByHub(t *testing.T) {
	fake := controlplanetest.NewServer()
	ts := httptest.NewServer(fake.Handler())
	defer ts.Close()

	client, err := controlplane.New(ts.URL, controlplane.WithRetry(1, time.Millisecond))
	require.NoError(t, err)
	rec := &recorder{}
	hub := sink.NewHub(context.Background(), nil).Add(sink.NewControlPlane(client), recording("influx", rec, nil))

	assert.NotPanics(t, func() { hub.Started(core.LifecycleEvent{RunID: "unknown", Kind: core.Started}) })
	assert.Equal(t, []string{"influx:start"}, rec.all())
}

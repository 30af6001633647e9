package sink

import (
	"context"
	"math"

	"perfx/internal/core"
)

// StatusClient is the part of the control-plane client the notifier needs.
type StatusClient interface {
	StartRun(ctx context.Context, runID string, args map[string]string) error
	CompleteRun(ctx context.Context, runID string, durationSeconds int) error
	FailRun(ctx context.Context, runID, message string) error
}

// ControlPlane reports lifecycle transitions to the control-plane status API.
// Requests and statistics are not forwarded.
type ControlPlane struct {
	Client StatusClient
	// ErrorLimit bounds the failure message, in runes.
	ErrorLimit int
}

// NewControlPlane returns a notifier using the default error bound.
func NewControlPlane(c StatusClient) *ControlPlane {
	return &ControlPlane{Client: c, ErrorLimit: core.DefaultErrorLimit}
}

func (c *ControlPlane) String() string { return "controlplane" }

func (c *ControlPlane) Started(ctx context.Context, ev core.LifecycleEvent) error {
	return c.Client.StartRun(ctx, ev.RunID, ev.Arguments)
}

func (c *ControlPlane) Completed(ctx context.Context, ev core.LifecycleEvent) error {
	return c.Client.CompleteRun(ctx, ev.RunID, int(math.Round(ev.Elapsed.Seconds())))
}

func (c *ControlPlane) Failed(ctx context.Context, ev core.LifecycleEvent) error {
	return c.Client.FailRun(ctx, ev.RunID, core.Truncate(ev.Reason, c.ErrorLimit))
}

func (c *ControlPlane) Request(context.Context, core.RequestOutcome) error { return nil }

func (c *ControlPlane) Stats(context.Context, core.StatsSnapshot) error { return nil }

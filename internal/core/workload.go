package core

import (
	"context"
	"errors"
	"time"
)

// ErrStopUser is returned by Workload.Perform to retire the calling user
// without failing the run.
var ErrStopUser = errors.New("stop user")

// WorkloadConfig is the explicit configuration handed to every workload
// instance before it performs any work.
type WorkloadConfig struct {
	RunID     string
	Host      string
	Arguments map[string]string
}

// Arg returns a resolved argument, or def when it is absent.
func (c WorkloadConfig) Arg(name, def string) string {
	if v, ok := c.Arguments[name]; ok {
		return v
	}
	return def
}

// Request is the engine-native record of one executed request.
type Request struct {
	Time           time.Time
	Type           string
	Name           string
	ResponseTime   time.Duration
	ResponseLength int64
	// Err is nil for a successful request.
	Err error
}

// Recorder receives requests from a running workload. Implementations must
// be safe for concurrent use by many users.
type Recorder interface {
	Record(Request)
}

// Workload is one virtual user's behaviour. The engine creates a fresh
// instance per user, calls Setup once, Perform repeatedly until the user is
// stopped, and Teardown once.
type Workload interface {
	Setup(ctx context.Context, cfg WorkloadConfig) error
	Perform(ctx context.Context, rec Recorder) error
	Teardown(ctx context.Context) error
}

// WorkloadFactory builds a Workload for the given user id.
type WorkloadFactory func(userID int) Workload

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Request)

func (f RecorderFunc) Record(r Request) { f(r) }

// NullRecorder discards all requests.
var NullRecorder Recorder = RecorderFunc(func(Request) {})

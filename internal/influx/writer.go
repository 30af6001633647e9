// Package influx streams run events to an InfluxDB v2 bucket.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	log "github.com/sirupsen/logrus"

	"perfx/internal/config"
	"perfx/internal/core"
)

// Measurement names.
const (
	MeasurementRequest = "perfx_request"
	MeasurementStats   = "perfx_stats"
	MeasurementEvent   = "perfx_event"
)

// PointWriter is the blocking write surface of the InfluxDB client.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Writer turns run events into points. Write failures are logged and
// swallowed; a closed Writer drops everything.
type Writer struct {
	w      PointWriter
	tags   map[string]string
	limit  int
	now    func() time.Time
	logger *log.Entry

	mu      sync.RWMutex
	closed  bool
	closeFn func()
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger.
func WithLogger(l *log.Entry) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithNow replaces the timestamp source of lifecycle points.
func WithNow(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithTextLimit bounds exception and message fields, in runes.
func WithTextLimit(n int) Option {
	return func(w *Writer) { w.limit = n }
}

// New returns a Writer tagging every point with runID and dims.
func New(pw PointWriter, runID string, dims config.Dimensions, opts ...Option) *Writer {
	w := &Writer{
		w:      pw,
		tags:   baseTags(runID, dims),
		limit:  core.DefaultErrorLimit,
		now:    time.Now,
		logger: log.WithField("component", "influx"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Connect opens a blocking InfluxDB writer for the run. It returns nil, nil
// when cfg does not name both a URL and a token.
func Connect(ctx context.Context, cfg config.Influx, runID string, dims config.Dimensions, opts ...Option) (*Writer, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetPrecision(time.Millisecond))

	ok, err := client.Ping(ctx)
	if err == nil && !ok {
		err = fmt.Errorf("server not ready")
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to influxdb at %s: %w", cfg.URL, err)
	}

	w := New(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), runID, dims, opts...)
	w.closeFn = client.Close
	w.logger.Infof("connected to %s (org=%s bucket=%s)", cfg.URL, cfg.Org, cfg.Bucket)
	return w, nil
}

func baseTags(runID string, dims config.Dimensions) map[string]string {
	tags := map[string]string{"run_id": runID}
	add := func(k, v string) {
		if v != "" {
			tags[k] = v
		}
	}
	add("endpoint_id", dims.EndpointID)
	add("endpoint_path", dims.EndpointPath)
	add("env_code", dims.EnvCode)
	add("gpu_model", dims.GPUModel)
	for k, v := range dims.Extra {
		add(k, v)
	}
	return tags
}

func (w *Writer) String() string { return "influx" }

// Close releases the client. It is safe to call more than once.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	if w.closeFn != nil {
		w.closeFn()
	}
	w.logger.Info("connection closed")
}

func (w *Writer) Started(ctx context.Context, ev core.LifecycleEvent) error {
	w.writeEvent(ctx, "start", "", ev.Time)
	return nil
}

func (w *Writer) Completed(ctx context.Context, ev core.LifecycleEvent) error {
	w.writeEvent(ctx, "complete", "", ev.Time)
	return nil
}

func (w *Writer) Failed(ctx context.Context, ev core.LifecycleEvent) error {
	w.writeEvent(ctx, "fail", ev.Reason, ev.Time)
	return nil
}

// Request writes one perfx_request point.
func (w *Writer) Request(ctx context.Context, r core.RequestOutcome) error {
	tags := w.withTags(map[string]string{
		"request_type": r.RequestType,
		"name":         r.Name,
		"success":      strconv.FormatBool(r.Success),
	})
	success, failure := 1, 0
	if !r.Success {
		success, failure = 0, 1
	}
	fields := map[string]any{
		"response_time":   r.ResponseTimeMs,
		"response_length": r.ResponseLength,
		"success_count":   success,
		"failure_count":   failure,
	}
	if r.Error != "" {
		fields["exception"] = core.Truncate(r.Error, w.limit)
	}
	w.write(ctx, "request", influxdb2.NewPoint(MeasurementRequest, tags, fields, w.stamp(r.Time)))
	return nil
}

// Stats writes one perfx_stats point.
func (w *Writer) Stats(ctx context.Context, s core.StatsSnapshot) error {
	fields := map[string]any{
		"user_count":           s.UserCount,
		"rps":                  s.RPS,
		"fail_ratio":           s.FailRatio,
		"avg_response_time":    s.AvgMs,
		"min_response_time":    s.MinMs,
		"max_response_time":    s.MaxMs,
		"median_response_time": s.MedianMs,
		"p95_response_time":    s.P95Ms,
		"p99_response_time":    s.P99Ms,
	}
	w.write(ctx, "stats", influxdb2.NewPoint(MeasurementStats, w.withTags(nil), fields, w.stamp(s.Time)))
	return nil
}

func (w *Writer) writeEvent(ctx context.Context, eventType, message string, at time.Time) {
	fields := map[string]any{"value": 1}
	if message != "" {
		fields["message"] = core.Truncate(message, w.limit)
	}
	tags := w.withTags(map[string]string{"event_type": eventType})
	w.write(ctx, "event", influxdb2.NewPoint(MeasurementEvent, tags, fields, w.stamp(at)))
}

func (w *Writer) write(ctx context.Context, kind string, p *write.Point) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed || w.w == nil {
		return
	}
	if err := w.w.WritePoint(ctx, p); err != nil {
		w.logger.WithError(err).Warnf("writing %s point failed", kind)
	}
}

// withTags returns the base tags merged with extra. Extra wins on conflict.
func (w *Writer) withTags(extra map[string]string) map[string]string {
	tags := make(map[string]string, len(w.tags)+len(extra))
	for k, v := range w.tags {
		tags[k] = v
	}
	for k, v := range extra {
		tags[k] = v
	}
	return tags
}

func (w *Writer) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return w.now()
	}
	return t
}

// Package report renders the final summary of a run.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"perfx/internal/core"
)

// FormatText writes the summary in human-readable format.
func FormatText(w io.Writer, runID string, r core.RunResult) {
	status := "PASSED"
	if !r.Success {
		status = "FAILED"
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "perfx - Run Summary")
	fmt.Fprintln(w, "==============================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Run:            %s\n", runID)
	fmt.Fprintf(w, "Status:         %s\n", status)
	if r.Reason != "" {
		fmt.Fprintf(w, "Reason:         %s\n", r.Reason)
	}
	fmt.Fprintf(w, "Duration:       %v\n", r.Elapsed.Round(time.Millisecond))
	if r.Requests == 0 {
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, "No requests recorded")
		return
	}
	fmt.Fprintf(w, "Total Requests: %s\n", formatNumber(r.Requests))
	fmt.Fprintf(w, "Failures:       %s (%.2f%%)\n", formatNumber(r.Failures), r.FailRatio*100)
	fmt.Fprintf(w, "Requests/sec:   %.2f\n", r.RPS)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Response Times:")
	fmt.Fprintf(w, "  Min:    %s\n", FormatMillis(r.MinMs))
	fmt.Fprintf(w, "  Avg:    %s\n", FormatMillis(r.AvgMs))
	fmt.Fprintf(w, "  Median: %s\n", FormatMillis(r.MedianMs))
	fmt.Fprintf(w, "  P95:    %s\n", FormatMillis(r.P95Ms))
	fmt.Fprintf(w, "  P99:    %s\n", FormatMillis(r.P99Ms))
	fmt.Fprintf(w, "  Max:    %s\n", FormatMillis(r.MaxMs))
}

// FormatJSON writes the summary in JSON format. Latencies are milliseconds.
func FormatJSON(w io.Writer, runID string, r core.RunResult) error {
	output := struct {
		RunID          string  `json:"runId"`
		Success        bool    `json:"success"`
		Reason         string  `json:"reason,omitempty"`
		Duration       string  `json:"duration"`
		DurationSecs   float64 `json:"durationSeconds"`
		TotalRequests  int64   `json:"totalRequests"`
		FailureCount   int64   `json:"failureCount"`
		FailureRatio   float64 `json:"failureRatio"`
		RequestsPerSec float64 `json:"requestsPerSec"`
		ResponseTimes  struct {
			Min    float64 `json:"min"`
			Avg    float64 `json:"avg"`
			Median float64 `json:"median"`
			P95    float64 `json:"p95"`
			P99    float64 `json:"p99"`
			Max    float64 `json:"max"`
		} `json:"responseTimesMs"`
	}{
		RunID:          runID,
		Success:        r.Success,
		Reason:         r.Reason,
		Duration:       r.Elapsed.Round(time.Millisecond).String(),
		DurationSecs:   r.Elapsed.Seconds(),
		TotalRequests:  r.Requests,
		FailureCount:   r.Failures,
		FailureRatio:   r.FailRatio,
		RequestsPerSec: r.RPS,
	}
	output.ResponseTimes.Min = r.MinMs
	output.ResponseTimes.Avg = r.AvgMs
	output.ResponseTimes.Median = r.MedianMs
	output.ResponseTimes.P95 = r.P95Ms
	output.ResponseTimes.P99 = r.P99Ms
	output.ResponseTimes.Max = r.MaxMs

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

// Write renders r in the named format ("text" or "json").
func Write(w io.Writer, format, runID string, r core.RunResult) error {
	switch format {
	case "", "text":
		FormatText(w, runID, r)
		return nil
	case "json":
		return FormatJSON(w, runID, r)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// FormatMillis renders a latency given in milliseconds.
func FormatMillis(ms float64) string {
	d := time.Duration(ms * float64(time.Millisecond))
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.1fms", ms)
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}

func formatNumber(n int64) string {
	s := strconv.FormatInt(n, 10)
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}

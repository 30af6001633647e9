package workload

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxBodyLogSize bounds request and response bodies in trace output.
const maxBodyLogSize = 1024

// logExchange writes a one-line summary at debug level. At trace level it
// also dumps headers and bodies.
func logExchange(logger *log.Entry, step string, req *http.Request, reqBody string, resp *http.Response, respBody []byte, elapsed time.Duration) {
	if !logger.Logger.IsLevelEnabled(log.DebugLevel) {
		return
	}
	entry := logger.WithFields(log.Fields{
		"step":     step,
		"status":   resp.StatusCode,
		"duration": elapsed.Round(time.Millisecond),
		"bytes":    len(respBody),
	})
	if !logger.Logger.IsLevelEnabled(log.TraceLevel) {
		entry.Debugf("%s %s", req.Method, req.URL)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, ">>> %s %s\n", req.Method, req.URL)
	writeHeaders(&b, req.Header)
	if reqBody != "" {
		fmt.Fprintf(&b, "  Body: %s\n", truncateBody([]byte(reqBody)))
	}
	fmt.Fprintf(&b, "<<< %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	writeHeaders(&b, resp.Header)
	if len(respBody) > 0 {
		fmt.Fprintf(&b, "  Body: %s\n", truncateBody(respBody))
	}
	entry.Trace(b.String())
}

func writeHeaders(b *strings.Builder, h http.Header) {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(b, "  %s: %s\n", name, strings.Join(h[name], ", "))
	}
}

func truncateBody(body []byte) string {
	if len(body) <= maxBodyLogSize {
		return string(body)
	}
	return fmt.Sprintf("%s... (truncated, %d bytes total)", body[:maxBodyLogSize], len(body))
}

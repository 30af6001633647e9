package workload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"perfx/internal/core"
)

// PingName is the registered name of the Ping workload.
const PingName = "ping"

func init() {
	Register(PingName, func(int) core.Workload { return &Ping{} })
}

// Ping issues one GET per iteration against the run host. The optional
// "path" argument selects the URL path (default "/").
type Ping struct {
	Client *http.Client
	url    string
}

func (p *Ping) Setup(_ context.Context, cfg core.WorkloadConfig) error {
	if p.Client == nil {
		p.Client = http.DefaultClient
	}
	path := cfg.Arg("path", "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	p.url = strings.TrimRight(cfg.Host, "/") + path
	return nil
}

func (p *Ping) Perform(ctx context.Context, rec core.Recorder) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		rec.Record(core.Request{Time: start, Type: http.MethodGet, Name: PingName, ResponseTime: time.Since(start), Err: err})
		return nil
	}
	n, _ := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	var reqErr error
	if resp.StatusCode >= http.StatusBadRequest {
		reqErr = fmt.Errorf("HTTP %s", resp.Status)
	}
	rec.Record(core.Request{
		Time:           start,
		Type:           http.MethodGet,
		Name:           PingName,
		ResponseTime:   time.Since(start),
		ResponseLength: n,
		Err:            reqErr,
	})
	return nil
}

func (p *Ping) Teardown(context.Context) error {
	return nil
}

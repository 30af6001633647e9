package workload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"perfx/internal/config"
	"perfx/internal/core"
	"perfx/internal/feed"
	"perfx/internal/template"
)

// maxExtractBodySize limits how much of a response is read for extraction.
const maxExtractBodySize = 10 * 1024 * 1024

// RequestIDHeader carries a unique id on every scripted request.
const RequestIDHeader = "X-Request-ID"

// ScriptFactory returns a factory whose users run every step of script once
// per iteration. All users share client and feeds; each iteration draws one
// row from every feed.
func ScriptFactory(script *config.Script, feeds feed.Set, client *http.Client, logger *log.Entry) core.WorkloadFactory {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.WithField("component", "workload")
	}
	return func(userID int) core.Workload {
		return &scriptUser{
			script: script,
			feeds:  feeds,
			client: client,
			userID: userID,
			logger: logger.WithField("user", userID),
		}
	}
}

type scriptUser struct {
	script *config.Script
	feeds  feed.Set
	client *http.Client
	userID int
	logger *log.Entry

	host string
	vars core.Variables
}

func (u *scriptUser) Setup(ctx context.Context, cfg core.WorkloadConfig) error {
	u.host = strings.TrimRight(cfg.Host, "/")
	u.vars = core.VariablesFromArguments(cfg.Arguments)
	u.vars.Set("run_id", cfg.RunID)
	u.vars.Set("host", u.host)
	u.vars.Set("user_id", u.userID)
	return nil
}

// Perform runs the steps in order. Values extracted by a step are visible to
// the following steps and to later iterations of the same user.
func (u *scriptUser) Perform(ctx context.Context, rec core.Recorder) error {
	ctx = core.ContextWithUserID(ctx, u.userID)
	u.feeds.Inject(u.vars)
	for _, step := range u.script.Steps {
		if err := u.runStep(ctx, step, rec); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (u *scriptUser) Teardown(context.Context) error {
	return nil
}

func (u *scriptUser) runStep(ctx context.Context, step config.StepConfig, rec core.Recorder) error {
	method := strings.ToUpper(step.Method)
	if method == "" {
		method = http.MethodGet
	}
	start := time.Now()
	record := func(length int64, err error) {
		rec.Record(core.Request{
			Time:           start,
			Type:           method,
			Name:           step.Name,
			ResponseTime:   time.Since(start),
			ResponseLength: length,
			Err:            err,
		})
	}

	rawURL, err := template.Substitute(step.URL, u.vars)
	if err != nil {
		record(0, err)
		return fmt.Errorf("step %s: %w", step.Name, err)
	}
	body, err := template.Substitute(step.Body, u.vars)
	if err != nil {
		record(0, err)
		return fmt.Errorf("step %s: %w", step.Name, err)
	}
	headers, err := template.SubstituteMap(step.Headers, u.vars)
	if err != nil {
		record(0, err)
		return fmt.Errorf("step %s: %w", step.Name, err)
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.resolve(rawURL), reader)
	if err != nil {
		record(0, err)
		return fmt.Errorf("step %s: %w", step.Name, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, uuid.NewString())
	}

	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// The user is being stopped; an aborted request is not a failure.
			return nil
		}
		record(0, err)
		return fmt.Errorf("step %s: %w", step.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxExtractBodySize))
	_, _ = io.Copy(io.Discard, resp.Body)
	if err != nil && ctx.Err() != nil {
		return nil
	}

	logExchange(u.logger, step.Name, req, body, resp, respBody, time.Since(start))

	if resp.StatusCode >= http.StatusBadRequest {
		record(int64(len(respBody)), fmt.Errorf("HTTP %s", resp.Status))
		return nil
	}

	if len(step.Extract) > 0 {
		extracted, err := template.Extract(respBody, step.Extract)
		if err != nil {
			record(int64(len(respBody)), err)
			return nil
		}
		for k, v := range extracted {
			u.vars.Set(k, v)
		}
	}
	record(int64(len(respBody)), nil)
	return nil
}

func (u *scriptUser) resolve(rawURL string) string {
	if strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://") {
		return rawURL
	}
	if !strings.HasPrefix(rawURL, "/") {
		rawURL = "/" + rawURL
	}
	return u.host + rawURL
}

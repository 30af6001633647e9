package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"perfx/internal/controlplane"
	"perfx/internal/controlplane/controlplanetest"
	"perfx/internal/validation"
)

// stubCommand serves a fake platform with one demo run next to a target
// service, so perfx can be tried without real infrastructure.
func (c *cli) stubCommand() *cobra.Command {
	var (
		addr    string
		users   int
		rate    float64
		runTime string
	)
	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Serve a local fake platform and target service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			platform := newStubPlatform("http://"+addr, users, rate, runTime)
			srv := &http.Server{Addr: addr, Handler: platform.Handler(), ReadHeaderTimeout: 5 * time.Second}

			fmt.Fprintln(c.stdout, "perfx stub platform")
			fmt.Fprintln(c.stdout, "======================")
			fmt.Fprintf(c.stdout, "Listening on http://%s\n\n", addr)
			fmt.Fprintln(c.stdout, "Platform:")
			fmt.Fprintln(c.stdout, "  GET  /api/perf/runs/{id}          - Run plan (try id \"demo\")")
			fmt.Fprintln(c.stdout, "  POST /api/perf/runs/{id}/{action} - start, complete, fail, cancel")
			fmt.Fprintln(c.stdout, "Target:")
			fmt.Fprintln(c.stdout, "  GET  /health              - Health check")
			fmt.Fprintln(c.stdout, "  GET  /status/{code}       - Return specific status code")
			fmt.Fprintln(c.stdout, "  GET  /delay/{ms}          - Delay response by milliseconds")
			fmt.Fprintln(c.stdout, "  POST /echo                - Echo request body")
			fmt.Fprintln(c.stdout, "  GET  /json                - JSON response with metadata")
			fmt.Fprintln(c.stdout, "  GET  /headers             - Echo request headers as JSON")
			fmt.Fprintln(c.stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdown)
			}()

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			fmt.Fprintln(c.stdout, "\nShutting down...")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8000", "address to listen on")
	cmd.Flags().IntVar(&users, "users", 2, "users of the demo run")
	cmd.Flags().Float64Var(&rate, "spawn-rate", 1, "spawn rate of the demo run")
	cmd.Flags().StringVar(&runTime, "run-time", "30s", "run time of the demo run")
	return cmd
}

// newStubPlatform mounts the target service under the platform API and seeds
// the "demo" run pointing back at it.
func newStubPlatform(host string, users int, rate float64, runTime string) *controlplanetest.Server {
	platform := controlplanetest.NewServer()
	target := controlplanetest.NewTarget()
	platform.Mux().Handle("/", target.Handler())

	def := "/health"
	platform.AddRun(controlplane.TestRunDetail{
		RunID:      "demo",
		EndpointID: "demo-endpoint",
		Endpoint: &controlplane.EndpointInfo{
			EndpointID:   "demo-endpoint",
			EndpointPath: "/health",
			Method:       http.MethodGet,
			ArgumentSchema: &controlplane.ArgumentSchema{Parameters: []validation.Parameter{
				{Name: "path", Default: &def, Description: "path requested by the ping workload"},
			}},
		},
		Environment: &controlplane.EnvironmentInfo{EnvCode: "local", EnvName: "Local stub", Host: host},
		Users:       &users,
		SpawnRate:   &rate,
		RunTime:     runTime,
	})
	return platform
}

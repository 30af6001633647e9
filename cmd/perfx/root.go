package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"perfx/internal/app"
	"perfx/internal/config"
)

const envPrefix = "PERFX"

// cli holds the state shared by the commands of one invocation.
type cli struct {
	v           *viper.Viper
	stdout      io.Writer
	stderr      io.Writer
	passthrough []string
	exitCode    int
}

// execute runs the command line and returns the exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := &cli{v: viper.New(), stdout: stdout, stderr: stderr}
	root := c.rootCommand()

	known := pflag.NewFlagSet("known", pflag.ContinueOnError)
	known.AddFlagSet(root.PersistentFlags())
	for _, sub := range root.Commands() {
		known.AddFlagSet(sub.Flags())
	}
	known.BoolP("help", "h", false, "")

	own, passthrough := splitArgs(known, args)
	c.passthrough = passthrough
	root.SetArgs(own)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return app.ExitFailure
	}
	return c.exitCode
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "perfx",
		Short: "perfx - load-test execution orchestrator",
		Long: `perfx fetches a run from the performance platform, validates the
run arguments against the endpoint schema, drives the load and reports
status and metrics back while it runs.

Unknown flags (--key value, --key=value, --flag) are run arguments.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          c.run,
	}

	defaults := config.Defaults()
	pf := root.PersistentFlags()
	pf.String("config", "", "config file (yaml, toml or json)")
	pf.StringP("locustfile", "f", "", "workload script (YAML)")
	pf.String("run-id", "", "run id on the performance platform")
	pf.String("platform-url", defaults.PlatformURL, "performance platform URL")
	pf.String("influxdb-url", "", "InfluxDB URL")
	pf.String("influxdb-token", "", "InfluxDB token")
	pf.String("influxdb-org", defaults.Influx.Org, "InfluxDB organization")
	pf.String("influxdb-bucket", defaults.Influx.Bucket, "InfluxDB bucket")
	pf.String("workload", "", "registered workload name instead of a script")
	pf.Duration("stats-interval", defaults.StatsInterval, "statistics sampling interval")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")
	pf.String("output", defaults.Output, "summary format: text, json")
	pf.Bool("quiet", false, "suppress progress output")
	pf.Bool("dry-run", false, "validate arguments only, do not run")
	pf.StringToString("tag", nil, "extra metrics tag as key=value, repeatable")
	pf.Bool("export-env", false, "export run arguments as PERFX_* environment variables")
	pf.BoolP("verbose", "v", false, "enable debug logging")
	pf.String("log-level", defaults.LogLevel, "log level: panic, fatal, error, warn, info, debug, trace")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Execute a run (same as the root command)",
		Args:  cobra.NoArgs,
		RunE:  c.run,
	})
	root.AddCommand(c.stubCommand())
	return root
}

// load resolves settings from flags, PERFX_* environment variables and the
// optional config file, in that order of precedence.
func (c *cli) load(cmd *cobra.Command) (config.App, error) {
	v := c.v
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return config.App{}, err
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config.App{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	settings := config.Defaults()
	if err := v.Unmarshal(&settings); err != nil {
		return config.App{}, fmt.Errorf("decoding settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return config.App{}, err
	}
	return settings, nil
}

func (c *cli) run(cmd *cobra.Command, _ []string) error {
	settings, err := c.load(cmd)
	if err != nil {
		return err
	}
	logger := configureLogging(c.stderr, settings.Level())

	runID := c.v.GetString("run-id")
	script := c.v.GetString("locustfile")
	if runID == "" {
		return fmt.Errorf("--run-id is required")
	}
	if script == "" && settings.Workload == "" {
		return fmt.Errorf("-f/--locustfile or --workload is required")
	}

	c.exitCode = app.Run(cmd.Context(), app.Options{
		App:        settings,
		RunID:      runID,
		ScriptPath: script,
		Args:       parsePassThrough(c.passthrough),
		Stdout:     c.stdout,
		Stderr:     c.stderr,
		Logger:     logger,
		Signals:    true,
	})
	return nil
}

func configureLogging(w io.Writer, level log.Level) *log.Entry {
	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	logger.SetOutput(w)
	logger.SetLevel(level)
	return log.NewEntry(logger)
}

package config

import (
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// App holds process-level settings. The CLI fills it from flags, PERFX_*
// environment variables and an optional config file.
type App struct {
	Influx `mapstructure:",squash"`

	PlatformURL   string        `mapstructure:"platform-url"`
	Workload      string        `mapstructure:"workload"`
	StatsInterval time.Duration `mapstructure:"stats-interval"`
	MetricsAddr   string        `mapstructure:"metrics-addr"`
	Output        string        `mapstructure:"output"`
	Quiet         bool          `mapstructure:"quiet"`
	DryRun        bool          `mapstructure:"dry-run"`
	Verbose       bool          `mapstructure:"verbose"`
	LogLevel      string        `mapstructure:"log-level"`
	ExportEnv     bool          `mapstructure:"export-env"`
	// Tags are extra dimensions attached to every metrics point.
	Tags map[string]string `mapstructure:"tag"`
}

// Influx holds metrics-store connection settings.
type Influx struct {
	URL    string `mapstructure:"influxdb-url"`
	Token  string `mapstructure:"influxdb-token"`
	Org    string `mapstructure:"influxdb-org"`
	Bucket string `mapstructure:"influxdb-bucket"`
}

// Enabled reports whether enough settings are present to connect.
func (i Influx) Enabled() bool {
	return strings.TrimSpace(i.URL) != "" && strings.TrimSpace(i.Token) != ""
}

// Defaults returns the settings used when nothing else is configured.
func Defaults() App {
	return App{
		PlatformURL: "http://localhost:8000",
		Influx: Influx{
			Org:    "performance",
			Bucket: "locust",
		},
		StatsInterval: 2 * time.Second,
		Output:        "text",
		LogLevel:      "info",
	}
}

// Validate checks the settings that have a closed set of values.
func (a App) Validate() error {
	if a.Output != "text" && a.Output != "json" {
		return fieldError("output", "must be 'text' or 'json', got %q", a.Output)
	}
	if a.StatsInterval <= 0 {
		return fieldError("stats interval", "must be positive, got %v", a.StatsInterval)
	}
	if _, err := log.ParseLevel(a.LogLevel); err != nil {
		return fieldError("log level", "%v", err)
	}
	if strings.TrimSpace(a.PlatformURL) == "" {
		return fieldError("platform url", "must not be empty")
	}
	return nil
}

// Level returns the logging level. Verbose raises anything quieter to debug.
func (a App) Level() log.Level {
	level, err := log.ParseLevel(a.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	if a.Verbose && level < log.DebugLevel {
		level = log.DebugLevel
	}
	return level
}

package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Dimensions are the optional tags attached to every metrics point of a run.
type Dimensions struct {
	EndpointID   string
	EndpointPath string
	EnvCode      string
	GPUModel     string
	Extra        map[string]string
}

// RunSpecParams holds the raw inputs to NewRunSpec.
type RunSpecParams struct {
	RunID      string
	Host       string
	Users      int
	RampRate   float64
	Duration   time.Duration
	Workload   string
	Arguments  map[string]string
	Dimensions Dimensions
}

// RunSpec is the resolved, validated configuration of one run. It is
// immutable: accessors hand out copies of its maps.
type RunSpec struct {
	runID      string
	host       string
	users      int
	rampRate   float64
	duration   time.Duration
	workload   string
	arguments  map[string]string
	dimensions Dimensions
}

// NewRunSpec validates p and returns a RunSpec that shares no state with it.
func NewRunSpec(p RunSpecParams) (RunSpec, error) {
	if strings.TrimSpace(p.RunID) == "" {
		return RunSpec{}, fieldError("run id", "must not be empty")
	}
	if strings.TrimSpace(p.Host) == "" {
		return RunSpec{}, fieldError("host", "target host is not set")
	}
	if p.Users < 1 {
		return RunSpec{}, fieldError("users", "must be >= 1, got %d", p.Users)
	}
	if p.RampRate <= 0 {
		return RunSpec{}, fieldError("ramp rate", "must be > 0, got %v", p.RampRate)
	}
	if p.Duration < 0 {
		return RunSpec{}, fieldError("duration", "must not be negative, got %v", p.Duration)
	}
	dims := p.Dimensions
	dims.Extra = copyMap(p.Dimensions.Extra)
	return RunSpec{
		runID:      p.RunID,
		host:       strings.TrimRight(strings.TrimSpace(p.Host), "/"),
		users:      p.Users,
		rampRate:   p.RampRate,
		duration:   p.Duration,
		workload:   p.Workload,
		arguments:  copyMap(p.Arguments),
		dimensions: dims,
	}, nil
}

func (s RunSpec) RunID() string     { return s.runID }
func (s RunSpec) Host() string      { return s.host }
func (s RunSpec) Users() int        { return s.users }
func (s RunSpec) RampRate() float64 { return s.rampRate }
func (s RunSpec) Workload() string  { return s.workload }

// Duration is zero for an unbounded run.
func (s RunSpec) Duration() time.Duration { return s.duration }

// Bounded reports whether the run stops on its own after Duration.
func (s RunSpec) Bounded() bool { return s.duration > 0 }

func (s RunSpec) Arguments() map[string]string { return copyMap(s.arguments) }

func (s RunSpec) Dimensions() Dimensions {
	d := s.dimensions
	d.Extra = copyMap(s.dimensions.Extra)
	return d
}

func (s RunSpec) String() string {
	duration := "unbounded"
	if s.Bounded() {
		duration = s.duration.String()
	}
	return fmt.Sprintf("run=%s host=%s users=%d ramp=%.1f/s duration=%s", s.runID, s.host, s.users, s.rampRate, duration)
}

// maxRunTimeSeconds is the longest run time a time.Duration can hold.
const maxRunTimeSeconds = math.MaxInt64 / int64(time.Second)

// ParseRunTime parses "<int>[s|m|h]" (raw seconds without a suffix) into
// seconds. An empty string is zero.
func ParseRunTime(s string) (int, error) {
	str := strings.ToLower(strings.TrimSpace(s))
	if str == "" {
		return 0, nil
	}
	multiplier := 1
	switch {
	case strings.HasSuffix(str, "s"):
		str = str[:len(str)-1]
	case strings.HasSuffix(str, "m"):
		str, multiplier = str[:len(str)-1], 60
	case strings.HasSuffix(str, "h"):
		str, multiplier = str[:len(str)-1], 3600
	}
	n, err := strconv.Atoi(str)
	if err != nil || n < 0 {
		return 0, fieldError("run time", "cannot parse %q", s)
	}
	if int64(n) > maxRunTimeSeconds/int64(multiplier) {
		return 0, fieldError("run time", "%q is out of range", s)
	}
	return n * multiplier, nil
}

// ResolveRunTime converts a run time string into a duration. Unparseable
// input is logged and treated as unbounded (zero) rather than failing the run.
func ResolveRunTime(s string, logger *log.Entry) time.Duration {
	secs, err := ParseRunTime(s)
	if err != nil {
		if logger == nil {
			logger = log.NewEntry(log.StandardLogger())
		}
		logger.WithError(err).Warnf("Unable to parse run time %q, running until stopped", s)
		return 0
	}
	return time.Duration(secs) * time.Second
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

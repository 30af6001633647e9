package controlplane

import (
	"encoding/json"
	"fmt"
	"time"

	"perfx/internal/config"
	"perfx/internal/validation"
)

// EndpointInfo describes the endpoint under test and its argument schema.
type EndpointInfo struct {
	EndpointID     string          `json:"endpoint_id"`
	EndpointPath   string          `json:"endpoint_path"`
	Method         string          `json:"method"`
	ArgumentSchema *ArgumentSchema `json:"argument_schema,omitempty"`
}

// ArgumentSchema is the declarative parameter list of an endpoint.
type ArgumentSchema struct {
	Parameters []validation.Parameter `json:"parameters"`
}

// EnvironmentInfo describes where the endpoint is deployed.
type EnvironmentInfo struct {
	EnvID    int    `json:"env_id"`
	EnvCode  string `json:"env_code"`
	EnvName  string `json:"env_name"`
	GPUModel string `json:"gpu_model,omitempty"`
	Host     string `json:"host,omitempty"`
}

// ShapeStep is one stage of a load curve.
type ShapeStep struct {
	Duration  int     `json:"duration"`
	Users     int     `json:"users"`
	SpawnRate float64 `json:"spawn_rate"`
}

// TestRunDetail is the test plan returned by the control plane.
type TestRunDetail struct {
	RunID           string            `json:"run_id"`
	EndpointID      string            `json:"endpoint_id,omitempty"`
	Endpoint        *EndpointInfo     `json:"endpoint,omitempty"`
	Environment     *EnvironmentInfo  `json:"environment,omitempty"`
	Users           *int              `json:"users,omitempty"`
	SpawnRate       *float64          `json:"spawn_rate,omitempty"`
	RunTime         string            `json:"run_time,omitempty"`
	Shape           []json.RawMessage `json:"shape,omitempty"`
	StartTime       *time.Time        `json:"start_time,omitempty"`
	EndTime         *time.Time        `json:"end_time,omitempty"`
	DurationSeconds *int              `json:"duration_seconds,omitempty"`
	Status          string            `json:"status,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Notes           string            `json:"notes,omitempty"`
	Arguments       map[string]string `json:"arguments,omitempty"`
	CreatedAt       *time.Time        `json:"created_at,omitempty"`
}

// Host returns the target host from the environment, if any.
func (d *TestRunDetail) Host() string {
	if d.Environment != nil {
		return d.Environment.Host
	}
	return ""
}

// EnvCode returns the environment code, if any.
func (d *TestRunDetail) EnvCode() string {
	if d.Environment != nil {
		return d.Environment.EnvCode
	}
	return ""
}

// EndpointPath returns the endpoint path, if any.
func (d *TestRunDetail) EndpointPath() string {
	if d.Endpoint != nil {
		return d.Endpoint.EndpointPath
	}
	return ""
}

// Parameters returns the endpoint's argument schema in declaration order.
func (d *TestRunDetail) Parameters() []validation.Parameter {
	if d.Endpoint == nil || d.Endpoint.ArgumentSchema == nil {
		return nil
	}
	return d.Endpoint.ArgumentSchema.Parameters
}

// RequiredParameters returns the required subset of Parameters.
func (d *TestRunDetail) RequiredParameters() []validation.Parameter {
	var required []validation.Parameter
	for _, p := range d.Parameters() {
		if p.Required {
			required = append(required, p)
		}
	}
	return required
}

// ShapeSteps decodes the load curve. It returns nil when no shape is set.
func (d *TestRunDetail) ShapeSteps() ([]ShapeStep, error) {
	if len(d.Shape) == 0 {
		return nil, nil
	}
	steps := make([]ShapeStep, 0, len(d.Shape))
	for i, raw := range d.Shape {
		var step ShapeStep
		if err := json.Unmarshal(raw, &step); err != nil {
			return nil, fmt.Errorf("decoding shape step %d: %w", i, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// RunSpec builds the run configuration from the plan and the validated
// arguments. Users and spawn rate default to 1 when the plan omits them.
// tags become extra metrics dimensions.
func (d *TestRunDetail) RunSpec(resolved map[string]string, duration time.Duration, workload string, tags map[string]string) (config.RunSpec, error) {
	users := 1
	if d.Users != nil {
		users = *d.Users
	}
	spawnRate := 1.0
	if d.SpawnRate != nil {
		spawnRate = *d.SpawnRate
	}
	dims := config.Dimensions{
		EndpointID:   d.EndpointID,
		EndpointPath: d.EndpointPath(),
		EnvCode:      d.EnvCode(),
		Extra:        tags,
	}
	if d.Endpoint != nil && dims.EndpointID == "" {
		dims.EndpointID = d.Endpoint.EndpointID
	}
	if d.Environment != nil {
		dims.GPUModel = d.Environment.GPUModel
	}
	return config.NewRunSpec(config.RunSpecParams{
		RunID:      d.RunID,
		Host:       d.Host(),
		Users:      users,
		RampRate:   spawnRate,
		Duration:   duration,
		Workload:   workload,
		Arguments:  resolved,
		Dimensions: dims,
	})
}

// Package config handles run plans, application settings and YAML
// workload scripts.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Script is a YAML-defined workload: the steps one virtual user performs per
// iteration.
type Script struct {
	Name  string                `yaml:"name"`
	Data  map[string]DataConfig `yaml:"data,omitempty"`
	Steps []StepConfig          `yaml:"steps"`

	// Dir is the directory holding the script. Relative data files are
	// resolved against it.
	Dir string `yaml:"-"`
}

// DataMode selects how rows are drawn from a data file.
type DataMode string

const (
	DataSequential DataMode = "sequential"
	DataRandom     DataMode = "random"
)

// DataConfig declares a CSV or JSON file whose rows parameterize iterations.
type DataConfig struct {
	File string   `yaml:"file"`
	Mode DataMode `yaml:"mode,omitempty"`
}

// StepConfig defines a single request step. URL may be absolute or a path
// relative to the run host.
type StepConfig struct {
	Name    string            `yaml:"name"`
	Method  string            `yaml:"method"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Body    string            `yaml:"body"`
	Extract map[string]string `yaml:"extract,omitempty"` // JSONPath extraction rules
}

// LoadScript reads and parses a YAML workload script.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script file: %w", err)
	}

	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parsing script file: %w", err)
	}
	if err := script.Validate(); err != nil {
		return nil, err
	}
	script.Dir = filepath.Dir(path)
	return &script, nil
}

// Validate checks that every step can be executed.
func (s *Script) Validate() error {
	if len(s.Steps) == 0 {
		return fieldError("script", "no steps defined")
	}
	for name, dc := range s.Data {
		if dc.File == "" {
			return fieldError(fmt.Sprintf("data %q", name), "file is required")
		}
		switch dc.Mode {
		case "", DataSequential, DataRandom:
		default:
			return fieldError(fmt.Sprintf("data %q", name), "unknown mode %q (use sequential or random)", dc.Mode)
		}
	}
	for i, step := range s.Steps {
		if step.Name == "" {
			return fieldError(fmt.Sprintf("step %d", i), "name is required")
		}
		if step.URL == "" {
			return fieldError(fmt.Sprintf("step %q", step.Name), "url is required")
		}
	}
	return nil
}

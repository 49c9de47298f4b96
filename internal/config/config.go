// Package config loads the orchestrator's run inputs: the target list and
// the per-runner workload profiles.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tapline-labs/tapline/internal/controller"
	"github.com/tapline-labs/tapline/internal/domain"
)

// Target is one remote endpoint the runner workloads exercise.
type Target struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port,omitempty" json:"port"`
	Scheme string `yaml:"scheme,omitempty" json:"scheme"`
}

func (t Target) Validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return errors.New("target host is required")
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("target %s: port %d out of range", t.Host, t.Port)
	}
	return nil
}

type targetsFile struct {
	Targets []Target `yaml:"targets"`
}

// LoadTargets reads the YAML target list and applies defaults (https/443).
func LoadTargets(path string) ([]Target, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}

	var file targetsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse targets file: %w", err)
	}
	if len(file.Targets) == 0 {
		return nil, errors.New("targets file lists no targets")
	}

	out := make([]Target, 0, len(file.Targets))
	for i, t := range file.Targets {
		if t.Port == 0 {
			t.Port = 443
		}
		if strings.TrimSpace(t.Scheme) == "" {
			t.Scheme = "https"
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// TargetsJSON encodes the target list for injection into workload env.
func TargetsJSON(targets []Target) (string, error) {
	raw, err := json.Marshal(targets)
	if err != nil {
		return "", fmt.Errorf("encode targets: %w", err)
	}
	return string(raw), nil
}

// Profiles builds the per-runner workload profiles against the given
// registry endpoint.
func Profiles(registry string) (map[domain.Runner]controller.WorkloadSpec, error) {
	registry = strings.TrimRight(strings.TrimSpace(registry), "/")
	if registry == "" {
		return nil, errors.New("registry endpoint is required")
	}
	return map[domain.Runner]controller.WorkloadSpec{
		domain.RunnerCurl: {
			ImageRef: registry + "/tapline-runner-curl:latest",
			CPU:      "1",
			Memory:   "1.5",
		},
		domain.RunnerChrome: {
			ImageRef: registry + "/tapline-runner-chrome:latest",
			CPU:      "2",
			Memory:   "4",
		},
	}, nil
}

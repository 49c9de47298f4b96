package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/tapline-labs/tapline/internal/domain"
)

// AzConfig locates the pre-provisioned infrastructure the runs execute in.
// Everything except the workloads themselves outlives a run.
type AzConfig struct {
	AzBin           string
	ResourceGroup   string
	Subnet          string
	CaptureHostName string
	AgentPort       int
}

func (c AzConfig) withDefaults() AzConfig {
	if strings.TrimSpace(c.AzBin) == "" {
		c.AzBin = "az"
	}
	if c.AgentPort <= 0 {
		c.AgentPort = 9000
	}
	return c
}

func (c AzConfig) Validate() error {
	if strings.TrimSpace(c.ResourceGroup) == "" {
		return errors.New("resource group is required")
	}
	if strings.TrimSpace(c.Subnet) == "" {
		return errors.New("runner subnet is required")
	}
	if strings.TrimSpace(c.CaptureHostName) == "" {
		return errors.New("capture host name is required")
	}
	return nil
}

// AzProvisioner drives workloads and the capture host through the az CLI.
type AzProvisioner struct {
	cfg AzConfig
}

func NewAzProvisioner(cfg AzConfig) (*AzProvisioner, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(cfg.AzBin); err != nil {
		return nil, fmt.Errorf("az binary not found: %w", err)
	}
	return &AzProvisioner{cfg: cfg}, nil
}

func (p *AzProvisioner) CreateWorkload(ctx context.Context, task domain.WorkloadTask, env map[string]string) error {
	name := strings.TrimSpace(task.Name)
	if name == "" {
		return errors.New("workload name is required")
	}
	if strings.TrimSpace(task.ImageRef) == "" {
		return errors.New("image ref is required")
	}

	args := []string{
		"container", "create",
		"--resource-group", p.cfg.ResourceGroup,
		"--name", name,
		"--image", task.ImageRef,
		"--subnet", p.cfg.Subnet,
		"--restart-policy", "Never",
	}
	if strings.TrimSpace(task.CPU) != "" {
		args = append(args, "--cpu", task.CPU)
	}
	if strings.TrimSpace(task.Memory) != "" {
		args = append(args, "--memory", task.Memory)
	}
	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			if strings.TrimSpace(k) != "" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		args = append(args, "--environment-variables")
		for _, k := range keys {
			args = append(args, k+"="+env[k])
		}
	}

	if _, err := p.run(ctx, args...); err != nil {
		return fmt.Errorf("create workload %s: %w", name, err)
	}
	return nil
}

type azContainerView struct {
	ProvisioningState string `json:"provisioningState"`
	IPAddress         struct {
		IP string `json:"ip"`
	} `json:"ipAddress"`
	Containers []struct {
		InstanceView struct {
			CurrentState struct {
				State    string `json:"state"`
				ExitCode int    `json:"exitCode"`
			} `json:"currentState"`
		} `json:"instanceView"`
	} `json:"containers"`
}

func (p *AzProvisioner) ObserveWorkload(ctx context.Context, name string) (Observation, error) {
	out, err := p.run(ctx, "container", "show",
		"--resource-group", p.cfg.ResourceGroup,
		"--name", name,
		"--output", "json",
	)
	if err != nil {
		if isNotFoundText(err.Error()) {
			return Observation{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Observation{}, fmt.Errorf("observe workload %s: %w", name, err)
	}

	var view azContainerView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		return Observation{}, fmt.Errorf("parse container view: %w", err)
	}

	obs := Observation{
		Status:          StatusPending,
		NetworkIdentity: strings.TrimSpace(view.IPAddress.IP),
	}
	if len(view.Containers) == 0 {
		return obs, nil
	}
	state := view.Containers[0].InstanceView.CurrentState
	obs.ExitCode = state.ExitCode
	obs.Message = state.State
	switch strings.ToLower(strings.TrimSpace(state.State)) {
	case "running":
		obs.Status = StatusRunning
	case "terminated":
		if state.ExitCode == 0 {
			obs.Status = StatusSucceeded
		} else {
			obs.Status = StatusFailed
		}
	}
	return obs, nil
}

func (p *AzProvisioner) DeleteWorkload(ctx context.Context, name string) error {
	_, err := p.run(ctx, "container", "delete",
		"--resource-group", p.cfg.ResourceGroup,
		"--name", name,
		"--yes",
	)
	if err != nil {
		if isNotFoundText(err.Error()) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("delete workload %s: %w", name, err)
	}
	return nil
}

func (p *AzProvisioner) StartCaptureHost(ctx context.Context) (string, error) {
	if _, err := p.run(ctx, "vm", "start",
		"--resource-group", p.cfg.ResourceGroup,
		"--name", p.cfg.CaptureHostName,
	); err != nil {
		return "", fmt.Errorf("start capture host: %w", err)
	}

	out, err := p.run(ctx, "vm", "show",
		"--resource-group", p.cfg.ResourceGroup,
		"--name", p.cfg.CaptureHostName,
		"--show-details",
		"--query", "privateIps",
		"--output", "tsv",
	)
	if err != nil {
		return "", fmt.Errorf("resolve capture host address: %w", err)
	}
	ip := strings.TrimSpace(strings.Split(out, ",")[0])
	if ip == "" {
		return "", errors.New("capture host has no private address")
	}
	return fmt.Sprintf("http://%s:%d", ip, p.cfg.AgentPort), nil
}

func (p *AzProvisioner) DeallocateCaptureHost(ctx context.Context) error {
	if _, err := p.run(ctx, "vm", "deallocate",
		"--resource-group", p.cfg.ResourceGroup,
		"--name", p.cfg.CaptureHostName,
	); err != nil {
		return fmt.Errorf("deallocate capture host: %w", err)
	}
	return nil
}

func (p *AzProvisioner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.cfg.AzBin, args...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return "", fmt.Errorf("az %s: %w: %s", args[0]+" "+args[1], err, text)
	}
	return text, nil
}

func isNotFoundText(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "resourcenotfound") ||
		strings.Contains(lower, "was not found") ||
		strings.Contains(lower, "could not be found")
}

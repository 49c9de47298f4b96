package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Runner identifies a workload flavor exercised during a run.
type Runner string

const (
	RunnerCurl   Runner = "curl"
	RunnerChrome Runner = "chrome"
)

// AddressFamily selects the IP family a capture leg records.
type AddressFamily string

const (
	FamilyIPv4 AddressFamily = "ipv4"
	FamilyIPv6 AddressFamily = "ipv6"
)

// ParseRunnerSelection maps the CLI selection to the concrete runner set.
func ParseRunnerSelection(value string) ([]Runner, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "curl":
		return []Runner{RunnerCurl}, nil
	case "chrome":
		return []Runner{RunnerChrome}, nil
	case "both", "":
		return []Runner{RunnerCurl, RunnerChrome}, nil
	default:
		return nil, fmt.Errorf("unknown runner selection: %q", value)
	}
}

// Run is the controller-owned record of one orchestrated test run.
type Run struct {
	ID        string
	Runners   []Runner
	Phase     RunPhase
	StartedAt time.Time
	EndedAt   *time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if len(r.Runners) == 0 {
		return errors.New("at least one runner is required")
	}
	return nil
}

// TerminalState is the final observed state of a workload task.
type TerminalState string

const (
	WorkloadSucceeded TerminalState = "succeeded"
	WorkloadFailed    TerminalState = "failed"
	WorkloadTimedOut  TerminalState = "timed_out"
)

// WorkloadTask tracks one ephemeral workload from creation to deletion.
// NetworkIdentity is empty until discovered after creation.
type WorkloadTask struct {
	Name            string
	Runner          Runner
	ImageRef        string
	CPU             string
	Memory          string
	NetworkIdentity string
	Terminal        TerminalState
}

// MirrorBinding records one NIC bound to the static mirror destination.
// The controller holds the full set for a run and must unbind every entry
// exactly once by run end.
type MirrorBinding struct {
	NetworkIdentity string
	DestinationID   string
	BoundAt         time.Time
}

// Artifact describes one uploaded capture file plus its access grant.
// Error is set when the upload was abandoned after exhausting retries.
type Artifact struct {
	Runner    Runner        `json:"runner"`
	Family    AddressFamily `json:"address_family"`
	ObjectKey string        `json:"object_key"`
	AccessURL string        `json:"access_url,omitempty"`
	Expiry    time.Time     `json:"expiry,omitzero"`
	SizeBytes int64         `json:"size_bytes"`
	Error     string        `json:"error,omitempty"`
}

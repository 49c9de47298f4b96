// Package provision abstracts the infrastructure that hosts runner workloads
// and the capture host. The controller only sees this interface; the az CLI
// driver and the test fakes both satisfy it.
package provision

import (
	"context"
	"errors"

	"github.com/tapline-labs/tapline/internal/domain"
)

// ErrNotFound is returned by observe/delete operations when the workload does
// not exist. Delete paths treat it as success.
var ErrNotFound = errors.New("workload not found")

// WorkloadStatus is the provisioner's view of a workload lifecycle.
type WorkloadStatus string

const (
	StatusPending   WorkloadStatus = "pending"
	StatusRunning   WorkloadStatus = "running"
	StatusSucceeded WorkloadStatus = "succeeded"
	StatusFailed    WorkloadStatus = "failed"
)

// Terminal reports whether the status will never change again.
func (s WorkloadStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Observation is a point-in-time snapshot of one workload. NetworkIdentity
// stays empty until the platform assigns the NIC.
type Observation struct {
	Status          WorkloadStatus
	NetworkIdentity string
	ExitCode        int
	Message         string
}

type Provisioner interface {
	// CreateWorkload provisions one ephemeral runner workload. env is
	// injected into the workload environment verbatim.
	CreateWorkload(ctx context.Context, task domain.WorkloadTask, env map[string]string) error

	// ObserveWorkload reports current status plus the network identity once
	// assigned. Returns ErrNotFound for unknown names.
	ObserveWorkload(ctx context.Context, name string) (Observation, error)

	// DeleteWorkload removes the workload. Deleting a missing workload
	// returns ErrNotFound, which callers treat as success.
	DeleteWorkload(ctx context.Context, name string) error

	// StartCaptureHost brings the capture host online and returns its
	// reachable address. Starting an already-running host is success.
	StartCaptureHost(ctx context.Context) (string, error)

	// DeallocateCaptureHost releases the capture host. Idempotent.
	DeallocateCaptureHost(ctx context.Context) error
}

package domain

import "strings"

// RunPhase is the controller-side phase of a run.
type RunPhase string

const (
	RunPhaseInit             RunPhase = "init"
	RunPhaseCaptureStarting  RunPhase = "capture_starting"
	RunPhaseWorkloadsRunning RunPhase = "workloads_running"
	RunPhaseCaptureStopping  RunPhase = "capture_stopping"
	RunPhaseDraining         RunPhase = "draining"
	RunPhaseCompleted        RunPhase = "completed"
	RunPhaseFailed           RunPhase = "failed"
)

// NormalizeRunPhase maps free-form phase values to canonical run phases.
func NormalizeRunPhase(value string) RunPhase {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunPhaseInit), "pending":
		return RunPhaseInit
	case string(RunPhaseCaptureStarting):
		return RunPhaseCaptureStarting
	case string(RunPhaseWorkloadsRunning):
		return RunPhaseWorkloadsRunning
	case string(RunPhaseCaptureStopping):
		return RunPhaseCaptureStopping
	case string(RunPhaseDraining):
		return RunPhaseDraining
	case string(RunPhaseCompleted):
		return RunPhaseCompleted
	case string(RunPhaseFailed):
		return RunPhaseFailed
	default:
		return ""
	}
}

// CanTransitionRunPhase enforces forward-only phase progression. Failed is
// reachable from any non-terminal phase; Completed only through Draining.
func CanTransitionRunPhase(current, next RunPhase) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	if next == RunPhaseFailed {
		return !runPhaseTerminal(current)
	}
	co, no := runPhaseOrder(current), runPhaseOrder(next)
	return co != 0 && no != 0 && co < no
}

func (p RunPhase) Terminal() bool {
	return runPhaseTerminal(p)
}

func runPhaseTerminal(p RunPhase) bool {
	return p == RunPhaseCompleted || p == RunPhaseFailed
}

func runPhaseOrder(p RunPhase) int {
	switch p {
	case RunPhaseInit:
		return 1
	case RunPhaseCaptureStarting:
		return 2
	case RunPhaseWorkloadsRunning:
		return 3
	case RunPhaseCaptureStopping:
		return 4
	case RunPhaseDraining:
		return 5
	case RunPhaseCompleted, RunPhaseFailed:
		return 6
	default:
		return 0
	}
}

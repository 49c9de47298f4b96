package domain

import "strings"

// SessionPhase is the capture agent's session phase. Transitions are
// strictly monotonic; there are no backward edges.
type SessionPhase string

const (
	SessionIdle      SessionPhase = "idle"
	SessionCapturing SessionPhase = "capturing"
	SessionDraining  SessionPhase = "draining"
	SessionUploading SessionPhase = "uploading"
	SessionNotifying SessionPhase = "notifying"
	SessionDone      SessionPhase = "done"
	SessionFailed    SessionPhase = "failed"
)

// NormalizeSessionPhase maps free-form phase values to canonical phases.
func NormalizeSessionPhase(value string) SessionPhase {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(SessionIdle):
		return SessionIdle
	case string(SessionCapturing):
		return SessionCapturing
	case string(SessionDraining):
		return SessionDraining
	case string(SessionUploading):
		return SessionUploading
	case string(SessionNotifying):
		return SessionNotifying
	case string(SessionDone):
		return SessionDone
	case string(SessionFailed):
		return SessionFailed
	default:
		return ""
	}
}

// CanTransitionSessionPhase enforces the forward-only session machine.
// Failed is reachable from any non-Idle, non-Done phase.
func CanTransitionSessionPhase(current, next SessionPhase) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	if next == SessionFailed {
		return current != SessionIdle && current != SessionDone
	}
	co, no := sessionPhaseOrder(current), sessionPhaseOrder(next)
	return co != 0 && no != 0 && co < no
}

func (p SessionPhase) Terminal() bool {
	return p == SessionDone || p == SessionFailed
}

func sessionPhaseOrder(p SessionPhase) int {
	switch p {
	case SessionIdle:
		return 1
	case SessionCapturing:
		return 2
	case SessionDraining:
		return 3
	case SessionUploading:
		return 4
	case SessionNotifying:
		return 5
	case SessionDone, SessionFailed:
		return 6
	default:
		return 0
	}
}

package domain

import "testing"

func TestCanTransitionSessionPhase_Forward(t *testing.T) {
	sequence := []SessionPhase{
		SessionIdle, SessionCapturing, SessionDraining,
		SessionUploading, SessionNotifying, SessionDone,
	}
	for i := 0; i < len(sequence)-1; i++ {
		if !CanTransitionSessionPhase(sequence[i], sequence[i+1]) {
			t.Fatalf("transition %s -> %s rejected", sequence[i], sequence[i+1])
		}
	}
}

func TestCanTransitionSessionPhase_NoBackwardEdges(t *testing.T) {
	sequence := []SessionPhase{
		SessionIdle, SessionCapturing, SessionDraining,
		SessionUploading, SessionNotifying, SessionDone,
	}
	for i := 1; i < len(sequence); i++ {
		for j := 0; j < i; j++ {
			if CanTransitionSessionPhase(sequence[i], sequence[j]) {
				t.Fatalf("backward transition %s -> %s allowed", sequence[i], sequence[j])
			}
		}
	}
}

func TestCanTransitionSessionPhase_Failed(t *testing.T) {
	for _, from := range []SessionPhase{SessionCapturing, SessionDraining, SessionUploading, SessionNotifying} {
		if !CanTransitionSessionPhase(from, SessionFailed) {
			t.Fatalf("%s -> failed rejected", from)
		}
	}
	if CanTransitionSessionPhase(SessionIdle, SessionFailed) {
		t.Fatal("idle -> failed allowed")
	}
	if CanTransitionSessionPhase(SessionDone, SessionFailed) {
		t.Fatal("done -> failed allowed")
	}
}

func TestNormalizeSessionPhase(t *testing.T) {
	if got := NormalizeSessionPhase(" Capturing "); got != SessionCapturing {
		t.Fatalf("got %q", got)
	}
	if got := NormalizeSessionPhase("bogus"); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

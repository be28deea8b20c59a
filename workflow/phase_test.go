package workflow

import (
	"errors"
	"testing"
)

func TestParsePhase(t *testing.T) {
	for _, p := range AllPhases() {
		got, err := ParsePhase(string(p))
		if err != nil || got != p {
			t.Fatalf("ParsePhase(%s) = %s, %v", p, got, err)
		}
	}
	if _, err := ParsePhase("idle"); !errors.Is(err, ErrUnknownPhase) {
		t.Fatalf("phases are case sensitive, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseIdle, PhaseThinking, true},
		{PhaseIdle, PhaseCompleted, false},
		{PhaseThinking, PhaseGenerating, true},
		{PhaseGenerating, PhaseEditing, true},
		{PhaseGenerating, PhaseRendering, false},
		{PhaseEditing, PhaseRendering, true},
		{PhaseEditing, PhaseThinking, true},
		{PhaseRendering, PhaseCompleted, true},
		{PhaseCompleted, PhaseEditing, true},
		{PhaseFailed, PhaseThinking, true},
		{PhaseFailed, PhaseEditing, false},
		{PhaseRendering, PhaseIdle, true},
		{PhaseEditing, PhaseEditing, true},
		{Phase("X"), PhaseIdle, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTransitionPolicyString(t *testing.T) {
	if PolicyPermissive.String() != "permissive" || PolicyStrict.String() != "strict" {
		t.Fatal("unexpected policy names")
	}
}

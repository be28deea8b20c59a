package workflow

import (
	"errors"
	"fmt"
)

// Phase is one discrete stage of the content-generation workflow.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhaseThinking   Phase = "THINKING"
	PhaseGenerating Phase = "GENERATING"
	PhaseEditing    Phase = "EDITING"
	PhaseRendering  Phase = "RENDERING"
	PhaseCompleted  Phase = "COMPLETED"
	// FAILED: the job behind the session failed or was cancelled
	PhaseFailed Phase = "FAILED"
)

var (
	ErrUnknownPhase      = errors.New("unknown phase")
	ErrInvalidTransition = errors.New("invalid phase transition")
)

var allPhases = []Phase{
	PhaseIdle,
	PhaseThinking,
	PhaseGenerating,
	PhaseEditing,
	PhaseRendering,
	PhaseCompleted,
	PhaseFailed,
}

var phaseSet = func() map[Phase]struct{} {
	set := make(map[Phase]struct{}, len(allPhases))
	for _, p := range allPhases {
		set[p] = struct{}{}
	}
	return set
}()

// AllPhases returns every known phase in workflow order.
func AllPhases() []Phase {
	out := make([]Phase, len(allPhases))
	copy(out, allPhases)
	return out
}

// ParsePhase validates a raw phase value.
func ParsePhase(raw string) (Phase, error) {
	p := Phase(raw)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPhase, raw)
	}
	return p, nil
}

func (p Phase) Valid() bool {
	_, ok := phaseSet[p]
	return ok
}

// transitions lists the forward moves of the workflow. Resetting to IDLE and
// staying in the current phase are always legal and are not listed.
var transitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseThinking},
	PhaseThinking:   {PhaseGenerating, PhaseFailed},
	PhaseGenerating: {PhaseEditing, PhaseFailed},
	PhaseEditing:    {PhaseThinking, PhaseRendering, PhaseFailed},
	PhaseRendering:  {PhaseCompleted, PhaseFailed},
	PhaseCompleted:  {PhaseThinking, PhaseEditing},
	PhaseFailed:     {PhaseThinking},
}

// CanTransition reports whether from -> to is part of the workflow graph.
func CanTransition(from, to Phase) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to || to == PhaseIdle {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionPolicy decides what SetAppState does with a move outside the graph.
type TransitionPolicy int

const (
	// PolicyPermissive accepts the move and logs it.
	PolicyPermissive TransitionPolicy = iota
	// PolicyStrict rejects the move with ErrInvalidTransition.
	PolicyStrict
)

func (p TransitionPolicy) String() string {
	if p == PolicyStrict {
		return "strict"
	}
	return "permissive"
}

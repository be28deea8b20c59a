// Package timeline derives the player and timeline view of a session from its
// shot assets plus transient per-viewer player state.
package timeline

import (
	"errors"
	"fmt"
)

var ErrShotOutOfRange = errors.New("shot index out of range")

// Player is transient viewer state. It never touches the session store.
type Player struct {
	Playing    bool `json:"is_playing"`
	ActiveShot int  `json:"active_shot_index"`
}

func (p *Player) Play()   { p.Playing = true }
func (p *Player) Pause()  { p.Playing = false }
func (p *Player) Toggle() { p.Playing = !p.Playing }

// SkipBack moves to the previous shot, stopping at the first.
func (p *Player) SkipBack() {
	p.ActiveShot = max(0, p.ActiveShot-1)
}

// SkipForward moves to the next of n shots, stopping at the last. With no
// shots the index stays at 0.
func (p *Player) SkipForward(n int) {
	p.ActiveShot = min(max(n, 1)-1, p.ActiveShot+1)
}

// Select jumps to shot i of n.
func (p *Player) Select(i, n int) error {
	if i < 0 || i >= n {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrShotOutOfRange, i, n)
	}
	p.ActiveShot = i
	return nil
}

// Action is a player command as received from a client.
type Action string

const (
	ActionPlay   Action = "play"
	ActionPause  Action = "pause"
	ActionToggle Action = "toggle"
	ActionPrev   Action = "prev"
	ActionNext   Action = "next"
	ActionSelect Action = "select"
)

var ErrUnknownAction = errors.New("unknown player action")

// Apply runs action against a timeline of n shots. index is only used by
// ActionSelect.
func (p *Player) Apply(action Action, index, n int) error {
	switch action {
	case ActionPlay:
		p.Play()
	case ActionPause:
		p.Pause()
	case ActionToggle:
		p.Toggle()
	case ActionPrev:
		p.SkipBack()
	case ActionNext:
		p.SkipForward(n)
	case ActionSelect:
		return p.Select(index, n)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return nil
}

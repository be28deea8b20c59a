package workflow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"PrismVideo-server/logger"
	"PrismVideo-server/models"
)

// Role is the author of a transcript message.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

var ErrUnknownRole = errors.New("unknown message role")

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAI
}

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Field names the part of the state a change touched.
type Field string

const (
	FieldAppState     Field = "appState"
	FieldMessages     Field = "messages"
	FieldCurrentJobID Field = "currentJobId"
	FieldScript       Field = "script"
	FieldShotPlan     Field = "shotPlan"
	FieldShotAssets   Field = "shotAssets"
)

// State is a committed, deep-copied view of a session. A nil ShotPlan or
// ShotAssets means "not yet available" and encodes as JSON null.
type State struct {
	SessionID    string            `json:"session_id"`
	AppState     Phase             `json:"appState"`
	Messages     []Message         `json:"messages"`
	CurrentJobID *string           `json:"currentJobId"`
	Script       string            `json:"script"`
	ShotPlan     models.ShotPlan   `json:"shotPlan"`
	ShotAssets   models.ShotAssets `json:"shotAssets"`
	Version      uint64            `json:"version"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (s State) clone() State {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	if s.CurrentJobID != nil {
		id := *s.CurrentJobID
		out.CurrentJobID = &id
	}
	out.ShotPlan = s.ShotPlan.Clone()
	out.ShotAssets = s.ShotAssets.Clone()
	return out
}

// JobID returns the current job id or "" when none is active.
func (s State) JobID() string {
	if s.CurrentJobID == nil {
		return ""
	}
	return *s.CurrentJobID
}

// Change is published after every committed mutation.
type Change struct {
	SessionID string `json:"session_id"`
	Field     Field  `json:"field"`
	State     State  `json:"state"`
}

type Options struct {
	Policy TransitionPolicy
	// MaxMessages caps the transcript; 0 keeps every message.
	MaxMessages int
	Greeting    string
	Logger      *logger.Logger
	Now         func() time.Time
}

// Store holds one session's workflow state. All mutation goes through its
// setters; each setter commits atomically and then notifies subscribers
// synchronously, in commit order, with a snapshot of the committed state.
//
// Handlers may read the store but must not call its setters synchronously.
type Store struct {
	mu    sync.RWMutex
	pubMu sync.Mutex
	state State

	bus         *Bus
	policy      TransitionPolicy
	maxMessages int
	log         *logger.Logger
	now         func() time.Time
}

func NewStore(id string, opts Options) *Store {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		bus:         NewBus(log),
		policy:      opts.Policy,
		maxMessages: opts.MaxMessages,
		log:         log.With("session_id", id),
		now:         now,
	}
	s.state = State{
		SessionID: id,
		AppState:  PhaseIdle,
		Messages:  []Message{},
		UpdatedAt: now(),
	}
	if opts.Greeting != "" {
		s.state.Messages = append(s.state.Messages, Message{Role: RoleAI, Content: opts.Greeting, CreatedAt: now()})
	}
	return s
}

func (s *Store) ID() string {
	return s.state.SessionID
}

// Snapshot returns a deep copy of the committed state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

func (s *Store) Subscribe(h Handler) string {
	return s.bus.Subscribe(h)
}

func (s *Store) Unsubscribe(id string) bool {
	return s.bus.Unsubscribe(id)
}

// commit applies mutate under the write lock. The publish lock is taken
// before the write lock is released so that notifications leave in the same
// order the mutations were committed.
func (s *Store) commit(field Field, mutate func(st *State) error) error {
	s.mu.Lock()
	if err := mutate(&s.state); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state.Version++
	s.state.UpdatedAt = s.now()
	change := Change{SessionID: s.state.SessionID, Field: field, State: s.state.clone()}
	s.pubMu.Lock()
	s.mu.Unlock()

	defer s.pubMu.Unlock()
	s.bus.Publish(change)
	return nil
}

// SetAppState overwrites the phase. Moves outside the workflow graph are
// logged under PolicyPermissive and rejected under PolicyStrict.
func (s *Store) SetAppState(p Phase) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownPhase, p)
	}
	return s.commit(FieldAppState, func(st *State) error {
		from := st.AppState
		if err := s.checkMove(from, p); err != nil {
			return err
		}
		if !CanTransition(from, p) {
			s.log.Warn("phase transition outside workflow graph", "from", from, "to", p)
		}
		st.AppState = p
		return nil
	})
}

// CheckAppState reports whether SetAppState(p) would currently be accepted,
// without changing anything. Callers use it before side effects that should
// not happen when the phase change is going to be rejected.
func (s *Store) CheckAppState(p Phase) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownPhase, p)
	}
	s.mu.RLock()
	from := s.state.AppState
	s.mu.RUnlock()
	return s.checkMove(from, p)
}

func (s *Store) checkMove(from, to Phase) error {
	if s.policy == PolicyStrict && !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// AddMessage appends to the transcript. With a retention cap the oldest
// messages are dropped once the cap is exceeded.
func (s *Store) AddMessage(role Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return s.commit(FieldMessages, func(st *State) error {
		st.Messages = append(st.Messages, Message{Role: role, Content: content, CreatedAt: s.now()})
		if s.maxMessages > 0 && len(st.Messages) > s.maxMessages {
			trimmed := make([]Message, s.maxMessages)
			copy(trimmed, st.Messages[len(st.Messages)-s.maxMessages:])
			st.Messages = trimmed
		}
		return nil
	})
}

// SetCurrentJobID overwrites the job reference; nil means no active job.
func (s *Store) SetCurrentJobID(id *string) error {
	var v *string
	if id != nil {
		cp := *id
		v = &cp
	}
	return s.commit(FieldCurrentJobID, func(st *State) error {
		st.CurrentJobID = v
		return nil
	})
}

func (s *Store) SetScript(text string) error {
	return s.commit(FieldScript, func(st *State) error {
		st.Script = text
		return nil
	})
}

func (s *Store) AppendScript(chunk string) error {
	return s.commit(FieldScript, func(st *State) error {
		st.Script += chunk
		return nil
	})
}

// SetShotPlan overwrites the plan; nil means not yet available.
func (s *Store) SetShotPlan(plan models.ShotPlan) error {
	plan = plan.Clone()
	return s.commit(FieldShotPlan, func(st *State) error {
		st.ShotPlan = plan
		return nil
	})
}

// SetShotAssets overwrites the assets; nil means not yet available.
func (s *Store) SetShotAssets(assets models.ShotAssets) error {
	assets = assets.Clone()
	return s.commit(FieldShotAssets, func(st *State) error {
		st.ShotAssets = assets
		return nil
	})
}

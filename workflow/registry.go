package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"PrismVideo-server/logger"
	"PrismVideo-server/timeline"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is a registry entry: the workflow store plus the viewer state
// that lives next to it.
type Session struct {
	*Store
	CreatedAt time.Time

	mu     sync.Mutex
	player timeline.Player
	// cancels the background job watch, if any
	stopWatch context.CancelFunc
}

func (s *Session) Player() timeline.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.player
}

// ApplyPlayer runs action against the player using the current shot count.
func (s *Session) ApplyPlayer(action timeline.Action, index int) (timeline.Player, error) {
	n := len(s.Snapshot().ShotAssets)
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.player
	// assets may have shrunk since the last action
	p.ActiveShot = min(max(p.ActiveShot, 0), max(n, 1)-1)
	if err := p.Apply(action, index, n); err != nil {
		return s.player, err
	}
	s.player = p
	return p, nil
}

// View renders the player and timeline for the current assets.
func (s *Session) View() timeline.View {
	return timeline.Render(s.Snapshot().ShotAssets, s.Player(), s.ID())
}

// Watch replaces the running background watch with a new one derived from
// parent and returns its context.
func (s *Session) Watch(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	prev := s.stopWatch
	s.stopWatch = cancel
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
	return ctx
}

func (s *Session) StopWatch() {
	s.mu.Lock()
	cancel := s.stopWatch
	s.stopWatch = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Registry owns every live session, keyed by id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	opts     Options
	hooks    []Handler
	log      *logger.Logger
}

func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		opts:     opts,
		log:      opts.Logger.With("component", "registry"),
	}
}

// OnChange registers a hook subscribed to every session created afterwards.
func (r *Registry) OnChange(h Handler) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

func (r *Registry) Create() *Session {
	id := uuid.NewString()
	now := time.Now()
	if r.opts.Now != nil {
		now = r.opts.Now()
	}
	sess := &Session{Store: NewStore(id, r.opts), CreatedAt: now}

	r.mu.Lock()
	for _, h := range r.hooks {
		sess.Subscribe(h)
	}
	r.sessions[id] = sess
	r.mu.Unlock()

	r.log.Info("session created", "session_id", id)
	return sess
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Delete drops the session and stops its watch.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	sess.StopWatch()
	r.log.Info("session deleted", "session_id", id)
	return nil
}

// List returns snapshots of every session, oldest first.
func (r *Registry) List() []State {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID() < sessions[j].ID()
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	out := make([]State, len(sessions))
	for i, s := range sessions {
		out[i] = s.Snapshot()
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

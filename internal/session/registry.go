package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/voicerelay/internal/machine"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrExists         = errors.New("session already exists")
	ErrHandleAttached = errors.New("session already has an upstream handle")
	ErrNotConnecting  = errors.New("session is not connecting")
)

// Session is one local-client conversation. Values returned by the Registry
// are copies; only the Registry mutates the stored entry.
type Session struct {
	ID               string
	State            machine.State
	ResponseInFlight bool
	Upstream         upstream.Handle
	StartedAt        time.Time
	LastActivityAt   time.Time
}

// Result is the outcome of one dispatched event.
type Result struct {
	From    machine.Phase
	State   machine.State
	Effects []machine.Effect
}

// Changed reports whether the event moved the session to another phase.
func (r Result) Changed() bool {
	return r.From != r.State.Phase
}

// Registry owns every live Session and is the only writer of the
// response-in-flight flag.
type Registry struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(Session)
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Registry{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

func (r *Registry) SetExpireHook(hook func(Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

func (r *Registry) Create(id string, initial machine.State) (Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:             id,
		State:          initial,
		StartedAt:      now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return Session{}, ErrExists
	}
	r.sessions[id] = s
	return clone(s), nil
}

func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return clone(s), nil
}

// Dispatch runs one state machine transition atomically for the session.
func (r *Registry) Dispatch(id string, ev machine.Event) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Result{}, ErrNotFound
	}
	from := s.State.Phase
	next, effects := machine.Transition(s.State, ev)
	s.State = next
	s.ResponseInFlight = next.InFlight()
	s.LastActivityAt = time.Now().UTC()
	return Result{From: from, State: next, Effects: effects}, nil
}

// Attach stores the handle of a just-opened connection.
func (r *Registry) Attach(id string, h upstream.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.State.Phase != machine.PhaseConnecting {
		return ErrNotConnecting
	}
	if s.Upstream != nil {
		return ErrHandleAttached
	}
	s.Upstream = h
	return nil
}

func (r *Registry) Upstream(id string) (upstream.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Upstream, nil
}

// ReleaseUpstream detaches and closes the session's handle, if any.
func (r *Registry) ReleaseUpstream(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	h := s.Upstream
	s.Upstream = nil
	r.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Close()
}

// Destroy closes any attached handle, then removes the entry.
func (r *Registry) Destroy(id string) error {
	closeErr := r.ReleaseUpstream(id)
	if errors.Is(closeErr, ErrNotFound) {
		return closeErr
	}
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	return closeErr
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if s.State.Phase != machine.PhaseClosed {
			count++
		}
	}
	return count
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) expireInactive() {
	now := time.Now().UTC()
	var expired []Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if now.Sub(s.LastActivityAt) < r.inactivityTimeout {
			continue
		}
		expired = append(expired, clone(s))
		delete(r.sessions, id)
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, s := range expired {
		if s.Upstream != nil {
			_ = s.Upstream.Close()
		}
		if hook != nil {
			hook(s)
		}
	}
}

func clone(s *Session) Session {
	c := *s
	if s.State.Pending != nil {
		c.State.Pending = append([][]byte(nil), s.State.Pending...)
	}
	return c
}

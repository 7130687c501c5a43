package roster

import (
	"log/slog"
	"sync"
)

// Registry is the session directory: it tracks every live session and maps
// bound identities to their sessions. One identity may have any number of
// concurrent sessions (multiple tabs or devices), and looking up an identity
// with no sessions is an ordinary empty result, not an error.
type Registry struct {
	log *slog.Logger

	mu         sync.Mutex
	all        map[*Session]struct{}
	byIdentity map[string]map[*Session]struct{}
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:        logger,
		all:        make(map[*Session]struct{}),
		byIdentity: make(map[string]map[*Session]struct{}),
	}
}

// Register adds a session to the directory. Sessions start unbound; they
// still receive broadcasts but cannot be addressed by identity.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	r.all[s] = struct{}{}
	r.mu.Unlock()
}

// Deregister removes a session entirely, unbinding it first if needed.
func (r *Registry) Deregister(s *Session) {
	r.mu.Lock()
	r.unbindLocked(s)
	delete(r.all, s)
	r.mu.Unlock()
}

// Bind associates a session with an identity. Rebinding moves the session to
// the new identity; binding the same identity again is a no-op. The previous
// binding always loses.
func (r *Registry) Bind(s *Session, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.all[s]; !ok {
		return
	}
	if prev := s.Identity(); prev == identity {
		return
	}

	r.unbindLocked(s)
	s.setIdentity(identity)
	set, ok := r.byIdentity[identity]
	if !ok {
		set = make(map[*Session]struct{})
		r.byIdentity[identity] = set
	}
	set[s] = struct{}{}

	r.log.Debug("identity bound", "identity", identity, "session", s.ID(), "sessions_for_identity", len(set))
}

// Unbind detaches a session from its identity without removing it.
func (r *Registry) Unbind(s *Session) {
	r.mu.Lock()
	r.unbindLocked(s)
	r.mu.Unlock()
}

func (r *Registry) unbindLocked(s *Session) {
	identity := s.Identity()
	if identity == "" {
		return
	}
	if set, ok := r.byIdentity[identity]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.byIdentity, identity)
		}
	}
	s.setIdentity("")
}

// SessionsFor returns a snapshot of the sessions bound to identity. The
// result may be empty; it is never shared with the registry's internal state.
func (r *Registry) SessionsFor(identity string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byIdentity[identity]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Broadcast enqueues data to every live session, bound or not, and returns
// how many sessions accepted it.
func (r *Registry) Broadcast(data []byte) int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.all))
	for s := range r.all {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	delivered := 0
	for _, s := range sessions {
		if s.Enqueue(data) {
			delivered++
		}
	}
	return delivered
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.all)
}

// CloseAll closes every session, used during server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.all))
	for s := range r.all {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

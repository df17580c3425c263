package session

import (
	"sort"
	"sync"

	"github.com/AjaxZhan/devspace/pkg/types"
)

// Registry is the process-wide directory of live sessions, indexed by
// connection id and by session id. It also owns the global and per-user
// session counts, which include reservations for sessions still being
// provisioned.
type Registry struct {
	mu      sync.RWMutex
	byConn  map[string]*Session
	byID    map[string]*Session
	perUser map[string]int
	total   int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn:  make(map[string]*Session),
		byID:    make(map[string]*Session),
		perUser: make(map[string]int),
	}
}

// Reserve claims a session slot for user. Zero limits mean unlimited.
// A successful Reserve must be followed by Insert or Release.
func (r *Registry) Reserve(user string, maxTotal, maxPerUser int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxTotal > 0 && r.total >= maxTotal {
		return types.ErrQuotaExceeded
	}
	if maxPerUser > 0 && r.perUser[user] >= maxPerUser {
		return types.ErrQuotaExceeded
	}
	r.total++
	r.perUser[user]++
	return nil
}

// Release gives back a slot whose session never got registered.
func (r *Registry) Release(user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(user)
}

func (r *Registry) releaseLocked(user string) {
	if r.total > 0 {
		r.total--
	}
	if c := r.perUser[user]; c <= 1 {
		delete(r.perUser, user)
	} else {
		r.perUser[user] = c - 1
	}
}

// Insert registers a session on a reserved slot, bound to connID.
func (r *Registry) Insert(s *Session, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.id] = s
	if connID != "" {
		r.byConn[connID] = s
	}
}

// ByConn returns the session bound to a connection.
func (r *Registry) ByConn(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[connID]
	return s, ok
}

// ByID returns the session with the given id.
func (r *Registry) ByID(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	return s, ok
}

// Rebind moves the connection index of s from oldConn to newConn.
func (r *Registry) Rebind(s *Session, oldConn, newConn string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byConn[oldConn]; ok && cur == s {
		delete(r.byConn, oldConn)
	}
	r.byConn[newConn] = s
}

// Unbind drops the connection index of s, leaving the session registered.
func (r *Registry) Unbind(s *Session, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byConn[connID]; ok && cur == s {
		delete(r.byConn, connID)
	}
}

// Remove deletes s and frees its slot. It reports whether s was present,
// so concurrent callers remove it exactly once.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byID[s.id]; !ok || cur != s {
		return false
	}
	delete(r.byID, s.id)
	for conn, cur := range r.byConn {
		if cur == s {
			delete(r.byConn, conn)
		}
	}
	r.releaseLocked(s.user)
	return true
}

// All returns a snapshot of the registered sessions, ordered by id.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// UserCount returns the slots held by user, reservations included.
func (r *Registry) UserCount(user string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perUser[user]
}

// Users returns the users holding at least one slot.
func (r *Registry) Users() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.perUser))
	for u := range r.perUser {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

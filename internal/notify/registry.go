package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridcredit/accounting/internal/metrics"
)

// ConnectedSession describes a live provider session.
type ConnectedSession struct {
	ID          uuid.UUID
	ProviderID  string
	RemoteAddr  string
	ConnectedAt time.Time
}

// Registry tracks connected provider sessions for readiness reporting.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*ConnectedSession
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*ConnectedSession),
	}
}

// Register adds a session. Returns false if a session with the same ID is already connected.
func (r *Registry) Register(s *ConnectedSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return false
	}
	r.sessions[s.ID] = s
	metrics.ProviderSessionsConnected.Set(float64(len(r.sessions)))
	return true
}

func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	metrics.ProviderSessionsConnected.Set(float64(len(r.sessions)))
}

func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Providers returns the distinct providers with at least one live session.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.sessions))
	out := make([]string, 0, len(r.sessions))
	for _, s := range r.sessions {
		if _, ok := seen[s.ProviderID]; ok {
			continue
		}
		seen[s.ProviderID] = struct{}{}
		out = append(out, s.ProviderID)
	}
	sort.Strings(out)
	return out
}

// Get returns a session by ID, or nil if not found.
func (r *Registry) Get(id uuid.UUID) *ConnectedSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

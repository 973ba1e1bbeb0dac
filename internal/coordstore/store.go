// Package coordstore is the shared coordination store for sessions. Any
// instance can read the sessions another instance admitted, which is what
// lets a surviving instance take over after a failover.
package coordstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Session is the persisted state of one editing session.
type Session struct {
	ID            string            `json:"session_id"`
	UserID        string            `json:"user_id"`
	DocumentID    string            `json:"document_id"`
	Roles         []string          `json:"roles,omitempty"`
	Presence      map[string]string `json:"presence_metadata,omitempty"`
	Instance      string            `json:"instance,omitempty"`
	JoinedAt      time.Time         `json:"joined_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// ExpiresAt is when the session is evicted without another heartbeat.
func (s Session) ExpiresAt(expiry time.Duration) time.Time {
	return s.LastHeartbeat.Add(expiry)
}

// Store persists sessions. Writes are per session and never block each
// other across sessions of the same document.
type Store interface {
	// Put creates or replaces a session. ttl is a garbage-collection bound
	// for backends that support it; eviction itself is decided by the
	// coordinator.
	Put(ctx context.Context, s Session, ttl time.Duration) error
	// Refresh replaces a session only while it still exists and reports
	// whether it did. A session deleted concurrently stays deleted.
	Refresh(ctx context.Context, s Session, ttl time.Duration) (bool, error)
	Get(ctx context.Context, sessionID string) (Session, bool, error)
	Delete(ctx context.Context, documentID, sessionID string) error
	// List returns the sessions of a document ordered by session id.
	List(ctx context.Context, documentID string) ([]Session, error)
	Close() error
}

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Put(_ context.Context, s Session, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = clone(s)
	return nil
}

func (m *MemoryStore) Refresh(_ context.Context, s Session, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return false, nil
	}
	m.sessions[s.ID] = clone(s)
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return clone(s), ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, _ string, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) List(_ context.Context, documentID string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.DocumentID == documentID {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func clone(s Session) Session {
	if s.Roles != nil {
		s.Roles = append([]string(nil), s.Roles...)
	}
	if s.Presence != nil {
		p := make(map[string]string, len(s.Presence))
		for k, v := range s.Presence {
			p[k] = v
		}
		s.Presence = p
	}
	return s
}

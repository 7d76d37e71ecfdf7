package session

import (
	"strings"
	"sync"
	"time"

	"lenslate/pkg/media"
)

// Session is the most recently ingested image for one conversation.
//
// Data is owned by the store and must be treated as read-only by callers.
type Session struct {
	ConversationID string
	Data           []byte
	MediaType      media.Type
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store keeps at most one session per conversation for the lifetime of the process.
type Store struct {
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Put replaces the session for conversationID with a copy of data.
//
// The new value is fully built before it is published, so a concurrent Get sees
// either the previous session or the new one, never a mix.
func (s *Store) Put(conversationID string, data []byte, mediaType media.Type) Session {
	key := strings.TrimSpace(conversationID)
	now := s.now().UTC()

	next := &Session{
		ConversationID: key,
		Data:           append([]byte(nil), data...),
		MediaType:      mediaType,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.mu.Lock()
	if previous, ok := s.sessions[key]; ok {
		next.CreatedAt = previous.CreatedAt
	}
	s.sessions[key] = next
	s.mu.Unlock()

	return *next
}

// Get returns the current session for conversationID.
func (s *Store) Get(conversationID string) (Session, bool) {
	s.mu.RLock()
	current, ok := s.sessions[strings.TrimSpace(conversationID)]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}

	return *current, true
}

// Len reports how many conversations currently hold a session.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close drops every session. The store stays usable afterwards but starts empty.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.sessions)
}

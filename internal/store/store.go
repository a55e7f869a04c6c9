package store

import (
	"sort"
	"sync"
)

// Store is the persistence abstraction for session state.
// The Repository serializes access; implementations need only be safe for
// that single caller. InMemoryStore and SQLiteStore are provided.
type Store interface {
	// GetSession returns a copy of the session, or ok=false if unknown.
	GetSession(id CompetitionID) (s *SessionState, ok bool, err error)
	// SaveSession upserts the session row. Chunks are saved separately.
	SaveSession(s *SessionState) error
	// SaveChunk records a chunk; an existing sequence number is left untouched.
	SaveChunk(id CompetitionID, c Chunk) error
	ListSessionIDs() ([]CompetitionID, error)
	Close() error
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[CompetitionID]*SessionState
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[CompetitionID]*SessionState),
	}
}

// GetSession implements Store.GetSession.
func (s *InMemoryStore) GetSession(id CompetitionID) (*SessionState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, false, nil
	}
	return st.clone(), true, nil
}

// SaveSession implements Store.SaveSession.
func (s *InMemoryStore) SaveSession(st *SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := st.clone()
	if prev, ok := s.sessions[st.ID]; ok {
		cp.Chunks = prev.Chunks
	} else {
		cp.Chunks = make(map[uint64]Chunk)
	}
	s.sessions[st.ID] = cp
	return nil
}

// SaveChunk implements Store.SaveChunk.
func (s *InMemoryStore) SaveChunk(id CompetitionID, c Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		st = &SessionState{ID: id, Chunks: make(map[uint64]Chunk)}
		s.sessions[id] = st
	}
	if _, exists := st.Chunks[c.Sequence]; !exists {
		st.Chunks[c.Sequence] = c
	}
	return nil
}

// ListSessionIDs implements Store.ListSessionIDs.
func (s *InMemoryStore) ListSessionIDs() ([]CompetitionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]CompetitionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close implements Store.Close.
func (s *InMemoryStore) Close() error { return nil }

package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"chunkcast/internal/media"
)

// Repository defines the concurrency-safe contract for reading and
// mutating session state.
type Repository interface {
	// RegisterChunk records a chunk. The first chunk creates the session and
	// binds it to producerID and the chunk's extension. Duplicate sequence
	// numbers are ignored (created=false) and do not corrupt state.
	RegisterChunk(id CompetitionID, producerID string, c Chunk) (created bool, err error)

	// Snapshot returns the session with its chunks sorted by sequence.
	// ok is false if the session does not exist.
	Snapshot(id CompetitionID) (snap Snapshot, ok bool, err error)

	// Finalize marks the session finalized. It transitions exactly once;
	// later calls return ErrAlreadyFinalized.
	Finalize(id CompetitionID) error

	// SetFinalKey records the blob key of the assembled video.
	SetFinalKey(id CompetitionID, key string) error

	// ActiveSessionCount returns the number of sessions not finalized.
	// Used for metrics.
	ActiveSessionCount() int
}

var (
	// ErrSessionFinalized is returned when a chunk arrives for a finalized session.
	ErrSessionFinalized = errors.New("session is finalized")
	// ErrAlreadyFinalized is returned by a second Finalize.
	ErrAlreadyFinalized = errors.New("session already finalized")
	// ErrSessionNotFound is returned for unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrProducerConflict is returned when a second producer uploads into a
	// session already claimed by another.
	ErrProducerConflict = errors.New("session belongs to another producer")
	// ErrExtensionMismatch is returned when a chunk's container differs from
	// the session's.
	ErrExtensionMismatch = errors.New("chunk extension does not match session")
)

// Snapshot is an immutable copy of a session.
type Snapshot struct {
	ID         CompetitionID
	ProducerID string
	Extension  media.Extension
	Chunks     []Chunk
	Finalized  bool
	FinalKey   string
}

// Highest returns the largest stored sequence number, 0 if none.
func (s Snapshot) Highest() uint64 {
	if len(s.Chunks) == 0 {
		return 0
	}
	return s.Chunks[len(s.Chunks)-1].Sequence
}

// Missing returns the sequence numbers between 1 and Highest that were
// never stored.
func (s Snapshot) Missing() []uint64 {
	var out []uint64
	next := uint64(1)
	for _, c := range s.Chunks {
		for ; next < c.Sequence; next++ {
			out = append(out, next)
		}
		next = c.Sequence + 1
	}
	return out
}

// SessionRepository is a concurrency-safe Repository on top of a Store.
type SessionRepository struct {
	mu    sync.RWMutex
	store Store
	now   func() time.Time
}

// NewInMemoryRepository constructs a repository with an in-memory store.
func NewInMemoryRepository() *SessionRepository {
	return NewRepository(NewInMemoryStore())
}

// NewRepository constructs a repository that uses the given Store.
func NewRepository(store Store) *SessionRepository {
	return &SessionRepository{store: store, now: time.Now}
}

// RegisterChunk implements Repository.RegisterChunk.
func (r *SessionRepository) RegisterChunk(id CompetitionID, producerID string, c Chunk) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok, err := r.store.GetSession(id)
	if err != nil {
		return false, err
	}
	if !ok {
		st = &SessionState{
			ID:         id,
			ProducerID: producerID,
			Extension:  c.Extension,
			CreatedAt:  r.now().UTC(),
		}
		if err := r.store.SaveSession(st); err != nil {
			return false, err
		}
	}

	if st.Finalized {
		return false, ErrSessionFinalized
	}
	if st.ProducerID != "" && producerID != "" && st.ProducerID != producerID {
		return false, ErrProducerConflict
	}
	if st.Extension != "" && c.Extension != st.Extension {
		return false, ErrExtensionMismatch
	}

	// Ignore duplicate sequence numbers to avoid corrupting state.
	if _, exists := st.Chunks[c.Sequence]; exists {
		return false, nil
	}

	c.ReceivedAt = r.now().UTC()
	if err := r.store.SaveChunk(id, c); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot implements Repository.Snapshot.
func (r *SessionRepository) Snapshot(id CompetitionID) (Snapshot, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok, err := r.store.GetSession(id)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}

	chunks := make([]Chunk, 0, len(st.Chunks))
	for _, c := range st.Chunks {
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Sequence < chunks[j].Sequence })

	return Snapshot{
		ID:         st.ID,
		ProducerID: st.ProducerID,
		Extension:  st.Extension,
		Chunks:     chunks,
		Finalized:  st.Finalized,
		FinalKey:   st.FinalKey,
	}, true, nil
}

// Finalize implements Repository.Finalize.
func (r *SessionRepository) Finalize(id CompetitionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok, err := r.store.GetSession(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionNotFound
	}
	if st.Finalized {
		return ErrAlreadyFinalized
	}
	st.Finalized = true
	return r.store.SaveSession(st)
}

// SetFinalKey implements Repository.SetFinalKey.
func (r *SessionRepository) SetFinalKey(id CompetitionID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok, err := r.store.GetSession(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionNotFound
	}
	st.FinalKey = key
	return r.store.SaveSession(st)
}

// ActiveSessionCount implements Repository.ActiveSessionCount.
func (r *SessionRepository) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, err := r.store.ListSessionIDs()
	if err != nil {
		return 0
	}
	n := 0
	for _, id := range ids {
		if st, ok, err := r.store.GetSession(id); err == nil && ok && !st.Finalized {
			n++
		}
	}
	return n
}

// Package session holds the per-competition producer state shared by the
// transport and the compositor. One Session is created per competition and
// passed by pointer; nothing in it is global.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"chunkcast/internal/media"

	"github.com/google/uuid"
)

// Session is one producer's recording of a competition.
type Session struct {
	CompetitionID string
	// ProducerID identifies this recorder to the store, which lets only one
	// producer own a competition's chunk sequence.
	ProducerID string

	mu             sync.RWMutex
	extension      media.Extension
	localBaseline  time.Time
	serverBaseline time.Time
	synced         bool

	finalized atomic.Bool
}

// New returns a session for competitionID with a fresh producer id.
func New(competitionID string) *Session {
	return &Session{
		CompetitionID: competitionID,
		ProducerID:    uuid.NewString(),
	}
}

// SetExtension records the container chosen for the recording.
func (s *Session) SetExtension(ext media.Extension) {
	s.mu.Lock()
	s.extension = ext
	s.mu.Unlock()
}

// Extension returns the recording container, empty before recording starts.
func (s *Session) Extension() media.Extension {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.extension
}

// SetClock stores the clock baselines taken at the time-sync handshake.
// Passing equal times records a degraded sync with zero offset.
func (s *Session) SetClock(local, server time.Time) {
	s.mu.Lock()
	s.localBaseline = local
	s.serverBaseline = server
	s.synced = true
	s.mu.Unlock()
}

// Baselines returns the local and server baselines and whether a sync ran.
func (s *Session) Baselines() (local, server time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localBaseline, s.serverBaseline, s.synced
}

// Offset is local minus server time at the sync handshake.
func (s *Session) Offset() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.synced {
		return 0
	}
	return s.localBaseline.Sub(s.serverBaseline)
}

// ServerTime maps a producer-clock instant onto the store clock.
func (s *Session) ServerTime(local time.Time) time.Time {
	return local.Add(-s.Offset())
}

// MarkFinalized flips the session to finalized. It returns true only for the
// call that performed the transition.
func (s *Session) MarkFinalized() bool {
	return s.finalized.CompareAndSwap(false, true)
}

// Finalized reports whether the session has been finalized.
func (s *Session) Finalized() bool {
	return s.finalized.Load()
}

package store

import (
	"time"

	"chunkcast/internal/media"
)

// CompetitionID identifies one recorded session.
type CompetitionID string

// Chunk is one stored segment of a session.
type Chunk struct {
	Sequence  uint64
	Extension media.Extension
	// OffsetMs is the producer's clock offset (local - store) at upload.
	OffsetMs int64
	// ProducedAt is the store-clock time the producer recorded the chunk,
	// zero when not sent.
	ProducedAt time.Time
	// Duration is probed from the container; zero when unknown.
	Duration time.Duration
	Size     int64
	BlobKey  string

	// Metadata managed by the store.
	ReceivedAt time.Time
}

// SessionState is everything the store keeps about a session.
type SessionState struct {
	ID CompetitionID
	// ProducerID is the producer that claimed the session with its first chunk.
	ProducerID string
	Extension  media.Extension
	Chunks     map[uint64]Chunk
	Finalized  bool
	// FinalKey is the blob key of the assembled video, empty until assembled.
	FinalKey  string
	CreatedAt time.Time
}

func (s *SessionState) clone() *SessionState {
	out := *s
	out.Chunks = make(map[uint64]Chunk, len(s.Chunks))
	for k, v := range s.Chunks {
		out.Chunks[k] = v
	}
	return &out
}

// Package manifest is the consumer's view of which segments of a session
// exist in the chunk store and whether the session is finalized.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"chunkcast/internal/api"
	"chunkcast/internal/media"
)

// ErrChunkNotFound is returned by Fetch when the store has no such segment.
var ErrChunkNotFound = errors.New("chunk not found")

// ErrSequenceOutOfRange is returned for a manifest naming a sequence above
// MaxSequence.
var ErrSequenceOutOfRange = errors.New("manifest sequence out of range")

// MaxSequence is the highest sequence number a manifest may name.
const MaxSequence = api.MaxSequence

// Entry is one sequence number and whether the store holds it.
type Entry struct {
	Sequence  uint64
	Available bool
}

// Manifest is a snapshot of a session. Entries span 1..Highest in order,
// with gaps marked unavailable.
type Manifest struct {
	CompetitionID string
	Extension     media.Extension
	Highest       uint64
	Entries       []Entry
	Finalized     bool
}

// Has reports whether segment seq is available.
func (m Manifest) Has(seq uint64) bool {
	if seq == 0 || seq > uint64(len(m.Entries)) {
		return false
	}
	return m.Entries[seq-1].Available
}

// Available returns the available sequence numbers in order.
func (m Manifest) Available() []uint64 {
	out := make([]uint64, 0, len(m.Entries))
	for _, e := range m.Entries {
		if e.Available {
			out = append(out, e.Sequence)
		}
	}
	return out
}

// Empty reports whether no segment is available yet.
func (m Manifest) Empty() bool {
	for _, e := range m.Entries {
		if e.Available {
			return false
		}
	}
	return true
}

// FromResponse builds a Manifest from the store's wire shape. A sequence
// above MaxSequence yields ErrSequenceOutOfRange.
func FromResponse(r api.ManifestResponse) (Manifest, error) {
	avail := append([]uint64(nil), r.Available...)
	sort.Slice(avail, func(i, j int) bool { return avail[i] < avail[j] })

	highest := r.HighestSequence
	if n := len(avail); n > 0 && avail[n-1] > highest {
		highest = avail[n-1]
	}
	if highest > MaxSequence {
		return Manifest{}, fmt.Errorf("%w: %d > %d", ErrSequenceOutOfRange, highest, MaxSequence)
	}
	entries := make([]Entry, highest)
	for i := range entries {
		entries[i].Sequence = uint64(i + 1)
	}
	for _, seq := range avail {
		if seq > 0 {
			entries[seq-1].Available = true
		}
	}

	ext, _ := media.ParseExtension(r.Extension)
	return Manifest{
		CompetitionID: r.CompetitionID,
		Extension:     ext,
		Highest:       highest,
		Entries:       entries,
		Finalized:     r.Finalized,
	}, nil
}

// Prober returns the current manifest of a session. It never mutates the
// store and may return the same snapshot on repeated calls.
type Prober interface {
	Probe(ctx context.Context, competitionID string) (Manifest, error)
}

// Fetcher downloads one segment.
type Fetcher interface {
	Fetch(ctx context.Context, competitionID string, seq uint64) ([]byte, error)
}

// ProbeError is a failed manifest probe. Callers keep their previous
// snapshot and try again on the next poll.
type ProbeError struct {
	StatusCode int
	Err        error
}

func (e *ProbeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("manifest probe failed (status %d): %v", e.StatusCode, e.Err)
	}
	return "manifest probe failed: " + e.Err.Error()
}

func (e *ProbeError) Unwrap() error { return e.Err }

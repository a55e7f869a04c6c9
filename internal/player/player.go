// Package player reconstructs a recorded session on the consumer side:
// double-buffered near-live playback while the session is being recorded
// and seekable playback plus export once it is finalized.
package player

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyStarted is returned by Start on a running player.
	ErrAlreadyStarted = errors.New("player already started")
	// ErrDestroyed is returned by every operation after Destroy.
	ErrDestroyed = errors.New("player destroyed")
	// ErrNotFinalized means VOD playback was requested for a live session.
	ErrNotFinalized = errors.New("session not finalized")
	// ErrNotStarted is returned by VOD operations before Start.
	ErrNotStarted = errors.New("player not started")
	// ErrSeekOutOfRange is returned for targets outside [0, total duration).
	ErrSeekOutOfRange = errors.New("seek target out of range")
	// ErrSegmentUnavailable means the seek target lies in a missing or
	// undecodable segment.
	ErrSegmentUnavailable = errors.New("segment unavailable")
	// ErrNoSegments means a finalized session holds nothing playable.
	ErrNoSegments = errors.New("session has no playable segments")
	// ErrAlreadyMP4 is returned by DownloadAsMP4 when no conversion applies.
	ErrAlreadyMP4 = errors.New("recording is already mp4")
)

// DecodeError is a segment that could not be fetched or decoded.
type DecodeError struct {
	Sequence uint64
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("segment %d: %v", e.Sequence, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Mode says how the cursor got to its position.
type Mode string

const (
	ModeLiveTail Mode = "live-tail"
	ModeSeek     Mode = "seek"
	ModeVod      Mode = "vod"
)

// Cursor is the playback position owned by the active player.
type Cursor struct {
	// CurrentIndex is the sequence number on screen, 0 before the first.
	CurrentIndex uint64
	Mode         Mode
	Elapsed      time.Duration
}

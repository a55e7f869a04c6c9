package player

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"chunkcast/internal/media"
	"chunkcast/internal/platform/logger"
)

// Slot is one playback surface, the equivalent of a video element. The
// live player owns two and swaps their visibility; the VOD player uses one.
type Slot interface {
	// Load prepares seg for playback. An error means it cannot be decoded.
	Load(ctx context.Context, seg media.Segment) error
	// Play starts the loaded segment at offset. The returned channel is
	// closed when playback reaches the segment's natural end.
	Play(offset time.Duration) <-chan struct{}
	Show()
	Hide()
	// Release stops playback and drops the loaded segment.
	Release()
}

// ClockSlot plays a segment for its probed duration on the wall clock and,
// while visible, writes the segment bytes to a sink such as a file or an
// external player's stdin.
type ClockSlot struct {
	sink     io.Writer
	fallback time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	seg     media.Segment
	dur     time.Duration
	visible bool
	timer   *time.Timer
	done    chan struct{}
}

// NewClockSlot returns a ClockSlot. sink may be nil; fallback is the
// playback length used when a segment carries no duration.
func NewClockSlot(sink io.Writer, fallback time.Duration, log *slog.Logger) *ClockSlot {
	return &ClockSlot{sink: sink, fallback: fallback, log: logger.OrDefault(log)}
}

// NewClockSlotPair returns two slots sharing one sink, as the live player
// expects. The sink must be safe for sequential writes from either slot.
func NewClockSlotPair(sink io.Writer, fallback time.Duration, log *slog.Logger) [2]Slot {
	return [2]Slot{NewClockSlot(sink, fallback, log), NewClockSlot(sink, fallback, log)}
}

func (s *ClockSlot) Load(ctx context.Context, seg media.Segment) error {
	if len(seg.Data) == 0 {
		return errors.New("empty segment")
	}
	ext := seg.Extension
	if ext == "" {
		ext = media.DetectExtension(seg.Data)
	}
	dur, err := media.ProbeDuration(ext, seg.Data)
	switch {
	case err == nil:
	case errors.Is(err, media.ErrUnknownDuration):
		dur = s.fallback
	default:
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.seg, s.dur = seg, dur
	return nil
}

func (s *ClockSlot) Play(offset time.Duration) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	done := make(chan struct{})
	s.done = done
	if s.visible && s.sink != nil {
		if _, err := s.sink.Write(s.seg.Data); err != nil {
			s.log.Warn("slot sink write failed",
				slog.Uint64("sequence", s.seg.Sequence),
				slog.String("error", err.Error()))
		}
	}
	remaining := s.dur - offset
	if remaining < 0 {
		remaining = 0
	}
	s.timer = time.AfterFunc(remaining, func() { close(done) })
	return done
}

func (s *ClockSlot) Show() {
	s.mu.Lock()
	s.visible = true
	s.mu.Unlock()
}

func (s *ClockSlot) Hide() {
	s.mu.Lock()
	s.visible = false
	s.mu.Unlock()
}

func (s *ClockSlot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.seg, s.dur = media.Segment{}, 0
}

// stopLocked cancels a pending end-of-playback timer. The abandoned done
// channel is never closed. Caller must hold s.mu.
func (s *ClockSlot) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.done = nil
}

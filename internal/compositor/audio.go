package compositor

import (
	"errors"
	"fmt"
	"math"
)

// AudioTrack is one mono PCM stream at the recording sample rate.
type AudioTrack interface {
	// ReadPCM fills buf and returns the number of samples written. Short
	// reads are padded with silence by the mixer.
	ReadPCM(buf []int16) (int, error)
}

// AudioMixer merges N tracks into one.
type AudioMixer interface {
	// Mix returns n mixed samples. A non-nil error with a non-nil slice means
	// some tracks were silent for this block.
	Mix(n int) ([]int16, error)
}

// ErrNoAudioTracks is returned when a mixer is built with nothing to mix.
var ErrNoAudioTracks = errors.New("no audio tracks to mix")

// PCMMixer sums tracks sample by sample with saturation.
type PCMMixer struct {
	tracks []AudioTrack
	acc    []int32
	buf    []int16
}

// NewPCMMixer returns a mixer over tracks; nil tracks are skipped.
func NewPCMMixer(tracks []AudioTrack) (AudioMixer, error) {
	m := &PCMMixer{}
	for _, t := range tracks {
		if t != nil {
			m.tracks = append(m.tracks, t)
		}
	}
	if len(m.tracks) == 0 {
		return nil, ErrNoAudioTracks
	}
	return m, nil
}

// Mix implements AudioMixer.
func (m *PCMMixer) Mix(n int) ([]int16, error) {
	if n <= 0 {
		return nil, nil
	}
	if cap(m.acc) < n {
		m.acc = make([]int32, n)
		m.buf = make([]int16, n)
	}
	acc := m.acc[:n]
	for i := range acc {
		acc[i] = 0
	}

	var errs []error
	for i, t := range m.tracks {
		buf := m.buf[:n]
		got, err := t.ReadPCM(buf)
		if err != nil {
			errs = append(errs, fmt.Errorf("track %d: %w", i, err))
		}
		if got > n {
			got = n
		}
		for j := 0; j < got; j++ {
			acc[j] += int32(buf[j])
		}
	}

	out := make([]int16, n)
	for i, v := range acc {
		switch {
		case v > math.MaxInt16:
			out[i] = math.MaxInt16
		case v < math.MinInt16:
			out[i] = math.MinInt16
		default:
			out[i] = int16(v)
		}
	}
	return out, errors.Join(errs...)
}

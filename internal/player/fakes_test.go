package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chunkcast/internal/api"
	"chunkcast/internal/manifest"
	"chunkcast/internal/media"
)

type fakeProber struct {
	mu     sync.Mutex
	m      manifest.Manifest
	err    error
	probes int
}

func (f *fakeProber) Probe(ctx context.Context, id string) (manifest.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.err != nil {
		return manifest.Manifest{}, f.err
	}
	return f.m, nil
}

func (f *fakeProber) set(ext string, highest uint64, finalized bool, avail ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := manifest.FromResponse(api.ManifestResponse{
		CompetitionID:   "c1",
		Extension:       ext,
		HighestSequence: highest,
		Available:       avail,
		Finalized:       finalized,
	})
	if err != nil {
		panic(err)
	}
	f.m = m
}

func (f *fakeProber) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeProber) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

type fakeFetcher struct {
	mu      sync.Mutex
	data    map[uint64][]byte
	gates   map[uint64]chan struct{}
	fetches []uint64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{data: make(map[uint64][]byte), gates: make(map[uint64]chan struct{})}
}

func (f *fakeFetcher) Fetch(ctx context.Context, id string, seq uint64) ([]byte, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, seq)
	gate := f.gates[seq]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[seq]
	if !ok {
		return nil, manifest.ErrChunkNotFound
	}
	return data, nil
}

func (f *fakeFetcher) put(seq uint64, data string) {
	f.mu.Lock()
	f.data[seq] = []byte(data)
	f.mu.Unlock()
}

func (f *fakeFetcher) fetched() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.fetches...)
}

// playback records what the slots played and flags overlapping playback.
type playback struct {
	mu      sync.Mutex
	length  time.Duration
	played  []uint64
	offsets []time.Duration
	active  bool
	overlap bool
	hidden  bool
	failing map[uint64]int
}

func newPlayback(length time.Duration) *playback {
	return &playback{length: length, failing: make(map[uint64]int)}
}

func (pb *playback) slots() [2]Slot {
	return [2]Slot{&fakeSlot{pb: pb}, &fakeSlot{pb: pb}}
}

func (pb *playback) order() []uint64 {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return append([]uint64(nil), pb.played...)
}

type fakeSlot struct {
	pb       *playback
	seq      uint64
	visible  bool
	released bool
}

func (s *fakeSlot) Load(ctx context.Context, seg media.Segment) error {
	s.pb.mu.Lock()
	defer s.pb.mu.Unlock()
	if n := s.pb.failing[seg.Sequence]; n > 0 {
		s.pb.failing[seg.Sequence] = n - 1
		return errors.New("decode failed")
	}
	s.seq = seg.Sequence
	s.released = false
	return nil
}

func (s *fakeSlot) Play(offset time.Duration) <-chan struct{} {
	pb := s.pb
	pb.mu.Lock()
	if pb.active {
		pb.overlap = true
	}
	if !s.visible {
		pb.hidden = true
	}
	pb.active = true
	pb.played = append(pb.played, s.seq)
	pb.offsets = append(pb.offsets, offset)
	pb.mu.Unlock()

	done := make(chan struct{})
	time.AfterFunc(pb.length, func() {
		pb.mu.Lock()
		pb.active = false
		pb.mu.Unlock()
		close(done)
	})
	return done
}

func (s *fakeSlot) Show()    { s.visible = true }
func (s *fakeSlot) Hide()    { s.visible = false }
func (s *fakeSlot) Release() { s.released = true }

// fakeDuration reads "dur=<ms>" segments; "unknown" has no duration and
// anything else fails to decode.
func fakeDuration(ext media.Extension, data []byte) (time.Duration, error) {
	if string(data) == "unknown" {
		return 0, media.ErrUnknownDuration
	}
	var ms int
	if _, err := fmt.Sscanf(string(data), "dur=%d", &ms); err != nil {
		return 0, fmt.Errorf("corrupt segment %q", data)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func equalSeqs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

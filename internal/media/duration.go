package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/abema/go-mp4"
	"github.com/at-wat/ebml-go"
)

// ErrUnknownDuration is returned when a segment carries no usable timing.
var ErrUnknownDuration = errors.New("segment duration unknown")

// defaultTimecodeScale is the Matroska default: one timecode tick per millisecond.
const defaultTimecodeScale = 1000000

// ProbeDuration reads the container metadata of one recorded segment and
// returns its playback duration.
func ProbeDuration(ext Extension, data []byte) (time.Duration, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty segment: %w", ErrUnknownDuration)
	}
	switch ext {
	case WebM:
		return webmDuration(data)
	case MP4:
		return mp4Duration(data)
	default:
		return 0, fmt.Errorf("extension %q: %w", ext, ErrUnknownDuration)
	}
}

type webmBlockGroup struct {
	Block ebml.Block `ebml:"Block"`
}

type webmCluster struct {
	Timecode    uint64           `ebml:"Timecode"`
	SimpleBlock []ebml.Block     `ebml:"SimpleBlock"`
	BlockGroup  []webmBlockGroup `ebml:"BlockGroup"`
}

type webmInfo struct {
	TimecodeScale uint64  `ebml:"TimecodeScale"`
	Duration      float64 `ebml:"Duration"`
}

type webmDocument struct {
	Segment struct {
		Info    webmInfo      `ebml:"Info"`
		Cluster []webmCluster `ebml:"Cluster"`
	} `ebml:"Segment"`
}

func webmDuration(data []byte) (time.Duration, error) {
	var doc webmDocument
	err := ebml.Unmarshal(bytes.NewReader(data), &doc, ebml.WithIgnoreUnknown(true))
	// Live recorders leave the last cluster open; whatever parsed is still usable.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("parse webm: %w", err)
	}

	scale := doc.Segment.Info.TimecodeScale
	if scale == 0 {
		scale = defaultTimecodeScale
	}
	if doc.Segment.Info.Duration > 0 {
		return time.Duration(doc.Segment.Info.Duration * float64(scale)), nil
	}

	// No Duration element: derive it from the block timecodes.
	first, last := int64(-1), int64(-1)
	var blocks int
	for _, c := range doc.Segment.Cluster {
		visit := func(b ebml.Block) {
			tc := int64(c.Timecode) + int64(b.Timecode)
			if first < 0 || tc < first {
				first = tc
			}
			if tc > last {
				last = tc
			}
			blocks++
		}
		for _, b := range c.SimpleBlock {
			visit(b)
		}
		for _, g := range c.BlockGroup {
			visit(g.Block)
		}
	}
	if blocks < 2 || last <= first {
		return 0, fmt.Errorf("webm has %d blocks: %w", blocks, ErrUnknownDuration)
	}

	// The last block plays for roughly one average block interval.
	span := last - first
	span += span / int64(blocks-1)
	return time.Duration(span) * time.Duration(scale), nil
}

func mp4Duration(data []byte) (time.Duration, error) {
	info, err := mp4.Probe(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("parse mp4: %w", err)
	}

	if info.Timescale > 0 && info.Duration > 0 {
		return scaleTicks(info.Duration, info.Timescale), nil
	}

	// Fragmented output (empty moov): add up the fragment durations of the
	// first track.
	if len(info.Tracks) == 0 {
		return 0, fmt.Errorf("mp4 has no tracks: %w", ErrUnknownDuration)
	}
	track := info.Tracks[0]
	var ticks uint64
	for _, s := range info.Segments {
		if s.TrackID == track.TrackID {
			ticks += uint64(s.Duration)
		}
	}
	if track.Timescale == 0 || ticks == 0 {
		return 0, fmt.Errorf("mp4 fragments carry no timing: %w", ErrUnknownDuration)
	}
	return scaleTicks(ticks, track.Timescale), nil
}

func scaleTicks(ticks uint64, timescale uint32) time.Duration {
	return time.Duration(float64(ticks) / float64(timescale) * float64(time.Second))
}

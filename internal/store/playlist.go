package store

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultWindowSize is the default number of chunks in the live sliding window.
const DefaultWindowSize = 6

const playlistContentType = "application/vnd.apple.mpegurl"

// PlaylistSegment is one media line of an HLS playlist.
type PlaylistSegment struct {
	Sequence uint64
	Duration float64
	URI      string
	// Discontinuity marks a segment that follows a gap.
	Discontinuity bool
}

// BuildPlaylist converts segments (ordered by sequence ascending) into an HLS
// playlist. If ended is true, #EXT-X-ENDLIST is appended. An empty segments
// slice produces a minimal valid playlist with media sequence 0.
func BuildPlaylist(segments []PlaylistSegment, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(segments))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", segments[0].Sequence)
	if ended {
		b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	}
	b.WriteString("\n")

	for _, seg := range segments {
		if seg.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(seg.URI)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// targetDuration returns the #EXT-X-TARGETDURATION value: the ceiling of the
// longest segment in seconds.
func targetDuration(segments []PlaylistSegment) int {
	max := 0.0
	for _, seg := range segments {
		if seg.Duration > max {
			max = seg.Duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}

// contiguousVisibleChunks slides a window of windowSize over the newest
// chunks and then cuts it at the first gap, so a player never sees 42
// followed by 44. A missing chunk eventually falls off the back.
// chunks must be sorted by sequence ascending.
func contiguousVisibleChunks(chunks []Chunk, windowSize int) []Chunk {
	if len(chunks) == 0 || windowSize <= 0 {
		return nil
	}

	start := 0
	if len(chunks) > windowSize {
		start = len(chunks) - windowSize
	}
	windowed := chunks[start:]

	visible := make([]Chunk, 0, len(windowed))
	for i := range windowed {
		if i > 0 && windowed[i].Sequence != windowed[i-1].Sequence+1 {
			break
		}
		visible = append(visible, windowed[i])
	}
	return visible
}

// playlistSegments maps chunks to playlist lines. Unknown durations use
// fallback; a chunk that follows a gap is marked discontinuous.
func playlistSegments(chunks []Chunk, uri func(seq uint64) string, fallback time.Duration) []PlaylistSegment {
	out := make([]PlaylistSegment, 0, len(chunks))
	for i, c := range chunks {
		d := c.Duration
		if d <= 0 {
			d = fallback
		}
		out = append(out, PlaylistSegment{
			Sequence:      c.Sequence,
			Duration:      d.Seconds(),
			URI:           uri(c.Sequence),
			Discontinuity: i > 0 && c.Sequence != chunks[i-1].Sequence+1,
		})
	}
	return out
}

package compositor

import (
	"context"
	"errors"
	"image"

	"chunkcast/internal/media"
)

// ErrNoSupportedFormat means no format in the preference list can be
// recorded here. Recording refuses to start rather than produce output
// nobody can decode.
var ErrNoSupportedFormat = errors.New("no supported recording format")

// SegmentWriter receives the frames and samples of one segment.
type SegmentWriter interface {
	WriteFrame(img *image.RGBA) error
	WriteAudio(samples []int16) error
	// Close finishes the segment and returns its bytes.
	Close() ([]byte, error)
}

// Encoder is the recorder capability: format support plus one standalone
// encoder per segment.
type Encoder interface {
	Supports(f media.Format) bool
	NewSegment(ctx context.Context, cfg media.SegmentConfig) (SegmentWriter, error)
}

// SelectFormat returns the first entry of prefs that enc supports.
func SelectFormat(enc Encoder, prefs []media.Format) (media.Format, error) {
	for _, f := range prefs {
		if enc.Supports(f) {
			return f, nil
		}
	}
	return media.Format{}, ErrNoSupportedFormat
}

// FFmpegEncoder records through the ffmpeg binary.
type FFmpegEncoder struct {
	FF *media.FFmpeg
}

// Supports implements Encoder.
func (e FFmpegEncoder) Supports(f media.Format) bool {
	return e.FF.Supports(f)
}

// NewSegment implements Encoder.
func (e FFmpegEncoder) NewSegment(ctx context.Context, cfg media.SegmentConfig) (SegmentWriter, error) {
	seg, err := e.FF.NewSegment(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return seg, nil
}

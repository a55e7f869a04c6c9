// Package media holds container/codec descriptions and the helpers that look
// inside recorded segments: duration probing, concatenation and the ffmpeg
// bindings used for encoding and conversion.
package media

import (
	"bytes"
	"fmt"
	"strings"
)

// Extension is the container file extension of a recorded session.
type Extension string

const (
	// WebM is the open web-video container.
	WebM Extension = "webm"
	// MP4 is the widely supported licensed container.
	MP4 Extension = "mp4"
)

// ParseExtension accepts "webm", "mp4" and their dotted/upper-case forms.
func ParseExtension(s string) (Extension, error) {
	switch Extension(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), ".")) {
	case WebM:
		return WebM, nil
	case MP4:
		return MP4, nil
	default:
		return "", fmt.Errorf("unsupported extension %q", s)
	}
}

// ContentType returns the MIME type served for whole files of this container.
func (e Extension) ContentType() string {
	switch e {
	case WebM:
		return "video/webm"
	case MP4:
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

var ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// DetectExtension sniffs the container of a segment from its leading bytes.
// It returns "" when neither container is recognized.
func DetectExtension(data []byte) Extension {
	switch {
	case bytes.HasPrefix(data, ebmlMagic):
		return WebM
	case len(data) >= 8 && string(data[4:8]) == "ftyp":
		return MP4
	default:
		return ""
	}
}

// Format is one recordable container/codec combination.
type Format struct {
	// MIME is the recorder mime string, e.g. "video/webm;codecs=vp9,opus".
	MIME      string
	Extension Extension
	// VideoCodec and AudioCodec are encoder names; AudioCodec may be empty.
	VideoCodec string
	AudioCodec string
	// Muxer is the container writer name.
	Muxer string
}

func (f Format) String() string {
	return f.MIME
}

// DefaultPreferences is the ordered recording preference list. WebM comes
// first; devices that cannot produce it fall back to H.264/AAC in MP4, which
// every consumer device decodes.
var DefaultPreferences = []Format{
	{MIME: "video/webm;codecs=vp9,opus", Extension: WebM, VideoCodec: "libvpx-vp9", AudioCodec: "libopus", Muxer: "webm"},
	{MIME: "video/webm;codecs=vp8,opus", Extension: WebM, VideoCodec: "libvpx", AudioCodec: "libopus", Muxer: "webm"},
	{MIME: "video/webm", Extension: WebM, VideoCodec: "libvpx", Muxer: "webm"},
	{MIME: "video/mp4;codecs=avc1,mp4a", Extension: MP4, VideoCodec: "libx264", AudioCodec: "aac", Muxer: "mp4"},
	{MIME: "video/mp4", Extension: MP4, VideoCodec: "libx264", Muxer: "mp4"},
}

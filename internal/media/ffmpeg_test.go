package media

import "testing"

const sampleEncoders = `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D libvpx               libvpx VP8 (codec vp8)
 A....D aac                  AAC (Advanced Audio Coding)
`

const sampleMuxers = `File formats:
 D. = Demuxing supported
 .E = Muxing supported
 --
  E mp4             MP4 (MPEG-4 Part 14)
  E webm            WebM
`

func TestParseCapabilityList(t *testing.T) {
	enc := parseCapabilityList([]byte(sampleEncoders))
	for _, name := range []string{"libx264", "libvpx", "aac"} {
		if !enc[name] {
			t.Errorf("expected encoder %s", name)
		}
	}
	if enc["Video"] || enc["="] {
		t.Error("legend lines must not be parsed as encoders")
	}

	mux := parseCapabilityList([]byte(sampleMuxers))
	if !mux["mp4"] || !mux["webm"] {
		t.Errorf("expected mp4 and webm muxers, got %v", mux)
	}
}

func TestFFmpeg_Supports_uses_parsed_caps(t *testing.T) {
	ff := &FFmpeg{}
	ff.capsOnce.Do(func() {
		ff.encoders = parseCapabilityList([]byte(sampleEncoders))
		ff.muxers = parseCapabilityList([]byte(sampleMuxers))
	})

	// No libopus, no libvpx-vp9 in this build.
	if ff.Supports(DefaultPreferences[0]) {
		t.Error("vp9/opus should be unsupported")
	}
	if ff.Supports(DefaultPreferences[1]) {
		t.Error("vp8/opus should be unsupported without libopus")
	}
	if !ff.Supports(DefaultPreferences[2]) {
		t.Error("plain vp8 webm should be supported")
	}
	if !ff.Supports(DefaultPreferences[3]) {
		t.Error("h264/aac mp4 should be supported")
	}
}

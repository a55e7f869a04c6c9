package media

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultSampleRate is the PCM rate fed to the audio encoder.
const DefaultSampleRate = 48000

// FFmpeg drives the ffmpeg and ffprobe binaries found on PATH.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string

	capsOnce sync.Once
	encoders map[string]bool
	muxers   map[string]bool
	capsErr  error
}

// NewFFmpeg locates ffmpeg (required) and ffprobe (optional).
func NewFFmpeg() (*FFmpeg, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	ff := &FFmpeg{ffmpegPath: ffmpegPath}
	if p, err := exec.LookPath("ffprobe"); err == nil {
		ff.ffprobePath = p
	}
	return ff, nil
}

// Supports reports whether this ffmpeg build can encode and mux f.
func (ff *FFmpeg) Supports(f Format) bool {
	ff.capsOnce.Do(ff.loadCaps)
	if ff.capsErr != nil {
		return false
	}
	if !ff.encoders[f.VideoCodec] || !ff.muxers[f.Muxer] {
		return false
	}
	return f.AudioCodec == "" || ff.encoders[f.AudioCodec]
}

func (ff *FFmpeg) loadCaps() {
	enc, err := exec.Command(ff.ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		ff.capsErr = fmt.Errorf("list encoders: %w", err)
		return
	}
	mux, err := exec.Command(ff.ffmpegPath, "-hide_banner", "-muxers").Output()
	if err != nil {
		ff.capsErr = fmt.Errorf("list muxers: %w", err)
		return
	}
	ff.encoders = parseCapabilityList(enc)
	ff.muxers = parseCapabilityList(mux)
}

// parseCapabilityList reads the table printed by "ffmpeg -encoders" or
// "ffmpeg -muxers": a legend, a "--" separator, then "FLAGS name description".
func parseCapabilityList(out []byte) map[string]bool {
	names := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	started := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !started {
			started = strings.HasPrefix(line, "--")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		for _, name := range strings.Split(fields[1], ",") {
			names[name] = true
		}
	}
	return names
}

// SegmentConfig describes one standalone segment to encode.
type SegmentConfig struct {
	Format     Format
	Width      int
	Height     int
	FPS        int
	SampleRate int
	// Audio enables the PCM input; ignored when Format has no audio codec.
	Audio bool
}

// SegmentEncoder is one running ffmpeg process producing a single segment.
// Frames go in as raw RGBA on stdin, mono s16le PCM on fd 3, and the muxed
// container comes out on stdout.
type SegmentEncoder struct {
	cmd    *exec.Cmd
	width  int
	height int
	frames chan []byte
	pcm    chan []byte
	out    bytes.Buffer
	stderr bytes.Buffer
	wg     sync.WaitGroup

	mu     sync.Mutex
	err    error
	closed bool
}

// NewSegment starts an encoder process for cfg.
func (ff *FFmpeg) NewSegment(ctx context.Context, cfg SegmentConfig) (*SegmentEncoder, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FPS <= 0 {
		return nil, fmt.Errorf("invalid segment geometry %dx%d@%d", cfg.Width, cfg.Height, cfg.FPS)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	withAudio := cfg.Audio && cfg.Format.AudioCodec != ""

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.Itoa(cfg.FPS),
		"-i", "pipe:0",
	}
	if withAudio {
		args = append(args, "-f", "s16le", "-ar", strconv.Itoa(cfg.SampleRate), "-ac", "1", "-i", "pipe:3")
	}
	args = append(args, "-c:v", cfg.Format.VideoCodec, "-pix_fmt", "yuv420p")
	switch cfg.Format.VideoCodec {
	case "libvpx", "libvpx-vp9":
		args = append(args, "-deadline", "realtime", "-cpu-used", "8", "-b:v", "1M")
	case "libx264":
		args = append(args, "-preset", "veryfast", "-tune", "zerolatency")
	}
	if withAudio {
		args = append(args, "-c:a", cfg.Format.AudioCodec)
	} else {
		args = append(args, "-an")
	}
	if cfg.Format.Extension == MP4 {
		args = append(args, "-movflags", "frag_keyframe+empty_moov+default_base_moof")
	}
	args = append(args, "-f", cfg.Format.Muxer, "pipe:1")

	e := &SegmentEncoder{
		cmd:    exec.CommandContext(ctx, ff.ffmpegPath, args...),
		width:  cfg.Width,
		height: cfg.Height,
		frames: make(chan []byte, 8),
	}
	e.cmd.Stdout = &e.out
	e.cmd.Stderr = &e.stderr

	stdin, err := e.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	var audioR, audioW *os.File
	if withAudio {
		audioR, audioW, err = os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("audio pipe: %w", err)
		}
		e.cmd.ExtraFiles = []*os.File{audioR}
		e.pcm = make(chan []byte, 32)
	}

	if err := e.cmd.Start(); err != nil {
		if audioR != nil {
			audioR.Close()
			audioW.Close()
		}
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	if audioR != nil {
		audioR.Close()
	}

	// Each input gets its own writer: ffmpeg reads them interleaved and a
	// single writer would deadlock once one pipe buffer fills.
	e.wg.Add(1)
	go e.pump(stdin, e.frames)
	if audioW != nil {
		e.wg.Add(1)
		go e.pump(audioW, e.pcm)
	}
	return e, nil
}

func (e *SegmentEncoder) pump(w io.WriteCloser, in <-chan []byte) {
	defer e.wg.Done()
	failed := false
	for buf := range in {
		if failed {
			continue
		}
		if _, err := w.Write(buf); err != nil {
			e.fail(fmt.Errorf("feed encoder: %w", err))
			failed = true
		}
	}
	w.Close()
}

func (e *SegmentEncoder) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		e.err = err
	}
}

func (e *SegmentEncoder) state() (closed bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed, e.err
}

// WriteFrame queues one canvas frame. The frame must match the configured size.
func (e *SegmentEncoder) WriteFrame(img *image.RGBA) error {
	if closed, err := e.state(); closed || err != nil {
		if err == nil {
			err = errors.New("segment encoder closed")
		}
		return err
	}
	b := img.Bounds()
	if b.Dx() != e.width || b.Dy() != e.height {
		return fmt.Errorf("frame %dx%d does not match segment %dx%d", b.Dx(), b.Dy(), e.width, e.height)
	}
	buf := make([]byte, 0, e.width*e.height*4)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		buf = append(buf, img.Pix[off:off+e.width*4]...)
	}
	e.frames <- buf
	return nil
}

// WriteAudio queues mono PCM samples. It is a no-op when the segment has no
// audio input.
func (e *SegmentEncoder) WriteAudio(samples []int16) error {
	if e.pcm == nil || len(samples) == 0 {
		return nil
	}
	if closed, err := e.state(); closed || err != nil {
		if err == nil {
			err = errors.New("segment encoder closed")
		}
		return err
	}
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	e.pcm <- buf
	return nil
}

// Close flushes the inputs, waits for ffmpeg to exit and returns the encoded
// segment.
func (e *SegmentEncoder) Close() ([]byte, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("segment encoder already closed")
	}
	e.closed = true
	e.mu.Unlock()

	close(e.frames)
	if e.pcm != nil {
		close(e.pcm)
	}
	e.wg.Wait()

	werr := e.cmd.Wait()
	if _, err := e.state(); err != nil {
		return nil, fmt.Errorf("%w (ffmpeg: %s)", err, strings.TrimSpace(e.stderr.String()))
	}
	if werr != nil {
		return nil, fmt.Errorf("ffmpeg exited: %w (%s)", werr, strings.TrimSpace(e.stderr.String()))
	}
	return e.out.Bytes(), nil
}

// ConvertToMP4 transcodes the ordered segments of one session into a single
// MP4 written to out. Segments are handed to ffmpeg's concat demuxer so that
// each standalone segment keeps its own header.
func (ff *FFmpeg) ConvertToMP4(ctx context.Context, ext Extension, segments [][]byte, out io.Writer) error {
	if len(segments) == 0 {
		return errors.New("no segments to convert")
	}
	dir, err := os.MkdirTemp("", "chunkcast-convert-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	var list strings.Builder
	for i, seg := range segments {
		name := filepath.Join(dir, fmt.Sprintf("%06d.%s", i+1, ext))
		if err := os.WriteFile(name, seg, 0o600); err != nil {
			return fmt.Errorf("write segment %d: %w", i+1, err)
		}
		fmt.Fprintf(&list, "file '%s'\n", name)
	}
	listPath := filepath.Join(dir, "list.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o600); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, ff.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4", "pipe:1")
	cmd.Stdout = out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg convert: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Duration probes a segment's duration from its container metadata and falls
// back to ffprobe when the metadata carries no timing.
func (ff *FFmpeg) Duration(ctx context.Context, ext Extension, data []byte) (time.Duration, error) {
	d, err := ProbeDuration(ext, data)
	if err == nil || ff.ffprobePath == "" {
		return d, err
	}

	f, ferr := os.CreateTemp("", "chunkcast-probe-*."+string(ext))
	if ferr != nil {
		return 0, err
	}
	defer os.Remove(f.Name())
	if _, werr := f.Write(data); werr != nil {
		f.Close()
		return 0, err
	}
	f.Close()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, ff.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		f.Name())
	cmd.Stdout = &stdout
	if rerr := cmd.Run(); rerr != nil {
		return 0, err
	}
	secs, perr := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if perr != nil || secs <= 0 {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Package compositor renders two live sources side by side onto one canvas,
// mixes their audio and records the composite as a sequence of standalone
// segments handed to the upload queue.
package compositor

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chunkcast/internal/media"
	"chunkcast/internal/platform/logger"
	"chunkcast/internal/session"
	"chunkcast/internal/transport"
)

var (
	// ErrAlreadyRecording is returned by StartRecording while a recording runs.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording is returned by StopRecording without an active recording.
	ErrNotRecording = errors.New("not recording")
)

// Transport is what the compositor needs from the chunk transport.
type Transport interface {
	transport.Uploader
	SyncTime(ctx context.Context) (time.Duration, error)
	Finalize(ctx context.Context) (transport.FinalizeResult, error)
}

// Callbacks report recording progress to the host. Any field may be nil.
type Callbacks struct {
	OnRecordingStarted func(f media.Format)
	OnChunkProduced    func(seg media.Segment)
	OnChunkUploaded    func(seq uint64)
	OnChunkFailed      func(seq uint64, err error)
	OnRecordingStopped func(res transport.FinalizeResult, err error)
	// OnError reports recoverable problems (audio, a lost segment, sync).
	OnError func(err error)
}

// Config configures a Compositor.
type Config struct {
	Local  FrameSource
	Remote FrameSource
	Layout Layout

	// RenderInterval is the display-frame period of the render loop (default 1/60s).
	RenderInterval time.Duration
	// CaptureFPS is the recorded frame rate (default 30).
	CaptureFPS int
	// ChunkInterval is the length of one segment (default 3s).
	ChunkInterval time.Duration
	// SampleRate of the mixed audio (default 48000).
	SampleRate int

	Preferences []media.Format
	Encoder     Encoder
	// NewMixer builds the audio mixer; defaults to NewPCMMixer.
	NewMixer func(tracks []AudioTrack) (AudioMixer, error)

	Session   *session.Session
	Transport Transport
	Queue     transport.QueueConfig
	Callbacks Callbacks
	Logger    *slog.Logger
}

// Stats is a point-in-time snapshot of the producer.
type Stats struct {
	SegmentsProduced uint64
	SegmentsUploaded uint64
	Elapsed          time.Duration
	IsRecording      bool
	Extension        media.Extension
}

// Compositor owns the canvas and the recorder for one producer.
type Compositor struct {
	cfg Config
	log *slog.Logger

	canvasMu sync.RWMutex
	canvas   *image.RGBA
	back     *image.RGBA
	rendered atomic.Uint64

	renderMu     sync.Mutex
	renderCancel context.CancelFunc
	renderDone   chan struct{}

	recMu     sync.Mutex
	rec       *recording
	lastStats Stats

	produced atomic.Uint64
}

type recording struct {
	format  media.Format
	queue   *transport.Queue
	mixer   AudioMixer
	started time.Time

	stop     chan struct{}
	done     chan struct{}
	kill     context.CancelFunc
	killCtx  context.Context
	stopping bool
}

// New returns a Compositor. Local, Remote, Encoder, Session and Transport
// are required for recording; compositing alone needs only the sources.
func New(cfg Config) *Compositor {
	cfg.Layout = cfg.Layout.withDefaults()
	if cfg.RenderInterval <= 0 {
		cfg.RenderInterval = time.Second / 60
	}
	if cfg.CaptureFPS <= 0 {
		cfg.CaptureFPS = 30
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = 3 * time.Second
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = media.DefaultSampleRate
	}
	if len(cfg.Preferences) == 0 {
		cfg.Preferences = media.DefaultPreferences
	}
	if cfg.NewMixer == nil {
		cfg.NewMixer = NewPCMMixer
	}
	bounds := image.Rect(0, 0, cfg.Layout.Width, cfg.Layout.Height)
	return &Compositor{
		cfg:    cfg,
		log:    logger.OrDefault(cfg.Logger),
		canvas: image.NewRGBA(bounds),
		back:   image.NewRGBA(bounds),
	}
}

// StartCompositing starts the render loop. Calling it while the loop runs
// is a no-op.
func (c *Compositor) StartCompositing() {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	if c.renderCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.renderCancel = cancel
	c.renderDone = make(chan struct{})
	go c.renderLoop(ctx, c.renderDone)
}

// StopCompositing cancels the render loop without draining anything.
// In-flight uploads are unaffected.
func (c *Compositor) StopCompositing() {
	c.renderMu.Lock()
	cancel, done := c.renderCancel, c.renderDone
	c.renderCancel, c.renderDone = nil, nil
	c.renderMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsCompositing reports whether the render loop is running.
func (c *Compositor) IsCompositing() bool {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	return c.renderCancel != nil
}

func (c *Compositor) renderLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.RenderInterval)
	defer ticker.Stop()

	c.renderFrame()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.renderFrame()
		}
	}
}

// renderFrame draws into the back buffer and swaps it in.
func (c *Compositor) renderFrame() {
	var frames [2]image.Image
	for i, src := range [2]FrameSource{c.cfg.Local, c.cfg.Remote} {
		if src == nil {
			continue
		}
		if img, ok := src.Frame(); ok {
			frames[i] = img
		}
	}
	c.cfg.Layout.Render(c.back, frames)

	c.canvasMu.Lock()
	c.canvas, c.back = c.back, c.canvas
	c.canvasMu.Unlock()
	c.rendered.Add(1)
}

// Snapshot copies the current canvas into dst, allocating when dst is nil
// or the wrong size.
func (c *Compositor) Snapshot(dst *image.RGBA) *image.RGBA {
	c.canvasMu.RLock()
	defer c.canvasMu.RUnlock()
	if dst == nil || dst.Bounds() != c.canvas.Bounds() {
		dst = image.NewRGBA(c.canvas.Bounds())
	}
	copy(dst.Pix, c.canvas.Pix)
	return dst
}

// StartRecording picks the recording format, syncs clocks with the store,
// wires the audio mix and starts emitting one segment per ChunkInterval.
// It fails fast with ErrNoSupportedFormat when nothing in the preference
// list can be recorded.
func (c *Compositor) StartRecording(ctx context.Context) (media.Format, error) {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	if c.rec != nil {
		return media.Format{}, ErrAlreadyRecording
	}
	if c.cfg.Encoder == nil || c.cfg.Transport == nil || c.cfg.Session == nil {
		return media.Format{}, errors.New("compositor: encoder, transport and session are required to record")
	}

	format, err := SelectFormat(c.cfg.Encoder, c.cfg.Preferences)
	if err != nil {
		c.log.Error("recording refused", slog.String("error", err.Error()))
		return media.Format{}, err
	}
	c.cfg.Session.SetExtension(format.Extension)

	if _, err := c.cfg.Transport.SyncTime(ctx); err != nil {
		c.report(err)
	}

	c.StartCompositing()

	qcfg := c.cfg.Queue
	if qcfg.Logger == nil {
		qcfg.Logger = c.log
	}
	onUploaded, onFailed := qcfg.OnUploaded, qcfg.OnFailed
	qcfg.OnUploaded = func(seq uint64) {
		if onUploaded != nil {
			onUploaded(seq)
		}
		if c.cfg.Callbacks.OnChunkUploaded != nil {
			c.cfg.Callbacks.OnChunkUploaded(seq)
		}
	}
	qcfg.OnFailed = func(seq uint64, err error) {
		if onFailed != nil {
			onFailed(seq, err)
		}
		if c.cfg.Callbacks.OnChunkFailed != nil {
			c.cfg.Callbacks.OnChunkFailed(seq, err)
		}
	}

	killCtx, kill := context.WithCancel(context.Background())
	rec := &recording{
		format:  format,
		queue:   transport.NewQueue(c.cfg.Transport, qcfg),
		mixer:   c.buildMixer(),
		started: time.Now(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		kill:    kill,
		killCtx: killCtx,
	}
	c.rec = rec
	c.produced.Store(0)

	go c.recordLoop(rec)

	c.log.Info("recording started",
		slog.String("competition_id", c.cfg.Session.CompetitionID),
		slog.String("format", format.MIME),
		slog.Bool("audio", rec.mixer != nil))
	if c.cfg.Callbacks.OnRecordingStarted != nil {
		c.cfg.Callbacks.OnRecordingStarted(format)
	}
	return format, nil
}

// buildMixer returns nil when there is no audio or the mixer cannot be
// built; recording then continues video-only.
func (c *Compositor) buildMixer() AudioMixer {
	var tracks []AudioTrack
	for _, src := range []FrameSource{c.cfg.Local, c.cfg.Remote} {
		if src == nil {
			continue
		}
		if t := src.AudioTrack(); t != nil {
			tracks = append(tracks, t)
		}
	}
	if len(tracks) == 0 {
		return nil
	}
	m, err := c.cfg.NewMixer(tracks)
	if err != nil {
		c.log.Warn("audio mixing unavailable, recording video only", slog.String("error", err.Error()))
		c.report(err)
		return nil
	}
	return m
}

func (c *Compositor) recordLoop(rec *recording) {
	defer close(rec.done)

	frameTick := time.NewTicker(time.Second / time.Duration(c.cfg.CaptureFPS))
	defer frameTick.Stop()
	sliceTick := time.NewTicker(c.cfg.ChunkInterval)
	defer sliceTick.Stop()

	var seq uint64
	samplesPerFrame := c.cfg.SampleRate / c.cfg.CaptureFPS
	audioFailing := false
	var frame *image.RGBA

	seg := c.openSegment(rec)
	for {
		select {
		case <-rec.stop:
			c.closeSegment(rec, seg, &seq)
			return
		case <-sliceTick.C:
			c.closeSegment(rec, seg, &seq)
			seg = c.openSegment(rec)
		case <-frameTick.C:
			if seg == nil {
				continue
			}
			frame = c.Snapshot(frame)
			if err := seg.WriteFrame(frame); err != nil {
				c.log.Error("segment write failed, dropping segment", slog.String("error", err.Error()))
				c.report(err)
				seg.Close()
				seg = nil
				continue
			}
			if rec.mixer == nil {
				continue
			}
			pcm, err := rec.mixer.Mix(samplesPerFrame)
			if err != nil && !audioFailing {
				c.log.Warn("audio track failed, continuing with partial audio", slog.String("error", err.Error()))
				c.report(err)
			}
			audioFailing = err != nil
			if err := seg.WriteAudio(pcm); err != nil {
				c.log.Warn("audio write failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Compositor) openSegment(rec *recording) SegmentWriter {
	seg, err := c.cfg.Encoder.NewSegment(rec.killCtx, media.SegmentConfig{
		Format:     rec.format,
		Width:      c.cfg.Layout.Width,
		Height:     c.cfg.Layout.Height,
		FPS:        c.cfg.CaptureFPS,
		SampleRate: c.cfg.SampleRate,
		Audio:      rec.mixer != nil,
	})
	if err != nil {
		c.log.Error("open segment failed", slog.String("error", err.Error()))
		c.report(err)
		return nil
	}
	return seg
}

// closeSegment finishes seg and, when it produced data, emits it under the
// next sequence number. Numbers are only consumed by emitted segments.
func (c *Compositor) closeSegment(rec *recording, seg SegmentWriter, seq *uint64) {
	if seg == nil {
		return
	}
	data, err := seg.Close()
	if err != nil {
		c.log.Error("segment encode failed", slog.String("error", err.Error()))
		c.report(err)
		return
	}
	if len(data) == 0 {
		return
	}

	*seq++
	now := time.Now()
	out := media.Segment{
		Sequence:         *seq,
		Data:             data,
		Extension:        rec.format.Extension,
		ProducedAtOffset: now.Sub(rec.started),
		ProducedAt:       now,
	}
	c.produced.Add(1)
	c.log.Debug("chunk produced", slog.Uint64("sequence", out.Sequence), slog.Int("bytes", out.ByteSize()))
	if c.cfg.Callbacks.OnChunkProduced != nil {
		c.cfg.Callbacks.OnChunkProduced(out)
	}
	if err := rec.queue.Enqueue(out); err != nil {
		c.log.Warn("chunk not queued", slog.Uint64("sequence", out.Sequence), slog.String("error", err.Error()))
	}
}

// StopRecording stops the recorder, waits for every queued upload to
// resolve and then finalizes the session once.
func (c *Compositor) StopRecording(ctx context.Context) (transport.FinalizeResult, error) {
	rec, err := c.beginStop()
	if err != nil {
		return transport.FinalizeResult{}, err
	}

	close(rec.stop)
	<-rec.done

	if err := rec.queue.Drain(ctx); err != nil {
		// The session is left unfinalized and nothing is retried after return.
		dropped := rec.queue.Abandon()
		c.endRecording(rec)
		c.log.Error("recording stopped before uploads drained",
			slog.String("competition_id", c.cfg.Session.CompetitionID),
			slog.Int("dropped", dropped),
			slog.String("error", err.Error()))
		err = &transport.FinalizeError{Err: err}
		c.stopped(transport.FinalizeResult{}, err)
		return transport.FinalizeResult{}, err
	}
	res, ferr := c.cfg.Transport.Finalize(ctx)
	c.endRecording(rec)

	attrs := []any{
		slog.String("competition_id", c.cfg.Session.CompetitionID),
		slog.Uint64("segments_produced", c.produced.Load()),
		slog.Uint64("segments_uploaded", uint64(rec.queue.Stats().Uploaded)),
	}
	if ferr != nil {
		c.log.Error("recording stopped, finalize failed", append(attrs, slog.String("error", ferr.Error()))...)
	} else {
		c.log.Info("recording stopped", append(attrs, slog.String("video_url", res.VideoURL))...)
	}
	c.stopped(res, ferr)
	return res, ferr
}

// Abandon stops the recorder without finalizing. Segments not yet attempted
// are dropped and in-flight uploads are cancelled.
func (c *Compositor) Abandon() {
	rec, err := c.beginStop()
	if err != nil {
		return
	}
	rec.kill()
	close(rec.stop)
	<-rec.done
	dropped := rec.queue.Abandon()
	c.endRecording(rec)
	c.log.Warn("recording abandoned",
		slog.String("competition_id", c.cfg.Session.CompetitionID),
		slog.Int("dropped", dropped))
}

func (c *Compositor) beginStop() (*recording, error) {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	if c.rec == nil || c.rec.stopping {
		return nil, ErrNotRecording
	}
	c.rec.stopping = true
	return c.rec, nil
}

func (c *Compositor) endRecording(rec *recording) {
	rec.kill()
	c.recMu.Lock()
	c.lastStats = c.statsLocked(rec, time.Now())
	c.lastStats.IsRecording = false
	c.rec = nil
	c.recMu.Unlock()
}

func (c *Compositor) stopped(res transport.FinalizeResult, err error) {
	if c.cfg.Callbacks.OnRecordingStopped != nil {
		c.cfg.Callbacks.OnRecordingStopped(res, err)
	}
}

// Stats returns a snapshot; it has no side effects.
func (c *Compositor) Stats() Stats {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	if c.rec == nil {
		return c.lastStats
	}
	return c.statsLocked(c.rec, time.Now())
}

func (c *Compositor) statsLocked(rec *recording, now time.Time) Stats {
	return Stats{
		SegmentsProduced: c.produced.Load(),
		SegmentsUploaded: uint64(rec.queue.Stats().Uploaded),
		Elapsed:          now.Sub(rec.started),
		IsRecording:      !rec.stopping,
		Extension:        rec.format.Extension,
	}
}

func (c *Compositor) report(err error) {
	if c.cfg.Callbacks.OnError != nil {
		c.cfg.Callbacks.OnError(err)
	}
}

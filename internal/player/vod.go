package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"chunkcast/internal/manifest"
	"chunkcast/internal/media"
	"chunkcast/internal/platform/logger"
)

// Stage is a step of the MP4 export.
type Stage string

const (
	StageLoading    Stage = "loading"
	StageConverting Stage = "converting"
	StageDone       Stage = "done"
)

// Converter transcodes an ordered segment set into one MP4 file.
// *media.FFmpeg satisfies it.
type Converter interface {
	ConvertToMP4(ctx context.Context, ext media.Extension, segments [][]byte, out io.Writer) error
}

// VodCallbacks report preloading, playback and export. Any field may be nil.
type VodCallbacks struct {
	// OnChunkLoaded fires as each segment resolves, loaded or failed.
	OnChunkLoaded func(seq uint64, loaded, total int)
	// OnReady fires once every segment has resolved.
	OnReady    func(total time.Duration)
	OnProgress func(current, total uint64)
	OnError    func(err error)
	OnStage    func(s Stage)
}

// VodConfig configures a VodPlayer.
type VodConfig struct {
	CompetitionID string
	Prober        manifest.Prober
	Fetcher       manifest.Fetcher
	// Slot is needed only for Play.
	Slot      Slot
	Converter Converter
	// ProbeDuration defaults to media.ProbeDuration.
	ProbeDuration func(ext media.Extension, data []byte) (time.Duration, error)
	// EstimatedDuration stands in for segments whose duration is unknown
	// until at least one duration has been measured (default 3s).
	EstimatedDuration time.Duration
	Callbacks         VodCallbacks
	Logger            *slog.Logger
}

type segStatus int

const (
	segPending segStatus = iota
	segLoaded
	segFailed
)

type vodSegment struct {
	seq    uint64
	status segStatus
	data   []byte
	dur    time.Duration
	known  bool
	err    error
	ready  chan struct{}
}

// VodPlayer replays a finalized session. Every segment is preloaded in the
// background in order; a seek moves its target to the front of the line.
type VodPlayer struct {
	cfg VodConfig
	log *slog.Logger

	mu        sync.Mutex
	started   bool
	destroyed bool
	playing   bool
	ext       media.Extension
	segs      []*vodSegment
	resolved  int
	scan      int
	want      int
	posIndex  int
	posOffset time.Duration
	cursor    Cursor

	allDone     chan struct{}
	seek        chan struct{}
	stop        chan struct{}
	cancel      context.CancelFunc
	preloadDone chan struct{}

	// inCallback counts host callbacks running on the preload goroutine.
	inCallback    int
	releaseOnExit bool
}

// NewVodPlayer returns a VodPlayer; call Start before anything else.
func NewVodPlayer(cfg VodConfig) (*VodPlayer, error) {
	if cfg.Prober == nil || cfg.Fetcher == nil {
		return nil, errors.New("player: prober and fetcher are required")
	}
	if cfg.ProbeDuration == nil {
		cfg.ProbeDuration = media.ProbeDuration
	}
	if cfg.EstimatedDuration <= 0 {
		cfg.EstimatedDuration = 3 * time.Second
	}
	return &VodPlayer{
		cfg:         cfg,
		log:         logger.OrDefault(cfg.Logger).With(slog.String("competition_id", cfg.CompetitionID)),
		want:        -1,
		cursor:      Cursor{Mode: ModeVod},
		allDone:     make(chan struct{}),
		seek:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		preloadDone: make(chan struct{}),
	}, nil
}

// Start probes the manifest once and begins preloading every segment.
// The session must be finalized.
func (p *VodPlayer) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.mu.Unlock()

	m, err := p.cfg.Prober.Probe(ctx, p.cfg.CompetitionID)
	if err != nil {
		return err
	}
	if !m.Finalized {
		return ErrNotFinalized
	}
	if m.Empty() {
		return ErrNoSegments
	}

	segs := make([]*vodSegment, len(m.Entries))
	missing := 0
	for i, e := range m.Entries {
		s := &vodSegment{seq: e.Sequence, ready: make(chan struct{})}
		if !e.Available {
			s.status = segFailed
			s.err = &DecodeError{Sequence: e.Sequence, Err: manifest.ErrChunkNotFound}
			close(s.ready)
			missing++
		}
		segs[i] = s
	}

	p.mu.Lock()
	if p.started || p.destroyed {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.ext = m.Extension
	p.segs = segs
	p.resolved = missing
	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.mu.Unlock()

	p.log.Info("vod preload started",
		slog.Int("segments", len(segs)),
		slog.Int("missing", missing),
		slog.String("extension", string(m.Extension)))
	go p.preloadLoop(loadCtx)
	return nil
}

func (p *VodPlayer) preloadLoop(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		release := p.releaseOnExit
		p.mu.Unlock()
		if release && p.cfg.Slot != nil {
			p.cfg.Slot.Release()
		}
		close(p.preloadDone)
	}()
	for {
		i := p.nextToLoad()
		if i < 0 {
			p.finishIfResolved()
			return
		}
		p.load(ctx, i)
		if ctx.Err() != nil {
			return
		}
	}
}

// nextToLoad returns the requested seek target when it is still pending,
// otherwise the first pending segment in order, or -1.
func (p *VodPlayer) nextToLoad() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w := p.want; w >= 0 {
		p.want = -1
		if p.segs[w].status == segPending {
			return w
		}
	}
	for ; p.scan < len(p.segs); p.scan++ {
		if p.segs[p.scan].status == segPending {
			return p.scan
		}
	}
	return -1
}

func (p *VodPlayer) load(ctx context.Context, i int) {
	s := p.segs[i]
	data, err := p.cfg.Fetcher.Fetch(ctx, p.cfg.CompetitionID, s.seq)
	if ctx.Err() != nil {
		return
	}

	var dur time.Duration
	known := false
	if err == nil && len(data) == 0 {
		err = errors.New("empty segment")
	}
	if err == nil {
		p.mu.Lock()
		if p.ext == "" {
			p.ext = media.DetectExtension(data)
		}
		ext := p.ext
		p.mu.Unlock()

		d, perr := p.cfg.ProbeDuration(ext, data)
		switch {
		case perr == nil:
			dur, known = d, true
		case errors.Is(perr, media.ErrUnknownDuration):
		default:
			err = perr
		}
	}

	p.mu.Lock()
	if err != nil {
		s.status = segFailed
		s.err = &DecodeError{Sequence: s.seq, Err: err}
	} else {
		s.status = segLoaded
		s.data, s.dur, s.known = data, dur, known
	}
	close(s.ready)
	p.resolved++
	loaded, total := p.resolved, len(p.segs)
	p.mu.Unlock()

	if err != nil {
		p.log.Warn("segment failed to load", slog.Uint64("sequence", s.seq), slog.String("error", err.Error()))
		p.emit(func() { p.report(s.err) })
	}
	if p.cfg.Callbacks.OnChunkLoaded != nil {
		p.emit(func() { p.cfg.Callbacks.OnChunkLoaded(s.seq, loaded, total) })
	}
	p.finishIfResolved()
}

func (p *VodPlayer) finishIfResolved() {
	p.mu.Lock()
	if p.resolved < len(p.segs) || isClosed(p.allDone) {
		p.mu.Unlock()
		return
	}
	close(p.allDone)
	total := p.totalLocked()
	p.mu.Unlock()

	p.log.Info("vod preload complete", slog.Duration("total", total))
	if p.cfg.Callbacks.OnReady != nil {
		p.emit(func() { p.cfg.Callbacks.OnReady(total) })
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// durationsLocked returns the playback length of every segment. Segments
// whose duration is not known yet, or never will be, count as the average
// of the measured ones.
func (p *VodPlayer) durationsLocked() []time.Duration {
	var sum time.Duration
	var n int
	for _, s := range p.segs {
		if s.known {
			sum += s.dur
			n++
		}
	}
	estimate := p.cfg.EstimatedDuration
	if n > 0 {
		estimate = sum / time.Duration(n)
	}
	out := make([]time.Duration, len(p.segs))
	for i, s := range p.segs {
		if s.known {
			out[i] = s.dur
		} else {
			out[i] = estimate
		}
	}
	return out
}

func (p *VodPlayer) totalLocked() time.Duration {
	var total time.Duration
	for _, d := range p.durationsLocked() {
		total += d
	}
	return total
}

// TotalDuration is the session length as currently known.
func (p *VodPlayer) TotalDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalLocked()
}

// SegmentDurations returns the per-segment lengths used for seeking.
func (p *VodPlayer) SegmentDurations() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.durationsLocked()
}

// Loaded reports how many segments have resolved out of the total.
func (p *VodPlayer) Loaded() (loaded, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolved, len(p.segs)
}

// Extension is the recorded container, known after Start.
func (p *VodPlayer) Extension() media.Extension {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ext
}

// Cursor returns the current playback position.
func (p *VodPlayer) Cursor() Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// locateLocked maps t to the segment i whose cumulative start is <= t and
// whose cumulative end is > t, plus the offset into it.
func (p *VodPlayer) locateLocked(t time.Duration) (int, time.Duration, error) {
	if t < 0 {
		return 0, 0, ErrSeekOutOfRange
	}
	var start time.Duration
	for i, d := range p.durationsLocked() {
		if t < start+d {
			return i, t - start, nil
		}
		start += d
	}
	return 0, 0, ErrSeekOutOfRange
}

func (p *VodPlayer) checkLocked() error {
	if p.destroyed {
		return ErrDestroyed
	}
	if !p.started {
		return ErrNotStarted
	}
	return nil
}

// SeekTo moves the cursor to time t. When the target segment is not loaded
// yet it is fetched next and SeekTo waits for it. A target inside a
// missing or undecodable segment returns ErrSegmentUnavailable; the rest of
// the timeline stays seekable.
func (p *VodPlayer) SeekTo(ctx context.Context, t time.Duration) (Cursor, error) {
	for {
		p.mu.Lock()
		if err := p.checkLocked(); err != nil {
			p.mu.Unlock()
			return Cursor{}, err
		}
		i, off, err := p.locateLocked(t)
		if err != nil {
			p.mu.Unlock()
			return Cursor{}, fmt.Errorf("seek to %v: %w", t, err)
		}
		s := p.segs[i]
		switch s.status {
		case segFailed:
			p.mu.Unlock()
			return Cursor{}, fmt.Errorf("seek to %v: %w: %w", t, ErrSegmentUnavailable, s.err)
		case segLoaded:
			p.posIndex, p.posOffset = i, off
			p.cursor = Cursor{CurrentIndex: s.seq, Mode: ModeSeek, Elapsed: t}
			c := p.cursor
			p.mu.Unlock()
			select {
			case p.seek <- struct{}{}:
			default:
			}
			p.log.Debug("seek", slog.Duration("target", t), slog.Uint64("sequence", s.seq), slog.Duration("offset", off))
			return c, nil
		}
		p.want = i
		ready := s.ready
		p.mu.Unlock()

		select {
		case <-ready:
		case <-p.stop:
			return Cursor{}, ErrDestroyed
		case <-ctx.Done():
			return Cursor{}, ctx.Err()
		}
	}
}

// Play plays from the cursor to the end of the session, blocking until it
// finishes, ctx is cancelled or the player is destroyed. Unavailable
// segments are skipped; SeekTo while playing jumps to the new position.
func (p *VodPlayer) Play(ctx context.Context) error {
	p.mu.Lock()
	if err := p.checkLocked(); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.cfg.Slot == nil {
		p.mu.Unlock()
		return errors.New("player: no slot configured")
	}
	if p.playing {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.playing = true
	select {
	case <-p.seek:
	default:
	}
	idx, off := p.posIndex, p.posOffset
	n := len(p.segs)
	p.mu.Unlock()

	slot := p.cfg.Slot
	defer func() {
		p.mu.Lock()
		p.playing = false
		p.mu.Unlock()
	}()
	slot.Show()

	for idx < n {
		s := p.segs[idx]
		select {
		case <-s.ready:
		case <-p.seek:
			idx, off = p.position()
			continue
		case <-p.stop:
			return ErrDestroyed
		case <-ctx.Done():
			return ctx.Err()
		}

		if s.status == segFailed {
			p.report(s.err)
			idx, off = p.advanceTo(idx+1, 0)
			continue
		}
		if err := slot.Load(ctx, media.Segment{Sequence: s.seq, Data: s.data, Extension: p.Extension()}); err != nil {
			p.report(&DecodeError{Sequence: s.seq, Err: err})
			idx, off = p.advanceTo(idx+1, 0)
			continue
		}
		done := slot.Play(off)
		p.markPlaying(idx, off)
		if p.cfg.Callbacks.OnProgress != nil {
			p.cfg.Callbacks.OnProgress(s.seq, uint64(n))
		}

		select {
		case <-done:
			idx, off = p.advanceTo(idx+1, 0)
		case <-p.seek:
			idx, off = p.position()
		case <-p.stop:
			return ErrDestroyed
		case <-ctx.Done():
			slot.Release()
			return ctx.Err()
		}
	}
	return nil
}

func (p *VodPlayer) position() (int, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.posIndex, p.posOffset
}

func (p *VodPlayer) advanceTo(idx int, off time.Duration) (int, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posIndex, p.posOffset = idx, off
	return idx, off
}

func (p *VodPlayer) markPlaying(idx int, off time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var start time.Duration
	for _, d := range p.durationsLocked()[:idx] {
		start += d
	}
	p.cursor = Cursor{CurrentIndex: p.segs[idx].seq, Mode: ModeVod, Elapsed: start + off}
}

// waitAll blocks until every segment has resolved.
func (p *VodPlayer) waitAll(ctx context.Context) error {
	p.mu.Lock()
	err := p.checkLocked()
	p.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-p.allDone:
		return nil
	case <-p.stop:
		return ErrDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parts returns the loaded segment bytes in order.
func (p *VodPlayer) parts() ([][]byte, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, 0, len(p.segs))
	skipped := 0
	for _, s := range p.segs {
		if s.status == segLoaded {
			out = append(out, s.data)
		} else {
			skipped++
		}
	}
	return out, skipped
}

// DownloadVideo waits for every segment and writes their concatenation, in
// the recorded container, to w. Unavailable segments are left out.
func (p *VodPlayer) DownloadVideo(ctx context.Context, w io.Writer) (int64, error) {
	if err := p.waitAll(ctx); err != nil {
		return 0, err
	}
	parts, skipped := p.parts()
	if len(parts) == 0 {
		return 0, ErrNoSegments
	}
	if skipped > 0 {
		p.log.Warn("download leaves out unavailable segments", slog.Int("skipped", skipped))
	}
	n, err := media.Concat(w, parts...)
	if err != nil {
		return n, fmt.Errorf("write video: %w", err)
	}
	p.log.Info("video downloaded", slog.Int64("bytes", n), slog.Int("segments", len(parts)))
	return n, nil
}

// CanDownloadAsMP4 reports whether an MP4 export is offered: the recording
// is not MP4 already and a converter is configured.
func (p *VodPlayer) CanDownloadAsMP4() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && p.ext != media.MP4 && p.cfg.Converter != nil
}

// DownloadAsMP4 waits for every segment and converts the recording to MP4
// into w, reporting the loading and converting stages.
func (p *VodPlayer) DownloadAsMP4(ctx context.Context, w io.Writer) error {
	p.mu.Lock()
	err := p.checkLocked()
	ext := p.ext
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if ext == media.MP4 {
		return ErrAlreadyMP4
	}
	if p.cfg.Converter == nil {
		return errors.New("player: no converter configured")
	}

	p.stage(StageLoading)
	if err := p.waitAll(ctx); err != nil {
		return err
	}
	parts, _ := p.parts()
	if len(parts) == 0 {
		return ErrNoSegments
	}

	p.stage(StageConverting)
	if err := p.cfg.Converter.ConvertToMP4(ctx, p.Extension(), parts, w); err != nil {
		p.log.Error("mp4 conversion failed", slog.String("error", err.Error()))
		return fmt.Errorf("convert to mp4: %w", err)
	}
	p.stage(StageDone)
	return nil
}

func (p *VodPlayer) stage(s Stage) {
	if p.cfg.Callbacks.OnStage != nil {
		p.cfg.Callbacks.OnStage(s)
	}
}

func (p *VodPlayer) report(err error) {
	if p.cfg.Callbacks.OnError != nil {
		p.cfg.Callbacks.OnError(err)
	}
}

// emit runs a host callback on the preload goroutine.
func (p *VodPlayer) emit(fn func()) {
	p.mu.Lock()
	p.inCallback++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inCallback--
		p.mu.Unlock()
	}()
	fn()
}

// Destroy stops preloading and playback and releases the slot. Called from
// a preload callback such as OnReady it returns without waiting; the slot
// is released once the callback returns.
func (p *VodPlayer) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	started, cancel := p.started, p.cancel
	deferred := started && p.inCallback > 0
	p.releaseOnExit = deferred
	p.mu.Unlock()

	close(p.stop)
	if started {
		cancel()
		if deferred {
			return
		}
		<-p.preloadDone
	}
	if p.cfg.Slot != nil {
		p.cfg.Slot.Release()
	}
}

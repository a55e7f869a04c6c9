package player

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chunkcast/internal/manifest"
	"chunkcast/internal/media"
	"chunkcast/internal/platform/logger"
)

// State is the live player's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateProbing
	StatePlaying
	StateBuffering
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StatePlaying:
		return "playing"
	case StateBuffering:
		return "buffering"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// LiveCallbacks report playback to the host. Any field may be nil.
type LiveCallbacks struct {
	OnStateChange func(s State)
	// OnProgress carries the sequence on screen and the highest known.
	OnProgress func(current, total uint64)
	OnError    func(err error)
	OnEnded    func()
}

// LiveConfig configures a LivePlayer.
type LiveConfig struct {
	CompetitionID string
	Prober        manifest.Prober
	Fetcher       manifest.Fetcher
	Slots         [2]Slot
	// PollInterval between manifest probes (default 2s).
	PollInterval time.Duration
	// GapTolerance is how many polls a missing segment of a finalized
	// session is waited for before it is skipped (default 3).
	GapTolerance int
	Callbacks    LiveCallbacks
	Logger       *slog.Logger
}

// LivePlayer plays the segments of a session strictly in sequence while it
// is being recorded. Segment n+1 is preloaded into the hidden slot while n
// plays and is swapped in when n reaches its natural end.
type LivePlayer struct {
	cfg LiveConfig
	log *slog.Logger

	mu        sync.Mutex
	state     State
	cursor    Cursor
	started   bool
	destroyed bool
	playStart time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	// inCallback counts host callbacks running on the run goroutine.
	inCallback    int
	releaseOnExit bool
}

// NewLivePlayer returns an idle LivePlayer.
func NewLivePlayer(cfg LiveConfig) (*LivePlayer, error) {
	if cfg.Prober == nil || cfg.Fetcher == nil {
		return nil, errors.New("player: prober and fetcher are required")
	}
	if cfg.Slots[0] == nil || cfg.Slots[1] == nil {
		return nil, errors.New("player: two slots are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.GapTolerance <= 0 {
		cfg.GapTolerance = 3
	}
	return &LivePlayer{
		cfg:    cfg,
		log:    logger.OrDefault(cfg.Logger).With(slog.String("competition_id", cfg.CompetitionID)),
		cursor: Cursor{Mode: ModeLiveTail},
		done:   make(chan struct{}),
	}, nil
}

// Start begins probing and playback in the background.
func (p *LivePlayer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrDestroyed
	}
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
	return nil
}

// Destroy stops polling and playback and releases both slots. Called from
// a callback it returns without waiting; the slots are released and Done is
// closed once the callback returns.
func (p *LivePlayer) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	cancel, started := p.cancel, p.started
	deferred := started && p.inCallback > 0
	p.releaseOnExit = deferred
	p.mu.Unlock()

	if !started {
		close(p.done)
		p.releaseSlots()
		return
	}
	cancel()
	if deferred {
		return
	}
	<-p.done
	p.releaseSlots()
}

func (p *LivePlayer) releaseSlots() {
	for _, s := range p.cfg.Slots {
		s.Release()
	}
}

// emit runs a host callback on the run goroutine.
func (p *LivePlayer) emit(fn func()) {
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

// Done is closed when playback ends or the player is destroyed.
func (p *LivePlayer) Done() <-chan struct{} { return p.done }

// State returns the current state.
func (p *LivePlayer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Cursor returns the current playback position.
func (p *LivePlayer) Cursor() Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.cursor
	if p.state == StatePlaying {
		c.Elapsed = time.Since(p.playStart)
	}
	return c
}

func (p *LivePlayer) setState(s State) {
	p.mu.Lock()
	if p.state == s {
		p.mu.Unlock()
		return
	}
	prev := p.state
	p.state = s
	p.mu.Unlock()

	p.log.Debug("live player state", slog.String("from", prev.String()), slog.String("to", s.String()))
	if p.cfg.Callbacks.OnStateChange != nil {
		p.emit(func() { p.cfg.Callbacks.OnStateChange(s) })
	}
}

func (p *LivePlayer) report(err error) {
	if p.cfg.Callbacks.OnError != nil {
		p.emit(func() { p.cfg.Callbacks.OnError(err) })
	}
}

// liveLoop is the state owned by the run goroutine.
type liveLoop struct {
	m         manifest.Manifest
	next      uint64
	fg, bg    int
	preloaded uint64
	playing   <-chan struct{}
	misses    int
}

func (p *LivePlayer) run(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		release := p.releaseOnExit
		p.mu.Unlock()
		if release {
			p.releaseSlots()
		}
		close(p.done)
	}()

	p.setState(StateProbing)
	l := &liveLoop{next: 1, fg: 0, bg: 1}
	p.refresh(ctx, l)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if l.playing == nil {
			if p.advance(ctx, l) {
				continue
			}
			if l.m.Finalized && l.next > l.m.Highest {
				p.setState(StateEnded)
				p.log.Info("live playback ended", slog.Uint64("last_sequence", l.next-1))
				if p.cfg.Callbacks.OnEnded != nil {
					p.emit(p.cfg.Callbacks.OnEnded)
				}
				return
			}
			p.setState(StateBuffering)
		}

		select {
		case <-ctx.Done():
			return
		case <-l.playing:
			l.playing = nil
			if l.preloaded != l.next {
				p.refresh(ctx, l)
			}
		case <-ticker.C:
			p.refresh(ctx, l)
			if l.playing != nil {
				p.preload(ctx, l)
			} else {
				p.countMiss(l)
			}
		}
	}
}

// advance shows segment next when it is preloaded or can be loaded now.
func (p *LivePlayer) advance(ctx context.Context, l *liveLoop) bool {
	if l.preloaded != l.next && !p.preload(ctx, l) {
		return false
	}

	slots := p.cfg.Slots
	slots[l.bg].Show()
	slots[l.fg].Hide()
	l.fg, l.bg = l.bg, l.fg
	current := l.next
	l.next++
	l.preloaded = 0
	l.misses = 0
	l.playing = slots[l.fg].Play(0)

	p.mu.Lock()
	p.cursor = Cursor{CurrentIndex: current, Mode: ModeLiveTail}
	p.playStart = time.Now()
	p.mu.Unlock()
	p.setState(StatePlaying)
	if p.cfg.Callbacks.OnProgress != nil {
		p.emit(func() { p.cfg.Callbacks.OnProgress(current, l.m.Highest) })
	}

	p.preload(ctx, l)
	return true
}

// preload loads segment next into the hidden slot when the manifest has it.
// Fetch and decode failures count as not yet available.
func (p *LivePlayer) preload(ctx context.Context, l *liveLoop) bool {
	if l.preloaded == l.next {
		return true
	}
	if ctx.Err() != nil || !l.m.Has(l.next) {
		return false
	}
	data, err := p.cfg.Fetcher.Fetch(ctx, p.cfg.CompetitionID, l.next)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("segment fetch failed, will retry",
				slog.Uint64("sequence", l.next), slog.String("error", err.Error()))
		}
		return false
	}
	seg := media.Segment{Sequence: l.next, Data: data, Extension: l.m.Extension}
	if err := p.cfg.Slots[l.bg].Load(ctx, seg); err != nil {
		derr := &DecodeError{Sequence: l.next, Err: err}
		p.log.Warn("segment not decodable yet", slog.Uint64("sequence", l.next), slog.String("error", err.Error()))
		p.report(derr)
		return false
	}
	l.preloaded = l.next
	return true
}

// countMiss skips a segment the finalized session never delivered after
// GapTolerance polls. A session still recording is waited for indefinitely.
func (p *LivePlayer) countMiss(l *liveLoop) {
	if !l.m.Finalized || l.next > l.m.Highest {
		return
	}
	l.misses++
	if l.misses < p.cfg.GapTolerance {
		return
	}
	p.log.Warn("skipping missing segment", slog.Uint64("sequence", l.next), slog.Int("polls", l.misses))
	p.report(&DecodeError{Sequence: l.next, Err: ErrSegmentUnavailable})
	l.next++
	l.misses = 0
}

// refresh probes the manifest, keeping the previous snapshot on failure.
func (p *LivePlayer) refresh(ctx context.Context, l *liveLoop) {
	m, err := p.cfg.Prober.Probe(ctx, p.cfg.CompetitionID)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("manifest probe failed, keeping previous snapshot", slog.String("error", err.Error()))
			p.report(err)
		}
		return
	}
	l.m = m
}

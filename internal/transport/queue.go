package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chunkcast/internal/media"
	"chunkcast/internal/platform/logger"
)

// Uploader sends one segment. *Transport implements it.
type Uploader interface {
	UploadSegment(ctx context.Context, seg media.Segment) error
}

// QueueConfig tunes the producer-side retry policy.
type QueueConfig struct {
	// MaxInFlight bounds concurrent uploads (default 3).
	MaxInFlight int
	// MaxAttempts is the number of tries before an entry fails permanently (default 5).
	MaxAttempts int
	// BaseBackoff is the delay before the first retry, doubled per attempt
	// up to MaxBackoff (defaults 500ms and 8s).
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	OnUploaded func(seq uint64)
	// OnFailed is called once an entry exhausts its attempts.
	OnFailed func(seq uint64, err error)
	Logger   *slog.Logger
}

// Entry is one segment waiting for, or undergoing, upload.
type Entry struct {
	Segment  media.Segment
	Attempts int

	inFlight bool
	retry    *time.Timer
}

// Queue holds segments until the store confirms them. Entries upload
// concurrently and may complete out of order; a failed attempt is re-queued
// after a backoff.
type Queue struct {
	up  Uploader
	cfg QueueConfig
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	entries   map[uint64]*Entry
	ready     []uint64
	inFlight  int
	abandoned bool
	idle      chan struct{}
	uploaded  int
	failed    int
}

// NewQueue returns a queue uploading through up.
func NewQueue(up Uploader, cfg QueueConfig) *Queue {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = 8 * time.Second
		if cfg.MaxBackoff < cfg.BaseBackoff {
			cfg.MaxBackoff = cfg.BaseBackoff
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		up:      up,
		cfg:     cfg,
		log:     logger.OrDefault(cfg.Logger),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[uint64]*Entry),
	}
}

// Enqueue adds a segment. Duplicate sequence numbers still queued are ignored.
func (q *Queue) Enqueue(seg media.Segment) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.abandoned {
		return ErrQueueAbandoned
	}
	if _, exists := q.entries[seg.Sequence]; exists {
		return nil
	}
	q.entries[seg.Sequence] = &Entry{Segment: seg}
	q.ready = append(q.ready, seg.Sequence)
	q.dispatchLocked()
	return nil
}

// dispatchLocked starts uploads for ready entries up to MaxInFlight.
// Caller must hold q.mu.
func (q *Queue) dispatchLocked() {
	for q.inFlight < q.cfg.MaxInFlight && len(q.ready) > 0 {
		seq := q.ready[0]
		q.ready = q.ready[1:]
		e, ok := q.entries[seq]
		if !ok {
			continue
		}
		e.inFlight = true
		e.Attempts++
		q.inFlight++
		go q.attempt(e)
	}
}

func (q *Queue) attempt(e *Entry) {
	err := q.up.UploadSegment(q.ctx, e.Segment)
	seq := e.Segment.Sequence

	q.mu.Lock()
	q.inFlight--
	e.inFlight = false

	var notify func()
	switch {
	case err == nil:
		delete(q.entries, seq)
		q.uploaded++
		if q.cfg.OnUploaded != nil {
			notify = func() { q.cfg.OnUploaded(seq) }
		}
	case q.abandoned:
		delete(q.entries, seq)
	case e.Attempts >= q.cfg.MaxAttempts:
		delete(q.entries, seq)
		q.failed++
		q.log.Error("chunk upload failed permanently",
			slog.Uint64("sequence", seq),
			slog.Int("attempts", e.Attempts),
			slog.String("error", err.Error()))
		if q.cfg.OnFailed != nil {
			notify = func() { q.cfg.OnFailed(seq, err) }
		}
	default:
		delay := q.backoff(e.Attempts)
		q.log.Warn("chunk upload failed, retrying",
			slog.Uint64("sequence", seq),
			slog.Int("attempt", e.Attempts),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		e.retry = time.AfterFunc(delay, func() { q.requeue(seq) })
	}
	q.dispatchLocked()
	q.signalIdleLocked()
	q.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (q *Queue) requeue(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[seq]
	if !ok || q.abandoned {
		return
	}
	e.retry = nil
	q.ready = append(q.ready, seq)
	q.dispatchLocked()
}

func (q *Queue) backoff(attempts int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < attempts && d < q.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > q.cfg.MaxBackoff {
		d = q.cfg.MaxBackoff
	}
	return d
}

// signalIdleLocked wakes Drain waiters once nothing is left. Caller must hold q.mu.
func (q *Queue) signalIdleLocked() {
	if len(q.entries) == 0 && q.idle != nil {
		close(q.idle)
		q.idle = nil
	}
}

// Drain blocks until every entry has either uploaded or failed permanently.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return nil
	}
	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abandon drops every entry not yet attempted, stops pending retries and
// cancels in-flight uploads. Later Enqueue calls fail with ErrQueueAbandoned.
func (q *Queue) Abandon() int {
	q.mu.Lock()
	if q.abandoned {
		q.mu.Unlock()
		return 0
	}
	q.abandoned = true
	dropped := 0
	for seq, e := range q.entries {
		if e.retry != nil {
			e.retry.Stop()
		}
		if !e.inFlight {
			delete(q.entries, seq)
			dropped++
		}
	}
	q.ready = nil
	q.signalIdleLocked()
	q.mu.Unlock()

	q.cancel()
	if dropped > 0 {
		q.log.Warn("upload queue abandoned", slog.Int("dropped", dropped))
	}
	return dropped
}

// QueueStats is a point-in-time view of the queue.
type QueueStats struct {
	Queued   int
	InFlight int
	Uploaded int
	Failed   int
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Queued:   len(q.entries),
		InFlight: q.inFlight,
		Uploaded: q.uploaded,
		Failed:   q.failed,
	}
}

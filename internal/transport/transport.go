// Package transport moves recorded segments from a producer to the chunk
// store: clock sync, per-segment multipart upload and the one-shot finalize.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chunkcast/internal/api"
	"chunkcast/internal/media"
	"chunkcast/internal/platform/logger"
	"chunkcast/internal/session"

	"github.com/google/uuid"
)

const defaultHTTPTimeout = 30 * time.Second

// Config configures a Transport.
type Config struct {
	// ServerURL is the chunk store base URL, e.g. "http://localhost:8080".
	ServerURL string
	// Client defaults to an http.Client with a 30s timeout.
	Client *http.Client
	Logger *slog.Logger
	// Now defaults to time.Now; tests pin it.
	Now func() time.Time
}

// Transport is the producer's connection to the chunk store. Uploads may run
// concurrently; the store addresses chunks by number, not arrival order.
type Transport struct {
	baseURL string
	client  *http.Client
	sess    *session.Session
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan struct{}

	finalizeCalled atomic.Bool
}

// New returns a Transport for sess.
func New(cfg Config, sess *session.Session) *Transport {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Transport{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		client:  client,
		sess:    sess,
		log:     logger.OrDefault(cfg.Logger),
		now:     now,
		pending: make(map[uint64]chan struct{}),
	}
}

// Session returns the session this transport uploads for.
func (t *Transport) Session() *session.Session {
	return t.sess
}

// SyncTime fetches the store clock once and records offset = local - remote
// on the session. On failure the session is given a zero offset and a
// *SyncError is returned; recording may proceed either way.
func (t *Transport) SyncTime(ctx context.Context) (time.Duration, error) {
	remote, err := t.fetchTime(ctx)
	local := t.now()
	if err != nil {
		t.sess.SetClock(local, local)
		t.log.Warn("time sync failed, using local clock",
			slog.String("competition_id", t.sess.CompetitionID),
			slog.String("error", err.Error()))
		return 0, &SyncError{Err: err}
	}

	t.sess.SetClock(local, remote)
	offset := t.sess.Offset()
	t.log.Info("time synced",
		slog.String("competition_id", t.sess.CompetitionID),
		slog.Int64("offset_ms", offset.Milliseconds()))
	return offset, nil
}

func (t *Transport) fetchTime(ctx context.Context) (time.Time, error) {
	req, err := t.newRequest(ctx, http.MethodGet, api.PathTime, nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body api.TimeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("decode time: %w", err)
	}
	if body.Timestamp <= 0 {
		return time.Time{}, errors.New("store returned no timestamp")
	}
	return time.UnixMilli(body.Timestamp), nil
}

// UploadSegment sends one segment. A failed attempt is returned as an
// *UploadError and is not retried here.
func (t *Transport) UploadSegment(ctx context.Context, seg media.Segment) error {
	id := t.track()
	defer t.settle(id)

	body, contentType, err := t.encodeSegment(seg)
	if err != nil {
		return &UploadError{Sequence: seg.Sequence, Err: err}
	}
	req, err := t.newRequest(ctx, http.MethodPost, api.PathUpload, body)
	if err != nil {
		return &UploadError{Sequence: seg.Sequence, Err: err}
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return &UploadError{Sequence: seg.Sequence, Err: err}
	}
	defer resp.Body.Close()

	var out api.UploadResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &UploadError{Sequence: seg.Sequence, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	if decodeErr != nil {
		return &UploadError{Sequence: seg.Sequence, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", decodeErr)}
	}
	if !out.Success {
		return &UploadError{Sequence: seg.Sequence, StatusCode: resp.StatusCode, Err: fmt.Errorf("store rejected chunk: %s", out.Error)}
	}

	t.log.Debug("chunk uploaded",
		slog.String("competition_id", t.sess.CompetitionID),
		slog.Uint64("sequence", seg.Sequence),
		slog.Int("bytes", seg.ByteSize()))
	return nil
}

func (t *Transport) encodeSegment(seg media.Segment) (io.Reader, string, error) {
	ext := seg.Extension
	if ext == "" {
		ext = t.sess.Extension()
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(api.FieldChunk, fmt.Sprintf("chunk_%d.%s", seg.Sequence, ext))
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(seg.Data); err != nil {
		return nil, "", err
	}

	fields := []struct{ k, v string }{
		{api.FieldCompetitionID, t.sess.CompetitionID},
		{api.FieldChunkNumber, strconv.FormatUint(seg.Sequence, 10)},
		{api.FieldExtension, string(ext)},
		{api.FieldOffset, strconv.FormatInt(t.sess.Offset().Milliseconds(), 10)},
		{api.FieldProducerID, t.sess.ProducerID},
	}
	if !seg.ProducedAt.IsZero() {
		fields = append(fields, struct{ k, v string }{
			api.FieldProducedAtMs, strconv.FormatInt(t.sess.ServerTime(seg.ProducedAt).UnixMilli(), 10),
		})
	}
	for _, f := range fields {
		if err := mw.WriteField(f.k, f.v); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// WaitForPending blocks until every upload issued before the call has
// settled, whatever its outcome. Uploads issued afterwards are not awaited.
func (t *Transport) WaitForPending(ctx context.Context) error {
	t.mu.Lock()
	waits := make([]chan struct{}, 0, len(t.pending))
	for _, ch := range t.pending {
		waits = append(waits, ch)
	}
	t.mu.Unlock()

	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Pending returns the number of uploads currently in flight.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Transport) track() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.pending[t.nextID] = make(chan struct{})
	return t.nextID
}

func (t *Transport) settle(id uint64) {
	t.mu.Lock()
	ch := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	close(ch)
}

// FinalizeResult is the store's answer to a finalize call.
type FinalizeResult struct {
	Success  bool
	VideoURL string
}

// Finalize waits for pending uploads and then signals completion once. A
// second call returns ErrAlreadyFinalized without contacting the store.
func (t *Transport) Finalize(ctx context.Context) (FinalizeResult, error) {
	if !t.finalizeCalled.CompareAndSwap(false, true) {
		return FinalizeResult{}, ErrAlreadyFinalized
	}
	if err := t.WaitForPending(ctx); err != nil {
		return FinalizeResult{}, &FinalizeError{Err: fmt.Errorf("wait for pending uploads: %w", err)}
	}

	payload, err := json.Marshal(api.FinalizeRequest{
		CompetitionID: t.sess.CompetitionID,
		Extension:     string(t.sess.Extension()),
	})
	if err != nil {
		return FinalizeResult{}, &FinalizeError{Err: err}
	}
	req, err := t.newRequest(ctx, http.MethodPost, api.PathFinalize, bytes.NewReader(payload))
	if err != nil {
		return FinalizeResult{}, &FinalizeError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.log.Error("finalize failed", slog.String("competition_id", t.sess.CompetitionID), slog.String("error", err.Error()))
		return FinalizeResult{}, &FinalizeError{Err: err}
	}
	defer resp.Body.Close()

	var out api.FinalizeResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || decodeErr != nil || !out.Success {
		msg := out.Error
		switch {
		case msg != "":
		case decodeErr != nil && resp.StatusCode < 300:
			msg = "decode response: " + decodeErr.Error()
		default:
			msg = "store did not acknowledge finalize"
		}
		t.log.Error("finalize rejected",
			slog.String("competition_id", t.sess.CompetitionID),
			slog.Int("status", resp.StatusCode),
			slog.String("error", msg))
		return FinalizeResult{}, &FinalizeError{StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	t.sess.MarkFinalized()
	t.log.Info("session finalized",
		slog.String("competition_id", t.sess.CompetitionID),
		slog.String("video_url", out.VideoURL))
	return FinalizeResult{Success: true, VideoURL: out.VideoURL}, nil
}

func (t *Transport) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(logger.RequestIDHeader, uuid.NewString())
	return req, nil
}

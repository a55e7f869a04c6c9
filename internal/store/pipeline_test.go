package store

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"chunkcast/internal/api"
	"chunkcast/internal/manifest"
	"chunkcast/internal/media"
	"chunkcast/internal/platform/logger"
	"chunkcast/internal/session"
	"chunkcast/internal/transport"
)

// failOnce fails the first upload of one chunk number with a 503.
func failOnce(seq string, next http.Handler) http.Handler {
	var once sync.Once
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == api.PathUpload && r.FormValue(api.FieldChunkNumber) == seq {
			failed := false
			once.Do(func() { failed = true })
			if failed {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func TestPipeline_retry_then_finalize(t *testing.T) {
	_, r := newTestHandler(t, 0)
	srv := httptest.NewServer(failOnce("2", r))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess := session.New("match-1")
	sess.SetExtension(media.WebM)
	tr := transport.New(transport.Config{ServerURL: srv.URL, Logger: logger.Discard()}, sess)
	if _, err := tr.SyncTime(ctx); err != nil {
		t.Fatalf("SyncTime: %v", err)
	}

	var mu sync.Mutex
	var failures []uint64
	q := transport.NewQueue(tr, transport.QueueConfig{
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		OnFailed: func(seq uint64, _ error) {
			mu.Lock()
			failures = append(failures, seq)
			mu.Unlock()
		},
		Logger: logger.Discard(),
	})
	defer q.Abandon()

	payload := map[uint64][]byte{1: []byte("one-"), 2: []byte("two-"), 3: []byte("three")}
	for seq := uint64(1); seq <= 3; seq++ {
		if err := q.Enqueue(media.Segment{Sequence: seq, Data: payload[seq], Extension: media.WebM, ProducedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	mu.Lock()
	failed := append([]uint64(nil), failures...)
	mu.Unlock()
	if len(failed) != 0 {
		t.Fatalf("permanent failures: %v", failed)
	}

	res, err := tr.Finalize(ctx)
	if err != nil || !res.Success {
		t.Fatalf("Finalize: %+v %v", res, err)
	}

	client := manifest.NewClient(manifest.ClientConfig{ServerURL: srv.URL, Logger: logger.Discard()})
	m, err := client.Probe(ctx, "match-1")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !m.Finalized || m.Highest != 3 {
		t.Errorf("manifest = %+v", m)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		if !m.Has(seq) {
			t.Errorf("chunk %d missing from manifest", seq)
		}
		data, err := client.Fetch(ctx, "match-1", seq)
		if err != nil || !bytes.Equal(data, payload[seq]) {
			t.Errorf("Fetch(%d) = %q, %v", seq, data, err)
		}
	}

	var video bytes.Buffer
	if _, err := client.DownloadVideo(ctx, "match-1", &video); err != nil {
		t.Fatalf("DownloadVideo: %v", err)
	}
	if video.String() != "one-two-three" {
		t.Errorf("video = %q", video.String())
	}

	pp := manifest.NewPushProber(client)
	defer pp.Close()
	pm, err := pp.Probe(ctx, "match-1")
	if err != nil || !pm.Finalized || pm.Highest != 3 {
		t.Errorf("push probe = %+v, %v", pm, err)
	}
}

func TestPipeline_second_producer_rejected(t *testing.T) {
	_, r := newTestHandler(t, 0)
	srv := httptest.NewServer(r)
	defer srv.Close()
	ctx := context.Background()

	first := transport.New(transport.Config{ServerURL: srv.URL, Logger: logger.Discard()}, session.New("match-2"))
	second := transport.New(transport.Config{ServerURL: srv.URL, Logger: logger.Discard()}, session.New("match-2"))

	if err := first.UploadSegment(ctx, media.Segment{Sequence: 1, Data: []byte("a"), Extension: media.WebM}); err != nil {
		t.Fatalf("first producer: %v", err)
	}
	err := second.UploadSegment(ctx, media.Segment{Sequence: 2, Data: []byte("b"), Extension: media.WebM})
	ue, ok := err.(*transport.UploadError)
	if !ok || ue.StatusCode != http.StatusConflict {
		t.Errorf("second producer: %v, want a 409 UploadError", err)
	}
}

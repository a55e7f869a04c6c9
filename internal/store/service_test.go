package store

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chunkcast/internal/api"
	"chunkcast/internal/media"
	"chunkcast/internal/platform/logger"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []api.ManifestResponse
}

func (p *recordingPublisher) Publish(_ CompetitionID, m api.ManifestResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, m)
}

func (p *recordingPublisher) last() (api.ManifestResponse, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return api.ManifestResponse{}, 0
	}
	return p.sent[len(p.sent)-1], len(p.sent)
}

type testService struct {
	*Service
	dir  string
	repo *SessionRepository
	pub  *recordingPublisher
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	dir := t.TempDir()
	blobs, err := NewLocalBlobStorage(dir)
	if err != nil {
		t.Fatalf("NewLocalBlobStorage: %v", err)
	}
	repo := NewInMemoryRepository()
	svc := NewService(repo, blobs, ServiceConfig{
		WindowSize:    3,
		PublicURL:     "http://store.test/",
		ChunkDuration: 3 * time.Second,
		ProbeDuration: func(_ media.Extension, data []byte) (time.Duration, error) {
			if strings.HasPrefix(string(data), "bad") {
				return 0, errors.New("unreadable")
			}
			return 2 * time.Second, nil
		},
		Logger: logger.Discard(),
	})
	pub := &recordingPublisher{}
	svc.SetPublisher(pub)
	return &testService{Service: svc, dir: dir, repo: repo, pub: pub}
}

func (s *testService) put(t *testing.T, id CompetitionID, seq uint64, ext media.Extension, data string) bool {
	t.Helper()
	created, err := s.StoreChunk(UploadRequest{
		CompetitionID: id,
		ProducerID:    "p1",
		Sequence:      seq,
		Extension:     ext,
		Data:          []byte(data),
	})
	if err != nil {
		t.Fatalf("StoreChunk(%d): %v", seq, err)
	}
	return created
}

func (s *testService) blobCount(t *testing.T, id CompetitionID) int {
	t.Helper()
	n := 0
	root := filepath.Join(s.dir, string(id), "chunks")
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return nil
	})
	return n
}

func TestValidCompetitionID(t *testing.T) {
	for _, id := range []string{"c1", "match-42", "a.b_c", "X"} {
		if !ValidCompetitionID(id) {
			t.Errorf("%q should be valid", id)
		}
	}
	for _, id := range []string{"", ".", "..", "a/b", "a..b", "-x", "has space", strings.Repeat("a", 129)} {
		if ValidCompetitionID(id) {
			t.Errorf("%q should be invalid", id)
		}
	}
}

func TestService_StoreChunk(t *testing.T) {
	s := newTestService(t)

	if !s.put(t, "c1", 1, media.WebM, "one") {
		t.Fatal("first upload should be created")
	}
	m, ok, err := s.Manifest("c1")
	if err != nil || !ok {
		t.Fatalf("Manifest: ok=%v err=%v", ok, err)
	}
	if m.HighestSequence != 1 || len(m.Available) != 1 || m.Extension != "webm" || m.Finalized {
		t.Errorf("manifest = %+v", m)
	}
	if got, n := s.pub.last(); n != 1 || got.HighestSequence != 1 {
		t.Errorf("published %d manifests, last %+v", n, got)
	}

	snap, _, _ := s.repo.Snapshot("c1")
	if snap.Chunks[0].Duration != 2*time.Second || snap.Chunks[0].Size != 3 {
		t.Errorf("chunk = %+v", snap.Chunks[0])
	}
}

func TestService_StoreChunk_duplicate_keeps_original(t *testing.T) {
	s := newTestService(t)
	s.put(t, "c1", 1, media.WebM, "original")

	if s.put(t, "c1", 1, media.WebM, "retry") {
		t.Error("re-upload should report created=false")
	}
	if n := s.blobCount(t, "c1"); n != 1 {
		t.Errorf("blob count = %d, want 1", n)
	}
	rc, _, err := s.OpenChunk("c1", 1)
	if err != nil {
		t.Fatalf("OpenChunk: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "original" {
		t.Errorf("chunk bytes = %q", data)
	}
	if _, n := s.pub.last(); n != 1 {
		t.Errorf("duplicate should not publish, got %d", n)
	}
}

func TestService_StoreChunk_unknown_duration(t *testing.T) {
	s := newTestService(t)
	s.put(t, "c1", 1, media.WebM, "bad bytes")
	snap, _, _ := s.repo.Snapshot("c1")
	if snap.Chunks[0].Duration != 0 {
		t.Errorf("Duration = %v, want 0", snap.Chunks[0].Duration)
	}
}

func TestService_StoreChunk_validation(t *testing.T) {
	s := newTestService(t)
	_, err := s.StoreChunk(UploadRequest{CompetitionID: "../x", Sequence: 1, Extension: media.WebM, Data: []byte("x")})
	if !errors.Is(err, ErrInvalidCompetitionID) {
		t.Errorf("bad id: %v", err)
	}
	_, err = s.StoreChunk(UploadRequest{CompetitionID: "c1", Sequence: 0, Extension: media.WebM, Data: []byte("x")})
	if !errors.Is(err, ErrInvalidSequence) {
		t.Errorf("sequence 0: %v", err)
	}
	_, err = s.StoreChunk(UploadRequest{CompetitionID: "c1", Sequence: api.MaxSequence + 1, Extension: media.WebM, Data: []byte("x")})
	if !errors.Is(err, ErrInvalidSequence) {
		t.Errorf("sequence above limit: %v", err)
	}
}

func TestService_StoreChunk_rejected_blob_removed(t *testing.T) {
	s := newTestService(t)
	s.put(t, "c1", 1, media.WebM, "one")
	if _, err := s.Finalize(context.Background(), "c1", media.WebM); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	_, err := s.StoreChunk(UploadRequest{CompetitionID: "c1", ProducerID: "p1", Sequence: 2, Extension: media.WebM, Data: []byte("late")})
	if !errors.Is(err, ErrSessionFinalized) {
		t.Fatalf("late upload: %v, want ErrSessionFinalized", err)
	}
	if n := s.blobCount(t, "c1"); n != 1 {
		t.Errorf("blob count = %d, rejected upload left a blob", n)
	}

	_, err = s.StoreChunk(UploadRequest{CompetitionID: "c2", ProducerID: "p1", Sequence: 1, Extension: media.WebM, Data: []byte("a")})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.StoreChunk(UploadRequest{CompetitionID: "c2", ProducerID: "p2", Sequence: 2, Extension: media.WebM, Data: []byte("b")})
	if !errors.Is(err, ErrProducerConflict) {
		t.Errorf("second producer: %v, want ErrProducerConflict", err)
	}
	if n := s.blobCount(t, "c2"); n != 1 {
		t.Errorf("blob count = %d after conflict", n)
	}
}

func TestService_Finalize_assembles_in_order(t *testing.T) {
	s := newTestService(t)
	s.put(t, "c1", 3, media.WebM, "CCC")
	s.put(t, "c1", 1, media.WebM, "A")
	s.put(t, "c1", 2, media.WebM, "BB")
	s.put(t, "c1", 5, media.WebM, "E")

	if _, _, err := s.OpenVideo(context.Background(), "c1"); !errors.Is(err, ErrNotFinalized) {
		t.Errorf("OpenVideo before finalize: %v", err)
	}

	url, err := s.Finalize(context.Background(), "c1", media.WebM)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if url != "http://store.test/competitions/c1/video" {
		t.Errorf("url = %q", url)
	}
	if got, _ := s.pub.last(); !got.Finalized || got.HighestSequence != 5 {
		t.Errorf("last published = %+v", got)
	}

	snap, _, _ := s.repo.Snapshot("c1")
	if snap.FinalKey != "c1/final.webm" {
		t.Errorf("FinalKey = %q", snap.FinalKey)
	}
	rc, ext, err := s.OpenVideo(context.Background(), "c1")
	if err != nil {
		t.Fatalf("OpenVideo: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if ext != media.WebM || string(data) != "ABBCCCE" {
		t.Errorf("video = %q (%s)", data, ext)
	}

	if _, err := s.Finalize(context.Background(), "c1", media.WebM); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("second Finalize = %v", err)
	}
}

func TestService_Finalize_errors(t *testing.T) {
	s := newTestService(t)
	if _, err := s.Finalize(context.Background(), "nope", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: %v", err)
	}
	s.put(t, "c1", 1, media.WebM, "A")
	if _, err := s.Finalize(context.Background(), "c1", media.MP4); !errors.Is(err, ErrExtensionMismatch) {
		t.Errorf("wrong extension: %v", err)
	}
	snap, _, _ := s.repo.Snapshot("c1")
	if snap.Finalized {
		t.Error("a rejected finalize must not finalize the session")
	}
}

func TestService_OpenVideo_streams_chunks_without_final_blob(t *testing.T) {
	s := newTestService(t)
	s.put(t, "c1", 1, media.MP4, "A")
	s.put(t, "c1", 2, media.MP4, "B")
	if _, err := s.Finalize(context.Background(), "c1", ""); err != nil {
		t.Fatal(err)
	}
	snap, _, _ := s.repo.Snapshot("c1")
	if err := s.blobs.Delete(snap.FinalKey); err != nil {
		t.Fatal(err)
	}

	rc, _, err := s.OpenVideo(context.Background(), "c1")
	if err != nil {
		t.Fatalf("OpenVideo: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "AB" {
		t.Errorf("video = %q", data)
	}
}

func TestService_OpenChunk_not_found(t *testing.T) {
	s := newTestService(t)
	if _, _, err := s.OpenChunk("c1", 1); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: %v", err)
	}
	s.put(t, "c1", 1, media.WebM, "A")
	if _, _, err := s.OpenChunk("c1", 2); !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("unknown chunk: %v", err)
	}
}

func TestService_Playlist(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Playlist("c1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown: %v", err)
	}

	s.put(t, "w1", 1, media.WebM, "A")
	if _, err := s.Playlist("w1"); !errors.Is(err, ErrPlaylistUnsupported) {
		t.Errorf("webm: %v", err)
	}

	for seq := uint64(1); seq <= 5; seq++ {
		s.put(t, "c1", seq, media.MP4, "x")
	}
	s.put(t, "c1", 7, media.MP4, "bad")

	live, err := s.Playlist("c1")
	if err != nil {
		t.Fatalf("Playlist: %v", err)
	}
	// Window of 3 over 1..5,7 is {4,5,7}, cut at the gap.
	if !strings.Contains(live, "#EXT-X-MEDIA-SEQUENCE:4") || strings.Contains(live, "chunks/7") {
		t.Errorf("live playlist:\n%s", live)
	}
	if !strings.Contains(live, "http://store.test/competitions/c1/chunks/5\n") {
		t.Errorf("expected absolute chunk URI:\n%s", live)
	}
	if strings.Contains(live, "#EXT-X-ENDLIST") {
		t.Error("live playlist should not end")
	}

	if _, err := s.Finalize(context.Background(), "c1", media.MP4); err != nil {
		t.Fatal(err)
	}
	vod, _ := s.Playlist("c1")
	if !strings.Contains(vod, "#EXT-X-MEDIA-SEQUENCE:1") || !strings.Contains(vod, "#EXT-X-ENDLIST") {
		t.Errorf("vod playlist:\n%s", vod)
	}
	if !strings.Contains(vod, "#EXT-X-DISCONTINUITY\n#EXTINF:3.000,\nhttp://store.test/competitions/c1/chunks/7") {
		t.Errorf("chunk 7 should follow a discontinuity with the fallback duration:\n%s", vod)
	}
}

func TestService_ActiveSessionCount(t *testing.T) {
	s := newTestService(t)
	s.put(t, "a", 1, media.WebM, "x")
	s.put(t, "b", 1, media.WebM, "x")
	_, _ = s.Finalize(context.Background(), "a", "")
	if n := s.ActiveSessionCount(); n != 1 {
		t.Errorf("ActiveSessionCount = %d", n)
	}
}

package store

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"chunkcast/internal/api"
	"chunkcast/internal/media"
	"chunkcast/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

func newTestHandler(t *testing.T, maxChunkBytes int64) (*Handler, *chi.Mux) {
	t.Helper()
	blobs, err := NewLocalBlobStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	log := logger.Discard()
	svc := NewService(NewInMemoryRepository(), blobs, ServiceConfig{Logger: log})
	n := NewNotifier(log, nil)
	svc.SetPublisher(n)
	t.Cleanup(n.Close)
	h := NewHandler(svc, n, log, nil, maxChunkBytes)
	h.now = func() time.Time { return time.UnixMilli(1700000000123) }
	r := chi.NewRouter()
	h.Routes(r)
	return h, r
}

type uploadForm struct {
	id     string
	seq    string
	ext    string
	offset string
	data   []byte
	noFile bool
}

func uploadRequest(t *testing.T, f uploadForm) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if !f.noFile {
		part, err := mw.CreateFormFile(api.FieldChunk, "chunk."+f.ext)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(f.data)
	}
	mw.WriteField(api.FieldCompetitionID, f.id)
	mw.WriteField(api.FieldChunkNumber, f.seq)
	mw.WriteField(api.FieldExtension, f.ext)
	if f.offset != "" {
		mw.WriteField(api.FieldOffset, f.offset)
	}
	mw.WriteField(api.FieldProducerID, "p1")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, api.PathUpload, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func upload(t *testing.T, r http.Handler, id string, seq uint64, ext, data string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, uploadRequest(t, uploadForm{id: id, seq: strconv.FormatUint(seq, 10), ext: ext, offset: "-15", data: []byte(data)}))
	return rec
}

func finalize(t *testing.T, r http.Handler, id, ext string) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(api.FinalizeRequest{CompetitionID: id, Extension: ext})
	req := httptest.NewRequest(http.MethodPost, api.PathFinalize, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandler_Time(t *testing.T) {
	_, r := newTestHandler(t, 0)
	rec := get(r, api.PathTime)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out api.TimeResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Timestamp != 1700000000123 {
		t.Errorf("timestamp = %d", out.Timestamp)
	}
}

func TestHandler_Upload(t *testing.T) {
	_, r := newTestHandler(t, 0)

	rec := upload(t, r, "c1", 1, "webm", "chunk-one")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var out api.UploadResponse
	json.NewDecoder(rec.Body).Decode(&out)
	if !out.Success {
		t.Errorf("response = %+v", out)
	}

	// Re-upload of the same number is an idempotent success.
	if rec := upload(t, r, "c1", 1, "webm", "chunk-one"); rec.Code != http.StatusOK {
		t.Errorf("duplicate: expected 200, got %d", rec.Code)
	}

	rec = get(r, api.ManifestPath("c1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("manifest: expected 200, got %d", rec.Code)
	}
	var m api.ManifestResponse
	json.NewDecoder(rec.Body).Decode(&m)
	if m.HighestSequence != 1 || len(m.Available) != 1 || m.Extension != "webm" {
		t.Errorf("manifest = %+v", m)
	}
}

func TestHandler_Upload_bad_request(t *testing.T) {
	_, r := newTestHandler(t, 0)
	tests := []struct {
		name string
		form uploadForm
	}{
		{"missing_file", uploadForm{id: "c1", seq: "1", ext: "webm", noFile: true}},
		{"empty_file", uploadForm{id: "c1", seq: "1", ext: "webm"}},
		{"missing_id", uploadForm{seq: "1", ext: "webm", data: []byte("x")}},
		{"bad_id", uploadForm{id: "../etc", seq: "1", ext: "webm", data: []byte("x")}},
		{"bad_number", uploadForm{id: "c1", seq: "one", ext: "webm", data: []byte("x")}},
		{"zero_number", uploadForm{id: "c1", seq: "0", ext: "webm", data: []byte("x")}},
		{"bad_extension", uploadForm{id: "c1", seq: "1", ext: "avi", data: []byte("x")}},
		{"bad_offset", uploadForm{id: "c1", seq: "1", ext: "webm", offset: "soon", data: []byte("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, uploadRequest(t, tt.form))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body)
			}
			var out api.UploadResponse
			json.NewDecoder(rec.Body).Decode(&out)
			if out.Success || out.Error == "" {
				t.Errorf("response = %+v", out)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, api.PathUpload, strings.NewReader("not multipart"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-multipart: expected 400, got %d", rec.Code)
	}
}

func TestHandler_Upload_too_large(t *testing.T) {
	_, r := newTestHandler(t, 16)
	rec := upload(t, r, "c1", 1, "webm", strings.Repeat("x", 64))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
	if rec := get(r, api.ManifestPath("c1")); rec.Code != http.StatusNotFound {
		t.Errorf("oversized chunk should not create a session, manifest %d", rec.Code)
	}
}

func TestHandler_Upload_conflict_after_finalize(t *testing.T) {
	_, r := newTestHandler(t, 0)
	upload(t, r, "c1", 1, "webm", "a")
	if rec := finalize(t, r, "c1", "webm"); rec.Code != http.StatusOK {
		t.Fatalf("finalize: %d", rec.Code)
	}
	if rec := upload(t, r, "c1", 2, "webm", "b"); rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
	if rec := upload(t, r, "c1", 1, "mp4", "b"); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for a finalized session regardless of extension, got %d", rec.Code)
	}
}

func TestHandler_Finalize(t *testing.T) {
	_, r := newTestHandler(t, 0)
	upload(t, r, "c1", 1, "webm", "a")
	upload(t, r, "c1", 2, "webm", "b")

	rec := finalize(t, r, "c1", "webm")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out api.FinalizeResponse
	json.NewDecoder(rec.Body).Decode(&out)
	if !out.Success || out.VideoURL != "/competitions/c1/video" {
		t.Errorf("response = %+v", out)
	}

	rec = finalize(t, r, "c1", "webm")
	if rec.Code != http.StatusConflict {
		t.Errorf("second finalize: expected 409, got %d", rec.Code)
	}
	out = api.FinalizeResponse{}
	json.NewDecoder(rec.Body).Decode(&out)
	if out.Success {
		t.Error("second finalize should not report success")
	}
}

func TestHandler_Finalize_errors(t *testing.T) {
	_, r := newTestHandler(t, 0)

	if rec := finalize(t, r, "nope", "webm"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: expected 404, got %d", rec.Code)
	}
	if rec := finalize(t, r, "c1", "avi"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad extension: expected 400, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodPost, api.PathFinalize, strings.NewReader("{"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad json: expected 400, got %d", rec.Code)
	}
	upload(t, r, "c1", 1, "webm", "a")
	if rec := finalize(t, r, "c1", "mp4"); rec.Code != http.StatusConflict {
		t.Errorf("extension mismatch: expected 409, got %d", rec.Code)
	}
}

func TestHandler_Chunk(t *testing.T) {
	_, r := newTestHandler(t, 0)
	upload(t, r, "c1", 1, "webm", "chunk-bytes")

	rec := get(r, api.ChunkPath("c1", 1))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/webm" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Body.String() != "chunk-bytes" {
		t.Errorf("body = %q", rec.Body)
	}

	req := httptest.NewRequest(http.MethodGet, api.ChunkPath("c1", 1), nil)
	req.Header.Set("Range", "bytes=6-")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "bytes" {
		t.Errorf("range: %d %q", rec.Code, rec.Body)
	}

	if rec := get(r, api.ChunkPath("c1", 2)); rec.Code != http.StatusNotFound {
		t.Errorf("missing chunk: expected 404, got %d", rec.Code)
	}
	if rec := get(r, "/competitions/c1/chunks/zero"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad sequence: expected 400, got %d", rec.Code)
	}
}

func TestHandler_Manifest_errors(t *testing.T) {
	_, r := newTestHandler(t, 0)
	if rec := get(r, api.ManifestPath("c1")); rec.Code != http.StatusNotFound {
		t.Errorf("unknown: expected 404, got %d", rec.Code)
	}
	if rec := get(r, "/competitions/a..b/manifest"); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid id: expected 400, got %d", rec.Code)
	}
}

func TestHandler_Video(t *testing.T) {
	_, r := newTestHandler(t, 0)
	upload(t, r, "c1", 2, "webm", "BB")
	upload(t, r, "c1", 1, "webm", "A")

	if rec := get(r, api.VideoPath("c1")); rec.Code != http.StatusConflict {
		t.Errorf("before finalize: expected 409, got %d", rec.Code)
	}
	finalize(t, r, "c1", "webm")

	rec := get(r, api.VideoPath("c1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ABB" {
		t.Errorf("video = %q", rec.Body)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "c1.webm") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if rec := get(r, api.VideoPath("nope")); rec.Code != http.StatusNotFound {
		t.Errorf("unknown: expected 404, got %d", rec.Code)
	}
}

func TestHandler_Playlist(t *testing.T) {
	_, r := newTestHandler(t, 0)
	upload(t, r, "w1", 1, "webm", "a")
	upload(t, r, "m1", 1, "mp4", "a")

	if rec := get(r, "/competitions/w1/playlist.m3u8"); rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("webm: expected 415, got %d", rec.Code)
	}
	if rec := get(r, "/competitions/nope/playlist.m3u8"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown: expected 404, got %d", rec.Code)
	}

	rec := get(r, "/competitions/m1/playlist.m3u8")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "/competitions/m1/chunks/1") {
		t.Errorf("playlist:\n%s", body)
	}
}

func TestHandler_Upload_records_offset(t *testing.T) {
	h, r := newTestHandler(t, 0)
	upload(t, r, "c1", 1, string(media.WebM), "a")
	snap, _, _ := h.svc.repo.Snapshot("c1")
	if len(snap.Chunks) != 1 || snap.Chunks[0].OffsetMs != -15 || snap.ProducerID != "p1" {
		t.Errorf("snapshot = %+v", snap)
	}
}

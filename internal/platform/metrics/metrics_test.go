package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics_counters(t *testing.T) {
	m := New()
	m.ObserveChunkStored(100)
	m.ObserveChunkStored(50)
	m.IncChunksRejected("finalized")
	m.IncSessionsFinalized()
	m.AddManifestSubscribers(2)
	m.AddManifestSubscribers(-1)

	out := scrape(t, m, func() { m.SetActiveSessions(3) })
	for _, want := range []string{
		"chunkcast_chunks_stored_total 2",
		"chunkcast_chunk_bytes_total 150",
		`chunkcast_chunks_rejected_total{reason="finalized"} 1`,
		"chunkcast_sessions_finalized_total 1",
		"chunkcast_active_sessions 3",
		"chunkcast_manifest_subscribers 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.Write([]byte("ok"))
	}))
	for _, p := range []string{"/ok", "/bad", "/ok"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	out := scrape(t, m, nil)
	if !strings.Contains(out, "chunkcast_requests_total 3") {
		t.Errorf("requests not counted:\n%s", out)
	}
	if !strings.Contains(out, "chunkcast_errors_total 1") {
		t.Errorf("errors not counted:\n%s", out)
	}
}

func TestRequestMiddleware_hijack_unsupported(t *testing.T) {
	m := New()
	var err error
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, err = w.(http.Hijacker).Hijack()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if err == nil {
		t.Error("hijacking a recorder should fail")
	}
}

package store

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chunkcast/internal/api"
	"chunkcast/internal/platform/logger"

	"github.com/gorilla/websocket"
)

func TestNotifier_Publish_keeps_latest(t *testing.T) {
	n := NewNotifier(logger.Discard(), nil)
	sub := &subscriber{id: "c1", send: make(chan []byte, 1)}
	n.subs["c1"] = map[*subscriber]struct{}{sub: {}}

	n.Publish("c1", api.ManifestResponse{CompetitionID: "c1", HighestSequence: 1})
	n.Publish("c1", api.ManifestResponse{CompetitionID: "c1", HighestSequence: 2})
	n.Publish("other", api.ManifestResponse{CompetitionID: "other", HighestSequence: 9})

	var m api.ManifestResponse
	if err := json.Unmarshal(<-sub.send, &m); err != nil {
		t.Fatal(err)
	}
	if m.HighestSequence != 2 {
		t.Errorf("HighestSequence = %d, want the latest (2)", m.HighestSequence)
	}

	n.Publish("c1", api.ManifestResponse{CompetitionID: "c1", HighestSequence: 3, Finalized: true})
	raw, ok := <-sub.send
	if !ok {
		t.Fatal("finalized manifest should be delivered before close")
	}
	json.Unmarshal(raw, &m)
	if !m.Finalized {
		t.Errorf("manifest = %+v", m)
	}
	if _, ok := <-sub.send; ok {
		t.Error("send should be closed after a finalized manifest")
	}
	if n.SubscriberCount("c1") != 0 {
		t.Error("finalized subscriber should be removed")
	}

	// Publishing again must not panic on the closed channel.
	n.Publish("c1", api.ManifestResponse{CompetitionID: "c1", Finalized: true})
}

func readManifest(t *testing.T, conn *websocket.Conn) api.ManifestResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m api.ManifestResponse
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return m
}

func TestNotifier_streams_manifest_until_finalized(t *testing.T) {
	h, r := newTestHandler(t, 0)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + api.ManifestStreamPath("c1")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	first := readManifest(t, conn)
	if first.HighestSequence != 0 || first.Finalized {
		t.Errorf("initial manifest = %+v", first)
	}
	if n := h.notifier.SubscriberCount("c1"); n != 1 {
		t.Errorf("SubscriberCount = %d", n)
	}

	if rec := upload(t, r, "c1", 1, "webm", "a"); rec.Code != 200 {
		t.Fatalf("upload: %d", rec.Code)
	}
	if m := readManifest(t, conn); m.HighestSequence != 1 || len(m.Available) != 1 {
		t.Errorf("after upload = %+v", m)
	}

	finalize(t, r, "c1", "webm")
	if m := readManifest(t, conn); !m.Finalized {
		t.Errorf("after finalize = %+v", m)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
		t.Errorf("expected normal close after finalize, got %v", err)
	}
}

func TestNotifier_finalized_session_closes_after_first_message(t *testing.T) {
	_, r := newTestHandler(t, 0)
	upload(t, r, "c1", 1, "webm", "a")
	finalize(t, r, "c1", "webm")

	srv := httptest.NewServer(r)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+api.ManifestStreamPath("c1"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if m := readManifest(t, conn); !m.Finalized || m.HighestSequence != 1 {
		t.Errorf("manifest = %+v", m)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected close, got %v", err)
	}
}

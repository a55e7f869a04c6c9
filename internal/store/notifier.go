package store

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chunkcast/internal/api"
	"chunkcast/internal/platform/logger"
	"chunkcast/internal/platform/metrics"

	"github.com/gorilla/websocket"
)

const (
	notifierWriteWait  = 10 * time.Second
	notifierPongWait   = 60 * time.Second
	notifierPingPeriod = notifierPongWait * 9 / 10
	notifierReadLimit  = 512
)

// subscriber is one websocket watching a session's manifest. send holds at
// most the latest manifest; older undelivered ones are dropped.
type subscriber struct {
	id     CompetitionID
	conn   *websocket.Conn
	send   chan []byte
	closed bool
}

// Notifier pushes manifest changes to websocket subscribers.
type Notifier struct {
	mu       sync.Mutex
	subs     map[CompetitionID]map[*subscriber]struct{}
	upgrader websocket.Upgrader
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewNotifier returns an empty Notifier. m may be nil.
func NewNotifier(log *slog.Logger, m *metrics.Metrics) *Notifier {
	return &Notifier{
		subs: make(map[CompetitionID]map[*subscriber]struct{}),
		log:  logger.OrDefault(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024 * 4,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: m,
	}
}

// Serve upgrades the request and streams manifests of id until the client
// goes away or the session is finalized. current is evaluated once the
// subscriber is registered and sent as the first message.
func (n *Notifier) Serve(w http.ResponseWriter, r *http.Request, id CompetitionID, current func() api.ManifestResponse) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.log.Debug("manifest subscribe upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(notifierReadLimit)

	sub := &subscriber{id: id, conn: conn, send: make(chan []byte, 1)}
	n.mu.Lock()
	if n.subs[id] == nil {
		n.subs[id] = make(map[*subscriber]struct{})
	}
	n.subs[id][sub] = struct{}{}
	m := current()
	n.deliverLocked(sub, m)
	n.mu.Unlock()

	if n.metrics != nil {
		n.metrics.AddManifestSubscribers(1)
	}
	n.log.Debug("manifest subscriber registered", slog.String("competition_id", string(id)))

	go n.writePump(sub)
	n.readPump(sub)
}

// Publish sends m to every subscriber of id. A finalized manifest is the
// last message; those subscribers are closed after it is written.
func (n *Notifier) Publish(id CompetitionID, m api.ManifestResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs[id] {
		n.deliverLocked(sub, m)
	}
}

func (n *Notifier) deliverLocked(sub *subscriber, m api.ManifestResponse) {
	if sub.closed {
		return
	}
	raw, err := json.Marshal(m)
	if err != nil {
		n.log.Error("marshal manifest", slog.String("error", err.Error()))
		return
	}
	select {
	case <-sub.send:
	default:
	}
	sub.send <- raw
	if m.Finalized {
		n.removeLocked(sub)
	}
}

func (n *Notifier) removeLocked(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.send)
	if set, ok := n.subs[sub.id]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(n.subs, sub.id)
		}
	}
}

func (n *Notifier) writePump(sub *subscriber) {
	ticker := time.NewTicker(notifierPingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
		if n.metrics != nil {
			n.metrics.AddManifestSubscribers(-1)
		}
	}()
	for {
		select {
		case raw, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(notifierWriteWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "finalized"))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				n.drop(sub)
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(notifierWriteWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				n.drop(sub)
				return
			}
		}
	}
}

// readPump discards client messages and notices disconnects.
func (n *Notifier) readPump(sub *subscriber) {
	_ = sub.conn.SetReadDeadline(time.Now().Add(notifierPongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(notifierPongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			break
		}
	}
	n.drop(sub)
}

func (n *Notifier) drop(sub *subscriber) {
	n.mu.Lock()
	n.removeLocked(sub)
	n.mu.Unlock()
}

// SubscriberCount returns the number of live subscribers of id.
func (n *Notifier) SubscriberCount(id CompetitionID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[id])
}

// Close disconnects every subscriber.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, set := range n.subs {
		for sub := range set {
			n.removeLocked(sub)
		}
	}
}

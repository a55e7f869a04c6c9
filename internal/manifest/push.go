package manifest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chunkcast/internal/api"
	"chunkcast/internal/platform/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const defaultRedialInterval = 5 * time.Second

// PushProber answers Probe from manifests pushed by the store over a
// websocket, one subscription per competition. Until the first push arrives,
// or while the subscription is down, it falls back to the HTTP probe.
type PushProber struct {
	http   *Client
	dialer *websocket.Dialer
	log    *slog.Logger
	// RedialInterval limits reconnect attempts after a failed dial.
	RedialInterval time.Duration

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

type subscription struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	latest   Manifest
	have     bool
	live     bool
	lastDial time.Time
}

// NewPushProber returns a PushProber that dials the store behind c.
func NewPushProber(c *Client) *PushProber {
	return &PushProber{
		http:           c,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:            c.log,
		RedialInterval: defaultRedialInterval,
		subs:           make(map[string]*subscription),
	}
}

// Probe returns the latest pushed manifest, or the HTTP probe result when
// nothing has been pushed yet.
func (p *PushProber) Probe(ctx context.Context, competitionID string) (Manifest, error) {
	sub := p.subscribe(ctx, competitionID)
	if sub != nil {
		sub.mu.Lock()
		m, ok, live := sub.latest, sub.have, sub.live
		sub.mu.Unlock()
		if ok && (live || m.Finalized) {
			return m, nil
		}
	}
	return p.http.Probe(ctx, competitionID)
}

// subscribe ensures a live subscription exists, redialing at most once per
// RedialInterval. A finalized subscription is never redialed.
func (p *PushProber) subscribe(ctx context.Context, competitionID string) *subscription {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	sub, ok := p.subs[competitionID]
	if !ok {
		sub = &subscription{}
		p.subs[competitionID] = sub
	}
	p.mu.Unlock()

	sub.mu.Lock()
	if sub.live || (sub.have && sub.latest.Finalized) || time.Since(sub.lastDial) < p.RedialInterval {
		sub.mu.Unlock()
		return sub
	}
	sub.lastDial = time.Now()
	sub.mu.Unlock()

	header := http.Header{}
	header.Set(logger.RequestIDHeader, uuid.NewString())
	conn, resp, err := p.dialer.DialContext(ctx, p.streamURL(competitionID), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		p.log.Debug("manifest push unavailable, polling",
			slog.String("competition_id", competitionID),
			slog.String("error", err.Error()))
		return sub
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		conn.Close()
		return nil
	}

	sub.mu.Lock()
	sub.conn = conn
	sub.live = true
	sub.mu.Unlock()
	p.log.Debug("manifest push subscribed", slog.String("competition_id", competitionID))

	go p.readPump(competitionID, sub, conn)
	return sub
}

func (p *PushProber) readPump(competitionID string, sub *subscription, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		sub.mu.Lock()
		sub.live = false
		sub.conn = nil
		sub.mu.Unlock()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Debug("manifest push closed",
					slog.String("competition_id", competitionID),
					slog.String("error", err.Error()))
			}
			return
		}
		var body api.ManifestResponse
		if err := json.Unmarshal(data, &body); err != nil {
			p.log.Warn("bad manifest push", slog.String("error", err.Error()))
			continue
		}
		if body.CompetitionID == "" {
			body.CompetitionID = competitionID
		}
		m, err := FromResponse(body)
		if err != nil {
			p.log.Warn("bad manifest push", slog.String("error", err.Error()))
			continue
		}
		sub.mu.Lock()
		sub.latest = m
		sub.have = true
		sub.mu.Unlock()
	}
}

func (p *PushProber) streamURL(competitionID string) string {
	base := p.http.BaseURL()
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + api.ManifestStreamPath(competitionID)
}

// Close drops every subscription.
func (p *PushProber) Close() error {
	p.mu.Lock()
	p.closed = true
	subs := p.subs
	p.subs = make(map[string]*subscription)
	p.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if sub.conn != nil {
			sub.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			sub.conn.Close()
		}
		sub.mu.Unlock()
	}
	return nil
}

// Package opsws implements the optional debug stream mounted at
// /internal/ops/ws: a push-only websocket that fans routing decisions and
// transcription job transitions out to connected operators for live
// debugging. The stream is read-only and carries no client->server
// protocol.
package opsws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one broadcast frame.
type Event struct {
	Kind string    `json:"kind"` // "routing_decision" | "job_transition"
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// RoutingDecision is the Data payload for a "routing_decision" Event.
type RoutingDecision struct {
	AgentCode  string `json:"agent_code"`
	Kind       string `json:"kind"`
	Phone      string `json:"phone"`
	ChosenID   int    `json:"chosen_inbox_id"`
	Candidates []int  `json:"candidate_inboxes"`
}

// JobTransition is the Data payload for a "job_transition" Event.
type JobTransition struct {
	JobID   int    `json:"job_id"`
	Status  string `json:"status"`
	Attempt int    `json:"attempt"`
}

// Hub fans out Events to every connected websocket client. Publish never
// blocks on a slow client: its buffered channel is dropped for that one
// event rather than stalling every other publisher.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*client]struct{}
	log      *slog.Logger
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub builds a Hub with no connected clients yet.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		log:     log,
	}
}

// Publish broadcasts ev to every currently connected client.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.log.Warn("opsws: dropping event for slow client", "kind", ev.Kind)
		}
	}
}

// ServeHTTP upgrades the request to a websocket and streams Events to it
// until the client disconnects or the request context is canceled.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("opsws: upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan Event, 32)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
	}()

	// This stream carries no client->server protocol, but the connection
	// still needs its read pump serviced so control frames (ping/close) are
	// processed and a dead peer is noticed promptly.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// Package websocket streams alert and graph-change notifications to
// connected browser clients over a single /ws endpoint.
package websocket

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shadowhunter/core/internal/events"
)

const (
	pingInterval = 30 * time.Second
	idleTimeout  = 90 * time.Second
)

// StreamEnvelope is the JSON shape pushed to every connected client: either
// {"type":"alert","payload":<Alert>} or {"type":"graph"} (a hint to
// re-poll the discovery endpoints, carrying no payload). The heartbeat uses
// the same shape as {"type":"ping"}.
type StreamEnvelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Streamer manages WebSocket connections for the live alert/graph feed. It
// subscribes to the event bus's alert and graph-change topics and fans both
// out to every connected client.
type Streamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan StreamEnvelope
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewStreamer creates a Streamer. Call Run in its own goroutine to start
// the broadcast hub.
func NewStreamer() *Streamer {
	return &Streamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan StreamEnvelope, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Run starts the WebSocket hub; blocks until ctx-equivalent shutdown is
// handled by the caller closing stop.
func (s *Streamer) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			s.mu.Lock()
			for client := range s.clients {
				client.Close()
			}
			s.mu.Unlock()
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			s.mu.Unlock()
			log.Printf("[WS] client connected (total: %d)", len(s.clients))

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
			}
			s.mu.Unlock()
			log.Printf("[WS] client disconnected (total: %d)", len(s.clients))

		case env := <-s.broadcast:
			s.mu.RLock()
			for client := range s.clients {
				if err := client.WriteJSON(env); err != nil {
					log.Printf("[WS] write error: %v", err)
					client.Close()
					delete(s.clients, client)
				}
			}
			s.mu.RUnlock()
		}
	}
}

// SubscribeHub wires the streamer to hub's alert and graph-change topics;
// call once after Run starts.
func (s *Streamer) SubscribeHub(hub interface {
	Subscribe(topic string) (string, <-chan *events.Envelope)
}) {
	_, alerts := hub.Subscribe(events.TopicAlerts)
	_, graphChanges := hub.Subscribe(events.TopicGraphChanges)

	go func() {
		for env := range alerts {
			s.Broadcast(StreamEnvelope{Type: "alert", Payload: env.Data})
		}
	}()
	go func() {
		for range graphChanges {
			s.Broadcast(StreamEnvelope{Type: "graph"})
		}
	}()
}

// Broadcast enqueues env for delivery to every connected client. Non-blocking
// drop is not needed here (buffer is generous and clients are few); a full
// buffer simply backs up the caller briefly.
func (s *Streamer) Broadcast(env StreamEnvelope) {
	s.broadcast <- env
}

// HandleWebSocket upgrades the request and manages its lifetime: a 30s
// server ping heartbeat, and a hard close after 90s in which the client sent
// neither a message (its pings included) nor a pong.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade error: %v", err)
		return
	}

	s.register <- conn
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	go s.heartbeat(conn)

	defer func() { s.unregister <- conn }()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
	}
}

func (s *Streamer) heartbeat(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteJSON(StreamEnvelope{Type: "ping"}); err != nil {
			return
		}
	}
}

// Stats reports the connected-client count and broadcast queue depth.
func (s *Streamer) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(s.clients),
		"broadcast_queue":   len(s.broadcast),
	}
}

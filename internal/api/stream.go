package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/slotkeeper/slotkeeper/internal/audit"
	"github.com/slotkeeper/slotkeeper/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// AuditStream fans recorded audit events out to websocket clients. It
// subscribes to the bus once; clients that fall behind are dropped rather
// than allowed to stall the stream.
type AuditStream struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan models.AuditEvent
}

// NewAuditStream builds the stream and registers it on the bus.
func NewAuditStream(bus *audit.Bus) *AuditStream {
	s := &AuditStream{clients: make(map[*websocket.Conn]chan models.AuditEvent)}
	bus.Subscribe(s.broadcast)
	return s
}

func (s *AuditStream) broadcast(event models.AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, ch := range s.clients {
		select {
		case ch <- event:
		default:
			// Slow consumer; close it out.
			close(ch)
			delete(s.clients, conn)
			conn.Close()
		}
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (s *AuditStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("audit stream upgrade failed: %v", err)
		return
	}

	ch := make(chan models.AuditEvent, 64)
	s.mu.Lock()
	s.clients[conn] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if _, ok := s.clients[conn]; ok {
			close(ch)
			delete(s.clients, conn)
		}
		s.mu.Unlock()
		conn.Close()
	}()

	// Drain reads so close frames and pings are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

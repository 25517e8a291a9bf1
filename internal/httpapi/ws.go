package httpapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lighterfeed/lighterfeed/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

// wsSubscriber adapts a gorilla/websocket connection to broadcast.Subscriber.
// connID is a per-connection identifier used only for log correlation.
type wsSubscriber struct {
	conn   *websocket.Conn
	connID uuid.UUID
	logger *slog.Logger
	mu     sync.Mutex
}

func upgradeToSubscriber(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*wsSubscriber, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	connID := uuid.New()
	logger.Debug("httpapi: ws subscriber attached", "conn_id", connID)
	return &wsSubscriber{conn: conn, connID: connID, logger: logger}, nil
}

// Send satisfies broadcast.Subscriber: a write failure is treated as
// permanent and the hub will detach this subscriber.
func (s *wsSubscriber) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// readUntilClosed blocks discarding inbound frames (this channel is
// publish-only) until the client disconnects, then detaches itself.
func (s *wsSubscriber) readUntilClosed(hub *broadcast.Hub) {
	defer hub.Detach(s)
	defer s.conn.Close()
	defer s.logger.Debug("httpapi: ws subscriber detached", "conn_id", s.connID)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

package dashboard

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	CheckOrigin:      func(*http.Request) bool { return true },
}

type updateEvent struct {
	LastUpdate float64 `json:"last_update"`
}

// websocket pushes the change counter whenever it moves. The first value is
// sent straight after the upgrade.
func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := r.Context()
	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	last := -1.0
	for {
		current, err := s.store.LastModified(ctx)
		if err != nil {
			s.logger.Warn("websocket poll failed", slog.Any("error", err))
		} else if current != last {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(updateEvent{LastUpdate: current}); err != nil {
				s.logger.Debug("websocket write failed", slog.Any("error", err))
				return
			}
			last = current
		}

		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}

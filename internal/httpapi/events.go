package httpapi

import (
	"encoding/json"
	"time"

	"github.com/danmuck/c3sync/internal/coordinator"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// streamEvents upgrades to a WebSocket and pushes StateChange JSON until either
// side closes. ?kind=event narrows the stream to access events, ?panel=id to one panel.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	var sub *coordinator.Subscription
	if c.Query("kind") == string(coordinator.ChangeEvent) {
		sub = s.backend.SubscribeEvents()
	} else {
		sub = s.backend.Subscribe()
	}
	panelID := c.Query("panel")
	log := s.log.With().Str("subscription", sub.ID()).Str("remote", c.ClientIP()).Logger()
	log.Info().Msg("event stream opened")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		readPump(conn)
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
		log.Info().Msg("event stream closed")
	}()
	for {
		select {
		case <-closed:
			return
		case ch, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if panelID != "" && ch.Panel != panelID {
				continue
			}
			msg, err := json.Marshal(ch)
			if err != nil {
				log.Warn().Err(err).Msg("state change encode failed")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and returns when the peer goes away.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

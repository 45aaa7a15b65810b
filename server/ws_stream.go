package server

import (
	"context"
	"net/http"
	"time"

	"tuneforge/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NotificationStreamHandler pushes the caller's notifications over a websocket
// until either side closes it.
func (h *APIHandler) NotificationStreamHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.Notifier == nil {
		writeError(w, http.StatusServiceUnavailable, "Notifications are not configured")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := h.Notifier.Subscribe(ctx, userID)
	if err != nil {
		logger.Error("[WS] subscribe failed", logger.UserID(userID), logger.ErrorField(err))
		writeError(w, http.StatusServiceUnavailable, "Notifications unavailable")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("[WS] websocket upgrade failed", logger.ErrorField(err))
		return
	}
	defer conn.Close()
	logger.Debug("[WS] notification stream opened", logger.UserID(userID))

	// The read loop only handles control frames; it ends when the client goes away.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(n); err != nil {
				logger.Debug("[WS] write failed", logger.UserID(userID), logger.ErrorField(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

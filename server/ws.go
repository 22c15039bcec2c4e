package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"posgate/notify"
)

const wsWriteTimeout = 10 * time.Second

// handleNotificationsWS streams payment notifications for one merchant over a
// websocket. A cursor query parameter replays missed events after reconnect.
func (s *Server) handleNotificationsWS(w http.ResponseWriter, r *http.Request) {
	merchant := strings.TrimSpace(r.URL.Query().Get("merchant"))
	if merchant == "" {
		writeError(w, http.StatusBadRequest, "merchant query parameter required")
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	if err := s.streamNotifications(r.Context(), conn, merchant, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamNotifications(ctx context.Context, conn *websocket.Conn, merchant, cursor string) error {
	events, cancel, backlog := s.hub.Subscribe(ctx, merchant, cursor)
	defer cancel()

	for _, event := range backlog {
		if err := writeEvent(ctx, conn, event); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event notify.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

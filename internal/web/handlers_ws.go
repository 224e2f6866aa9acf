package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"dustrak-core/internal/fanout"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 10 * time.Second
)

// wsRequest is a viewer message: {"action":"join"|"leave","owner_id":n,"device_id":n}.
type wsRequest struct {
	Action   string `json:"action"`
	OwnerID  int64  `json:"owner_id"`
	DeviceID int64  `json:"device_id"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := fanout.NewClient(wsSendBuffer)
	if !s.hub.Register(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(conn, client)
	s.wsReadPump(conn, client)
}

func (s *Server) wsWritePump(conn *websocket.Conn, client *fanout.Client) {
	for msg := range client.Send() {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub; close connection.
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(conn *websocket.Conn, client *fanout.Client) {
	defer s.hub.Unregister(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel read context when hub shuts down.
	go func() {
		select {
		case <-s.hub.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.logger.Debug("ws invalid message", "client", client.ID, "err", err)
			continue
		}
		room := fanout.Room{OwnerID: req.OwnerID, DeviceID: req.DeviceID}
		switch req.Action {
		case "join":
			s.hub.Join(client, room)
		case "leave":
			s.hub.Leave(client, room)
		default:
			s.logger.Debug("ws unknown action", "client", client.ID, "action", req.Action)
		}
	}
}

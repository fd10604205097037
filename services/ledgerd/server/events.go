package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"shardledger/core/types"
	"shardledger/gateway/respond"
)

const wsWriteTimeout = 10 * time.Second

// handleEvents streams ledger events over a websocket. Repeated "type"
// query parameters narrow the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		respond.JSON(w, http.StatusNotFound, respond.ErrorBody{Error: "event stream disabled"})
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := s.stream.Subscribe(r.URL.Query()["type"]...)
	defer cancel()

	// Reading is only needed to observe the client closing.
	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, conn, updates); err != nil && websocket.CloseStatus(err) == -1 {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, updates <-chan types.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			data, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

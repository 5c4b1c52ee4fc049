package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/p-n-ai/pai-training/internal/notify"
)

const eventWriteTimeout = 5 * time.Second

// handleEvents streams training events over a websocket. An optional
// user_id query parameter limits the stream to one user.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var userFilter int64
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "invalid user_id", http.StatusBadRequest)
			return
		}
		userFilter = id
	}

	// Server-wide timeouts would cut long-lived streams.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	name := "ws:" + uuid.NewString()
	stream := notify.NewStream(32)
	s.hub.Register(name, stream)
	defer func() {
		s.hub.Unregister(name)
		stream.Close()
	}()

	// Clients only listen; CloseRead handles their close frames.
	ctx := conn.CloseRead(r.Context())
	slog.Info("event stream opened", "subscriber", name, "user_id", userFilter)

	for {
		select {
		case <-ctx.Done():
			slog.Info("event stream closed", "subscriber", name)
			return
		case e, ok := <-stream.Events():
			if !ok {
				return
			}
			if userFilter != 0 && e.UserID != userFilter {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, conn, e)
			cancel()
			if err != nil {
				slog.Warn("event stream write failed", "subscriber", name, "error", err)
				return
			}
		}
	}
}

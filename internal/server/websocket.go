package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BMWareSPEEDY/Aarohan-project/internal/broadcast"
)

// request is an observer-to-server message; only the event name matters
type request struct {
	Event string `json:"event"`
}

// handleWebSocket runs one observer session: a reader goroutine handling
// requests and this goroutine draining the session onto the socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.beginSession() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	b := s.svc.Broadcaster()
	sess := b.Register()

	ctx, cancel := context.WithCancel(s.ctx)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		s.readRequests(conn, b, sess)
	}()

	err = s.writeMessages(ctx, conn, sess)

	cancel()
	b.Unregister(sess)

	if errors.Is(err, broadcast.ErrSlowConsumer) {
		deadline := time.Now().Add(time.Second)
		if werr := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow consumer"), deadline); werr != nil {
			slog.Debug("failed to send close frame", "session_id", sess.ID(), "error", werr)
		}
	}
	_ = conn.Close()
	<-readerDone

	slog.Debug("websocket session ended", "session_id", sess.ID(), "reason", err)
}

func (s *Server) readRequests(conn *websocket.Conn, b *broadcast.Broadcaster, sess *broadcast.Session) {
	conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read failed", "session_id", sess.ID(), "error", err)
			}
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			sess.SendError(fmt.Sprintf("%v: %v", broadcast.ErrMalformedRequest, err))
			continue
		}

		switch req.Event {
		case broadcast.EventRequestHistory:
			b.RequestHistory(sess)
		default:
			sess.SendError(fmt.Sprintf("%v: unsupported event %q", broadcast.ErrMalformedRequest, req.Event))
		}
	}
}

func (s *Server) writeMessages(ctx context.Context, conn *websocket.Conn, sess *broadcast.Session) error {
	for {
		msgs, err := sess.Next(ctx)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
			if err := conn.WriteJSON(m); err != nil {
				return fmt.Errorf("write %s: %w", m.Event, err)
			}
		}
	}
}

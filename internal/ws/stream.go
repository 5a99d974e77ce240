package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	transportWebSocket = "websocket"
	transportSSE       = "sse"

	maxClientMessage = 512
)

// handleStream serves GET /status-stream/{userId}. Requests that accept
// text/event-stream get SSE, everything else is upgraded to a WebSocket.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	if wantsEventStream(r) {
		s.serveEvents(w, r, userID)
		return
	}
	s.serveWebSocket(w, r, userID)
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("ws upgrade error", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.broadcaster.Subscribe(ctx, userID)
	if err != nil {
		s.closeWithError(conn, err)
		return
	}
	defer sub.Close()
	s.streamOpened(transportWebSocket, userID, r)

	pongWait := 2 * s.heartbeat
	conn.SetReadLimit(maxClientMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients never send data; reading only drives pongs and close frames.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				// removed by the broadcaster: too slow or shutting down
				s.closeWithError(conn, errStreamDropped)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("ws write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		case <-ctx.Done():
			s.logger.Debug("ws client disconnected", zap.String("user_id", userID), zap.String("remote_addr", r.RemoteAddr))
			return
		}
	}
}

var errStreamDropped = errors.New("stream closed by server")

// closeWithError sends a connection_status error and a close frame.
func (s *Server) closeWithError(conn *websocket.Conn, cause error) {
	data, _ := json.Marshal(ConnectionStatusMessage{Type: MsgConnectionStatus, Status: "error", Error: cause.Error()})
	deadline := time.Now().Add(s.writeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, data)
	code := websocket.CloseGoingAway
	if errors.Is(cause, ErrTooManyStreams) {
		code = websocket.ClosePolicyViolation
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, cause.Error()), deadline)
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := s.broadcaster.Subscribe(r.Context(), userID)
	if err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	defer sub.Close()
	s.streamOpened(transportSSE, userID, r)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	write := func(frame string) bool {
		_ = rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if _, err := w.Write([]byte(frame)); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				data, _ := json.Marshal(ConnectionStatusMessage{Type: MsgConnectionStatus, Status: "error", Error: errStreamDropped.Error()})
				write("data: " + string(data) + "\n\n")
				return
			}
			if !write("data: " + string(msg) + "\n\n") {
				return
			}
		case <-ticker.C:
			if !write(": ping\n\n") {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) streamOpened(transport, userID string, r *http.Request) {
	if s.metrics != nil {
		s.metrics.StreamOpened(transport)
	}
	s.logger.Info("stream opened",
		zap.String("transport", transport),
		zap.String("user_id", userID),
		zap.String("remote_addr", r.RemoteAddr))
}

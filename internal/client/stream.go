package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("status stream closed")

// StreamDialer opens status streams over WebSocket.
type StreamDialer struct {
	baseURL string
	token   string
	dialer  *websocket.Dialer
}

// NewStreamDialer targets the same base URL as NewHTTPClient.
func NewStreamDialer(baseURL, token string) *StreamDialer {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = 10 * time.Second
	return &StreamDialer{baseURL: strings.TrimRight(baseURL, "/"), token: token, dialer: &d}
}

// Dial opens GET /status-stream/{userId}. The first message of the stream
// is the user's snapshot.
func (d *StreamDialer) Dial(ctx context.Context, userID string) (*Stream, error) {
	u, err := streamURL(d.baseURL, userID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}
	conn, resp, err := d.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{Method: http.MethodGet, Path: "/status-stream/" + userID, Code: resp.StatusCode, Body: err.Error()}
		}
		return nil, fmt.Errorf("dial status stream: %w", err)
	}
	return newStream(conn), nil
}

func streamURL(base, userID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	escaped := strings.TrimRight(u.EscapedPath(), "/") + "/status-stream/" + url.PathEscape(userID)
	u.Path = strings.TrimRight(u.Path, "/") + "/status-stream/" + userID
	u.RawPath = escaped
	return u.String(), nil
}

// Stream is one open status stream. Next must be called from a single
// goroutine; Close may be called from any.
type Stream struct {
	conn   *websocket.Conn
	cancel context.CancelFunc

	once   sync.Once
	closed chan struct{}
}

func newStream(conn *websocket.Conn) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{conn: conn, cancel: cancel, closed: make(chan struct{})}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	go s.pingLoop(ctx)
	return s
}

// Next blocks until the next message arrives or the stream fails.
func (s *Stream) Next() (Message, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return Message{}, ErrStreamClosed
			default:
			}
			return Message{}, err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		msg, err := DecodeMessage(data)
		if err != nil {
			// skip frames this client cannot parse
			continue
		}
		return msg, nil
	}
}

func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.cancel()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// pingLoop sends periodic pings until the stream is closed.
func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

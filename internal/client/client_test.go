package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, m Message)
	}{
		{
			name:  "snapshot",
			frame: `{"type":"status","userId":"u1","status":{"sessions":{"main":{"state":"qr_required","connecting":true,"qrCode":"2@x"}}}}`,
			check: func(t *testing.T, m Message) {
				require.Contains(t, m.Sessions, "main")
				assert.Equal(t, StateQRRequired, m.Sessions["main"].State)
				require.NotNil(t, m.Sessions["main"].QRCode)
				assert.Equal(t, "2@x", *m.Sessions["main"].QRCode)
			},
		},
		{
			name:  "empty snapshot",
			frame: `{"type":"status","status":{"sessions":null}}`,
			check: func(t *testing.T, m Message) {
				assert.NotNil(t, m.Sessions)
				assert.Empty(t, m.Sessions)
			},
		},
		{
			name:  "change",
			frame: `{"type":"status_change","sessionId":"main","status":"connected","previous":"qr_required","timestamp":"2026-03-01T12:00:00Z"}`,
			check: func(t *testing.T, m Message) {
				assert.Equal(t, "main", m.SessionID)
				assert.Equal(t, StateConnected, m.State)
				assert.Equal(t, StateQRRequired, m.Previous)
				assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), m.Timestamp)
			},
		},
		{
			name:  "connection status",
			frame: `{"type":"connection_status","status":"error","error":"stream closed by server"}`,
			check: func(t *testing.T, m Message) {
				assert.Equal(t, ConnError, m.Conn)
				assert.Equal(t, "stream closed by server", m.Error)
			},
		},
		{
			name:  "removed",
			frame: `{"type":"session_removed","sessionId":"work"}`,
			check: func(t *testing.T, m Message) {
				assert.Equal(t, MsgSessionRemoved, m.Type)
				assert.Equal(t, "work", m.SessionID)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := DecodeMessage([]byte(tt.frame))
			require.NoError(t, err)
			tt.check(t, m)
		})
	}

	_, err := DecodeMessage([]byte(`{"type":"status_change","status":{}}`))
	assert.Error(t, err)
}

func TestStateFlags(t *testing.T) {
	assert.True(t, StateConnected.Connected())
	assert.True(t, StateReconnecting.Connecting())
	assert.True(t, StateQRRequired.Connecting())
	assert.True(t, StateConflict.HasError())
	assert.False(t, StateConflictResolved.HasError())
	assert.Equal(t, "unknown", State("").String())
}

func TestHTTPClient(t *testing.T) {
	var gotAuth, gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.EscapedPath()
		gotMethod = r.Method
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/status-all/u1":
			_, _ = w.Write([]byte(`{"userId":"u1","sessions":{"main":{"state":"connected","connected":true}}}`))
		case "/status-all/empty":
			_, _ = w.Write([]byte(`{"userId":"empty"}`))
		case "/initiate/u1/main":
			_, _ = w.Write([]byte(`{"success":true,"status":"connecting","message":"connection initiated"}`))
		case "/resolve-conflict/u1/main":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"success":false,"status":"connected","message":"session is not in conflict"}`))
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"success":true,"status":"disconnected"}`))
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "tok")
	ctx := context.Background()

	all, err := c.StatusAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, StateConnected, all.Sessions["main"].State)

	empty, err := c.StatusAll(ctx, "empty")
	require.NoError(t, err)
	assert.NotNil(t, empty.Sessions)

	res, err := c.Initiate(ctx, "u1", "main")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StateConnecting, res.Status)
	assert.Equal(t, http.MethodPost, gotMethod)

	_, err = c.ResolveConflict(ctx, "u1", "main")
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusConflict, serr.Code)
	assert.Contains(t, serr.Body, "not in conflict")

	_, err = c.Forget(ctx, "u1", "a/b")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Equal(t, "/session/u1/a%2Fb", gotPath)
}

func TestStreamURL(t *testing.T) {
	u, err := streamURL("http://127.0.0.1:8080", "u1")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/status-stream/u1", u)

	u, err = streamURL("https://status.example.com/api/", "u 1")
	require.NoError(t, err)
	assert.Equal(t, "wss://status.example.com/api/status-stream/u%201", u)

	_, err = streamURL("ftp://x", "u1")
	assert.Error(t, err)
}

func TestStreamRoundTrip(t *testing.T) {
	var gotAuth string
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","status":{"sessions":{}}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status_change","sessionId":"main","status":"connecting","previous":"disconnected"}`))
		<-release
	}))
	defer srv.Close()
	defer close(release)

	s, err := NewStreamDialer(srv.URL, "tok").Dial(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)

	m, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, MsgStatus, m.Type)

	m, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, MsgStatusChange, m.Type)
	assert.Equal(t, StateConnecting, m.State)

	require.NoError(t, s.Close())
	_, err = s.Next()
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.NoError(t, s.Close())
}

func TestDialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewStreamDialer(srv.URL, "").Dial(context.Background(), "u1")
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnauthorized, serr.Code)
}

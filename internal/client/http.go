package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, strings.TrimSpace(e.Body))
}

// HTTPClient makes REST calls to the status server.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8080").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// StatusAll fetches the snapshot of every session of userID.
func (c *HTTPClient) StatusAll(ctx context.Context, userID string) (*StatusAll, error) {
	var out StatusAll
	if err := c.do(ctx, http.MethodGet, "/status-all/"+url.PathEscape(userID), &out); err != nil {
		return nil, err
	}
	if out.Sessions == nil {
		out.Sessions = map[string]SessionStatus{}
	}
	return &out, nil
}

// Status fetches one session.
func (c *HTTPClient) Status(ctx context.Context, userID, sessionID string) (*SessionStatus, error) {
	var out SessionStatus
	if err := c.do(ctx, http.MethodGet, sessionPath("/status", userID, sessionID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Initiate sends POST /initiate/{userId}/{sessionId}.
func (c *HTTPClient) Initiate(ctx context.Context, userID, sessionID string) (*Result, error) {
	return c.result(ctx, http.MethodPost, sessionPath("/initiate", userID, sessionID))
}

// Disconnect sends POST /disconnect/{userId}/{sessionId}.
func (c *HTTPClient) Disconnect(ctx context.Context, userID, sessionID string) (*Result, error) {
	return c.result(ctx, http.MethodPost, sessionPath("/disconnect", userID, sessionID))
}

// ResolveConflict sends POST /resolve-conflict/{userId}/{sessionId}.
func (c *HTTPClient) ResolveConflict(ctx context.Context, userID, sessionID string) (*Result, error) {
	return c.result(ctx, http.MethodPost, sessionPath("/resolve-conflict", userID, sessionID))
}

// Forget sends DELETE /session/{userId}/{sessionId}.
func (c *HTTPClient) Forget(ctx context.Context, userID, sessionID string) (*Result, error) {
	return c.result(ctx, http.MethodDelete, sessionPath("/session", userID, sessionID))
}

func (c *HTTPClient) result(ctx context.Context, method, path string) (*Result, error) {
	var out Result
	if err := c.do(ctx, method, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func sessionPath(prefix, userID, sessionID string) string {
	return prefix + "/" + url.PathEscape(userID) + "/" + url.PathEscape(sessionID)
}

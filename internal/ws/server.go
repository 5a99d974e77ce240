package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wa-bridge/statussync/internal/config"
	"github.com/wa-bridge/statussync/internal/health"
	"github.com/wa-bridge/statussync/internal/lifecycle"
	"github.com/wa-bridge/statussync/internal/session"
	"github.com/wa-bridge/statussync/internal/telemetry"
)

const maxIDLength = 128

type Server struct {
	store       *session.Store
	broadcaster *Broadcaster
	controller  *lifecycle.Controller
	health      *health.Checker
	metrics     *telemetry.Metrics
	gatherer    prometheus.Gatherer
	logger      *zap.Logger

	heartbeat    time.Duration
	writeTimeout time.Duration

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

type ServerOption func(*Server)

func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records request metrics in m and serves g on /metrics.
func WithMetrics(m *telemetry.Metrics, g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

func WithHealth(h *health.Checker) ServerOption {
	return func(s *Server) { s.health = h }
}

func NewServer(cfg *config.Config, store *session.Store, broadcaster *Broadcaster, controller *lifecycle.Controller, opts ...ServerOption) *Server {
	s := &Server{
		store:          store,
		broadcaster:    broadcaster,
		controller:     controller,
		logger:         zap.NewNop(),
		heartbeat:      cfg.Stream.HeartbeatInterval,
		writeTimeout:   cfg.Stream.WriteTimeout,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 25 * time.Second
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("http")

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// Handler returns the full route table wrapped in the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.Handle("POST /initiate/{userId}/{sessionId}", s.api("initiate", s.handleInitiate))
	mux.Handle("POST /disconnect/{userId}/{sessionId}", s.api("disconnect", s.handleDisconnect))
	mux.Handle("POST /resolve-conflict/{userId}/{sessionId}", s.api("resolve_conflict", s.handleResolveConflict))
	mux.Handle("DELETE /session/{userId}/{sessionId}", s.api("forget", s.handleForget))
	mux.Handle("GET /status/{userId}/{sessionId}", s.api("status", s.handleStatus))
	mux.Handle("GET /status-all/{userId}", s.api("status_all", s.handleStatusAll))
	mux.Handle("GET /status-stream/{userId}", s.requireAuth(http.HandlerFunc(s.handleStream)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", s.requireAuth(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// api wraps a JSON endpoint with auth, request metrics and logging.
func (s *Server) api(route string, h http.HandlerFunc) http.Handler {
	return s.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveRequest(route, rec.code, elapsed)
		}
		s.logger.Debug("request",
			zap.String("route", route),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("code", rec.code),
			zap.Duration("elapsed", elapsed))
	}))
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	res, err := s.controller.Initiate(r.Context(), userID, sessionID)
	s.writeResult(w, res, err)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	res, err := s.controller.Disconnect(r.Context(), userID, sessionID)
	s.writeResult(w, res, err)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	res, err := s.controller.ResolveConflict(r.Context(), userID, sessionID)
	s.writeResult(w, res, err)
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	res, err := s.controller.Forget(r.Context(), userID, sessionID)
	s.writeResult(w, res, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	rec, found := s.store.Get(userID, sessionID)
	if !found {
		writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, NewStatusView(rec))
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	snap := s.store.Snapshot(userID)
	writeJSON(w, http.StatusOK, StatusAllResponse{
		UserID:    snap.UserID,
		Sessions:  newSnapshotBody(snap).Sessions,
		Timestamp: snap.TakenAt,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(w, http.StatusOK, s.health.Report(r.Context()))
}

// writeResult writes a lifecycle result, with the status code derived from
// err when the operation failed.
func (s *Server) writeResult(w http.ResponseWriter, res lifecycle.Result, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	code := errStatus(err)
	if code == http.StatusNotFound {
		writeError(w, code, err.Error())
		return
	}
	if code >= http.StatusInternalServerError {
		s.logger.Warn("lifecycle request failed", zap.Error(err))
	}
	if res.Message == "" {
		res.Message = err.Error()
	}
	res.Success = false
	writeJSON(w, code, res)
}

// errStatus maps domain errors to HTTP status codes.
func errStatus(err error) int {
	var aerr *lifecycle.AdapterError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrConflictPending),
		errors.Is(err, lifecycle.ErrNotInConflict):
		return http.StatusConflict
	case errors.Is(err, ErrTooManyStreams):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrBroadcasterClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &aerr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func pathIDs(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return "", "", false
	}
	sessionID, ok := pathID(w, r, "sessionId")
	if !ok {
		return "", "", false
	}
	return userID, sessionID, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := r.PathValue(name)
	if !validID(id) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return "", false
	}
	return id, true
}

// validID accepts printable ASCII ids without separators.
func validID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == '@', c == '+', c == ':':
		default:
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Status-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	switch host := parsed.Hostname(); {
	case parsed.Host == r.Host:
		return true
	case host == "localhost", host == "127.0.0.1", host == "::1":
		return true
	}
	return false
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/collabsync/internal/crdt"
	"github.com/agentworkforce/collabsync/internal/session"
)

type ServerConfig struct {
	Authorizer      Authorizer
	RateLimitMax    int
	RateLimitWindow time.Duration
	OutboxHighWater int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxFrameBytes   int64
	MaxBodyBytes    int64
	AllowedOrigins  []string
}

// Server exposes documents over websockets and a small HTTP surface for
// out-of-band updates and session status.
type Server struct {
	registry    *session.Registry
	cfg         ServerConfig
	router      *mux.Router
	rateLimiter *rateLimiter
	logger      zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	conns     sync.WaitGroup
	closeOnce sync.Once
}

func NewServer(registry *session.Registry, cfg ServerConfig, logger zerolog.Logger) *Server {
	if cfg.Authorizer == nil {
		cfg.Authorizer = NewJWTAuthorizer("", "")
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.OutboxHighWater <= 0 {
		cfg.OutboxHighWater = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry:    registry,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger.With().Str("component", "gateway").Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/documents/{documentID}/sync", s.handleSync).Methods(http.MethodGet)
	r.HandleFunc("/v1/documents/{documentID}/updates", s.handleUpdates).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/sessions", s.handleAdminSessions).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close aborts connections still open and waits for their cleanup. Callers
// close the registry first so clients get a going-away close frame.
func (s *Server) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
	})
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorize runs the authorizer and the per-subject rate limit, writing the
// error response itself when the request is rejected.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, documentID, correlationID string) (Grant, bool) {
	grant, err := s.cfg.Authorizer.Authorize(tokenFromRequest(r), documentID)
	if err != nil {
		ae := asAuthError(err)
		s.logger.Info().Str("document_id", documentID).Str("correlation_id", correlationID).Int("status", ae.status).Msg(ae.message)
		writeError(w, ae.status, ae.code, ae.message, correlationID)
		return Grant{}, false
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(grant.Subject) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return Grant{}, false
	}
	return grant, true
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentID"]
	correlationID := getCorrelationID(r)
	grant, ok := s.authorize(w, r, documentID, correlationID)
	if !ok {
		return
	}

	c := newConn(grant, s.cfg, s.logger.With().Str("document_id", documentID).Logger())
	// Awareness entries are keyed by this id.
	w.Header().Set("X-Connection-Id", c.id)
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("document_id", documentID).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(s.cfg.MaxFrameBytes)
	c.ws = ws

	s.conns.Add(1)
	defer s.conns.Done()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	handle, err := s.registry.Acquire(ctx, documentID)
	if err != nil {
		c.logger.Error().Err(err).Msg("session unavailable")
		_ = ws.Close(websocket.StatusInternalError, "session load failed")
		return
	}
	sess := handle.Session()

	var disconnect sync.Once
	cleanup := func() {
		disconnect.Do(func() {
			sess.Detach(c)
			handle.Release()
		})
	}
	defer cleanup()

	if err := sess.Attach(ctx, c); err != nil {
		c.logger.Error().Err(err).Msg("attach failed")
		_ = ws.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	c.logger.Info().Str("capability", grant.Capability.String()).Msg("connection opened")

	err = c.serve(ctx, sess)
	switch {
	case err == nil, errors.Is(err, errConnClosed), errors.Is(err, context.Canceled):
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure, websocket.CloseStatus(err) == websocket.StatusGoingAway:
	default:
		c.logger.Debug().Err(err).Msg("connection ended")
	}
	cleanup()
	_ = ws.Close(websocket.StatusNormalClosure, "")
	c.logger.Info().Msg("connection closed")
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentID"]
	correlationID := getCorrelationID(r)
	grant, ok := s.authorize(w, r, documentID, correlationID)
	if !ok {
		return
	}
	if !grant.Capability.CanWrite() {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: "+ScopeWrite, correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	update, err := crdt.DecodeUpdate(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "corrupt_update", err.Error(), correlationID)
		return
	}
	if err := s.registry.Ingest(r.Context(), documentID, update); err != nil {
		var loadErr *session.SessionLoadError
		switch {
		case errors.Is(err, crdt.ErrCorruptUpdate):
			writeError(w, http.StatusBadRequest, "corrupt_update", err.Error(), correlationID)
		case errors.As(err, &loadErr):
			writeError(w, http.StatusServiceUnavailable, "session_unavailable", "document could not be loaded", correlationID)
		case errors.Is(err, session.ErrRegistryClosed), errors.Is(err, session.ErrSessionClosed):
			writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down", correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to apply update", correlationID)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"documentId":    documentID,
		"ops":           len(update.Ops),
		"correlationId": correlationID,
	})
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	grant, ok := s.authorize(w, r, "", correlationID)
	if !ok {
		return
	}
	if !grant.Admin {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: "+ScopeAdmin, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":      s.registry.Status(),
		"correlationId": correlationID,
	})
}

func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

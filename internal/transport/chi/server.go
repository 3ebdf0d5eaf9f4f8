// Package chi is the HTTP transport: JSON token endpoints and the WebSocket state stream.
package chi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	gochi "github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/tokenguard/internal/domain"
	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	healthuc "github.com/kailas-cloud/tokenguard/internal/usecase/health"
	"github.com/kailas-cloud/tokenguard/internal/usecase/session"
	tokensuc "github.com/kailas-cloud/tokenguard/internal/usecase/tokens"
)

const streamPath = "/api/v1/tokens/stream"

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server serves the token API.
type Server struct {
	tokens        *tokensuc.Service
	health        *healthuc.Service
	signal        session.Signal
	chat          Chatter
	upgrader      websocket.Upgrader
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server. signal can be nil (stream sessions
// do not refresh each other).
func NewServer(
	tokens *tokensuc.Service,
	health *healthuc.Service,
	signal session.Signal,
	logger *zap.Logger,
) *Server {
	s := &Server{
		tokens: tokens,
		health: health,
		signal: signal,
		logger: logger,
	}
	s.errorHandlers = []errorHandler{
		invalidUsageHandler,
		sentinelHandler(domain.ErrIdentityRequired, http.StatusBadRequest, ErrorCodeIdentityRequired),
		sentinelHandler(domain.ErrBudgetExhausted, http.StatusPaymentRequired, ErrorCodeBudgetExhausted),
		sentinelHandler(domain.ErrProviderError, http.StatusBadGateway, ErrorCodeProviderError),
	}
	return s
}

// WithAllowedOrigins restricts WebSocket handshakes to origins.
// Without it only same-host origins are accepted.
func (s *Server) WithAllowedOrigins(origins []string) *Server {
	if len(origins) == 0 {
		return s
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		_, ok := allowed[r.Header.Get("Origin")]
		return ok
	}
	return s
}

// WithChat enables POST /api/v1/chat through a metered LLM client.
func (s *Server) WithChat(c Chatter) *Server {
	s.chat = c
	return s
}

// Routes registers all endpoints on r.
func (s *Server) Routes(r gochi.Router) {
	r.Get("/health", s.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r gochi.Router) {
		r.Use(IdentityMiddleware())
		r.Get("/tokens", s.GetTokenState)
		r.Post("/tokens/usage", s.UseTokens)
		r.Get("/tokens/preflight", s.Preflight)
		r.Get("/tokens/report", s.GetReport)
		r.Get("/tokens/stream", s.Stream)
		r.Post("/settings/refresh", s.RefreshSettings)
		if s.chat != nil {
			r.Post("/chat", s.Chat)
		}
	})
}

// GetTokenState handles GET /api/v1/tokens.
func (s *Server) GetTokenState(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, stateToAPI(s.tokens.LoadTokenState(r.Context(), id)))
}

// UseTokens handles POST /api/v1/tokens/usage.
// A rejected or failed debit is still a 200 with success=false.
func (s *Server) UseTokens(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req UseTokensRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	res, err := s.tokens.UseTokens(r.Context(), id, req.toCharge())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	if res.Success {
		s.notify(id)
	}
	writeJSON(w, http.StatusOK, resultToAPI(res))
}

// notify tells the open sessions of id that its state changed.
func (s *Server) notify(id identity.Identity) {
	if s.signal != nil {
		s.signal.Notify(id.Key(), "")
	}
}

// Preflight handles GET /api/v1/tokens/preflight?estimated_tokens=N.
func (s *Server) Preflight(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	var estimated int64
	if raw := r.URL.Query().Get("estimated_tokens"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed,
				"estimated_tokens must be a non-negative integer")
			return
		}
		estimated = v
	}

	pf := s.tokens.Preflight(r.Context(), id, estimated)
	writeJSON(w, http.StatusOK, PreflightResponse{
		Allowed:         pf.Allowed,
		Exhausted:       pf.Exhausted,
		EstimatedTokens: pf.Estimated,
		UsagePercentage: pf.Percentage,
		State:           stateToAPI(pf.State),
	})
}

// GetReport handles GET /api/v1/tokens/report.
func (s *Server) GetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	report := s.tokens.Report(r.Context(), id)
	writeJSON(w, http.StatusOK, reportToAPI(&report))
}

// RefreshSettings handles POST /api/v1/settings/refresh.
func (s *Server) RefreshSettings(w http.ResponseWriter, r *http.Request) {
	s.tokens.RefreshDefaults(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status: string(report.Status),
		Checks: checks,
	})
}

func (s *Server) identity(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, ErrorCodeIdentityRequired, domain.ErrIdentityRequired.Error())
	}
	return id, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	var iue *domain.InvalidUsageError
	if errors.As(err, &iue) {
		return iue.Error()
	}
	sentinels := []error{
		domain.ErrInvalidUsage,
		domain.ErrIdentityRequired,
		domain.ErrBudgetExhausted,
		domain.ErrProviderError,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code ErrorCode) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// invalidUsageHandler maps rejected usage to 400 with the offending field.
func invalidUsageHandler(w http.ResponseWriter, err error, msg string) bool {
	if !errors.Is(err, domain.ErrInvalidUsage) {
		return false
	}
	var iue *domain.InvalidUsageError
	if errors.As(err, &iue) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":    ErrorCodeValidationFailed,
			"message": msg,
			"field":   iue.Field,
		})
		return true
	}
	writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, msg)
	return true
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "internal error")
}

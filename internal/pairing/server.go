// Package pairing implements the request/response pairing control API:
// issuing assist codes, joining, polling status, and closing sessions.
package pairing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/canvasflow/assist-relay/internal/metrics"
	"github.com/canvasflow/assist-relay/internal/ratelimit"
	"github.com/canvasflow/assist-relay/internal/session"
	"github.com/canvasflow/assist-relay/internal/signaling"
)

const maxBodyBytes = 16 * 1024

// Config wires the runtime dependencies for the pairing API.
type Config struct {
	Registry *session.Registry

	// CreateLimiter throttles POST /assist/create per clientId. If nil,
	// create is unlimited. join is deliberately left unlimited: guests need
	// low-friction retries when typing a code by hand.
	CreateLimiter *ratelimit.CallerLimiter

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server implements the pairing control HTTP surface.
//
// Endpoints:
//   - POST /assist/create        : issue (or return) the caller's assist code
//   - POST /assist/join         : claim a session by assist code
//   - POST /assist/close        : close as host and/or leave as guest
//   - GET  /assist/status/{code}: poll session state
type Server struct {
	registry *session.Registry
	limiter  *ratelimit.CallerLimiter
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		registry: cfg.Registry,
		limiter:  cfg.CreateLimiter,
		log:      logger,
		metrics:  cfg.Metrics,
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /assist/create", s.handleCreate)
	mux.HandleFunc("POST /assist/join", s.handleJoin)
	mux.HandleFunc("POST /assist/close", s.handleClose)
	mux.HandleFunc("GET /assist/status/{code}", s.handleStatus)
}

type createRequest struct {
	ClientID string `json:"clientId"`
}

type createResponse struct {
	Success    bool   `json:"success"`
	AssistCode string `json:"assistCode"`
	ExpiresIn  int64  `json:"expiresIn"`
	IsExisting bool   `json:"isExisting,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_client_id", "invalid request body")
		return
	}
	if !validClientID(req.ClientID) {
		writeJSONError(w, http.StatusBadRequest, "invalid_client_id", "clientId must be 16-64 characters")
		return
	}

	if !s.limiter.Allow(req.ClientID) {
		s.metrics.Inc(metrics.RateLimited)
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many create requests")
		return
	}

	res, err := s.registry.CreateOrGet(req.ClientID)
	if errors.Is(err, session.ErrTooManySessions) {
		writeJSONError(w, http.StatusServiceUnavailable, "too_many_sessions", "session capacity reached")
		return
	}
	if err != nil {
		s.log.Error("create session failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to create session")
		return
	}

	writeJSON(w, http.StatusOK, createResponse{
		Success:    true,
		AssistCode: res.Code,
		ExpiresIn:  res.ExpiresIn,
		IsExisting: res.Existing,
	})
}

type joinRequest struct {
	ClientID   string `json:"clientId"`
	AssistCode string `json:"assistCode"`
}

type joinResponse struct {
	Success bool   `json:"success"`
	HostID  string `json:"hostId"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_client_id", "invalid request body")
		return
	}
	if !validClientID(req.ClientID) {
		writeJSONError(w, http.StatusBadRequest, "invalid_client_id", "clientId must be 16-64 characters")
		return
	}
	if !session.ValidCode(req.AssistCode) {
		writeJSONError(w, http.StatusBadRequest, "invalid_code", "assistCode must be 6 digits")
		return
	}

	hostID, err := s.registry.Join(req.ClientID, req.AssistCode)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "unknown or expired assist code")
		return
	case errors.Is(err, session.ErrSelfJoin):
		writeJSONError(w, http.StatusBadRequest, "self_join", "cannot join your own session")
		return
	case errors.Is(err, session.ErrOccupied):
		writeJSONError(w, http.StatusBadRequest, "occupied", "session already has a guest")
		return
	case err != nil:
		s.log.Error("join session failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to join session")
		return
	}

	writeJSON(w, http.StatusOK, joinResponse{Success: true, HostID: hostID})
}

type closeRequest struct {
	ClientID string `json:"clientId"`
}

type closeResponse struct {
	Success bool `json:"success"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_client_id", "invalid request body")
		return
	}

	// Accept both {"clientId": "..."} and a raw-text body. The latter is what
	// navigator.sendBeacon produces on page unload.
	clientID := ""
	var req closeRequest
	if jsonErr := json.Unmarshal(body, &req); jsonErr == nil && req.ClientID != "" {
		clientID = req.ClientID
	} else {
		clientID = strings.TrimSpace(string(body))
	}
	if !validClientID(clientID) {
		writeJSONError(w, http.StatusBadRequest, "invalid_client_id", "clientId must be 16-64 characters")
		return
	}

	// The same client may be a host in one session and a guest in another;
	// both branches run unconditionally.
	if hostConn, guestConn, ok := s.registry.CloseHost(clientID); ok {
		frame := signaling.EncodeSessionClosed(signaling.CloseReasonHostClosed)
		s.notify(hostConn, frame)
		s.notify(guestConn, frame)
	}
	if hostConn, ok := s.registry.DetachGuest(clientID); ok {
		s.notify(hostConn, signaling.EncodeGuestLeft())
	}

	writeJSON(w, http.StatusOK, closeResponse{Success: true})
}

type statusResponse struct {
	Status    string `json:"status"`
	HasGuest  bool   `json:"hasGuest"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresIn int64  `json:"expiresIn"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !session.ValidCode(code) {
		writeJSONError(w, http.StatusNotFound, "not_found", "unknown assist code")
		return
	}

	info, err := s.registry.Status(code)
	if errors.Is(err, session.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not_found", "unknown or expired assist code")
		return
	}
	if err != nil {
		s.log.Error("status lookup failed", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to look up session")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:    info.Status.String(),
		HasGuest:  info.HasGuest,
		CreatedAt: info.CreatedAt.UnixMilli(),
		ExpiresIn: info.ExpiresIn,
	})
}

// notify best-effort sends a frame to a bound connection. Send failures are
// logged and swallowed; stale notifications have no value.
func (s *Server) notify(conn session.Peer, frame []byte) {
	if conn == nil {
		return
	}
	if err := conn.Send(frame); err != nil {
		s.metrics.Inc(metrics.SendFailed)
		s.log.Debug("notify failed", "err", err)
	}
}

func validClientID(id string) bool {
	return len(id) >= 16 && len(id) <= 64
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

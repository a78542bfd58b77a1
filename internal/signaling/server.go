// Package signaling implements the realtime gateway: one WebSocket endpoint
// over which hosts and guests authenticate against a pairing session and
// exchange opaque WebRTC signaling and application control frames.
package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canvasflow/assist-relay/internal/metrics"
	"github.com/canvasflow/assist-relay/internal/origin"
	"github.com/canvasflow/assist-relay/internal/ratelimit"
	"github.com/canvasflow/assist-relay/internal/session"
)

// Config wires the runtime dependencies for the gateway.
type Config struct {
	Registry *session.Registry

	// PingInterval is the liveness probe cadence. A connection that fails to
	// acknowledge one probe before the next is terminated.
	PingInterval time.Duration

	// Inbound hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// AllowedOrigins for the upgrade handshake. Empty means same-host only.
	// "*" allows any origin.
	AllowedOrigins []string

	Clock   ratelimit.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server accepts realtime connections, authenticates them against the session
// registry, and relays frames between the two bound peers.
type Server struct {
	registry *session.Registry

	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int
	allowedOrigins       []string

	clock   ratelimit.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}

	// Canonicalize the allowlist once so operator-supplied values like
	// "https://App.Example.com/" still match normalized request origins.
	allowed := make([]string, 0, len(cfg.AllowedOrigins))
	for _, entry := range cfg.AllowedOrigins {
		if entry == "*" {
			allowed = append(allowed, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			logger.Warn("ignoring invalid allowed origin", "origin", entry)
			continue
		}
		allowed = append(allowed, normalized)
	}

	s := &Server{
		registry:             cfg.Registry,
		pingInterval:         cfg.PingInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		allowedOrigins:       allowed,
		clock:                clock,
		log:                  logger,
		metrics:              cfg.Metrics,
		conns:                make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /assist/signal", s.handleSignal)
}

// Close force-closes every live gateway connection. Used at shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*conn]struct{})
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) pingIntervalOrDefault() time.Duration {
	if s.pingInterval <= 0 {
		return 5 * time.Second
	}
	return s.pingInterval
}

func (s *Server) maxMessageBytesOrDefault() int64 {
	if s.maxMessageBytes <= 0 {
		return 64 * 1024
	}
	return s.maxMessageBytes
}

func (s *Server) maxMessagesPerSecondOrDefault() int {
	if s.maxMessagesPerSecond <= 0 {
		return 50
	}
	return s.maxMessagesPerSecond
}

// checkOrigin allows requests without an Origin header (non-browser clients),
// same-host browser requests, and any origin explicitly configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	raw := strings.TrimSpace(r.Header.Get("Origin"))
	if raw == "" {
		return true
	}
	normalized, host, ok := origin.Normalize(raw)
	if !ok {
		return false
	}
	return origin.Allowed(normalized, host, r.Host, s.allowedOrigins)
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// binding is the immutable per-connection auth record. It is constructed
// exactly once per successful auth; a re-auth constructs a fresh value.
type binding struct {
	clientID string
	role     session.Role
	code     string
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(ws, s.log, s.metrics)
	s.track(c)
	s.metrics.Inc(metrics.WSConnections)

	go c.probeLoop(s.pingIntervalOrDefault())

	ws.SetReadLimit(s.maxMessageBytesOrDefault())
	perSecond := int64(s.maxMessagesPerSecondOrDefault())
	limiter := ratelimit.NewTokenBucket(s.clock, perSecond, perSecond, time.Second)

	var bound *binding
	defer func() {
		c.close()
		s.untrack(c)
		if bound != nil {
			s.handleDisconnect(c, *bound)
		}
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.MalformedFrame)
			c.sendBestEffort(encodeError("expected text frame"))
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.metrics.Inc(metrics.MalformedFrame)
			c.sendBestEffort(encodeError("invalid message"))
			continue
		}

		switch env.Type {
		case messageTypeAuth:
			if next := s.handleAuth(c, data); next != nil {
				bound = next
			}
		case messageTypeHeartbeat:
			s.handleHeartbeat(c, bound)
		case "":
			s.metrics.Inc(metrics.MalformedFrame)
			c.sendBestEffort(encodeError("missing message type"))
		default:
			// Signaling (offer/answer/ice_candidate) and the open-ended set of
			// application control types are all relayed verbatim; the gateway
			// never interprets their payload.
			if bound == nil {
				s.log.Debug("dropping frame from unauthenticated connection", "type", env.Type)
				s.metrics.Inc(metrics.RelayDropped)
				continue
			}
			s.forward(*bound, data)
		}
	}
}

// handleAuth runs the Unauthenticated -> Bound transition. On failure the
// connection stays open so the client can retry.
func (s *Server) handleAuth(c *conn, data []byte) *binding {
	var msg authMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		c.sendBestEffort(encodeAuthFailed("invalid auth message"))
		return nil
	}

	role, ok := session.ParseRole(msg.Role)
	if !ok {
		s.metrics.Inc(metrics.AuthFailure)
		c.sendBestEffort(encodeAuthFailed("role must be host or guest"))
		return nil
	}
	if msg.ClientID == "" || !session.ValidCode(msg.AssistCode) {
		s.metrics.Inc(metrics.AuthFailure)
		c.sendBestEffort(encodeAuthFailed("missing clientId or assistCode"))
		return nil
	}

	res, err := s.registry.Bind(msg.AssistCode, msg.ClientID, role, c)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		c.sendBestEffort(encodeAuthFailed("unknown session or identity mismatch"))
		return nil
	}

	success := authSuccessMessage{Type: messageTypeAuthSuccess, Role: string(role)}
	if role == session.RoleHost {
		hasGuest := res.HasGuest
		success.HasGuest = &hasGuest
	}
	c.sendBestEffort(mustEncode(success))

	// With both parties bound, each side learns the other is present.
	if res.PeerConn != nil {
		hostConn, guestConn := session.Peer(c), res.PeerConn
		if role == session.RoleGuest {
			hostConn, guestConn = res.PeerConn, session.Peer(c)
		}
		s.push(hostConn, encodeGuestConnected())
		s.push(guestConn, encodeHostConnected())
	}

	s.log.Info("connection bound", "role", role, "code", msg.AssistCode)
	return &binding{clientID: msg.ClientID, role: role, code: msg.AssistCode}
}

func (s *Server) handleHeartbeat(c *conn, bound *binding) {
	if bound != nil {
		if !s.registry.Heartbeat(bound.clientID, bound.role) {
			s.log.Debug("heartbeat for unbound session", "role", bound.role)
		}
	}
	c.sendBestEffort(mustEncode(heartbeatAckMessage{
		Type:      messageTypeHeartbeatAck,
		Timestamp: s.clock.Now().UnixMilli(),
	}))
}

// forward relays an opaque frame to the sender's bound peer. If the peer has
// no open connection the frame is dropped silently: realtime control data has
// no value once stale, so there is no buffering and no error to the sender.
func (s *Server) forward(b binding, data []byte) {
	peer := s.registry.PeerOf(b.clientID, b.role)
	if peer == nil {
		s.metrics.Inc(metrics.RelayDropped)
		return
	}
	if err := peer.Send(data); err != nil {
		s.metrics.Inc(metrics.RelayDropped)
		s.metrics.Inc(metrics.SendFailed)
		s.log.Debug("relay send failed", "err", err)
		return
	}
	s.metrics.Inc(metrics.FramesRelayed)
}

// handleDisconnect tears down the connection's session binding: a host
// disconnect removes the session, a guest disconnect frees the guest seat.
func (s *Server) handleDisconnect(c *conn, b binding) {
	switch b.role {
	case session.RoleHost:
		if guestConn, ok := s.registry.DropHost(b.clientID, c); ok {
			s.push(guestConn, EncodeSessionClosed(CloseReasonHostDisconnected))
		}
	case session.RoleGuest:
		if hostConn, ok := s.registry.DropGuest(b.clientID, c); ok {
			s.push(hostConn, EncodeGuestLeft())
		}
	}
}

// push best-effort sends a server event to a possibly-nil peer.
func (s *Server) push(peer session.Peer, frame []byte) {
	if peer == nil {
		return
	}
	if err := peer.Send(frame); err != nil {
		s.metrics.Inc(metrics.SendFailed)
		s.log.Debug("push failed", "err", err)
	}
}

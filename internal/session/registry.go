package session

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/canvasflow/assist-relay/internal/metrics"
	"github.com/canvasflow/assist-relay/internal/ratelimit"
)

// Config wires the Registry's runtime dependencies.
type Config struct {
	// TTL is how long an unclaimed session stays joinable after creation.
	TTL time.Duration

	// MaxSessions caps concurrently active sessions. <= 0 means unlimited.
	MaxSessions int

	Clock   ratelimit.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Registry owns all active sessions, indexed by pairing code and by host
// identity. Guest lookups are a linear scan over the by-code index; expected
// cardinality is small (one session per assisted machine), so this is a known
// and accepted scaling limit.
type Registry struct {
	ttl         time.Duration
	maxSessions int
	clock       ratelimit.Clock
	log         *slog.Logger
	metrics     *metrics.Metrics

	mu     sync.Mutex
	byCode map[string]*Session
	byHost map[string]*Session
}

func NewRegistry(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		ttl:         cfg.TTL,
		maxSessions: cfg.MaxSessions,
		clock:       cfg.Clock,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		byCode:      make(map[string]*Session),
		byHost:      make(map[string]*Session),
	}
}

// CreateResult describes the session returned by CreateOrGet.
type CreateResult struct {
	Code      string
	ExpiresIn int64
	Existing  bool
}

// CreateOrGet returns the host's active session, creating one if needed.
// Repeat calls for the same host are idempotent so client retries and
// double-clicks do not churn codes.
func (r *Registry) CreateOrGet(hostID string) (CreateResult, error) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byHost[hostID]; ok {
		return CreateResult{
			Code:      s.code,
			ExpiresIn: r.expiresInLocked(s, now),
			Existing:  true,
		}, nil
	}

	if r.maxSessions > 0 && len(r.byCode) >= r.maxSessions {
		r.metrics.Inc(metrics.TooManySessions)
		return CreateResult{}, ErrTooManySessions
	}

	code, err := r.freeCodeLocked()
	if err != nil {
		return CreateResult{}, err
	}

	s := &Session{
		code:          code,
		hostID:        hostID,
		createdAt:     now,
		lastHeartbeat: now,
		status:        StatusWaiting,
	}
	r.byCode[code] = s
	r.byHost[hostID] = s

	r.metrics.Inc(metrics.SessionCreated)
	r.log.Info("session created", "code", code)

	return CreateResult{Code: code, ExpiresIn: r.expiresInLocked(s, now)}, nil
}

func (r *Registry) freeCodeLocked() (string, error) {
	if len(r.byCode) >= codeSpace {
		return "", ErrCodeSpaceExhausted
	}
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if _, taken := r.byCode[code]; !taken {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// Join claims the session identified by code for guestID and returns the
// session's host identity.
//
// A join by the session's current guest is idempotent. An unclaimed session
// older than the TTL is purged here (cleanup-on-access) in addition to the
// background sweep.
func (r *Registry) Join(guestID, code string) (string, error) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byCode[code]
	if !ok {
		return "", ErrNotFound
	}

	if !s.claimed && now.Sub(s.createdAt) > r.ttl {
		r.removeLocked(s)
		r.metrics.Inc(metrics.SessionExpired)
		r.log.Info("session expired on join", "code", s.code)
		return "", ErrNotFound
	}

	if s.hostID == guestID {
		return "", ErrSelfJoin
	}
	if s.guestID != "" && s.guestID != guestID {
		return "", ErrOccupied
	}

	if s.guestID == guestID {
		s.lastHeartbeat = now
		return s.hostID, nil
	}

	s.guestID = guestID
	s.claimed = true
	s.lastHeartbeat = now
	if err := s.transition(StatusConnected); err != nil {
		// Waiting -> Connected is always legal here; a failure means registry
		// state is corrupt.
		return "", err
	}

	r.metrics.Inc(metrics.SessionJoined)
	r.log.Info("session joined", "code", s.code)
	return s.hostID, nil
}

// StatusInfo is a point-in-time snapshot for the status endpoint.
type StatusInfo struct {
	Status    Status
	HasGuest  bool
	CreatedAt time.Time
	ExpiresIn int64
}

// Status reports the session's state, or ErrNotFound for unknown codes and
// never-claimed sessions past their TTL.
func (r *Registry) Status(code string) (StatusInfo, error) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byCode[code]
	if !ok {
		return StatusInfo{}, ErrNotFound
	}
	if !s.claimed && now.Sub(s.createdAt) > r.ttl {
		return StatusInfo{}, ErrNotFound
	}

	return StatusInfo{
		Status:    s.status,
		HasGuest:  s.guestID != "",
		CreatedAt: s.createdAt,
		ExpiresIn: r.expiresInLocked(s, now),
	}, nil
}

// CloseHost removes the session owned by clientID and returns the connection
// handles that were bound to it so the caller can notify them outside the
// registry lock.
func (r *Registry) CloseHost(clientID string) (hostConn, guestConn Peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, found := r.byHost[clientID]
	if !found {
		return nil, nil, false
	}

	hostConn, guestConn = s.hostConn, s.guestConn
	_ = s.transition(StatusClosed)
	r.removeLocked(s)
	r.metrics.Inc(metrics.SessionClosed)
	r.log.Info("session closed by host", "code", s.code)
	return hostConn, guestConn, true
}

// DetachGuest clears clientID's guest slot on whichever session it occupies
// and reverts the session to waiting. The host's connection handle (possibly
// nil) is returned for notification.
func (r *Registry) DetachGuest(clientID string) (hostConn Peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.findByGuestLocked(clientID)
	if s == nil {
		return nil, false
	}

	return r.detachGuestLocked(s), true
}

func (r *Registry) detachGuestLocked(s *Session) Peer {
	s.guestID = ""
	s.guestConn = nil
	_ = s.transition(StatusWaiting)
	r.log.Info("guest left session", "code", s.code)
	return s.hostConn
}

// BindResult describes a successful realtime auth.
type BindResult struct {
	// HasGuest reports whether a guest currently occupies the session. Only
	// meaningful for host binds.
	HasGuest bool

	// PeerConn is the other party's live connection handle, nil if the peer
	// has not bound a connection yet.
	PeerConn Peer
}

// Bind records conn as the session's live connection handle for the given
// role, replacing any previous handle for that role.
func (r *Registry) Bind(code, clientID string, role Role, conn Peer) (BindResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byCode[code]
	if !ok {
		return BindResult{}, ErrNotFound
	}

	switch role {
	case RoleHost:
		if clientID != s.hostID {
			return BindResult{}, ErrIdentityMismatch
		}
		s.hostConn = conn
		return BindResult{HasGuest: s.guestID != "", PeerConn: s.guestConn}, nil
	case RoleGuest:
		if s.guestID == "" || clientID != s.guestID {
			return BindResult{}, ErrIdentityMismatch
		}
		s.guestConn = conn
		return BindResult{HasGuest: true, PeerConn: s.hostConn}, nil
	default:
		return BindResult{}, ErrIdentityMismatch
	}
}

// Heartbeat refreshes the bound session's liveness timestamp. It reports
// whether a session was found for the client/role pair.
func (r *Registry) Heartbeat(clientID string, role Role) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.findByRoleLocked(clientID, role)
	if s == nil {
		return false
	}
	s.lastHeartbeat = now
	return true
}

// PeerOf resolves the live connection of the *other* party of the session the
// client is bound to, or nil if the peer has no open connection.
func (r *Registry) PeerOf(clientID string, role Role) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.findByRoleLocked(clientID, role)
	if s == nil {
		return nil
	}
	switch role {
	case RoleHost:
		return s.guestConn
	case RoleGuest:
		return s.hostConn
	default:
		return nil
	}
}

// DropHost handles a host connection closing: the session is removed and the
// guest's connection handle (if bound) is returned for notification.
//
// conn guards against stale handles: if the host has re-authenticated on a
// newer connection, the close of the old one must not tear the session down.
func (r *Registry) DropHost(clientID string, conn Peer) (guestConn Peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, found := r.byHost[clientID]
	if !found || s.hostConn != conn {
		return nil, false
	}

	guestConn = s.guestConn
	_ = s.transition(StatusClosed)
	r.removeLocked(s)
	r.metrics.Inc(metrics.HostDisconnected)
	r.log.Info("session removed on host disconnect", "code", s.code)
	return guestConn, true
}

// DropGuest handles a guest connection closing: the guest slot is cleared,
// the session reverts to waiting, and the host's connection handle (if bound)
// is returned for notification. Stale handles are ignored, as in DropHost.
func (r *Registry) DropGuest(clientID string, conn Peer) (hostConn Peer, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.findByGuestLocked(clientID)
	if s == nil || s.guestConn != conn {
		return nil, false
	}

	r.metrics.Inc(metrics.GuestDisconnected)
	return r.detachGuestLocked(s), true
}

// SweepExpired purges sessions that were never claimed and are past the TTL.
// Claimed sessions are never purged by time alone; their liveness is governed
// by connection heartbeats.
func (r *Registry) SweepExpired() int {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for _, s := range r.byCode {
		if s.claimed || now.Sub(s.createdAt) <= r.ttl {
			continue
		}
		r.removeLocked(s)
		purged++
		r.metrics.Inc(metrics.SessionExpired)
		r.log.Info("session expired", "code", s.code)
	}
	return purged
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCode)
}

func (r *Registry) removeLocked(s *Session) {
	delete(r.byCode, s.code)
	delete(r.byHost, s.hostID)
}

func (r *Registry) findByGuestLocked(guestID string) *Session {
	for _, s := range r.byCode {
		if s.guestID != "" && s.guestID == guestID {
			return s
		}
	}
	return nil
}

func (r *Registry) findByRoleLocked(clientID string, role Role) *Session {
	switch role {
	case RoleHost:
		return r.byHost[clientID]
	case RoleGuest:
		return r.findByGuestLocked(clientID)
	default:
		return nil
	}
}

func (r *Registry) expiresInLocked(s *Session, now time.Time) int64 {
	remaining := r.ttl - now.Sub(s.createdAt)
	if remaining < 0 {
		return 0
	}
	return int64(remaining / time.Second)
}

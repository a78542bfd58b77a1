package metrics

import "sync"

// Event names. Kept as plain strings so the registry stays a simple counter
// map; the /metrics handler exposes them with an `event` label.
const (
	SessionCreated    = "session_created"
	SessionJoined     = "session_joined"
	SessionClosed     = "session_closed"
	SessionExpired    = "session_expired"
	TooManySessions   = "too_many_sessions"
	RateLimited       = "rate_limited"
	AuthFailure       = "auth_failure"
	MalformedFrame    = "malformed_frame"
	FramesRelayed     = "frames_relayed"
	RelayDropped      = "relay_dropped"
	SendFailed        = "send_failed"
	WSConnections     = "ws_connections"
	LivenessEvicted   = "liveness_evicted"
	HostDisconnected  = "host_disconnected"
	GuestDisconnected = "guest_disconnected"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps the pairing/relay logic testable while still exposing drop and
// rejection counters for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

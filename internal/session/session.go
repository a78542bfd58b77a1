// Package session holds the pairing session registry: the one piece of shared
// mutable state in the relay. All mutations go through Registry methods, which
// serialize against a single mutex.
package session

import (
	"fmt"
	"time"
)

// Peer is a live realtime connection handle bound into a session.
//
// Send must be safe for concurrent use. Send failures are reported to the
// caller, which logs and drops; they are never propagated further.
type Peer interface {
	Send(data []byte) error
}

// Role identifies which side of a session a client is bound to.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleHost:
		return RoleHost, true
	case RoleGuest:
		return RoleGuest, true
	default:
		return "", false
	}
}

// Status is the session lifecycle state.
//
// Closed is a terminal transition, not a stored state: a session that closes
// is removed from the registry in the same operation.
type Status int

const (
	StatusWaiting Status = iota
	StatusConnected
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Session is one pairing session between a host and at most one guest.
//
// Fields are mutated only while holding the owning Registry's mutex.
type Session struct {
	code   string
	hostID string

	// guestID is set while a guest occupies the session. claimed stays true
	// once any guest has ever joined; only never-claimed sessions are subject
	// to creation-time expiry.
	guestID string
	claimed bool

	// At most one live connection handle per role; replaced on re-auth.
	hostConn  Peer
	guestConn Peer

	createdAt     time.Time
	lastHeartbeat time.Time

	status Status
}

// transition moves the session to a new status, rejecting transitions the
// pairing lifecycle does not allow.
func (s *Session) transition(to Status) error {
	if s.status == to {
		return nil
	}
	switch {
	case s.status == StatusWaiting && to == StatusConnected:
	case s.status == StatusConnected && to == StatusWaiting:
	case s.status != StatusClosed && to == StatusClosed:
	default:
		return fmt.Errorf("illegal session transition %s -> %s", s.status, to)
	}
	s.status = to
	return nil
}

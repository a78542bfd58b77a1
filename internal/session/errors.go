package session

import "errors"

var (
	// ErrNotFound is returned when no active session matches the given code
	// (including codes that expired before ever being claimed).
	ErrNotFound = errors.New("session not found")

	// ErrSelfJoin is returned when a host attempts to join its own session.
	ErrSelfJoin = errors.New("cannot join own session")

	// ErrOccupied is returned when a session already has a different guest.
	ErrOccupied = errors.New("session already has a guest")

	// ErrIdentityMismatch is returned when a realtime auth attempt presents a
	// clientId that does not match the session's bound identity for the role.
	ErrIdentityMismatch = errors.New("client identity does not match session")

	// ErrTooManySessions is returned when the active-session cap is reached.
	ErrTooManySessions = errors.New("too many active sessions")

	// ErrCodeSpaceExhausted is returned when no free pairing code could be
	// found. With a 6-digit space this only happens under absurd load.
	ErrCodeSpaceExhausted = errors.New("no free pairing code available")
)

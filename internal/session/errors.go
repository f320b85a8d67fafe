package session

import "errors"

var (
	// ErrInvalidTransition means the operator requested an illegal state or
	// mode change. The session is left untouched.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidPacingPolicy is returned at session setup when the pacing
	// configuration would allow unthrottled sending.
	ErrInvalidPacingPolicy = errors.New("invalid pacing policy")

	// ErrSessionNotFound is returned for lookups of unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned for operations on a session that has
	// already terminated or failed.
	ErrSessionClosed = errors.New("session is terminated or failed")
)

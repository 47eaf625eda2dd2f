package domain

import "errors"

var (
	// ErrUnauthenticated indicates an invalid or expired identity token
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrOriginForbidden indicates a missing or disallowed origin
	ErrOriginForbidden = errors.New("origin forbidden")
	// ErrRateLimited indicates rate limit exceeded
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTooManyConnections indicates the per-origin connection ceiling is reached
	ErrTooManyConnections = errors.New("too many connections")
	// ErrInvalidMessage indicates a malformed or oversized inbound message
	ErrInvalidMessage = errors.New("invalid message")
	// ErrSessionExpired indicates the session exceeded its maximum duration
	ErrSessionExpired = errors.New("session expired")
)

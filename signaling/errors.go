package signaling

import "errors"

var (
	// ErrDuplicateIdentifier is returned by Registry.Register when the id is taken.
	// Callers regenerate and try again.
	ErrDuplicateIdentifier = errors.New("signaling: duplicate client id")
	// ErrNotFound is returned by Registry.Lookup for ids that are not registered.
	// For the relay this means the target disconnected or never existed.
	ErrNotFound = errors.New("signaling: client not found")
	// ErrMalformedMessage marks an inbound frame that cannot be forwarded.
	ErrMalformedMessage = errors.New("signaling: malformed message")
	// ErrChannelWrite marks a failed write to a client's socket.
	ErrChannelWrite = errors.New("signaling: channel write failed")
)

package relay

import "errors"

var (
	// ErrDuplicateID means a peer with the same id is already registered.
	// Ids come from uuid.NewString, so seeing it points at a handler bug.
	ErrDuplicateID = errors.New("relay: connection id already registered")

	ErrRegistryClosed = errors.New("relay: registry closed")
	ErrClientClosed   = errors.New("relay: client closed")
	ErrSendQueueFull  = errors.New("relay: send queue full")
	ErrShuttingDown   = errors.New("relay: shutting down")

	errUnsupportedFrame = errors.New("relay: non-text frame received")
)

package peer

import "errors"

var (
	ErrLocalDescriptionSet  = errors.New("peer: local description already set")
	ErrRemoteDescriptionSet = errors.New("peer: remote description already set")
	ErrNoLocalOffer         = errors.New("peer: no local offer to answer")
	ErrNegotiationFailed    = errors.New("peer: negotiation failed")
	ErrClosed               = errors.New("peer: link closed")

	// ErrConnectionLost is the call-level error for a link that went
	// disconnected or failed after setup.
	ErrConnectionLost = errors.New("peer: connection lost")
)

package signaling

import "errors"

var (
	// ErrConnectFailed is returned by Dial when the relay cannot be reached
	// or refuses the handshake.
	ErrConnectFailed = errors.New("signaling: connect failed")

	// ErrNotConnected is returned by Send once the channel is closed.
	ErrNotConnected = errors.New("signaling: not connected")

	// ErrDisconnected is reported by Err when the relay dropped the
	// connection without a local Close.
	ErrDisconnected = errors.New("signaling: disconnected")
)

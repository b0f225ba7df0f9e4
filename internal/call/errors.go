package call

import (
	"errors"
	"fmt"
)

var (
	ErrDeclined = errors.New("call: declined")
	ErrNoAnswer = errors.New("call: no answer")

	// ErrBusy rejects StartCall/AnswerCall while a call is active.
	ErrBusy = errors.New("call: another call is active")

	ErrNoActiveCall = errors.New("call: no active call")
)

// RemoteError is an error reported by the relay or the other party.
type RemoteError struct {
	Code    string
	Message string
	Fatal   bool
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("call: remote error %s: %s", e.Code, e.Message)
}

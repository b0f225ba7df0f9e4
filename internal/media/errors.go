package media

import (
	"errors"
	"os"
	"strings"
)

// ErrorKind separates capture failures the UI reports differently.
type ErrorKind int

const (
	KindDeviceUnavailable ErrorKind = iota
	KindAccessDenied
)

var (
	ErrAccessDenied      = &Error{Kind: KindAccessDenied}
	ErrDeviceUnavailable = &Error{Kind: KindDeviceUnavailable}
)

// Error is a capture failure. errors.Is matches on Kind, so a detailed
// Error{Kind: KindAccessDenied, Device: "camera"} is ErrAccessDenied.
type Error struct {
	Kind   ErrorKind
	Device string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	switch e.Kind {
	case KindAccessDenied:
		b.WriteString("media: access denied")
	default:
		b.WriteString("media: device unavailable")
	}
	if e.Device != "" {
		b.WriteString(" (" + e.Device + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// classify maps a raw capture error onto the media taxonomy.
func classify(err error) error {
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, os.ErrPermission) {
		return &Error{Kind: KindAccessDenied, Err: err}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not allowed") {
		return &Error{Kind: KindAccessDenied, Err: err}
	}
	return &Error{Kind: KindDeviceUnavailable, Err: err}
}

package call

// Status is the call lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusCalling
	StatusRinging
	StatusConnecting
	StatusConnected
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCalling:
		return "calling"
	case StatusRinging:
		return "ringing"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusEnded:
		return "ended"
	}
	return "unknown"
}

// MarshalText renders the status by name in JSON.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Session is a snapshot of the controller's call state. CallID is set only
// in Connecting, Connected and Ended; RemoteUserID in every status but Idle.
type Session struct {
	CallID          string `json:"call_id,omitempty"`
	Status          Status `json:"status"`
	IsVideo         bool   `json:"is_video"`
	IsMuted         bool   `json:"is_muted"`
	IsVideoEnabled  bool   `json:"is_video_enabled"`
	IsScreenSharing bool   `json:"is_screen_sharing"`
	DurationSeconds uint32 `json:"duration_seconds"`
	RemoteUserID    string `json:"remote_user_id,omitempty"`
	Error           error  `json:"-"`
}

// ErrorText returns the error message or "".
func (s Session) ErrorText() string {
	if s.Error == nil {
		return ""
	}
	return s.Error.Error()
}

// idleWith is the reset state, keeping err for the UI to present.
func idleWith(err error) Session {
	return Session{Status: StatusIdle, Error: err}
}

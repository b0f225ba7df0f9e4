package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callcore/internal/media"
	"github.com/petervdpas/callcore/internal/peer"
	"github.com/petervdpas/callcore/internal/signaling"
)

// Media is the capture surface the controller needs. *media.Manager
// satisfies it.
type Media interface {
	Acquire(ctx context.Context, video bool) (*media.Handle, error)
	ToggleAudio(h *media.Handle) bool
	ToggleVideo(h *media.Handle) bool
	Release(h *media.Handle) error
}

// Channel is one open signaling connection. *signaling.Channel satisfies it.
type Channel interface {
	Send(m signaling.Message) error
	Messages() <-chan signaling.Message
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Link is one negotiation primitive. *peer.Link satisfies it.
type Link interface {
	AttachLocalMedia(h *media.Handle) error
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	ApplyRemoteOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// DialFunc opens a fresh signaling channel for one call attempt.
type DialFunc func(ctx context.Context) (Channel, error)

// LinkFactory creates a fresh link wired to h.
type LinkFactory func(h peer.Handlers) (Link, error)

// Record is the call-record row written when a call reaches Connecting.
type Record struct {
	CallID    string
	CallerID  string
	CalleeID  string
	CallType  signaling.CallType
	StartedAt time.Time
}

// RecordStore persists call records. Failures are logged and never affect
// the call.
type RecordStore interface {
	BeginCall(ctx context.Context, r Record) error
	EndCall(ctx context.Context, callID string, endedAt time.Time, durationSeconds uint32) error
}

// IncomingCall is an invitation addressed to the local user.
type IncomingCall struct {
	CallID       string    `json:"call_id"`
	InvitationID string    `json:"invitation_id"`
	CallerID     string    `json:"caller_id"`
	CallerName   string    `json:"caller_name,omitempty"`
	IsVideo      bool      `json:"is_video"`
	ReceivedAt   time.Time `json:"received_at"`
}

// IncomingFromInvitation converts a wire invitation.
func IncomingFromInvitation(inv signaling.CallInvitation, at time.Time) IncomingCall {
	return IncomingCall{
		CallID:       inv.CallID,
		InvitationID: inv.InvitationID,
		CallerID:     inv.UserID,
		CallerName:   inv.CallerName,
		IsVideo:      inv.CallType == signaling.CallTypeVideo,
		ReceivedAt:   at,
	}
}

// Package signaling is the client side of the call relay: a websocket
// channel carrying typed control messages between the two parties of a call.
// The relay server itself lives elsewhere; this package only speaks its wire
// protocol.
package signaling

import "github.com/pion/webrtc/v4"

// Type is the wire "type" discriminator.
type Type string

const (
	TypeCallInvitation Type = "call-invitation"
	TypeCallResponse   Type = "call-response"
	TypeOffer          Type = "offer"
	TypeAnswer         Type = "answer"
	TypeIceCandidate   Type = "ice-candidate"
	TypeJoinRoom       Type = "join-room"
	TypeLeaveRoom      Type = "leave-room"
	TypeUserJoined     Type = "user-joined"
	TypeUserLeft       Type = "user-left"
	TypeError          Type = "error"
)

// CallType is the media kind announced in an invitation.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// CallTypeFor maps the video flag onto the wire value.
func CallTypeFor(video bool) CallType {
	if video {
		return CallTypeVideo
	}
	return CallTypeAudio
}

// Header carries the envelope fields shared by every message.
type Header struct {
	CallID       string
	UserID       string
	TargetUserID string
}

// Meta returns the envelope fields.
func (h Header) Meta() Header { return h }

func (Header) sealed() {}

// Message is a closed set: only the types below implement it, and
// consumers switch over them exhaustively.
type Message interface {
	Kind() Type
	Meta() Header
	sealed()
}

// CallInvitation asks TargetUserID to join a new call.
type CallInvitation struct {
	Header
	InvitationID string
	CallType     CallType
	CallerName   string
}

// CallResponse answers an invitation.
type CallResponse struct {
	Header
	InvitationID string
	Accepted     bool
}

type Offer struct {
	Header
	SDP webrtc.SessionDescription
}

type Answer struct {
	Header
	SDP webrtc.SessionDescription
}

type IceCandidate struct {
	Header
	Candidate webrtc.ICECandidateInit
}

// JoinRoom and LeaveRoom are sent to the relay; UserJoined and UserLeft are
// the relay's notifications about the other party.
type JoinRoom struct{ Header }

type LeaveRoom struct{ Header }

type UserJoined struct{ Header }

type UserLeft struct{ Header }

// Error is a relay or peer reported failure. Fatal errors end the call.
type Error struct {
	Header
	Code    string
	Message string
	Fatal   bool
}

func (CallInvitation) Kind() Type { return TypeCallInvitation }
func (CallResponse) Kind() Type   { return TypeCallResponse }
func (Offer) Kind() Type          { return TypeOffer }
func (Answer) Kind() Type         { return TypeAnswer }
func (IceCandidate) Kind() Type   { return TypeIceCandidate }
func (JoinRoom) Kind() Type       { return TypeJoinRoom }
func (LeaveRoom) Kind() Type      { return TypeLeaveRoom }
func (UserJoined) Kind() Type     { return TypeUserJoined }
func (UserLeft) Kind() Type       { return TypeUserLeft }
func (Error) Kind() Type          { return TypeError }

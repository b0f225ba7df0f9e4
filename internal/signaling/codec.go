package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

var errInvalidMessage = errors.New("signaling: invalid message")

// envelope is the wire shape of every message.
type envelope struct {
	Type         Type            `json:"type"`
	UserID       string          `json:"userId"`
	CallID       string          `json:"callId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type invitationData struct {
	InvitationID string   `json:"invitationId"`
	CallType     CallType `json:"callType"`
	CallerName   string   `json:"callerName,omitempty"`
}

type responseData struct {
	InvitationID string `json:"invitationId"`
	Accepted     bool   `json:"accepted"`
}

type sdp struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func sdpFromPion(desc webrtc.SessionDescription) sdp {
	return sdp{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s sdp) toPion(want webrtc.SDPType) (webrtc.SessionDescription, error) {
	if s.Type != want.String() {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: sdp.type=%q, want %q", errInvalidMessage, s.Type, want.String())
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: missing sdp", errInvalidMessage)
	}
	return webrtc.SessionDescription{Type: want, SDP: s.SDP}, nil
}

type candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func candidateFromPion(init webrtc.ICECandidateInit) candidate {
	return candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c candidate) toPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// Encode serializes m into its wire form.
func Encode(m Message) ([]byte, error) {
	h := m.Meta()
	env := envelope{
		Type:         m.Kind(),
		UserID:       h.UserID,
		CallID:       h.CallID,
		TargetUserID: h.TargetUserID,
	}

	var data any
	switch v := m.(type) {
	case CallInvitation:
		data = invitationData{InvitationID: v.InvitationID, CallType: v.CallType, CallerName: v.CallerName}
	case CallResponse:
		data = responseData{InvitationID: v.InvitationID, Accepted: v.Accepted}
	case Offer:
		data = sdpFromPion(v.SDP)
	case Answer:
		data = sdpFromPion(v.SDP)
	case IceCandidate:
		data = candidateFromPion(v.Candidate)
	case Error:
		data = errorData{Code: v.Code, Message: v.Message, Fatal: v.Fatal}
	case JoinRoom, LeaveRoom, UserJoined, UserLeft:
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", errInvalidMessage, m)
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode parses one wire message. Unknown fields, trailing data and payloads
// that do not fit the message type are rejected.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := strictUnmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}

	h := Header{CallID: env.CallID, UserID: env.UserID, TargetUserID: env.TargetUserID}

	switch env.Type {
	case TypeCallInvitation:
		var d invitationData
		if err := env.decodeData(&d); err != nil {
			return nil, err
		}
		if d.InvitationID == "" {
			return nil, fmt.Errorf("%w: invitation missing invitationId", errInvalidMessage)
		}
		if d.CallType != CallTypeAudio && d.CallType != CallTypeVideo {
			return nil, fmt.Errorf("%w: callType %q", errInvalidMessage, d.CallType)
		}
		return CallInvitation{Header: h, InvitationID: d.InvitationID, CallType: d.CallType, CallerName: d.CallerName}, nil

	case TypeCallResponse:
		var d responseData
		if err := env.decodeData(&d); err != nil {
			return nil, err
		}
		if d.InvitationID == "" {
			return nil, fmt.Errorf("%w: response missing invitationId", errInvalidMessage)
		}
		return CallResponse{Header: h, InvitationID: d.InvitationID, Accepted: d.Accepted}, nil

	case TypeOffer, TypeAnswer:
		var d sdp
		if err := env.decodeData(&d); err != nil {
			return nil, err
		}
		if env.Type == TypeOffer {
			desc, err := d.toPion(webrtc.SDPTypeOffer)
			if err != nil {
				return nil, err
			}
			return Offer{Header: h, SDP: desc}, nil
		}
		desc, err := d.toPion(webrtc.SDPTypeAnswer)
		if err != nil {
			return nil, err
		}
		return Answer{Header: h, SDP: desc}, nil

	case TypeIceCandidate:
		var d candidate
		if err := env.decodeData(&d); err != nil {
			return nil, err
		}
		return IceCandidate{Header: h, Candidate: d.toPion()}, nil

	case TypeJoinRoom, TypeLeaveRoom, TypeUserJoined, TypeUserLeft:
		if !emptyData(env.Data) {
			return nil, fmt.Errorf("%w: %s message has unexpected data", errInvalidMessage, env.Type)
		}
		switch env.Type {
		case TypeJoinRoom:
			return JoinRoom{h}, nil
		case TypeLeaveRoom:
			return LeaveRoom{h}, nil
		case TypeUserJoined:
			return UserJoined{h}, nil
		default:
			return UserLeft{h}, nil
		}

	case TypeError:
		var d errorData
		if err := env.decodeData(&d); err != nil {
			return nil, err
		}
		if d.Code == "" || d.Message == "" {
			return nil, fmt.Errorf("%w: error message missing code/message", errInvalidMessage)
		}
		return Error{Header: h, Code: d.Code, Message: d.Message, Fatal: d.Fatal}, nil
	}

	return nil, fmt.Errorf("%w: unsupported message type %q", errInvalidMessage, env.Type)
}

func (e envelope) validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%w: %s message missing userId", errInvalidMessage, e.Type)
	}
	switch e.Type {
	case TypeCallInvitation, TypeCallResponse:
		if e.CallID == "" || e.TargetUserID == "" {
			return fmt.Errorf("%w: %s message needs callId and targetUserId", errInvalidMessage, e.Type)
		}
	case TypeOffer, TypeAnswer, TypeIceCandidate, TypeJoinRoom, TypeLeaveRoom, TypeUserJoined, TypeUserLeft:
		if e.CallID == "" {
			return fmt.Errorf("%w: %s message missing callId", errInvalidMessage, e.Type)
		}
	case TypeError:
	default:
		return fmt.Errorf("%w: unsupported message type %q", errInvalidMessage, e.Type)
	}
	return nil
}

func (e envelope) decodeData(v any) error {
	if emptyData(e.Data) {
		return fmt.Errorf("%w: %s message missing data", errInvalidMessage, e.Type)
	}
	if err := strictUnmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", errInvalidMessage, e.Type, err)
	}
	return nil
}

func emptyData(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null")) || bytes.Equal(t, []byte("{}"))
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

// IsInvalidMessage reports whether err came from decoding a malformed frame.
func IsInvalidMessage(err error) bool { return errors.Is(err, errInvalidMessage) }

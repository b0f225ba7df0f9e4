package signaling

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestEncodeDecodeInvitation(t *testing.T) {
	in := CallInvitation{
		Header:       Header{CallID: "c1", UserID: "alice", TargetUserID: "bob"},
		InvitationID: "inv-1",
		CallType:     CallTypeVideo,
		CallerName:   "Alice",
	}
	b, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"type":"call-invitation"`) {
		t.Fatalf("missing type discriminator: %s", b)
	}

	out, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := out.(CallInvitation)
	if !ok {
		t.Fatalf("decoded %T", out)
	}
	if got != in {
		t.Fatalf("got %+v, want %+v", got, in)
	}
}

func TestDecodeOfferKeepsSDP(t *testing.T) {
	raw := `{"type":"offer","userId":"bob","callId":"c1","data":{"type":"offer","sdp":"v=0\r\n"}}`
	m, err := Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	o, ok := m.(Offer)
	if !ok {
		t.Fatalf("decoded %T", m)
	}
	if o.SDP.Type != webrtc.SDPTypeOffer || o.SDP.SDP != "v=0\r\n" {
		t.Fatalf("sdp = %+v", o.SDP)
	}
	if o.Meta().CallID != "c1" || o.Meta().UserID != "bob" {
		t.Fatalf("header = %+v", o.Meta())
	}
}

func TestDecodeCandidate(t *testing.T) {
	raw := `{"type":"ice-candidate","userId":"bob","callId":"c1","data":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`
	m, err := Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	c := m.(IceCandidate).Candidate
	if c.SDPMid == nil || *c.SDPMid != "0" || c.SDPMLineIndex == nil || *c.SDPMLineIndex != 0 {
		t.Fatalf("candidate = %+v", c)
	}
}

func TestDecodeRoomEvents(t *testing.T) {
	for _, typ := range []Type{TypeJoinRoom, TypeLeaveRoom, TypeUserJoined, TypeUserLeft} {
		m, err := Decode([]byte(`{"type":"` + string(typ) + `","userId":"bob","callId":"c1"}`))
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if m.Kind() != typ {
			t.Fatalf("kind = %s, want %s", m.Kind(), typ)
		}
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `nope`},
		{"unknown type", `{"type":"hello","userId":"a","callId":"c"}`},
		{"unknown field", `{"type":"join-room","userId":"a","callId":"c","extra":1}`},
		{"trailing data", `{"type":"join-room","userId":"a","callId":"c"} {}`},
		{"missing user", `{"type":"join-room","callId":"c"}`},
		{"missing call id", `{"type":"offer","userId":"a","data":{"type":"offer","sdp":"v=0"}}`},
		{"invitation without target", `{"type":"call-invitation","userId":"a","callId":"c","data":{"invitationId":"i","callType":"audio"}}`},
		{"bad call type", `{"type":"call-invitation","userId":"a","callId":"c","targetUserId":"b","data":{"invitationId":"i","callType":"screen"}}`},
		{"answer carrying offer sdp", `{"type":"answer","userId":"a","callId":"c","data":{"type":"offer","sdp":"v=0"}}`},
		{"empty sdp", `{"type":"offer","userId":"a","callId":"c","data":{"type":"offer","sdp":""}}`},
		{"unknown data field", `{"type":"call-response","userId":"a","callId":"c","targetUserId":"b","data":{"invitationId":"i","accepted":true,"x":1}}`},
		{"room event with data", `{"type":"user-left","userId":"a","callId":"c","data":{"x":1}}`},
		{"error without code", `{"type":"error","userId":"relay","data":{"message":"boom"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.raw)); !IsInvalidMessage(err) {
				t.Fatalf("err = %v, want invalid message", err)
			}
		})
	}
}

func TestErrorMessageNeedsNoCallID(t *testing.T) {
	m, err := Decode([]byte(`{"type":"error","userId":"relay","data":{"code":"room_full","message":"room is full","fatal":true}}`))
	if err != nil {
		t.Fatal(err)
	}
	e := m.(Error)
	if e.Code != "room_full" || !e.Fatal {
		t.Fatalf("error = %+v", e)
	}
}

func TestEncodeValidatesEnvelope(t *testing.T) {
	_, err := Encode(JoinRoom{Header{UserID: "alice"}})
	if !IsInvalidMessage(err) {
		t.Fatalf("err = %v, want invalid message", err)
	}
}

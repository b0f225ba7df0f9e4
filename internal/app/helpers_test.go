package app

import (
	"testing"
	"time"

	"github.com/petervdpas/callcore/internal/config"
)

func TestNormalizeLocalAddr(t *testing.T) {
	cases := map[string]string{
		":8791":         "127.0.0.1:8791",
		"0.0.0.0:8791":  "127.0.0.1:8791",
		"127.0.0.1:80":  "127.0.0.1:80",
		" [::1]:9000 ":  "[::1]:9000",
	}
	for in, want := range cases {
		got, url := normalizeLocalAddr(in)
		if got != want || url != "http://"+want {
			t.Errorf("normalizeLocalAddr(%q) = %q, %q", in, got, url)
		}
	}
}

func TestICEServers(t *testing.T) {
	got := iceServers(config.ICE{Servers: []config.ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org"}, Username: "u", Credential: "p"},
	}})
	if len(got) != 2 {
		t.Fatalf("servers = %+v", got)
	}
	if got[0].Username != "" || got[0].Credential != nil {
		t.Fatalf("stun server carries credentials: %+v", got[0])
	}
	if got[1].Username != "u" || got[1].Credential != "p" {
		t.Fatalf("turn server = %+v", got[1])
	}
}

func TestSignalingOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.UserID = "alice"
	cfg.Signaling.TokenSecret = "s3cret"

	o := signalingOptions(&cfg)
	if o.UserID != "alice" || o.TokenSecret != "s3cret" {
		t.Fatalf("options = %+v", o)
	}
	if o.PingInterval != 20*time.Second || o.HandshakeTimeout != 10*time.Second || o.TokenTTL != time.Minute {
		t.Fatalf("durations = %+v", o)
	}
}

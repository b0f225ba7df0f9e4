package signaling

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	tok, err := NewToken("s3cret", "alice", time.Minute, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	sub, err := ParseToken("s3cret", tok)
	if err != nil {
		t.Fatal(err)
	}
	if sub != "alice" {
		t.Fatalf("subject = %q", sub)
	}
}

func TestTokenRejectsWrongSecretAndExpiry(t *testing.T) {
	tok, _ := NewToken("s3cret", "alice", time.Minute, time.Now())
	if _, err := ParseToken("other", tok); err == nil {
		t.Fatal("wrong secret accepted")
	}

	old, _ := NewToken("s3cret", "alice", time.Minute, time.Now().Add(-time.Hour))
	if _, err := ParseToken("s3cret", old); err == nil {
		t.Fatal("expired token accepted")
	}
}

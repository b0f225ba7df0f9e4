package peer

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

func TestStatsTableCountsPackets(t *testing.T) {
	s := newStatsTable()
	s.add("video-1", webrtc.RTPCodecTypeVideo)
	s.add("audio-1", webrtc.RTPCodecTypeAudio)

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: 7, SSRC: 1},
		Payload: make([]byte, 100),
	}
	s.record("video-1", pkt)
	pkt.SequenceNumber = 8
	s.record("video-1", pkt)
	s.record("unknown", pkt)

	got := s.snapshot()
	if len(got) != 2 || got[0].ID != "audio-1" || got[1].ID != "video-1" {
		t.Fatalf("snapshot = %+v", got)
	}
	v := got[1]
	if v.Kind != "video" || v.Packets != 2 || v.LastSequence != 8 {
		t.Fatalf("video stats = %+v", v)
	}
	if v.Bytes != 2*uint64(pkt.MarshalSize()) || v.LastPacketAt.IsZero() {
		t.Fatalf("video bytes/time = %+v", v)
	}
	if got[0].Packets != 0 {
		t.Fatalf("audio stats = %+v", got[0])
	}
}

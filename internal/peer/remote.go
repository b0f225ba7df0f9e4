package peer

import (
	"sort"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often a keyframe is requested for remote video.
const pliInterval = 3 * time.Second

// RemoteTrack describes a track the remote party sent.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	MimeType string
}

// TrackStats are receive counters for one remote track.
type TrackStats struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Packets      uint64    `json:"packets"`
	Bytes        uint64    `json:"bytes"`
	LastSequence uint16    `json:"last_sequence"`
	LastPacketAt time.Time `json:"last_packet_at"`
}

type statsTable struct {
	mu     sync.Mutex
	tracks map[string]*TrackStats
}

func newStatsTable() *statsTable {
	return &statsTable{tracks: make(map[string]*TrackStats)}
}

func (s *statsTable) add(id string, kind webrtc.RTPCodecType) {
	s.mu.Lock()
	s.tracks[id] = &TrackStats{ID: id, Kind: kind.String()}
	s.mu.Unlock()
}

func (s *statsTable) record(id string, pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tracks[id]
	if !ok {
		return
	}
	st.Packets++
	st.Bytes += uint64(pkt.MarshalSize())
	st.LastSequence = pkt.SequenceNumber
	st.LastPacketAt = time.Now()
}

func (s *statsTable) snapshot() []TrackStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrackStats, 0, len(s.tracks))
	for _, st := range s.tracks {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns receive counters for every remote track seen so far.
func (l *Link) Stats() []TrackStats {
	return l.stats.snapshot()
}

func (l *Link) handleRemoteTrack(track *webrtc.TrackRemote) {
	info := RemoteTrack{
		ID:       track.ID(),
		StreamID: track.StreamID(),
		Kind:     track.Kind(),
		MimeType: track.Codec().MimeType,
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.stats.add(info.ID, info.Kind)
	l.wg.Add(1)
	if info.Kind == webrtc.RTPCodecTypeVideo {
		l.wg.Add(1)
	}
	l.mu.Unlock()

	log.Infof("PEER: remote %s track %s (%s)", info.Kind, info.ID, info.MimeType)
	if l.handlers.OnRemoteTrack != nil {
		l.handlers.OnRemoteTrack(info)
	}

	readerDone := make(chan struct{})
	go func() {
		defer l.wg.Done()
		defer close(readerDone)
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				log.Debugf("PEER: remote track %s ended: %v", info.ID, err)
				return
			}
			l.stats.record(info.ID, pkt)
		}
	}()

	if info.Kind == webrtc.RTPCodecTypeVideo {
		go func() {
			defer l.wg.Done()
			l.requestKeyframes(uint32(track.SSRC()), readerDone)
		}()
	}
}

// requestKeyframes sends a PLI for ssrc periodically so a decoder that
// joined late or lost packets recovers quickly.
func (l *Link) requestKeyframes(ssrc uint32, stop <-chan struct{}) {
	t := time.NewTicker(pliInterval)
	defer t.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-stop:
			return
		case <-t.C:
			if err := l.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				log.Debugf("PEER: PLI for %d: %v", ssrc, err)
			}
		}
	}
}

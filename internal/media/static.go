package media

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// StaticSource produces sample tracks that never carry frames. It stands in
// for real devices on headless hosts and in tests: negotiation, toggling and
// release behave exactly as with captured tracks.
type StaticSource struct {
	opened atomic.Int64
	closed atomic.Int64
}

func NewStaticSource() *StaticSource { return &StaticSource{} }

// Open returns how many tracks are currently open.
func (s *StaticSource) Open() int64 { return s.opened.Load() - s.closed.Load() }

func (s *StaticSource) Capture(ctx context.Context, video bool) ([]LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "callcore-" + uuid.NewString()

	var out []LocalTrack
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}
	out = append(out, s.wrap(audio))

	if video {
		vid, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			closeAll(out)
			return nil, err
		}
		out = append(out, s.wrap(vid))
	}
	return out, nil
}

func (s *StaticSource) wrap(t *webrtc.TrackLocalStaticSample) LocalTrack {
	s.opened.Add(1)
	return &staticTrack{TrackLocalStaticSample: t, src: s}
}

type staticTrack struct {
	*webrtc.TrackLocalStaticSample
	src    *StaticSource
	closed atomic.Bool
}

func (t *staticTrack) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.src.closed.Add(1)
	}
	return nil
}

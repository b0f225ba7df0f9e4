//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceOptions bounds what the camera is asked for.
type DeviceOptions struct {
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

// DeviceSource captures from V4L2 cameras and malgo microphones through
// pion/mediadevices, encoding VP8 video and Opus audio.
type DeviceSource struct {
	opts     DeviceOptions
	selector *mediadevices.CodecSelector
}

// NewDeviceSource builds the VP8/Opus codec selector shared by capture and
// the MediaEngine.
func NewDeviceSource(opts DeviceOptions) (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &DeviceSource{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs populates m with the selector's codecs so negotiated
// payload types match what the encoders emit.
func (s *DeviceSource) RegisterCodecs(m *webrtc.MediaEngine) error {
	s.selector.Populate(m)
	return nil
}

func (s *DeviceSource) Capture(ctx context.Context, video bool) ([]LocalTrack, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, &Error{Kind: KindDeviceUnavailable, Err: fmt.Errorf("no media devices found")}
	}
	for _, d := range devices {
		log.Debugf("MEDIA: device kind=%v label=%q", d.Kind, d.Label)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only: some cameras expose an MJPEG node whose
			// malformed frames poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: s.opts.MaxWidth}
			c.Height = prop.IntRanged{Max: s.opts.MaxHeight}
		}
	}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}

	label := "audio-only"
	if video {
		label = "video+audio"
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("GetUserMedia (%s): %w", label, err)
	}

	tracks := stream.GetTracks()
	out := make([]LocalTrack, 0, len(tracks))
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("MEDIA: local %s track ended: %v", track.Kind(), err)
			}
		})
		out = append(out, track)
	}

	if err := ctx.Err(); err != nil {
		closeAll(out)
		return nil, err
	}
	return out, nil
}

package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callcore/internal/peer"
	"github.com/petervdpas/callcore/internal/signaling"
)

// SignalingDialer dials endpoint() with opts() for every call attempt, so
// configuration reloads take effect on the next call.
func SignalingDialer(endpoint func() string, opts func() signaling.Options) DialFunc {
	return func(ctx context.Context) (Channel, error) {
		ch, err := signaling.Dial(ctx, endpoint(), opts())
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// PeerLinks creates links from api using the ICE servers current at call
// time.
func PeerLinks(api *webrtc.API, iceServers func() []webrtc.ICEServer) LinkFactory {
	return func(h peer.Handlers) (Link, error) {
		l, err := peer.NewLink(api, peer.Config{ICEServers: iceServers()}, h)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// Package peer wraps one pion PeerConnection per call. A Link enforces the
// offer/answer ordering, buffers remote candidates that arrive before the
// remote description and reports connection state changes to its owner.
package peer

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callcore/internal/media"
)

// Config is the per-link configuration.
type Config struct {
	ICEServers []webrtc.ICEServer
}

// Handlers receive link events. They run on pion goroutines and must not
// block; any of them may be nil.
type Handlers struct {
	OnLocalCandidate func(webrtc.ICECandidateInit)
	OnStateChange    func(State)
	OnRemoteTrack    func(RemoteTrack)
}

// peerConnection is the subset of *webrtc.PeerConnection a Link drives.
type peerConnection interface {
	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	WriteRTCP([]rtcp.Packet) error
	Close() error
}

// Link is a single-use peer connection. It is never reused across calls.
type Link struct {
	pc       peerConnection
	handlers Handlers

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	localSet  bool
	localType webrtc.SDPType
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
	state     State
	senders   []*webrtc.RTPSender

	stats *statsTable
}

// NewLink creates a peer connection from api and wires h.
func NewLink(api *webrtc.API, cfg Config, h Handlers) (*Link, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newLink(pc, h), nil
}

func newLink(pc peerConnection, h Handlers) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		pc:       pc,
		handlers: h,
		ctx:      ctx,
		cancel:   cancel,
		stats:    newStatsTable(),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || l.isClosed() {
			return
		}
		if h.OnLocalCandidate != nil {
			h.OnLocalCandidate(c.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		st := stateFromPion(s)
		l.mu.Lock()
		l.state = st
		l.mu.Unlock()
		log.Debugf("PEER: connection state %s", st)
		if h.OnStateChange != nil {
			h.OnStateChange(st)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.handleRemoteTrack(track)
	})
	return l
}

// State returns the last reported connection state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// AttachLocalMedia adds every track of h to the connection. Enable/disable
// flips on a track swap the sender's source without renegotiation.
func (l *Link) AttachLocalMedia(h *media.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	for _, t := range h.Tracks() {
		sender, err := l.pc.AddTrack(t.Local())
		if err != nil {
			return fmt.Errorf("%w: add %s track: %v", ErrNegotiationFailed, t.Kind(), err)
		}
		l.senders = append(l.senders, sender)
		if sender == nil {
			continue
		}

		track := t
		track.OnEnabledChange(func(enabled bool) { l.setSenderEnabled(sender, track, enabled) })
		if !track.Enabled() {
			if err := sender.ReplaceTrack(nil); err != nil {
				log.Warnf("PEER: detach disabled %s track: %v", track.Kind(), err)
			}
		}

		// Drain sender RTCP so the interceptors see receiver reports.
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				if _, _, err := sender.ReadRTCP(); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (l *Link) setSenderEnabled(sender *webrtc.RTPSender, t *media.Track, enabled bool) {
	if l.isClosed() {
		return
	}
	var src webrtc.TrackLocal
	if enabled {
		src = t.Local()
	}
	if err := sender.ReplaceTrack(src); err != nil {
		log.Warnf("PEER: replace %s track (enabled=%v): %v", t.Kind(), enabled, err)
	}
}

// CreateOffer creates and commits the local offer.
func (l *Link) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if l.localSet {
		return webrtc.SessionDescription{}, ErrLocalDescriptionSet
	}

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local offer: %v", ErrNegotiationFailed, err)
	}
	l.localSet = true
	l.localType = webrtc.SDPTypeOffer
	return offer, nil
}

// ApplyRemoteOffer commits the remote offer, flushes buffered candidates and
// returns the committed local answer.
func (l *Link) ApplyRemoteOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if l.remoteSet {
		return webrtc.SessionDescription{}, ErrRemoteDescriptionSet
	}
	if l.localSet {
		return webrtc.SessionDescription{}, ErrLocalDescriptionSet
	}

	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set remote offer: %v", ErrNegotiationFailed, err)
	}
	l.remoteSet = true
	l.flushPendingLocked()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", ErrNegotiationFailed, err)
	}
	l.localSet = true
	l.localType = webrtc.SDPTypeAnswer
	return answer, nil
}

// ApplyRemoteAnswer commits the remote answer to our offer and flushes
// buffered candidates.
func (l *Link) ApplyRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.remoteSet {
		return ErrRemoteDescriptionSet
	}
	if !l.localSet || l.localType != webrtc.SDPTypeOffer {
		return ErrNoLocalOffer
	}

	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", ErrNegotiationFailed, err)
	}
	l.remoteSet = true
	l.flushPendingLocked()
	return nil
}

// AddRemoteCandidate applies c, or queues it until the remote description
// is committed.
func (l *Link) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		return nil
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: add candidate: %v", ErrNegotiationFailed, err)
	}
	return nil
}

// Pending returns the number of candidates waiting for a remote description.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Link) flushPendingLocked() {
	queued := l.pending
	l.pending = nil
	for _, c := range queued {
		if err := l.pc.AddICECandidate(c); err != nil {
			log.Warnf("PEER: buffered candidate rejected: %v", err)
		}
	}
	if len(queued) > 0 {
		log.Debugf("PEER: flushed %d buffered candidate(s)", len(queued))
	}
}

// Close tears the connection down. Safe to call more than once; every later
// operation returns ErrClosed.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.pending = nil
	l.mu.Unlock()

	l.cancel()
	err := l.pc.Close()
	l.wg.Wait()
	return err
}

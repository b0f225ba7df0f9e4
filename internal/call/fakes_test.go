package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callcore/internal/media"
	"github.com/petervdpas/callcore/internal/peer"
	"github.com/petervdpas/callcore/internal/signaling"
)

// fakeRelay routes messages between in-memory channels the way the real
// relay does: invitations and responses by target user, everything else
// within the call's room.
type fakeRelay struct {
	mu     sync.Mutex
	users  map[string][]*fakeChannel
	rooms  map[string][]*fakeChannel
	inbox  map[string]func(signaling.CallInvitation)
	dials  atomic.Int64
	failed error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		users: make(map[string][]*fakeChannel),
		rooms: make(map[string][]*fakeChannel),
		inbox: make(map[string]func(signaling.CallInvitation)),
	}
}

// onInvite delivers invitations for user out of band, like a push.
func (r *fakeRelay) onInvite(user string, fn func(signaling.CallInvitation)) {
	r.mu.Lock()
	r.inbox[user] = fn
	r.mu.Unlock()
}

func (r *fakeRelay) dialer(user string) DialFunc {
	return func(ctx context.Context) (Channel, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.dials.Add(1)
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.failed != nil {
			return nil, r.failed
		}
		return r.openLocked(user), nil
	}
}

func (r *fakeRelay) open(user string) *fakeChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openLocked(user)
}

// channels lists user's open channels, oldest first.
func (r *fakeRelay) channels(user string) []*fakeChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeChannel(nil), r.users[user]...)
}

func (r *fakeRelay) openLocked(user string) *fakeChannel {
	ch := &fakeChannel{
		relay: r,
		user:  user,
		msgs:  make(chan signaling.Message, 256),
		done:  make(chan struct{}),
	}
	r.users[user] = append(r.users[user], ch)
	return ch
}

func (r *fakeRelay) route(from *fakeChannel, m signaling.Message) {
	var invite func(signaling.CallInvitation)

	r.mu.Lock()
	h := m.Meta()
	switch msg := m.(type) {
	case signaling.CallInvitation:
		if fn := r.inbox[h.TargetUserID]; fn != nil {
			invite = func(signaling.CallInvitation) { fn(msg) }
		} else {
			r.toUserLocked(h.TargetUserID, m)
		}
	case signaling.CallResponse, signaling.Error:
		r.toUserLocked(h.TargetUserID, m)
	case signaling.JoinRoom:
		for _, other := range r.rooms[h.CallID] {
			other.deliver(signaling.UserJoined{Header: signaling.Header{CallID: h.CallID, UserID: from.user}})
		}
		r.rooms[h.CallID] = append(r.rooms[h.CallID], from)
	case signaling.LeaveRoom:
		r.leaveLocked(from, h.CallID)
	default:
		for _, other := range r.rooms[h.CallID] {
			if other != from {
				other.deliver(m)
			}
		}
	}
	r.mu.Unlock()

	if invite != nil {
		invite(m.(signaling.CallInvitation))
	}
}

func (r *fakeRelay) toUserLocked(user string, m signaling.Message) {
	for _, ch := range r.users[user] {
		ch.deliver(m)
	}
}

func (r *fakeRelay) leaveLocked(ch *fakeChannel, callID string) {
	members := r.rooms[callID]
	kept := members[:0]
	found := false
	for _, m := range members {
		if m == ch {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	r.rooms[callID] = kept
	if !found {
		return
	}
	for _, other := range kept {
		other.deliver(signaling.UserLeft{Header: signaling.Header{CallID: callID, UserID: ch.user}})
	}
}

func (r *fakeRelay) detach(ch *fakeChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for callID, members := range r.rooms {
		for _, m := range members {
			if m == ch {
				r.leaveLocked(ch, callID)
				break
			}
		}
	}
	list := r.users[ch.user]
	for i, c := range list {
		if c == ch {
			r.users[ch.user] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

type fakeChannel struct {
	relay *fakeRelay
	user  string

	msgs chan signaling.Message
	done chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
	sent   []signaling.Message
	closes int
}

func (c *fakeChannel) Messages() <-chan signaling.Message { return c.msgs }
func (c *fakeChannel) Done() <-chan struct{}              { return c.done }

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) Send(m signaling.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return signaling.ErrNotConnected
	}
	c.sent = append(c.sent, m)
	c.mu.Unlock()
	c.relay.route(c, m)
	return nil
}

func (c *fakeChannel) deliver(m signaling.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.msgs <- m
}

func (c *fakeChannel) Close() error {
	c.shutdown(nil)
	return nil
}

// drop simulates the relay going away.
func (c *fakeChannel) drop() {
	c.shutdown(signaling.ErrDisconnected)
}

func (c *fakeChannel) shutdown(err error) {
	c.mu.Lock()
	c.closes++
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
	close(c.msgs)
	c.mu.Unlock()
	c.relay.detach(c)
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) sentKinds() []signaling.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signaling.Type, len(c.sent))
	for i, m := range c.sent {
		out[i] = m.Kind()
	}
	return out
}

// fakeLink stands in for a peer link; tests drive its state by hand.
type fakeLink struct {
	h peer.Handlers

	mu            sync.Mutex
	attached      *media.Handle
	offers        int
	remoteOffers  int
	remoteAnswers int
	candidates    int
	closes        int
}

func (l *fakeLink) AttachLocalMedia(h *media.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attached = h
	return nil
}

func (l *fakeLink) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	if l.closes > 0 {
		l.mu.Unlock()
		return webrtc.SessionDescription{}, peer.ErrClosed
	}
	l.offers++
	l.mu.Unlock()
	l.h.OnLocalCandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"})
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (l *fakeLink) ApplyRemoteOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remoteOffers > 0 || l.remoteAnswers > 0 {
		return webrtc.SessionDescription{}, peer.ErrRemoteDescriptionSet
	}
	l.remoteOffers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (l *fakeLink) ApplyRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remoteOffers > 0 || l.remoteAnswers > 0 {
		return peer.ErrRemoteDescriptionSet
	}
	if l.offers == 0 {
		return peer.ErrNoLocalOffer
	}
	l.remoteAnswers++
	return nil
}

func (l *fakeLink) AddRemoteCandidate(webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates++
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *fakeLink) counts() (offers, remoteOffers, remoteAnswers, closes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offers, l.remoteOffers, l.remoteAnswers, l.closes
}

func (l *fakeLink) setState(s peer.State) { l.h.OnStateChange(s) }

type linkRecorder struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (r *linkRecorder) factory(h peer.Handlers) (Link, error) {
	l := &fakeLink{h: h}
	r.mu.Lock()
	r.links = append(r.links, l)
	r.mu.Unlock()
	return l, nil
}

func (r *linkRecorder) last(t *testing.T) *fakeLink {
	t.Helper()
	var l *fakeLink
	waitFor(t, "link created", func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		if len(r.links) == 0 {
			return false
		}
		l = r.links[len(r.links)-1]
		return true
	})
	return l
}

// countingMedia counts Release calls on top of a real manager.
type countingMedia struct {
	*media.Manager
	acquires atomic.Int64
	releases atomic.Int64
}

func (m *countingMedia) Acquire(ctx context.Context, video bool) (*media.Handle, error) {
	m.acquires.Add(1)
	return m.Manager.Acquire(ctx, video)
}

func (m *countingMedia) Release(h *media.Handle) error {
	m.releases.Add(1)
	return m.Manager.Release(h)
}

// blockingMedia never finishes acquiring until ctx ends.
type blockingMedia struct {
	countingMedia
	started chan struct{}
}

func (m *blockingMedia) Acquire(ctx context.Context, video bool) (*media.Handle, error) {
	m.acquires.Add(1)
	close(m.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeRecords struct {
	mu    sync.Mutex
	begun []Record
	ended map[string]uint32
	fail  error
}

func (r *fakeRecords) BeginCall(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begun = append(r.begun, rec)
	return r.fail
}

func (r *fakeRecords) EndCall(_ context.Context, callID string, _ time.Time, d uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended == nil {
		r.ended = make(map[string]uint32)
	}
	r.ended[callID] = d
	return r.fail
}

func (r *fakeRecords) endedWith(callID string) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.ended[callID]
	return d, ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitStatus(t *testing.T, c *Controller, want Status) Session {
	t.Helper()
	var s Session
	waitFor(t, "status "+want.String(), func() bool {
		s = c.Session()
		return s.Status == want
	})
	return s
}

var errDialRefused = errors.New("dial refused")
